// Package localfs implements the Storage capability directly over the
// operating system's filesystem calls. It serves both as the usual local
// side of a sync and, per spec, as a "remote" usable in tests.
package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/nextcloud-sync/syncengine/internal/pathutil"
	"github.com/nextcloud-sync/syncengine/internal/storage"
)

// Options configures a Backend instance.
type Options struct {
	Root           string
	FollowSymlinks bool
}

// Backend implements storage.Storage over a local directory tree, adapted
// from the upload/download/delete os.* calls the sync engine used directly
// against the filesystem.
type Backend struct {
	root            string
	caseInsensitive bool
	followSymlinks  bool
}

// New returns a Backend rooted at opts.Root. The root must already exist.
func New(opts Options) (*Backend, error) {
	if opts.Root == "" {
		return nil, &storage.ValidationError{Detail: "root cannot be empty"}
	}
	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, &storage.ValidationError{Detail: fmt.Sprintf("root %s is not a directory", abs)}
	}

	return &Backend{
		root:            abs,
		caseInsensitive: runtime.GOOS == "windows" || runtime.GOOS == "darwin",
		followSymlinks:  opts.FollowSymlinks,
	}, nil
}

var _ storage.Storage = (*Backend)(nil)
var _ storage.PermissionSetter = (*Backend)(nil)
var _ storage.ModTimeSetter = (*Backend)(nil)

func (b *Backend) resolve(relPath string) (string, error) {
	// ".." segments reach ResolveUnderRoot as written, so a path that climbs
	// above the root fails with PathEscapeError instead of being clamped.
	slashed := strings.TrimSpace(strings.ReplaceAll(relPath, "\\", "/"))
	resolved, err := pathutil.ResolveUnderRoot(b.root, string(os.PathSeparator), slashed, b.caseInsensitive)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// ListItems lists the immediate children of path.
func (b *Backend) ListItems(ctx context.Context, path string) ([]storage.SyncItem, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list directory %s: %w", path, err)
	}

	items := make([]storage.SyncItem, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}
		item, err := b.entryToSyncItem(pathutil.Join(path, name), filepath.Join(full, name), entry)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (b *Backend) entryToSyncItem(relPath, fullPath string, entry os.DirEntry) (storage.SyncItem, error) {
	isSymlink := entry.Type()&os.ModeSymlink != 0

	info, err := entry.Info()
	if err != nil {
		return storage.SyncItem{}, fmt.Errorf("stat %s: %w", fullPath, err)
	}

	size := info.Size()
	isDir := info.IsDir()
	if isSymlink {
		if b.followSymlinks {
			if target, terr := os.Stat(fullPath); terr == nil {
				isDir = target.IsDir()
				size = target.Size()
			}
		} else {
			size = 0
		}
	}

	return storage.SyncItem{
		Path:         relPath,
		IsDirectory:  isDir,
		IsSymlink:    isSymlink,
		Size:         size,
		LastModified: info.ModTime().UTC(),
		Permissions:  permissionsToOctal(info.Mode()),
	}, nil
}

// GetItem returns metadata for one entry, or nil if absent.
func (b *Backend) GetItem(ctx context.Context, path string) (*storage.SyncItem, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(full)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	isSymlink := info.Mode()&os.ModeSymlink != 0
	size := info.Size()
	isDir := info.IsDir()
	if isSymlink {
		if b.followSymlinks {
			if target, terr := os.Stat(full); terr == nil {
				isDir = target.IsDir()
				size = target.Size()
			}
		} else {
			size = 0
		}
	}

	return &storage.SyncItem{
		Path:         pathutil.Normalize(path),
		IsDirectory:  isDir,
		IsSymlink:    isSymlink,
		Size:         size,
		LastModified: info.ModTime().UTC(),
		Permissions:  permissionsToOctal(info.Mode()),
	}, nil
}

// ReadFile opens path for reading.
func (b *Backend) ReadFile(ctx context.Context, path string, progress storage.ProgressFunc) (io.ReadCloser, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, &storage.NotFoundError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, &storage.IsADirectoryError{Path: path}
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if progress == nil {
		return f, nil
	}
	return &progressReadCloser{f: f, path: path, total: info.Size(), progress: progress}, nil
}

type progressReadCloser struct {
	f        *os.File
	path     string
	total    int64
	read     int64
	progress storage.ProgressFunc
}

func (p *progressReadCloser) Read(buf []byte) (int, error) {
	n, err := p.f.Read(buf)
	if n > 0 {
		p.read += int64(n)
		percent := float64(0)
		if p.total > 0 {
			percent = float64(p.read) / float64(p.total) * 100
		}
		p.progress(storage.ProgressEvent{
			Path: p.path, BytesTransferred: p.read, TotalBytes: p.total,
			Operation: storage.OpDownload, Percent: percent,
		})
	}
	return n, err
}

func (p *progressReadCloser) Close() error { return p.f.Close() }

// WriteFile creates missing parents and writes content, then atomically
// renames the temp file into place so a concurrent reader never observes a
// partial write.
func (b *Backend) WriteFile(ctx context.Context, path string, content io.Reader, size int64, progress storage.ProgressFunc) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent directories for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".sync-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	var reader io.Reader = content
	var written int64
	if progress != nil {
		reader = &progressReader{r: content, path: path, total: size, progress: progress, written: &written}
	}

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("rename into place %s: %w", path, err)
	}
	return nil
}

type progressReader struct {
	r        io.Reader
	path     string
	total    int64
	written  *int64
	progress storage.ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		*p.written += int64(n)
		percent := float64(0)
		if p.total > 0 {
			percent = float64(*p.written) / float64(p.total) * 100
		}
		p.progress(storage.ProgressEvent{
			Path: p.path, BytesTransferred: *p.written, TotalBytes: p.total,
			Operation: storage.OpUpload, Percent: percent,
		})
	}
	return n, err
}

// CreateDirectory is idempotent and creates missing parents.
func (b *Backend) CreateDirectory(ctx context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// Delete is idempotent: recursive for directories, success on absent.
func (b *Backend) Delete(ctx context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Move creates the target's parents and fails with NotFoundError if source
// is absent.
func (b *Backend) Move(ctx context.Context, source, target string) error {
	fullSource, err := b.resolve(source)
	if err != nil {
		return err
	}
	fullTarget, err := b.resolve(target)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(fullSource); os.IsNotExist(err) {
		return &storage.NotFoundError{Path: source}
	}

	if err := os.MkdirAll(filepath.Dir(fullTarget), 0o755); err != nil {
		return fmt.Errorf("create parent directories for %s: %w", target, err)
	}
	if err := os.Rename(fullSource, fullTarget); err != nil {
		return fmt.Errorf("move %s to %s: %w", source, target, err)
	}
	return nil
}

// Exists reports whether path names an existing entry.
func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	full, err := b.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(full); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return true, nil
}

// StorageInfoOf reports disk usage for the filesystem holding the root.
// Not portable across OSes without a syscall package per platform; this
// implementation reports unsupported (-1, -1) as the spec allows.
func (b *Backend) StorageInfoOf(ctx context.Context) (storage.StorageInfo, error) {
	return storage.StorageInfo{Total: -1, Used: -1}, nil
}

// ComputeHash returns the base64-encoded SHA-256 of the file's content.
func (b *Backend) ComputeHash(ctx context.Context, path string) (string, error) {
	full, err := b.resolve(path)
	if err != nil {
		return "", err
	}

	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return "", &storage.NotFoundError{Path: path}
	}
	if err != nil {
		return "", fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// TestConnection always succeeds once the root has been validated at
// construction.
func (b *Backend) TestConnection(ctx context.Context) (bool, error) {
	info, err := os.Stat(b.root)
	if err != nil {
		return false, fmt.Errorf("root %s unreachable: %w", b.root, err)
	}
	return info.IsDir(), nil
}

// SetLastModified sets the file's modification time.
func (b *Backend) SetLastModified(ctx context.Context, path string, modified time.Time) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Chtimes(full, modified, modified); err != nil {
		return fmt.Errorf("set modification time for %s: %w", path, err)
	}
	return nil
}

// SetPermissions applies permissions, accepted in either octal ("755") or
// symbolic ("rwxr-xr-x", optionally prefixed with a type character) form.
func (b *Backend) SetPermissions(ctx context.Context, path, permissions string) error {
	if runtime.GOOS == "windows" {
		return nil // permissions are meaningless on this platform
	}

	full, err := b.resolve(path)
	if err != nil {
		return err
	}

	mode, err := ParsePermissions(permissions)
	if err != nil {
		return fmt.Errorf("parse permissions %q: %w", permissions, err)
	}
	if err := os.Chmod(full, mode); err != nil {
		return fmt.Errorf("set permissions for %s: %w", path, err)
	}
	return nil
}

// ParsePermissions accepts octal ("755") and symbolic ("rwxr-xr-x",
// optionally prefixed with a leading type character such as "d" or "-")
// forms and returns the equivalent os.FileMode.
func ParsePermissions(permissions string) (os.FileMode, error) {
	permissions = strings.TrimSpace(permissions)
	if permissions == "" {
		return 0, fmt.Errorf("empty permissions string")
	}

	if isOctal(permissions) {
		v, err := strconv.ParseUint(permissions, 8, 32)
		if err != nil {
			return 0, fmt.Errorf("parse octal permissions %q: %w", permissions, err)
		}
		return os.FileMode(v), nil
	}

	symbolic := permissions
	if len(symbolic) == 10 {
		symbolic = symbolic[1:] // strip leading type character (d, -, l, ...)
	}
	if len(symbolic) != 9 {
		return 0, fmt.Errorf("invalid symbolic permissions %q", permissions)
	}

	var mode os.FileMode
	bits := []struct {
		idx int
		bit os.FileMode
	}{
		{0, 0o400}, {1, 0o200}, {2, 0o100},
		{3, 0o040}, {4, 0o020}, {5, 0o010},
		{6, 0o004}, {7, 0o002}, {8, 0o001},
	}
	for _, b := range bits {
		if symbolic[b.idx] != '-' {
			mode |= b.bit
		}
	}
	return mode, nil
}

func isOctal(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}

func permissionsToOctal(mode os.FileMode) string {
	if runtime.GOOS == "windows" {
		return ""
	}
	return fmt.Sprintf("%03s", strconv.FormatUint(uint64(mode.Perm()), 8))
}
