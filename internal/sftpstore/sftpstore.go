// Package sftpstore implements the Storage capability over SFTP, with the
// chroot-detection state machine described in §4.1.2/§9: a single
// persistent connection, reacquired under a mutex after any connection-level
// error, addressing paths either absolutely or relative to the server's
// starting directory depending on what the configured root will tolerate.
package sftpstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/nextcloud-sync/syncengine/internal/pathutil"
	"github.com/nextcloud-sync/syncengine/internal/retry"
	"github.com/nextcloud-sync/syncengine/internal/storage"
)

// Options configures a Backend instance.
type Options struct {
	Host string
	Port int // defaults to 22

	Username string
	Password string // used when PrivateKey is empty

	// PrivateKey is a PEM-encoded private key; takes precedence over
	// Password when non-empty.
	PrivateKey           []byte
	PrivateKeyPassphrase string

	// Root is the configured root directory. Empty or relative roots put
	// the backend into relative-path mode; absolute roots attempt
	// absolute addressing first (§4.1.2).
	Root string

	// HostKeyCallback verifies the server's host key. Defaults to
	// ssh.InsecureIgnoreHostKey() if nil — callers deploying against
	// untrusted networks should supply a known_hosts-backed callback.
	HostKeyCallback ssh.HostKeyCallback

	DialTimeout time.Duration
	RetryConfig *retry.Config
	Logger      *log.Logger
}

// Backend implements storage.Storage over a single SFTP connection.
type Backend struct {
	opts        Options
	retryConfig *retry.Config
	logger      *log.Logger

	mu        sync.Mutex
	sshClient *ssh.Client
	client    *sftp.Client
	chroot    chrootMode
	// resolvedRoot is the native path prefix operations are addressed
	// under, in whichever form chroot detection settled on; altRootPath is
	// the other form, tried by safe_exists on permission-denied.
	resolvedRoot string
	altRootPath  string
}

var (
	_ storage.Storage          = (*Backend)(nil)
	_ storage.PermissionSetter = (*Backend)(nil)
)

// New returns a Backend for opts. It does not connect; the first operation
// dials lazily so construction never blocks on the network.
func New(opts Options) (*Backend, error) {
	if opts.Host == "" {
		return nil, &storage.ValidationError{Detail: "host cannot be empty"}
	}
	if opts.Username == "" {
		return nil, &storage.ValidationError{Detail: "username cannot be empty"}
	}
	if opts.Password == "" && len(opts.PrivateKey) == 0 {
		return nil, &storage.ValidationError{Detail: "either password or private key must be provided"}
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 30 * time.Second
	}

	retryConfig := opts.RetryConfig
	if retryConfig == nil {
		retryConfig = retry.DefaultLinearConfig()
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SFTP] ", log.LstdFlags)
	}

	return &Backend{
		opts:        opts,
		retryConfig: retryConfig,
		logger:      logger,
		chroot:      Uninitialized,
	}, nil
}

func buildAuthMethods(opts Options) ([]ssh.AuthMethod, error) {
	if len(opts.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if opts.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(opts.PrivateKey, []byte(opts.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(opts.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(opts.Password)}, nil
}

// ensureConnected dials and authenticates if not already connected, and
// runs chroot detection exactly once per connection's lifetime.
func (b *Backend) ensureConnected(ctx context.Context) (*sftp.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client, nil
	}

	auths, err := buildAuthMethods(b.opts)
	if err != nil {
		return nil, err
	}
	hostKeyCallback := b.opts.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	config := &ssh.ClientConfig{
		User:            b.opts.Username,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         b.opts.DialTimeout,
	}

	addr := net.JoinHostPort(b.opts.Host, strconv.Itoa(b.opts.Port))
	sshClient, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("start sftp session: %w", err)
	}

	b.sshClient = sshClient
	b.client = client

	if b.chroot == Uninitialized {
		if err := b.probeChroot(client); err != nil {
			b.logger.Printf("chroot detection degraded: %v", err)
		}
	}

	return client, nil
}

// invalidate closes and drops the current connection so the next operation
// reconnects from scratch.
func (b *Backend) invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	if b.sshClient != nil {
		b.sshClient.Close()
		b.sshClient = nil
	}
}

// withClient runs fn against a connected client, reconnecting and retrying
// per the linear backoff policy on connection-level errors only (§4.1.2);
// other errors propagate immediately without a reconnect.
func (b *Backend) withClient(ctx context.Context, fn func(*sftp.Client) error) error {
	return retry.Do(ctx, b.retryConfig, isConnectionError, func() error {
		client, err := b.ensureConnected(ctx)
		if err != nil {
			return err
		}
		err = fn(client)
		if err != nil && isConnectionError(err) {
			b.invalidate()
		}
		return err
	})
}

// isConnectionError reports whether err indicates the underlying connection
// (not the requested operation) failed, warranting a reconnect-and-retry.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var openErr *net.OpError
	if errors.As(err, &openErr) {
		return true
	}
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) {
		return true
	}
	return false
}

// resolveConnected ensures a connection exists (so chroot detection has
// run) and returns relPath mapped onto the active root form.
func (b *Backend) resolveConnected(ctx context.Context, relPath string) (string, error) {
	if _, err := b.ensureConnected(ctx); err != nil {
		return "", err
	}
	return b.resolve(relPath), nil
}

// ListItems lists the immediate children of path.
func (b *Backend) ListItems(ctx context.Context, dirPath string) ([]storage.SyncItem, error) {
	full, err := b.resolveConnected(ctx, dirPath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirPath, err)
	}
	var entries []os.FileInfo
	err = b.withClient(ctx, func(c *sftp.Client) error {
		var lerr error
		entries, lerr = c.ReadDir(full)
		return lerr
	})
	if isNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirPath, err)
	}

	items := make([]storage.SyncItem, 0, len(entries))
	for _, info := range entries {
		name := info.Name()
		if name == "." || name == ".." {
			continue
		}
		items = append(items, infoToSyncItem(pathutil.Join(dirPath, name), info))
	}
	return items, nil
}

// safeStat runs a permission-sensitive probe against relPath, trying the
// active root form first and falling back to the other on permission-denied
// (§4.1.2's safe_exists contract), with connection reacquisition on
// connection-level errors.
func (b *Backend) safeStat(ctx context.Context, relPath string, probe func(c *sftp.Client, full string) (os.FileInfo, error)) (os.FileInfo, error) {
	if _, err := b.ensureConnected(ctx); err != nil {
		return nil, err
	}
	var info os.FileInfo
	err := b.withClient(ctx, func(c *sftp.Client) error {
		var serr error
		info, serr = probe(c, b.resolve(relPath))
		if serr != nil && isPermissionDenied(serr) {
			info, serr = probe(c, b.altResolve(relPath))
		}
		return serr
	})
	return info, err
}

// GetItem returns metadata for one entry, or nil if absent.
func (b *Backend) GetItem(ctx context.Context, p string) (*storage.SyncItem, error) {
	info, err := b.safeStat(ctx, p, func(c *sftp.Client, full string) (os.FileInfo, error) {
		return c.Lstat(full)
	})
	if isNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	item := infoToSyncItem(pathutil.Normalize(p), info)
	return &item, nil
}

func infoToSyncItem(relPath string, info os.FileInfo) storage.SyncItem {
	isSymlink := info.Mode()&os.ModeSymlink != 0
	return storage.SyncItem{
		Path:         relPath,
		IsDirectory:  info.IsDir(),
		IsSymlink:    isSymlink,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
		Permissions:  fmt.Sprintf("%03o", info.Mode().Perm()),
	}
}

// ReadFile opens path for reading.
func (b *Backend) ReadFile(ctx context.Context, p string, progress storage.ProgressFunc) (io.ReadCloser, error) {
	full, err := b.resolveConnected(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	var file *sftp.File
	var size int64
	err = b.withClient(ctx, func(c *sftp.Client) error {
		info, serr := c.Stat(full)
		if serr != nil {
			return serr
		}
		if info.IsDir() {
			return &storage.IsADirectoryError{Path: p}
		}
		size = info.Size()
		f, oerr := c.Open(full)
		if oerr != nil {
			return oerr
		}
		file = f
		return nil
	})
	if isNotExist(err) {
		return nil, &storage.NotFoundError{Path: p}
	}
	if err != nil {
		var isDir *storage.IsADirectoryError
		if errors.As(err, &isDir) {
			return nil, err
		}
		return nil, fmt.Errorf("open %s: %w", p, err)
	}

	if progress == nil {
		return file, nil
	}
	return &progressReadCloser{f: file, path: p, total: size, progress: progress}, nil
}

type progressReadCloser struct {
	f        *sftp.File
	path     string
	total    int64
	read     int64
	progress storage.ProgressFunc
}

func (p *progressReadCloser) Read(buf []byte) (int, error) {
	n, err := p.f.Read(buf)
	if n > 0 {
		p.read += int64(n)
		pct := float64(0)
		if p.total > 0 {
			pct = float64(p.read) / float64(p.total) * 100
		}
		p.progress(storage.ProgressEvent{Path: p.path, BytesTransferred: p.read, TotalBytes: p.total, Operation: storage.OpDownload, Percent: pct})
	}
	return n, err
}

func (p *progressReadCloser) Close() error { return p.f.Close() }

// WriteFile creates missing parents and writes content.
func (b *Backend) WriteFile(ctx context.Context, p string, content io.Reader, size int64, progress storage.ProgressFunc) error {
	full, err := b.resolveConnected(ctx, p)
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	parent := parentOf(full)

	return b.withClient(ctx, func(c *sftp.Client) error {
		if err := c.MkdirAll(parent); err != nil {
			return fmt.Errorf("create parent directories: %w", err)
		}
		f, err := c.Create(full)
		if err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
		defer f.Close()

		var reader io.Reader = content
		var written int64
		if progress != nil {
			reader = &countingReader{r: content, path: p, total: size, progress: progress, written: &written}
		}
		if _, err := io.Copy(f, reader); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
		return nil
	})
}

type countingReader struct {
	r        io.Reader
	path     string
	total    int64
	written  *int64
	progress storage.ProgressFunc
}

func (c *countingReader) Read(buf []byte) (int, error) {
	n, err := c.r.Read(buf)
	if n > 0 {
		*c.written += int64(n)
		pct := float64(0)
		if c.total > 0 {
			pct = float64(*c.written) / float64(c.total) * 100
		}
		c.progress(storage.ProgressEvent{Path: c.path, BytesTransferred: *c.written, TotalBytes: c.total, Operation: storage.OpUpload, Percent: pct})
	}
	return n, err
}

// CreateDirectory is idempotent and creates missing parents.
func (b *Backend) CreateDirectory(ctx context.Context, dirPath string) error {
	full, err := b.resolveConnected(ctx, dirPath)
	if err != nil {
		return fmt.Errorf("create directory %s: %w", dirPath, err)
	}
	err = b.withClient(ctx, func(c *sftp.Client) error {
		return c.MkdirAll(full)
	})
	if err != nil {
		return fmt.Errorf("create directory %s: %w", dirPath, err)
	}
	return nil
}

// Delete is idempotent: recursive for directories, success on absent.
func (b *Backend) Delete(ctx context.Context, p string) error {
	full, err := b.resolveConnected(ctx, p)
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	err = b.withClient(ctx, func(c *sftp.Client) error {
		return b.removeRecursive(c, full)
	})
	if isNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

func (b *Backend) removeRecursive(c *sftp.Client, full string) error {
	info, err := c.Lstat(full)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return c.Remove(full)
	}

	entries, err := c.ReadDir(full)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := b.removeRecursive(c, full+"/"+entry.Name()); err != nil {
			return err
		}
	}
	return c.RemoveDirectory(full)
}

// Move renames source to target, creating target's parents first. SFTP's
// base RENAME fails if target already exists, so an existing target is
// removed first (mirroring an overwrite rename).
func (b *Backend) Move(ctx context.Context, source, target string) error {
	if _, err := b.ensureConnected(ctx); err != nil {
		return fmt.Errorf("move %s to %s: %w", source, target, err)
	}
	fullSource := b.resolve(source)
	fullTarget := b.resolve(target)

	return b.withClient(ctx, func(c *sftp.Client) error {
		if _, err := c.Lstat(fullSource); err != nil {
			if isNotExist(err) {
				return &storage.NotFoundError{Path: source}
			}
			return err
		}
		if err := c.MkdirAll(parentOf(fullTarget)); err != nil {
			return fmt.Errorf("create parent directories for %s: %w", target, err)
		}
		if _, err := c.Lstat(fullTarget); err == nil {
			if rerr := b.removeRecursive(c, fullTarget); rerr != nil {
				return fmt.Errorf("remove existing target %s: %w", target, rerr)
			}
		}
		if err := c.PosixRename(fullSource, fullTarget); err != nil {
			if err := c.Rename(fullSource, fullTarget); err != nil {
				return fmt.Errorf("rename %s to %s: %w", source, target, err)
			}
		}
		return nil
	})
}

// Exists reports whether path names an existing entry, falling back to the
// other path-addressing form on permission-denied (§4.1.2's safe_exists).
func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.safeStat(ctx, p, func(c *sftp.Client, full string) (os.FileInfo, error) {
		return c.Lstat(full)
	})
	if isNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", p, err)
	}
	return true, nil
}

// StorageInfoOf is unsupported over plain SFTP (no portable quota query in
// the base protocol); reports (-1, -1) per the shared convention.
func (b *Backend) StorageInfoOf(ctx context.Context) (storage.StorageInfo, error) {
	return storage.StorageInfo{Total: -1, Used: -1}, nil
}

// ComputeHash downloads path and returns its base64-encoded SHA-256; SFTP
// has no server-side content-hash extension in wide deployment.
func (b *Backend) ComputeHash(ctx context.Context, p string) (string, error) {
	rc, err := b.ReadFile(ctx, p, nil)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// TestConnection dials (if needed) and stats the resolved root.
func (b *Backend) TestConnection(ctx context.Context) (bool, error) {
	full, err := b.resolveConnected(ctx, "")
	if err != nil {
		return false, fmt.Errorf("test connection: %w", err)
	}
	err = b.withClient(ctx, func(c *sftp.Client) error {
		_, serr := c.Stat(full)
		return serr
	})
	if err != nil {
		return false, fmt.Errorf("test connection: %w", err)
	}
	return true, nil
}

// SetPermissions applies an octal permission string via SFTP's SETSTAT.
func (b *Backend) SetPermissions(ctx context.Context, p, permissions string) error {
	mode, err := parseOctalPermissions(permissions)
	if err != nil {
		return fmt.Errorf("parse permissions %q: %w", permissions, err)
	}
	full, err := b.resolveConnected(ctx, p)
	if err != nil {
		return fmt.Errorf("set permissions for %s: %w", p, err)
	}
	err = b.withClient(ctx, func(c *sftp.Client) error {
		return c.Chmod(full, mode)
	})
	if err != nil {
		return fmt.Errorf("set permissions for %s: %w", p, err)
	}
	return nil
}

func parseOctalPermissions(permissions string) (os.FileMode, error) {
	permissions = strings.TrimSpace(permissions)
	v, err := strconv.ParseUint(permissions, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}

func parentOf(full string) string {
	idx := strings.LastIndex(full, "/")
	if idx <= 0 {
		return "/"
	}
	return full[:idx]
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, sftp.ErrSSHFxNoSuchFile)
}
