// Package ftpstore implements the Storage capability over FTP/FTPS (§4.1.3):
// a single persistent control connection behind a mutex, reconnected with
// linear backoff on connection-level errors, addressing paths under a
// configured root prefix.
package ftpstore

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/nextcloud-sync/syncengine/internal/pathutil"
	"github.com/nextcloud-sync/syncengine/internal/retry"
	"github.com/nextcloud-sync/syncengine/internal/storage"
)

// EncryptionMode selects how (or whether) the control and data connections
// are protected, per §4.1.3's tri-state.
type EncryptionMode int

const (
	// EncryptionNone uses a plaintext connection throughout.
	EncryptionNone EncryptionMode = iota
	// EncryptionExplicit starts plaintext and upgrades via AUTH TLS.
	EncryptionExplicit
	// EncryptionImplicit establishes TLS from the first byte of the
	// connection.
	EncryptionImplicit
)

// Options configures a Backend instance.
type Options struct {
	Host string
	Port int // defaults to 21

	Username string
	Password string

	Encryption EncryptionMode
	TLSConfig  *tls.Config // optional; a permissive default is used if nil

	// Root is the directory prefix every path is resolved under. Unlike
	// the SFTP backend, FTP addressing has no chroot ambiguity to detect;
	// Root is joined directly.
	Root string

	DialTimeout time.Duration
	RetryConfig *retry.Config
	Logger      *log.Logger
}

// Backend implements storage.Storage over a single FTP control connection.
// jlaffaye/ftp always negotiates PASV for data transfers, satisfying
// §4.1.3's passive-connection requirement without any option of our own.
type Backend struct {
	opts        Options
	retryConfig *retry.Config
	logger      *log.Logger

	mu   sync.Mutex
	conn *ftp.ServerConn
}

var _ storage.Storage = (*Backend)(nil)

// New returns a Backend for opts. It does not connect; the first operation
// dials lazily.
func New(opts Options) (*Backend, error) {
	if opts.Host == "" {
		return nil, &storage.ValidationError{Detail: "host cannot be empty"}
	}
	if opts.Username == "" {
		return nil, &storage.ValidationError{Detail: "username cannot be empty"}
	}
	if opts.Port == 0 {
		opts.Port = 21
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
		logger = log.New(os.Stdout, "[FTP] ", log.LstdFlags)
	}

	return &Backend{opts: opts, retryConfig: retryConfig, logger: logger}, nil
}

// ensureConnected dials, negotiates encryption, and logs in if not already
// connected.
func (b *Backend) ensureConnected(ctx context.Context) (*ftp.ServerConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return b.conn, nil
	}

	addr := net.JoinHostPort(b.opts.Host, strconv.Itoa(b.opts.Port))
	tlsConfig := b.opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: b.opts.Host}
	}

	dialOpts := []ftp.DialOption{
		ftp.DialWithTimeout(b.opts.DialTimeout),
		ftp.DialWithContext(ctx),
	}
	switch b.opts.Encryption {
	case EncryptionImplicit:
		dialOpts = append(dialOpts, ftp.DialWithTLS(tlsConfig))
	case EncryptionExplicit:
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(tlsConfig))
	}

	conn, err := ftp.Dial(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := conn.Login(b.opts.Username, b.opts.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("login: %w", err)
	}

	b.conn = conn
	return conn, nil
}

// invalidate drops the current connection so the next operation reconnects.
func (b *Backend) invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Quit()
		b.conn = nil
	}
}

// withConn runs fn against a connected client, reconnecting and retrying
// with linear backoff on connection-level errors only; other errors
// propagate immediately without a reconnect (§4.1.3/§4.1.2's shared policy).
func (b *Backend) withConn(ctx context.Context, fn func(*ftp.ServerConn) error) error {
	return retry.Do(ctx, b.retryConfig, isConnectionError, func() error {
		conn, err := b.ensureConnected(ctx)
		if err != nil {
			return err
		}
		err = fn(conn)
		if err != nil && isConnectionError(err) {
			b.invalidate()
		}
		return err
	})
}

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
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}

// statusFileUnavailable is the FTP 550 response code: "file unavailable",
// the protocol's catch-all for missing paths (and, on some servers,
// permission problems — the protocol does not distinguish the two cases).
const statusFileUnavailable = 550

func isNotFound(err error) bool {
	var ftpErr *textproto.Error
	if errors.As(err, &ftpErr) {
		return ftpErr.Code == statusFileUnavailable
	}
	return false
}

func (b *Backend) resolve(relPath string) (string, error) {
	return pathutil.ResolveUnderRoot(b.opts.Root, "/", pathutil.Normalize(relPath), false)
}

// ListItems lists the immediate children of path.
func (b *Backend) ListItems(ctx context.Context, dirPath string) ([]storage.SyncItem, error) {
	full, err := b.resolve(dirPath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirPath, err)
	}
	var entries []*ftp.Entry
	err = b.withConn(ctx, func(c *ftp.ServerConn) error {
		var lerr error
		entries, lerr = c.List(full)
		return lerr
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirPath, err)
	}

	items := make([]storage.SyncItem, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		items = append(items, entryToSyncItem(pathutil.Join(dirPath, entry.Name), entry))
	}
	return items, nil
}

// GetItem locates path by listing its parent directory and matching the
// entry by name; plain FTP has no per-path stat command.
func (b *Backend) GetItem(ctx context.Context, p string) (*storage.SyncItem, error) {
	normalized := pathutil.Normalize(p)
	parent := pathutil.Parent(normalized)
	name := pathutil.Base(normalized)
	if name == "" {
		return nil, nil
	}

	full, err := b.resolve(parent)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	var entries []*ftp.Entry
	err = b.withConn(ctx, func(c *ftp.ServerConn) error {
		var lerr error
		entries, lerr = c.List(full)
		return lerr
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}

	for _, entry := range entries {
		if entry.Name == name {
			item := entryToSyncItem(normalized, entry)
			return &item, nil
		}
	}
	return nil, nil
}

func entryToSyncItem(relPath string, entry *ftp.Entry) storage.SyncItem {
	return storage.SyncItem{
		Path:         relPath,
		IsDirectory:  entry.Type == ftp.EntryTypeFolder,
		IsSymlink:    entry.Type == ftp.EntryTypeLink,
		Size:         int64(entry.Size),
		LastModified: entry.Time.UTC(),
	}
}

// ReadFile opens path for reading. FileSize is fetched first so progress
// events can report a percentage (§4.1.3's size requirement).
func (b *Backend) ReadFile(ctx context.Context, p string, progress storage.ProgressFunc) (io.ReadCloser, error) {
	full, err := b.resolve(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}

	var size int64
	var resp *ftp.Response
	err = b.withConn(ctx, func(c *ftp.ServerConn) error {
		s, serr := c.FileSize(full)
		if serr != nil {
			return serr
		}
		size = s
		r, rerr := c.Retr(full)
		if rerr != nil {
			return rerr
		}
		resp = r
		return nil
	})
	if isNotFound(err) {
		return nil, &storage.NotFoundError{Path: p}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}

	if progress == nil {
		return resp, nil
	}
	return &progressReadCloser{r: resp, path: p, total: size, progress: progress}, nil
}

type progressReadCloser struct {
	r        *ftp.Response
	path     string
	total    int64
	read     int64
	progress storage.ProgressFunc
}

func (p *progressReadCloser) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
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

func (p *progressReadCloser) Close() error { return p.r.Close() }

// WriteFile creates missing parents and writes content via STOR.
func (b *Backend) WriteFile(ctx context.Context, p string, content io.Reader, size int64, progress storage.ProgressFunc) error {
	full, err := b.resolve(p)
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	parent := pathutil.Parent(pathutil.Normalize(p))

	return b.withConn(ctx, func(c *ftp.ServerConn) error {
		if parent != "" {
			if err := b.ensureDirAll(c, parent); err != nil {
				return fmt.Errorf("create parent directories: %w", err)
			}
		}
		var reader io.Reader = content
		var written int64
		if progress != nil {
			reader = &countingReader{r: content, path: p, total: size, progress: progress, written: &written}
		}
		if err := c.Stor(full, reader); err != nil {
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

// ensureDirAll creates relPath's directory chain one segment at a time,
// ignoring "already exists" failures, mirroring the WebDAV backend's
// segment-by-segment MKCOL idiom.
func (b *Backend) ensureDirAll(c *ftp.ServerConn, relPath string) error {
	segments := strings.Split(relPath, "/")
	current := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		current = pathutil.Join(current, seg)
		full, err := b.resolve(current)
		if err != nil {
			return err
		}
		if err := c.MakeDir(full); err != nil {
			if isNotFound(err) {
				// MKD on an existing directory also returns 550; tolerate it.
				continue
			}
			return err
		}
	}
	return nil
}

// CreateDirectory is idempotent and creates missing parents.
func (b *Backend) CreateDirectory(ctx context.Context, dirPath string) error {
	normalized := pathutil.Normalize(dirPath)
	err := b.withConn(ctx, func(c *ftp.ServerConn) error {
		return b.ensureDirAll(c, normalized)
	})
	if err != nil {
		return fmt.Errorf("create directory %s: %w", dirPath, err)
	}
	return nil
}

// Delete is idempotent: recursive for directories, success on absent.
func (b *Backend) Delete(ctx context.Context, p string) error {
	full, err := b.resolve(p)
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	err = b.withConn(ctx, func(c *ftp.ServerConn) error {
		if rerr := c.Delete(full); rerr == nil {
			return nil
		}
		return c.RemoveDirRecur(full)
	})
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Move renames source to target, creating target's parents first and
// removing an existing target (FTP's RNFR/RNTO fails if the target exists).
func (b *Backend) Move(ctx context.Context, source, target string) error {
	fullSource, err := b.resolve(source)
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", source, target, err)
	}
	fullTarget, err := b.resolve(target)
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", source, target, err)
	}
	parent := pathutil.Parent(pathutil.Normalize(target))

	return b.withConn(ctx, func(c *ftp.ServerConn) error {
		if _, serr := c.List(fullSource); serr != nil {
			if isNotFound(serr) {
				return &storage.NotFoundError{Path: source}
			}
			return serr
		}
		if parent != "" {
			if err := b.ensureDirAll(c, parent); err != nil {
				return fmt.Errorf("create parent directories for %s: %w", target, err)
			}
		}
		if c.Delete(fullTarget) == nil {
			// existing file target removed
		} else {
			c.RemoveDirRecur(fullTarget)
		}
		if err := c.Rename(fullSource, fullTarget); err != nil {
			return fmt.Errorf("rename %s to %s: %w", source, target, err)
		}
		return nil
	})
}

// Exists reports whether path names an existing entry.
func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	item, err := b.GetItem(ctx, p)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", p, err)
	}
	return item != nil, nil
}

// StorageInfoOf is unsupported: plain FTP has no portable quota query.
func (b *Backend) StorageInfoOf(ctx context.Context) (storage.StorageInfo, error) {
	return storage.StorageInfo{Total: -1, Used: -1}, nil
}

// ComputeHash downloads path and returns its base64-encoded SHA-256; FTP has
// no standardized content-hash extension in wide deployment.
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

// TestConnection dials (if needed) and issues a no-op keepalive.
func (b *Backend) TestConnection(ctx context.Context) (bool, error) {
	err := b.withConn(ctx, func(c *ftp.ServerConn) error {
		return c.NoOp()
	})
	if err != nil {
		return false, fmt.Errorf("test connection: %w", err)
	}
	return true, nil
}
