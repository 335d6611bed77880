// Package s3store implements the Storage capability over an S3-compatible
// object store (§4.1.4): prefix addressing instead of a root directory,
// delimiter-synthesized directories, optional zero-byte directory markers,
// bulk delete, copy-then-delete move, multipart dispatch by content length,
// and a concurrency gate bounding in-flight transfers per backend instance.
package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nextcloud-sync/syncengine/internal/pathutil"
	"github.com/nextcloud-sync/syncengine/internal/retry"
	"github.com/nextcloud-sync/syncengine/internal/storage"
)

// directoryContentType marks a zero-byte object as a synthetic directory,
// per §4.1.4.
const directoryContentType = "application/x-directory"

// defaultConcurrency bounds in-flight transfers per backend instance to the
// value spec §4.1.4 names as an example.
const defaultConcurrency = 10

// Options configures a Backend instance.
type Options struct {
	Endpoint  string // host[:port], no scheme
	AccessKey string
	SecretKey string
	SessionToken string
	UseSSL    bool
	Region    string

	Bucket string
	Prefix string // addressing prefix used instead of a root directory

	// ChunkSize is the content-length threshold above which WriteFile
	// dispatches a multipart upload instead of a single PUT.
	ChunkSize int64

	// Concurrency caps in-flight transfers; defaults to 10.
	Concurrency int

	RetryConfig *retry.Config
	Logger      *log.Logger
}

// Backend implements storage.Storage over one minio client and an internal
// semaphore bounding concurrent transfers.
type Backend struct {
	client      *minio.Client
	bucket      string
	prefix      string
	chunkSize   int64
	retryConfig *retry.Config
	logger      *log.Logger
	sem         chan struct{}
}

var _ storage.Storage = (*Backend)(nil)

// New returns a Backend for opts, dialing immediately since minio.New only
// builds a client value and performs no network I/O.
func New(opts Options) (*Backend, error) {
	if opts.Endpoint == "" {
		return nil, &storage.ValidationError{Detail: "endpoint cannot be empty"}
	}
	if opts.Bucket == "" {
		return nil, &storage.ValidationError{Detail: "bucket cannot be empty"}
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, &storage.ValidationError{Detail: "access key and secret key are required"}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024 * 1024
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, opts.SessionToken),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	retryConfig := opts.RetryConfig
	if retryConfig == nil {
		retryConfig = retry.DefaultLinearConfig()
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[S3] ", log.LstdFlags)
	}

	return &Backend{
		client:      client,
		bucket:      opts.Bucket,
		prefix:      pathutil.Normalize(opts.Prefix),
		chunkSize:   opts.ChunkSize,
		retryConfig: retryConfig,
		logger:      logger,
		sem:         make(chan struct{}, opts.Concurrency),
	}, nil
}

func (b *Backend) acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) release() { <-b.sem }

func (b *Backend) key(relPath string) string {
	return pathutil.Join(b.prefix, relPath)
}

func (b *Backend) dirKey(relPath string) string {
	k := b.key(relPath)
	if k == "" {
		return ""
	}
	return k + "/"
}

// withRetry runs fn, retrying with linear backoff on transient transport
// and 5xx errors (§7's "Transient I/O" row); 4xx/application errors
// propagate immediately.
func (b *Backend) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, b.retryConfig, isRetryable, fn)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok {
		return true
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= 500 {
		return true
	}
	return false
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound
}

// ListItems lists the immediate children of path, synthesizing directories
// from common prefixes (§4.1.4) and skipping directory-marker objects.
func (b *Backend) ListItems(ctx context.Context, dirPath string) ([]storage.SyncItem, error) {
	prefix := b.dirKey(dirPath)

	var items []storage.SyncItem
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: false}
	for obj := range b.client.ListObjects(ctx, b.bucket, opts) {
		if obj.Err != nil {
			if isNotFound(obj.Err) {
				return nil, nil
			}
			return nil, fmt.Errorf("list %s: %w", dirPath, obj.Err)
		}
		if obj.Key == prefix {
			continue
		}
		relKey := strings.TrimPrefix(obj.Key, prefix)
		if relKey == "" {
			continue
		}
		if strings.HasSuffix(obj.Key, "/") {
			name := strings.TrimSuffix(relKey, "/")
			items = append(items, storage.SyncItem{
				Path:        pathutil.Join(dirPath, name),
				IsDirectory: true,
			})
			continue
		}
		if obj.ContentType == directoryContentType {
			continue
		}
		items = append(items, storage.SyncItem{
			Path:         pathutil.Join(dirPath, relKey),
			IsDirectory:  false,
			Size:         obj.Size,
			LastModified: obj.LastModified.UTC(),
			ETag:         strings.Trim(obj.ETag, `"`),
		})
	}
	return items, nil
}

// GetItem stats a single object. A trailing-slash directory marker is
// checked first, then the plain key.
func (b *Backend) GetItem(ctx context.Context, p string) (*storage.SyncItem, error) {
	if info, err := b.statObject(ctx, b.dirKey(p)); err == nil {
		item := storage.SyncItem{Path: pathutil.Normalize(p), IsDirectory: true, LastModified: info.LastModified.UTC()}
		return &item, nil
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}

	info, err := b.statObject(ctx, b.key(p))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	item := storage.SyncItem{
		Path:         pathutil.Normalize(p),
		Size:         info.Size,
		LastModified: info.LastModified.UTC(),
		ETag:         strings.Trim(info.ETag, `"`),
	}
	return &item, nil
}

func (b *Backend) statObject(ctx context.Context, key string) (minio.ObjectInfo, error) {
	var info minio.ObjectInfo
	err := b.withRetry(ctx, func() error {
		var serr error
		info, serr = b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
		return serr
	})
	return info, err
}

// ReadFile opens path for reading, bounded by the concurrency gate.
func (b *Backend) ReadFile(ctx context.Context, p string, progress storage.ProgressFunc) (io.ReadCloser, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}

	var obj *minio.Object
	var info minio.ObjectInfo
	err := b.withRetry(ctx, func() error {
		o, oerr := b.client.GetObject(ctx, b.bucket, b.key(p), minio.GetObjectOptions{})
		if oerr != nil {
			return oerr
		}
		stat, serr := o.Stat()
		if serr != nil {
			o.Close()
			return serr
		}
		obj = o
		info = stat
		return nil
	})
	if err != nil {
		b.release()
		if isNotFound(err) {
			return nil, &storage.NotFoundError{Path: p}
		}
		return nil, fmt.Errorf("open %s: %w", p, err)
	}

	if progress == nil {
		return &releasingReadCloser{ReadCloser: obj, release: b.release}, nil
	}
	return &progressReadCloser{f: obj, release: b.release, path: p, total: info.Size, progress: progress}, nil
}

type releasingReadCloser struct {
	io.ReadCloser
	release func()
}

func (r *releasingReadCloser) Close() error {
	defer r.release()
	return r.ReadCloser.Close()
}

type progressReadCloser struct {
	f        io.ReadCloser
	release  func()
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

func (p *progressReadCloser) Close() error {
	defer p.release()
	return p.f.Close()
}

// WriteFile uploads content, dispatching a multipart-sized PutObject when
// size exceeds the configured chunk size or is unknown (§4.1.4).
func (b *Backend) WriteFile(ctx context.Context, p string, content io.Reader, size int64, progress storage.ProgressFunc) error {
	if err := b.acquire(ctx); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	defer b.release()

	var reader io.Reader = content
	var written int64
	if progress != nil {
		reader = &countingReader{r: content, path: p, total: size, progress: progress, written: &written}
	}

	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if size <= 0 || size > b.chunkSize {
		opts.PartSize = uint64(b.chunkSize)
	}

	return b.withRetry(ctx, func() error {
		_, err := b.client.PutObject(ctx, b.bucket, b.key(p), reader, size, opts)
		if err != nil {
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

// CreateDirectory writes a zero-byte directory-marker object (§4.1.4).
func (b *Backend) CreateDirectory(ctx context.Context, dirPath string) error {
	key := b.dirKey(dirPath)
	if key == "" {
		return nil
	}
	return b.withRetry(ctx, func() error {
		_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{ContentType: directoryContentType})
		if err != nil {
			return fmt.Errorf("create directory %s: %w", dirPath, err)
		}
		return nil
	})
}

// Delete removes path. A file key is removed directly; a "directory" lists
// every object under the prefix and bulk-deletes them (§4.1.4).
func (b *Backend) Delete(ctx context.Context, p string) error {
	fileKey := b.key(p)
	err := b.withRetry(ctx, func() error {
		return b.client.RemoveObject(ctx, b.bucket, fileKey, minio.RemoveObjectOptions{})
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", p, err)
	}

	prefix := b.dirKey(p)
	objectsCh := make(chan minio.ObjectInfo)
	listErrCh := make(chan error, 1)
	go func() {
		defer close(objectsCh)
		for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				listErrCh <- obj.Err
				return
			}
			objectsCh <- obj
		}
		listErrCh <- nil
	}()

	for removeErr := range b.client.RemoveObjects(ctx, b.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if removeErr.Err != nil {
			return fmt.Errorf("delete %s: %w", p, removeErr.Err)
		}
	}
	if lerr := <-listErrCh; lerr != nil && !isNotFound(lerr) {
		return fmt.Errorf("delete %s: %w", p, lerr)
	}
	return nil
}

// Move copies source to target then deletes source (§4.1.4's copy-then-delete).
func (b *Backend) Move(ctx context.Context, source, target string) error {
	srcKey := b.key(source)
	dstKey := b.key(target)

	_, err := b.statObject(ctx, srcKey)
	if isNotFound(err) {
		return &storage.NotFoundError{Path: source}
	}

	err = b.withRetry(ctx, func() error {
		_, cerr := b.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: b.bucket, Object: dstKey},
			minio.CopySrcOptions{Bucket: b.bucket, Object: srcKey},
		)
		return cerr
	})
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", source, target, err)
	}

	if err := b.Delete(ctx, source); err != nil {
		return fmt.Errorf("remove source %s after move: %w", source, err)
	}
	return nil
}

// Exists reports whether path names an existing object or directory marker.
func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	item, err := b.GetItem(ctx, p)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", p, err)
	}
	return item != nil, nil
}

// StorageInfoOf is unsupported: S3 has no portable bucket-quota query.
func (b *Backend) StorageInfoOf(ctx context.Context) (storage.StorageInfo, error) {
	return storage.StorageInfo{Total: -1, Used: -1}, nil
}

// ComputeHash returns the object's ETag when it looks like a plain MD5 (no
// internal dash, meaning the object was not uploaded multipart, where the
// ETag is not a content hash); otherwise downloads and SHA-256s the body.
func (b *Backend) ComputeHash(ctx context.Context, p string) (string, error) {
	info, err := b.statObject(ctx, b.key(p))
	if err != nil && !isNotFound(err) {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}
	etag := strings.Trim(info.ETag, `"`)
	if etag != "" && !strings.Contains(etag, "-") {
		return etag, nil
	}

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

// TestConnection verifies the configured bucket is reachable.
func (b *Backend) TestConnection(ctx context.Context) (bool, error) {
	var ok bool
	err := b.withRetry(ctx, func() error {
		exists, berr := b.client.BucketExists(ctx, b.bucket)
		ok = exists
		return berr
	})
	if err != nil {
		return false, fmt.Errorf("test connection: %w", err)
	}
	if !ok {
		return false, fmt.Errorf("test connection: bucket %q does not exist", b.bucket)
	}
	return true, nil
}
