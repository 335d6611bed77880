package webdavstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/nextcloud-sync/syncengine/internal/pathutil"
	"github.com/nextcloud-sync/syncengine/internal/storage"
)

const tusResumableVersion = "1.0.0"

// uploadTUS implements OCIS's TUS 1.0.0 resumable upload (§4.1.5, §9): a
// POST creates the upload and returns its URL, then each chunk is PATCHed
// with an explicit offset. A retriable PATCH failure triggers a HEAD probe
// of the server's current offset before resuming, making the upload
// naturally modeled as an iterator over (offset, slice) pairs with a
// replaceable offset oracle.
func (b *Backend) uploadTUS(ctx context.Context, p string, content io.ReadSeeker, size int64, progress storage.ProgressFunc) error {
	uploadURL, err := b.tusCreate(ctx, p, size)
	if err != nil {
		return fmt.Errorf("tus create: %w", err)
	}

	buf := make([]byte, b.chunkSize)
	offset := int64(0)
	for offset < size {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := content.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek to offset %d: %w", offset, err)
		}

		toRead := int64(len(buf))
		if remaining := size - offset; remaining < toRead {
			toRead = remaining
		}
		n, err := io.ReadFull(content, buf[:toRead])
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return fmt.Errorf("read chunk at offset %d: %w", offset, err)
		}
		if n == 0 {
			break
		}

		newOffset, perr := b.tusPatch(ctx, uploadURL, offset, buf[:n])
		if perr != nil {
			if !IsTemporary(perr) {
				return fmt.Errorf("tus patch at offset %d: %w", offset, perr)
			}
			probed, herr := b.tusHead(ctx, uploadURL)
			if herr != nil || probed < 0 || probed > size {
				return fmt.Errorf("tus patch at offset %d: %w", offset, perr)
			}
			offset = probed
			continue
		}

		offset = newOffset
		if progress != nil {
			pct := float64(offset) / float64(size) * 100
			progress(storage.ProgressEvent{Path: p, BytesTransferred: offset, TotalBytes: size, Operation: storage.OpUpload, Percent: pct})
		}
	}

	return nil
}

func (b *Backend) tusCreate(ctx context.Context, p string, size int64) (string, error) {
	target := b.buildURL(p)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return "", fmt.Errorf("build tus create request: %w", err)
	}
	req.Header.Set("Tus-Resumable", tusResumableVersion)
	req.Header.Set("Upload-Length", strconv.FormatInt(size, 10))
	filename := pathutil.Base(pathutil.Normalize(p))
	req.Header.Set("Upload-Metadata", "filename "+base64.StdEncoding.EncodeToString([]byte(filename)))

	resp, err := b.doOnce(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("tus create response missing Location header")
	}
	resolved, err := resolveLocation(target, location)
	if err != nil {
		return "", fmt.Errorf("resolve tus upload location: %w", err)
	}
	return resolved, nil
}

func (b *Backend) tusPatch(ctx context.Context, uploadURL string, offset int64, chunk []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return 0, fmt.Errorf("build tus patch request: %w", err)
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Tus-Resumable", tusResumableVersion)
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	req.Header.Set("Content-Type", "application/offset+octet-stream")

	resp, err := b.doOnce(ctx, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if raw := resp.Header.Get("Upload-Offset"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v, nil
		}
	}
	return offset + int64(len(chunk)), nil
}

func (b *Backend) tusHead(ctx context.Context, uploadURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uploadURL, nil)
	if err != nil {
		return -1, fmt.Errorf("build tus head request: %w", err)
	}
	req.Header.Set("Tus-Resumable", tusResumableVersion)

	resp, err := b.doOnce(ctx, req)
	if err != nil {
		return -1, err
	}
	defer resp.Body.Close()

	raw := resp.Header.Get("Upload-Offset")
	if raw == "" {
		return -1, fmt.Errorf("tus head response missing Upload-Offset header")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1, fmt.Errorf("parse Upload-Offset: %w", err)
	}
	return v, nil
}

// doOnce issues req directly (no backend-level retry loop, since the
// caller's resume logic is itself the retry strategy for TUS) and maps
// non-2xx responses to *Error.
func (b *Backend) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	authHeader, err := b.auth.GetAuthHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("get auth header: %w", err)
	}
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("User-Agent", b.userAgent)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(err, req.URL.Path, req.Method)
	}
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, newErrorWithBody(resp.StatusCode, req.URL.Path, req.Method, string(detail))
	}
	return resp, nil
}

func resolveLocation(requestURL, location string) (string, error) {
	base, err := url.Parse(requestURL)
	if err != nil {
		return "", err
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	resolved := base.ResolveReference(loc)
	resolved.Path = path.Clean(resolved.Path)
	return resolved.String(), nil
}
