package webdavstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/nextcloud-sync/syncengine/internal/storage"
)

// uploadChunkedNextcloud implements Nextcloud chunking v2 (§4.1.5, §6): a
// temporary ".file-chunking/{id}/" folder of zero-padded numbered parts,
// assembled server-side by PUTting a ".assembling" marker naming the
// destination and total size. The chunk folder is best-effort deleted on
// every exit path.
func (b *Backend) uploadChunkedNextcloud(ctx context.Context, p string, content io.ReadSeeker, size int64, progress storage.ProgressFunc) error {
	chunkFolder := ".file-chunking/" + uuid.New().String()

	if err := b.CreateDirectory(ctx, chunkFolder); err != nil {
		return fmt.Errorf("create chunk folder: %w", err)
	}
	defer func() {
		// best-effort cleanup; never overrides the real result.
		_ = b.Delete(context.Background(), chunkFolder)
	}()

	buf := make([]byte, b.chunkSize)
	var offset int64
	var chunkIndex int
	for offset < size {
		n, err := io.ReadFull(content, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return fmt.Errorf("read chunk at offset %d: %w", offset, err)
		}
		if n == 0 {
			break
		}

		name := fmt.Sprintf("%06d", chunkIndex)
		if err := b.putBytes(ctx, chunkFolder+"/"+name, buf[:n], int64(n), nil); err != nil {
			return fmt.Errorf("upload chunk %s: %w", name, err)
		}

		offset += int64(n)
		chunkIndex++
		if progress != nil {
			pct := float64(offset) / float64(size) * 100
			progress(storage.ProgressEvent{Path: p, BytesTransferred: offset, TotalBytes: size, Operation: storage.OpUpload, Percent: pct})
		}
		if int64(n) < b.chunkSize {
			break
		}
	}

	return b.assembleChunks(ctx, chunkFolder, p, size)
}

type assembleMarker struct {
	Dest string `json:"dest"`
	Size int64  `json:"size"`
}

func (b *Backend) assembleChunks(ctx context.Context, chunkFolder, destPath string, size int64) error {
	marker := assembleMarker{Dest: b.buildURL(destPath), Size: size}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshal assembling marker: %w", err)
	}

	target := b.buildURL(chunkFolder + "/.assembling")
	factory := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("build assembling marker request: %w", err)
		}
		req.ContentLength = int64(len(data))
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	resp, err := b.execute(ctx, factory)
	if err != nil {
		return fmt.Errorf("put assembling marker: %w", err)
	}
	resp.Body.Close()
	return nil
}
