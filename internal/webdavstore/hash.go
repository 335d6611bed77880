package webdavstore

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// sha256Base64 hashes r's full content and returns it base64-encoded,
// matching the content-hash contract every backend implements: two paths
// with identical content return equal strings.
func sha256Base64(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
