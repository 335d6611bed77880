package webdavstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Capabilities is the detected server flavor, per spec §3's
// ServerCapabilities data model.
type Capabilities struct {
	IsNextcloud          bool
	IsOCIS               bool
	ServerVersion        string
	SupportsChunking     bool
	ChunkingVersion      int
	SupportsOCISChunking bool
}

// IsGenericWebDAV reports whether neither Nextcloud nor OCIS was detected.
func (c Capabilities) IsGenericWebDAV() bool { return !c.IsNextcloud && !c.IsOCIS }

// capabilityCache is a once-initialized memoized cell guarded by a single
// writer, per the design note against re-probing capabilities on every
// call (§9).
type capabilityCache struct {
	once sync.Once
	caps Capabilities
}

// capabilities returns the detected server capabilities, probing on first
// use and memoizing the result for the lifetime of the Backend. Any
// network failure during detection is swallowed; the backend then behaves
// as generic WebDAV (§4.1.5 point 4).
func (b *Backend) capabilities(ctx context.Context) Capabilities {
	b.caps.once.Do(func() {
		b.caps.caps = b.detectCapabilities(ctx)
	})
	return b.caps.caps
}

type statusResponse struct {
	ProductName string `json:"productname"`
	Version     string `json:"version"`
}

type ocsCapabilitiesResponse struct {
	OCS struct {
		Data struct {
			Capabilities struct {
				Files struct {
					BigFileChunking json.RawMessage `json:"bigfilechunking"`
				} `json:"files"`
			} `json:"capabilities"`
		} `json:"data"`
	} `json:"ocs"`
}

func (b *Backend) detectCapabilities(ctx context.Context) Capabilities {
	var caps Capabilities

	status, err := b.fetchStatus(ctx)
	if err != nil {
		return caps // generic WebDAV defaults
	}

	product := strings.ToLower(status.ProductName)
	switch {
	case strings.Contains(product, "nextcloud"):
		caps.IsNextcloud = true
	case strings.Contains(product, "ocis") || strings.Contains(product, "owncloud infinite scale"):
		caps.IsOCIS = true
	}
	caps.ServerVersion = status.Version

	if !caps.IsNextcloud && !caps.IsOCIS {
		return caps
	}

	if caps.IsOCIS {
		caps.SupportsOCISChunking = true
	}

	if ocs, err := b.fetchOCSCapabilities(ctx); err == nil {
		if truthy(ocs.OCS.Data.Capabilities.Files.BigFileChunking) {
			caps.SupportsChunking = true
			caps.ChunkingVersion = 2
		}
	}

	return caps
}

func (b *Backend) fetchStatus(ctx context.Context) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.serverBase+"/status.php", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status.php returned %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (b *Backend) fetchOCSCapabilities(ctx context.Context) (*ocsCapabilitiesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.serverBase+"/ocs/v1.php/cloud/capabilities?format=json", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("OCS-APIRequest", "true")
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocs capabilities returned %d", resp.StatusCode)
	}

	var ocs ocsCapabilitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&ocs); err != nil {
		return nil, err
	}
	return &ocs, nil
}

// truthy interprets a JSON capability value that may be serialized as a
// bool, a 0/1 integer, or a string, per real-world OCS capability payloads.
func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s != "" && s != "0" && strings.ToLower(s) != "false"
	}
	return false
}

// deriveServerBase strips the first matching DAV endpoint suffix from the
// base URL's path component, in the order specified by §4.1.5 point 1 so
// that "/dav/" never shadows the more specific Nextcloud/OCIS forms.
func deriveServerBase(rawBaseURL string) (string, error) {
	u, err := url.Parse(rawBaseURL)
	if err != nil {
		return "", err
	}

	lowerPath := strings.ToLower(u.Path)
	suffixes := []string{"/remote.php/dav", "/remote.php/webdav", "/dav/"}
	for _, suffix := range suffixes {
		if idx := strings.Index(lowerPath, suffix); idx >= 0 {
			u.Path = u.Path[:idx]
			break
		}
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}
