package webdavstore

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/nextcloud-sync/syncengine/internal/pathutil"
	"github.com/nextcloud-sync/syncengine/internal/storage"
)

// multistatus mirrors the teacher's Multistatus/Response/Propstat/Prop
// shape (internal/webdav/responses.go), extended with the checksum and
// quota properties this backend also requests.
type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href     string   `xml:"href"`
	Propstat propstat `xml:"propstat"`
	Status   string   `xml:"status"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	DisplayName         string       `xml:"displayname"`
	ContentLength       int64        `xml:"getcontentlength"`
	LastModified        string       `xml:"getlastmodified"`
	ETag                string       `xml:"getetag"`
	ContentType         string       `xml:"getcontenttype"`
	ResourceType        resourceType `xml:"resourcetype"`
	Checksums           string       `xml:"http://owncloud.org/ns checksums"`
	ChecksumsNC         string       `xml:"http://nextcloud.org/ns checksums"`
	QuotaUsedBytes      string       `xml:"quota-used-bytes"`
	QuotaAvailableBytes string       `xml:"quota-available-bytes"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection"`
}

const standardPropfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns" xmlns:nc="http://nextcloud.org/ns">
  <d:prop>
    <d:displayname/>
    <d:getcontentlength/>
    <d:getlastmodified/>
    <d:getetag/>
    <d:getcontenttype/>
    <d:resourcetype/>
    <oc:checksums/>
    <nc:checksums/>
  </d:prop>
</d:propfind>`

const quotaPropfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:quota-used-bytes/>
    <d:quota-available-bytes/>
  </d:prop>
</d:propfind>`

func parseMultistatus(body io.Reader) (*multistatus, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var ms multistatus
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("unmarshal multistatus xml: %w", err)
	}
	return &ms, nil
}

// responseToSyncItem converts one multistatus <response> into a SyncItem.
// href is a URL (possibly percent-encoded, possibly absolute); its path is
// taken relative to the path of serverBase and normalized. ListItems passes
// the backend's base URL here, so listed paths are relative to that root.
func responseToSyncItem(r response, serverBase string) (storage.SyncItem, bool) {
	if !strings.Contains(r.Propstat.Status, "200") && !strings.Contains(r.Status, "200") {
		return storage.SyncItem{}, false
	}

	href := r.Href
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	if decoded, err := url.PathUnescape(href); err == nil {
		href = decoded
	}

	relPath := href
	if base, err := url.Parse(serverBase); err == nil && base.Path != "" {
		relPath = strings.TrimPrefix(relPath, base.Path)
	}

	item := storage.SyncItem{
		Path:        pathutil.Normalize(relPath),
		IsDirectory: r.Propstat.Prop.ResourceType.Collection != nil,
		ETag:        strings.Trim(r.Propstat.Prop.ETag, `"`),
		MimeType:    r.Propstat.Prop.ContentType,
	}
	if !item.IsDirectory {
		item.Size = r.Propstat.Prop.ContentLength
	}
	if r.Propstat.Prop.LastModified != "" {
		if t, err := parseHTTPDate(r.Propstat.Prop.LastModified); err == nil {
			item.LastModified = t
		}
	}
	if checksum := r.Propstat.Prop.Checksums; checksum != "" {
		item.Hash = extractChecksum(checksum)
	} else if checksum := r.Propstat.Prop.ChecksumsNC; checksum != "" {
		item.Hash = extractChecksum(checksum)
	}
	return item, true
}

// extractChecksum parses the "ALGO:hex" format Nextcloud/OCIS use for the
// checksums property and returns the hex digest.
func extractChecksum(raw string) string {
	raw = strings.TrimSpace(raw)
	idx := strings.Index(raw, ":")
	if idx < 0 {
		return raw
	}
	return raw[idx+1:]
}

func parseHTTPDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 GMT",
		time.RFC3339,
		"2006-01-02T15:04:05Z07:00",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", s)
}
