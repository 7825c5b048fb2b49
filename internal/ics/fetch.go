package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// maxBodySize bounds a single calendar download.
const maxBodySize = 8 << 20

// Source is one subscribed calendar.
type Source struct {
	ID string
	// Name is the label drawn next to the calendar's events.
	Name string
	URL  string
}

// Body is a calendar payload and where it came from.
type Body struct {
	Data []byte
	// FromCache is set when Data is the copy on disk, either because the
	// server answered 304 or because the download failed.
	FromCache bool
	// Stale is set when the download failed and Data is the last good copy.
	Stale bool
}

// cacheMeta is stored next to the cached body for conditional requests.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads calendars with ETag / Last-Modified revalidation and
// keeps the last good body of every URL on disk.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher returns a Fetcher caching under cacheDir (./var/ics when
// empty).
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics"
	}
	return &Fetcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		cacheDir: cacheDir,
	}
}

// Fetch returns the body of src. A failed download falls back to the cached
// copy when there is one.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (Body, error) {
	if src.URL == "" {
		return Body{}, errors.New("ics: source url is empty")
	}
	dir := f.dirFor(src.URL)
	meta, _ := readMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	data, meta, notModified, err := f.download(ctx, src.URL, meta)
	switch {
	case err != nil && len(cached) > 0:
		return Body{Data: cached, FromCache: true, Stale: true}, nil
	case err != nil:
		return Body{}, err
	case notModified && len(cached) == 0:
		return Body{}, errors.New("ics: 304 Not Modified without a cached body")
	case notModified:
		return Body{Data: cached, FromCache: true}, nil
	}

	if err := writeCache(dir, meta, data); err != nil {
		return Body{Data: data}, fmt.Errorf("ics: save cache: %w", err)
	}
	return Body{Data: data}, nil
}

// download performs one conditional GET. The returned meta describes data.
func (f *Fetcher) download(ctx context.Context, rawURL string, meta cacheMeta) ([]byte, cacheMeta, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, meta, false, err
	}
	if meta.URL == rawURL {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, meta, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, meta, true, nil
	default:
		return nil, meta, false, fmt.Errorf("ics: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, meta, false, err
	}
	return data, cacheMeta{
		URL:          rawURL,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		UpdatedAt:    time.Now().UTC(),
	}, false, nil
}

func (f *Fetcher) dirFor(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func readMeta(dir string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// writeCache stores body before meta so meta never describes a missing
// body.
func writeCache(dir string, meta cacheMeta, body []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, "body.ics"), body); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "meta.json"), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// redactURL keeps scheme and host; calendar paths and queries often carry
// secrets.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
