// Package images downloads product imagery and selects which sample
// images illustrate scenes and the featured eyecatch.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// placeholderThreshold is the byte size below which a downloaded image is
// treated as a not-yet-published placeholder.
const placeholderThreshold = 1000

// DefaultTimeout bounds a single image download.
const DefaultTimeout = 30 * time.Second

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	referer   = "https://www.dmm.co.jp/"
)

// sceneCount is how many sample images accompany the scene sections.
const sceneCount = 3

// ErrPlaceholder indicates the CDN served a tiny placeholder instead of
// the real image. The product is not ready to post yet.
var ErrPlaceholder = errors.New("image is a placeholder")

// Downloader fetches images from the product CDN.
type Downloader struct {
	httpClient *http.Client
}

// NewDownloader returns a Downloader with the default timeout.
func NewDownloader() *Downloader {
	return &Downloader{httpClient: &http.Client{Timeout: DefaultTimeout}}
}

// Download fetches an image into memory, returning the bytes, a filename
// derived from the URL, and the reported content type. Returns
// ErrPlaceholder for suspiciously small bodies.
func (d *Downloader) Download(ctx context.Context, imageURL string) ([]byte, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("build image request failed: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", referer)

	res, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("image download failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, "", "", fmt.Errorf("image download failed: status %d for %s", res.StatusCode, imageURL)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", "", fmt.Errorf("image download failed: %w", err)
	}

	filename := FilenameFromURL(imageURL)
	mimeType := res.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if len(data) < placeholderThreshold {
		slog.Warn("downloaded image is suspiciously small", "url", imageURL, "bytes", len(data))
		return nil, "", "", fmt.Errorf("%w: %d bytes from %s", ErrPlaceholder, len(data), imageURL)
	}

	slog.Debug("image downloaded", "filename", filename, "bytes", len(data), "mime", mimeType)
	return data, filename, mimeType, nil
}

// FilenameFromURL derives an upload filename from the last path segment,
// ignoring any query string.
func FilenameFromURL(imageURL string) string {
	name := imageURL
	if u, err := url.Parse(imageURL); err == nil {
		name = u.Path
	}
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.Index(name, "?"); idx >= 0 {
		name = name[:idx]
	}
	if name == "" {
		name = "image.jpg"
	}
	return name
}

// SceneURLs picks the sample images that illustrate scene sections:
// indices 2, 5 and 8 spread the selection across the gallery, and earlier
// images fill remaining slots when the pool is small.
func SceneURLs(pool []string) []string {
	selected := make([]string, 0, sceneCount)
	for _, idx := range []int{2, 5, 8} {
		if idx < len(pool) {
			selected = append(selected, pool[idx])
		}
	}
	if len(selected) < sceneCount {
		for _, u := range pool {
			if len(selected) >= sceneCount {
				break
			}
			if !contains(selected, u) {
				selected = append(selected, u)
			}
		}
	}
	return selected
}

// EyecatchIndex picks a mid-gallery image for the featured media. Larger
// pools move the pick deeper so it differs from the scene images.
func EyecatchIndex(poolSize int) int {
	for _, threshold := range []int{10, 8, 6, 4} {
		if poolSize >= threshold {
			return threshold / 2
		}
	}
	if poolSize >= 2 {
		return 1
	}
	return 0
}

// EyecatchURL returns the eyecatch candidate, or false for an empty pool.
func EyecatchURL(pool []string) (string, bool) {
	if len(pool) == 0 {
		return "", false
	}
	return pool[EyecatchIndex(len(pool))], true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
