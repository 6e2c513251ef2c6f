// Package assets keeps a local copy of IGDB cover and artwork images.
package assets

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/logging"
)

// DefaultImageURL is the IGDB image CDN root.
const DefaultImageURL = "https://images.igdb.com/igdb/image/upload"

const (
	defaultAttempts    = 3
	defaultConcurrency = 5
)

// Kind selects an image family; its value is also the cache subdirectory.
type Kind string

const (
	KindCover   Kind = "covers"
	KindArtwork Kind = "artworks"
)

// size is the IGDB image preset used for each kind.
func (k Kind) size() string {
	if k == KindCover {
		return "t_cover_big"
	}
	return "t_1080p"
}

// ParseKind accepts the singular or plural name of a kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "cover", "covers":
		return KindCover, nil
	case "artwork", "artworks":
		return KindArtwork, nil
	}
	return "", apperrors.Newf(apperrors.ErrInvalid, "unknown image kind %q", s)
}

var imageIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Cache downloads images on demand and serves them from disk afterwards.
type Cache struct {
	dir         string
	imageURL    string
	client      *resty.Client
	attempts    int
	backoff     time.Duration
	concurrency int
}

// Option configures a Cache.
type Option func(*Cache)

// WithImageURL points downloads at another CDN root.
func WithImageURL(u string) Option {
	return func(c *Cache) { c.imageURL = u }
}

// WithBackoff sets the first retry delay; each later retry doubles it.
func WithBackoff(d time.Duration) Option {
	return func(c *Cache) { c.backoff = d }
}

// WithConcurrency bounds parallel downloads in Prefetch.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithTimeout bounds each download request.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) { c.client.SetTimeout(d) }
}

// NewCache creates the cache directories under dir.
func NewCache(dir string, opts ...Option) (*Cache, error) {
	client := resty.New()
	client.SetTimeout(30 * time.Second)

	c := &Cache{
		dir:         dir,
		imageURL:    DefaultImageURL,
		client:      client,
		attempts:    defaultAttempts,
		backoff:     time.Second,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, k := range []Kind{KindCover, KindArtwork} {
		if err := os.MkdirAll(filepath.Join(dir, string(k)), 0755); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to create asset directory", err)
		}
	}
	return c, nil
}

// Path returns where an image lives on disk, whether or not it is cached yet.
func (c *Cache) Path(kind Kind, imageID string) string {
	return filepath.Join(c.dir, string(kind), imageID+".jpg")
}

// Ensure returns the local path of an image, downloading it first when missing.
func (c *Cache) Ensure(ctx context.Context, kind Kind, imageID string) (string, error) {
	if !imageIDPattern.MatchString(imageID) {
		return "", apperrors.Newf(apperrors.ErrInvalid, "invalid image id %q", imageID)
	}

	path := c.Path(kind, imageID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	url := fmt.Sprintf("%s/%s/%s.jpg", c.imageURL, kind.size(), imageID)
	if err := c.downloadWithRetry(ctx, url, path); err != nil {
		return "", err
	}
	return path, nil
}

// downloadWithRetry makes up to c.attempts tries with doubling delays.
// The body goes to a .tmp file renamed into place, so a reader never sees
// a partial image.
func (c *Cache) downloadWithRetry(ctx context.Context, url, path string) error {
	tmp := path + ".tmp"
	delay := c.backoff

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		lastErr = c.download(ctx, url, tmp)
		if lastErr == nil {
			if err := os.Rename(tmp, path); err != nil {
				os.Remove(tmp)
				return apperrors.Wrap(apperrors.ErrInternal, "failed to store image", err)
			}
			return nil
		}
		os.Remove(tmp)

		if apperrors.Is(lastErr, apperrors.ErrNotFound) || attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.ErrConnectivity, "image download cancelled", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

func (c *Cache) download(ctx context.Context, url, tmp string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetOutput(tmp).
		Get(url)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConnectivity, "image download failed", err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return apperrors.Newf(apperrors.ErrNotFound, "image %s not found", url)
	case resp.StatusCode() != http.StatusOK:
		return apperrors.Newf(apperrors.ErrConnectivity, "image download returned status %d", resp.StatusCode())
	}
	return nil
}

// PrefetchResult counts the outcome of a Prefetch.
type PrefetchResult struct {
	Cached     int
	Downloaded int
	Failed     int
}

// Prefetch makes sure every listed image is cached, downloading at most
// c.concurrency at a time. Failures are counted and logged, never returned.
func (c *Cache) Prefetch(ctx context.Context, kind Kind, imageIDs []string) PrefetchResult {
	var (
		mu     sync.Mutex
		result PrefetchResult
		wg     sync.WaitGroup
	)
	semaphore := make(chan struct{}, c.concurrency)
	seen := make(map[string]bool, len(imageIDs))

	for _, id := range imageIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		if _, err := os.Stat(c.Path(kind, id)); err == nil {
			result.Cached++
			continue
		}

		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return result
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			_, err := c.Ensure(ctx, kind, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				logging.Warn("image prefetch failed", map[string]interface{}{
					"kind":     string(kind),
					"image_id": id,
					"error":    err.Error(),
				})
				return
			}
			result.Downloaded++
		}(id)
	}
	wg.Wait()

	logging.Debug("image prefetch finished", map[string]interface{}{
		"kind":       string(kind),
		"cached":     result.Cached,
		"downloaded": result.Downloaded,
		"failed":     result.Failed,
	})
	return result
}

// Clear removes every cached image.
func (c *Cache) Clear() error {
	for _, k := range []Kind{KindCover, KindArtwork} {
		sub := filepath.Join(c.dir, string(k))
		if err := os.RemoveAll(sub); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to clear image cache", err)
		}
		if err := os.MkdirAll(sub, 0755); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to recreate image cache", err)
		}
	}
	return nil
}
