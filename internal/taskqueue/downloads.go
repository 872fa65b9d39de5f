package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/convsync/internal/metrics"
	"github.com/roach88/convsync/internal/remote"
)

// DefaultMaxParallelDownloads caps concurrent attachment fetches.
const DefaultMaxParallelDownloads = 3

// Downloads fetches attachments with bounded concurrency. Concurrent
// requests for the same key share one fetch, and fetched bytes are kept in
// an on-disk cache directory when one is configured.
type Downloads struct {
	fetcher remote.Downloader
	dir     string
	sem     *semaphore.Weighted
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger

	wg sync.WaitGroup // prefetches
}

// DownloadOption configures Downloads.
type DownloadOption func(*downloadConfig)

type downloadConfig struct {
	maxParallel int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// WithMaxParallelDownloads caps concurrent fetches.
func WithMaxParallelDownloads(n int) DownloadOption {
	return func(c *downloadConfig) {
		if n > 0 {
			c.maxParallel = n
		}
	}
}

// WithDownloadMetrics records cache hits and fetches.
func WithDownloadMetrics(m *metrics.Metrics) DownloadOption {
	return func(c *downloadConfig) { c.metrics = m }
}

// WithDownloadLogger sets the logger. Defaults to slog.Default().
func WithDownloadLogger(l *slog.Logger) DownloadOption {
	return func(c *downloadConfig) { c.logger = l }
}

// NewDownloads creates a download queue. An empty dir disables the disk
// cache.
func NewDownloads(fetcher remote.Downloader, dir string, opts ...DownloadOption) *Downloads {
	cfg := downloadConfig{maxParallel: DefaultMaxParallelDownloads, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Downloads{
		fetcher: fetcher,
		dir:     dir,
		sem:     semaphore.NewWeighted(int64(cfg.maxParallel)),
		metrics: cfg.metrics,
		logger:  cfg.logger,
	}
}

// Fetch returns the attachment stored under key, downloading it from url if
// it is not cached yet.
func (d *Downloads) Fetch(ctx context.Context, key, url string) ([]byte, error) {
	if data, ok := d.cached(key); ok {
		d.metrics.Download("hit")
		return data, nil
	}

	v, err, _ := d.group.Do(key, func() (any, error) {
		if data, ok := d.cached(key); ok {
			d.metrics.Download("hit")
			return data, nil
		}
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer d.sem.Release(1)

		data, err := d.fetcher.Download(ctx, url)
		if err != nil {
			d.metrics.Download("error")
			return nil, fmt.Errorf("download %s: %w", key, err)
		}
		d.metrics.Download("fetched")
		if err := d.save(key, data); err != nil {
			d.logger.Warn("cache attachment", "key", key, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Prefetch starts fetching key in the background. Failures are logged.
func (d *Downloads) Prefetch(key, url string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Fetch(context.Background(), key, url); err != nil {
			d.logger.Warn("prefetch attachment", "key", key, "error", err)
		}
	}()
}

// Wait blocks until every prefetch has finished.
func (d *Downloads) Wait() {
	d.wg.Wait()
}

// path maps a key to a flat file name; keys may contain separators.
func (d *Downloads) path(key string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%016x", xxhash.Sum64String(key)))
}

func (d *Downloads) cached(key string) ([]byte, bool) {
	if d.dir == "" {
		return nil, false
	}
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// save writes through a temp file so readers never see a partial file.
func (d *Downloads) save(key string, data []byte) error {
	if d.dir == "" {
		return nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(d.dir, ".download-*")
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), d.path(key))
}
