package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/metrics"
)

type fakeDownloader struct {
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	gate    chan struct{}
	failURL string
}

func (d *fakeDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	d.calls.Add(1)
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if url == d.failURL {
		return nil, errors.New("404")
	}
	return []byte("bytes of " + url), nil
}

func quietDownloads(fetcher *fakeDownloader, dir string, opts ...DownloadOption) *Downloads {
	return NewDownloads(fetcher, dir, append([]DownloadOption{WithDownloadLogger(slog.New(slog.DiscardHandler))}, opts...)...)
}

func TestDownloads_DiskCache(t *testing.T) {
	dir := t.TempDir()
	fetcher := &fakeDownloader{}
	m := metrics.New(nil)
	d := quietDownloads(fetcher, dir, WithDownloadMetrics(m))
	ctx := context.Background()

	data, err := d.Fetch(ctx, "CON-1:4/original", "https://media/4")
	require.NoError(t, err)
	assert.Equal(t, "bytes of https://media/4", string(data))

	// A fresh instance over the same directory reads from disk.
	again, err := quietDownloads(fetcher, dir, WithDownloadMetrics(m)).Fetch(ctx, "CON-1:4/original", "https://media/4")
	require.NoError(t, err)
	assert.Equal(t, data, again)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Downloads.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Downloads.WithLabelValues("fetched")))
}

func TestDownloads_SharedInFlightFetch(t *testing.T) {
	fetcher := &fakeDownloader{gate: make(chan struct{})}
	d := quietDownloads(fetcher, "")

	var wg sync.WaitGroup
	results := make([][]byte, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := d.Fetch(context.Background(), "same", "https://media/same")
			assert.NoError(t, err)
			results[i] = data
		}()
	}
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	for _, r := range results {
		assert.Equal(t, "bytes of https://media/same", string(r))
	}
}

func TestDownloads_BoundedConcurrency(t *testing.T) {
	fetcher := &fakeDownloader{gate: make(chan struct{})}
	d := quietDownloads(fetcher, t.TempDir())

	for i := range 6 {
		d.Prefetch(fmt.Sprintf("key-%d", i), fmt.Sprintf("https://media/%d", i))
	}
	require.Eventually(t, func() bool { return fetcher.active.Load() == DefaultMaxParallelDownloads }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.gate)
	d.Wait()

	assert.Equal(t, int32(6), fetcher.calls.Load())
	assert.Equal(t, int32(DefaultMaxParallelDownloads), fetcher.peak.Load())
}

func TestDownloads_ErrorNotCached(t *testing.T) {
	fetcher := &fakeDownloader{failURL: "https://media/missing"}
	d := quietDownloads(fetcher, t.TempDir())

	_, err := d.Fetch(context.Background(), "missing", "https://media/missing")
	require.Error(t, err)
	_, err = d.Fetch(context.Background(), "missing", "https://media/missing")
	require.Error(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}
