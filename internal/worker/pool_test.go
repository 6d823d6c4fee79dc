package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/dispatcher"
	"github.com/JakeFAU/opportunity-crawler/internal/progress"
	queuemem "github.com/JakeFAU/opportunity-crawler/internal/queue/memory"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
	storemem "github.com/JakeFAU/opportunity-crawler/internal/storage/memory"
)

func TestNewPoolRejectsNonPositiveSize(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okPage, records(1))
	_, err := NewPool(0, h.deps, Config{}, nil, zap.NewNop())
	require.Error(t, err)
	_, err = NewPool(-3, h.deps, Config{}, nil, zap.NewNop())
	require.Error(t, err)
}

func TestPoolRunsSubmittedJobsWithRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(ctx context.Context, url string, call int) (scrape.Page, error) {
		if call == 1 {
			return scrape.Page{}, scrape.NewHTTPStatusError(url, 503)
		}
		return okPage(ctx, url, call)
	}, records(3))

	queue := queuemem.NewQueue(4)
	delay := queuemem.NewDelayQueue(queue, h.deps.Clock.Now)
	d := dispatcher.New(h.store, h.deps.Sites, queue, delay, h.deps.Clock, progress.Nop{},
		dispatcher.Config{SubmitTimeout: time.Second}, zap.NewNop())
	h.deps.Queue = queue
	h.deps.Requeuer = d

	pool, err := NewPool(2, h.deps, Config{}, nil, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, pool.Size())

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	require.NoError(t, pool.Start(ctx))
	require.Error(t, pool.Start(ctx))

	id, err := d.Submit(ctx, 42)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := d.GetStatus(ctx, id)
		return err == nil && job.Status == scrape.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	job, err := d.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, 3, job.Result.Count)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))
	require.NoError(t, d.Stop(stopCtx))
}

func TestPoolStopCancelsHungJobsAfterDeadline(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ string, _ int) (scrape.Page, error) {
		close(started)
		<-ctx.Done()
		return scrape.Page{}, ctx.Err()
	}, records(1))

	pool, err := NewPool(1, h.deps, Config{FetchTimeout: time.Minute}, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	item := h.submit(t)
	require.NoError(t, h.deps.Queue.Enqueue(context.Background(), item))
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pool.Stop(stopCtx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	// The cancelled attempt is recorded and handed back for retry.
	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusPending, job.Status)
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, 1, h.requeuer.Len())
}

// inflightFetcher counts concurrent fetches per URL and remembers the peak.
type inflightFetcher struct {
	mu     sync.Mutex
	active map[string]int
	peak   map[string]int
	total  int
}

func (f *inflightFetcher) Fetch(ctx context.Context, url string) (scrape.Page, error) {
	f.mu.Lock()
	f.active[url]++
	f.total++
	if f.active[url] > f.peak[url] {
		f.peak[url] = f.active[url]
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[url]--
		f.mu.Unlock()
	}()

	select {
	case <-time.After(2 * time.Millisecond):
	case <-ctx.Done():
		return scrape.Page{}, ctx.Err()
	}
	return okPage(ctx, url, 0)
}

func TestPoolRunsOneJobPerWebsiteUnderConcurrentSubmits(t *testing.T) {
	t.Parallel()

	const sites = 4
	websites := make([]scrape.Website, sites)
	for i := range websites {
		websites[i] = scrape.Website{ID: scrape.WebsiteID(100 + i), URL: fmt.Sprintf("https://site%d.example.gov", i), Active: true}
	}
	fetcher := &inflightFetcher{active: map[string]int{}, peak: map[string]int{}}

	h := newHarness(t, okPage, records(1))
	queue := queuemem.NewQueue(64)
	delay := queuemem.NewDelayQueue(queue, h.deps.Clock.Now)
	siteStore := storemem.NewWebsiteStore(websites...)
	d := dispatcher.New(h.store, siteStore, queue, delay, h.deps.Clock, progress.Nop{},
		dispatcher.Config{SubmitTimeout: time.Second}, zap.NewNop())
	deps := h.deps
	deps.Queue = queue
	deps.Requeuer = d
	deps.Sites = siteStore
	deps.Fetcher = fetcher

	pool, err := NewPool(8, deps, Config{FetchTimeout: time.Second}, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	require.NoError(t, pool.Start(ctx))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ids   = map[scrape.JobID]struct{}{}
		fails int
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id, err := d.Submit(ctx, websites[(g+i)%sites].ID)
				mu.Lock()
				if err != nil {
					fails++
				} else {
					ids[id] = struct{}{}
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
			}
		}(g)
	}
	wg.Wait()
	require.Zero(t, fails)

	require.Eventually(t, func() bool {
		for id := range ids {
			job, err := d.GetStatus(ctx, id)
			if err != nil || job.Status != scrape.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	require.Greater(t, fetcher.total, sites)
	for _, site := range websites {
		require.LessOrEqual(t, fetcher.peak[site.URL], 1, site.URL)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))
	require.NoError(t, d.Stop(stopCtx))
}
