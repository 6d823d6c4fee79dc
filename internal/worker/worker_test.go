package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/clock/system"
	"github.com/JakeFAU/opportunity-crawler/internal/hash/sha256"
	"github.com/JakeFAU/opportunity-crawler/internal/id/uuid"
	"github.com/JakeFAU/opportunity-crawler/internal/progress"
	queuemem "github.com/JakeFAU/opportunity-crawler/internal/queue/memory"
	"github.com/JakeFAU/opportunity-crawler/internal/retry"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
	storemem "github.com/JakeFAU/opportunity-crawler/internal/storage/memory"
)

const siteURL = "https://grants.example.gov/open"

type fetchFunc func(ctx context.Context, url string, call int) (scrape.Page, error)

type fakeFetcher struct {
	calls atomic.Int32
	fn    fetchFunc
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (scrape.Page, error) {
	call := int(f.calls.Add(1))
	return f.fn(ctx, url, call)
}

func okPage(_ context.Context, url string, _ int) (scrape.Page, error) {
	return scrape.Page{
		URL:         url,
		StatusCode:  200,
		ContentType: "text/html",
		Body:        []byte("<html><body><li>Grant A</li></body></html>"),
	}, nil
}

type fakeExtractor struct {
	calls atomic.Int32
	fn    func(call int) ([]scrape.Record, error)
}

func (f *fakeExtractor) Name() string { return "fake" }

func (f *fakeExtractor) Extract(context.Context, scrape.Page) ([]scrape.Record, error) {
	return f.fn(int(f.calls.Add(1)))
}

func records(n int) func(int) ([]scrape.Record, error) {
	return func(int) ([]scrape.Record, error) {
		out := make([]scrape.Record, n)
		for i := range out {
			out[i] = scrape.Record{Title: fmt.Sprintf("Grant %d", i), URL: fmt.Sprintf("%s/%d", siteURL, i)}
		}
		return out, nil
	}
}

type flakyPersister struct {
	failures atomic.Int32
	next     scrape.OpportunityPersister
}

func (p *flakyPersister) SaveBatch(ctx context.Context, jobID scrape.JobID, websiteID scrape.WebsiteID, recs []scrape.Record) error {
	if p.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return p.next.SaveBatch(ctx, jobID, websiteID, recs)
}

type fakeRequeuer struct {
	mu    sync.Mutex
	items []scrape.QueueItem
	delay []time.Duration
}

func (r *fakeRequeuer) Requeue(_ context.Context, item scrape.QueueItem, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	r.delay = append(r.delay, delay)
	return nil
}

func (r *fakeRequeuer) pop(t *testing.T) scrape.QueueItem {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.items, "expected a requeued item")
	item := r.items[0]
	r.items = r.items[1:]
	return item
}

func (r *fakeRequeuer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Stage
	}
	return out
}

func (r *recordingEmitter) Last() progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type gauge struct{ n atomic.Int32 }

func (g *gauge) Inc() { g.n.Add(1) }
func (g *gauge) Dec() { g.n.Add(-1) }

type harness struct {
	store    *storemem.JobStore
	opps     *storemem.OpportunityStore
	blobs    *storemem.BlobStore
	requeuer *fakeRequeuer
	emitter  *recordingEmitter
	fetcher  *fakeFetcher
	extract  *fakeExtractor
	busy     *gauge
	deps     Deps
	worker   *Worker
}

func newHarness(t *testing.T, fetch fetchFunc, extract func(int) ([]scrape.Record, error)) *harness {
	t.Helper()
	clk := system.New()
	h := &harness{
		store:    storemem.NewJobStore(uuid.New(), clk, 5),
		opps:     storemem.NewOpportunityStore(),
		blobs:    storemem.NewBlobStore(),
		requeuer: &fakeRequeuer{},
		emitter:  &recordingEmitter{},
		fetcher:  &fakeFetcher{fn: fetch},
		extract:  &fakeExtractor{fn: extract},
		busy:     &gauge{},
	}
	h.deps = Deps{
		Queue:     queuemem.NewQueue(8),
		Store:     h.store,
		Sites:     storemem.NewWebsiteStore(scrape.Website{ID: 42, Name: "Grants", URL: siteURL, Active: true}),
		Fetcher:   h.fetcher,
		Extractor: h.extract,
		Persister: h.opps,
		Requeuer:  h.requeuer,
		Policy:    retry.NewPolicy(retry.Config{MaxAttempts: 5, ExtractMaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		Clock:     clk,
		Blobs:     h.blobs,
		Hasher:    sha256.NewTruncated(12),
		Emitter:   h.emitter,
		Busy:      h.busy,
	}
	w, err := New(0, h.deps, Config{FetchTimeout: time.Second, ExtractTimeout: time.Second, ArchivePrefix: "raw"}, zap.NewNop())
	require.NoError(t, err)
	h.worker = w
	return h
}

func (h *harness) submit(t *testing.T) scrape.QueueItem {
	t.Helper()
	job, err := h.store.Create(context.Background(), 42)
	require.NoError(t, err)
	return scrape.QueueItem{JobID: job.ID, WebsiteID: job.WebsiteID}
}

func (h *harness) job(t *testing.T, id scrape.JobID) scrape.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(0, Deps{}, Config{}, nil)
	require.Error(t, err)
}

func TestProcessJobCompletesWithRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okPage, records(3))
	item := h.submit(t)

	h.worker.processJob(context.Background(), item)

	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Zero(t, job.Attempt)
	require.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.Result)
	require.Equal(t, 3, job.Result.Count)
	require.Len(t, h.opps.Records(item.JobID), 3)
	require.Zero(t, h.requeuer.Len())
	require.Zero(t, h.busy.n.Load())

	require.Equal(t, []progress.Stage{
		progress.StageClaimed,
		progress.StageFetched,
		progress.StageExtracted,
		progress.StageCompleted,
	}, h.emitter.Stages())
	require.Equal(t, 3, h.emitter.Last().Records)

	paths := h.blobs.Paths()
	require.Len(t, paths, 1)
	require.True(t, strings.HasPrefix(paths[0], fmt.Sprintf("raw/42/%s/0-", item.JobID)), paths[0])
	require.True(t, strings.HasSuffix(paths[0], ".html"))
	require.Contains(t, job.Result.Stats, "archive_uri")
}

func TestProcessJobZeroRecordsCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okPage, records(0))
	item := h.submit(t)

	h.worker.processJob(context.Background(), item)

	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Equal(t, 0, job.Result.Count)
	require.Empty(t, job.ErrorMessage)
}

func TestProcessJobRetriesTimeoutsThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(ctx context.Context, url string, call int) (scrape.Page, error) {
		if call <= 2 {
			return scrape.Page{}, fmt.Errorf("navigate: %w", context.DeadlineExceeded)
		}
		return okPage(ctx, url, call)
	}, records(2))
	item := h.submit(t)
	ctx := context.Background()

	h.worker.processJob(ctx, item)
	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusPending, job.Status)
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, "page fetch timed out", job.LastError)

	next := h.requeuer.pop(t)
	require.Equal(t, 1, next.Attempt)
	h.worker.processJob(ctx, next)

	next = h.requeuer.pop(t)
	require.Equal(t, 2, next.Attempt)
	h.worker.processJob(ctx, next)

	job = h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.Attempt)
	require.Equal(t, 2, job.Result.Count)
	require.Equal(t, int32(3), h.fetcher.calls.Load())
	require.Zero(t, h.requeuer.Len())
}

func TestProcessJobSchemaErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okPage, func(int) ([]scrape.Record, error) {
		return nil, &scrape.ExtractError{Backend: "fake", Err: errors.New("opportunities must be an array")}
	})
	item := h.submit(t)

	h.worker.processJob(context.Background(), item)

	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.Zero(t, job.Attempt)
	require.Equal(t, "extraction failed: opportunities must be an array", job.ErrorMessage)
	require.Zero(t, h.requeuer.Len())
	require.Equal(t, progress.StageFailed, h.emitter.Last().Stage)
}

func TestProcessJobExtractCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okPage, func(int) ([]scrape.Record, error) {
		return nil, &scrape.ExtractError{Backend: "fake", Retryable: true, Err: errors.New("model returned malformed json")}
	})
	item := h.submit(t)
	ctx := context.Background()

	h.worker.processJob(ctx, item)
	h.worker.processJob(ctx, h.requeuer.pop(t))

	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, int32(2), h.extract.calls.Load())
}

func TestProcessJobClientErrorIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, url string, _ int) (scrape.Page, error) {
		return scrape.Page{}, scrape.NewHTTPStatusError(url, 403)
	}, records(1))
	item := h.submit(t)

	h.worker.processJob(context.Background(), item)

	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.Equal(t, "page fetch failed: site returned HTTP 403", job.ErrorMessage)
	require.Zero(t, h.extract.calls.Load())
}

func TestProcessJobPersistFailureRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okPage, records(4))
	flaky := &flakyPersister{next: h.opps}
	flaky.failures.Store(1)
	h.deps.Persister = flaky
	w, err := New(1, h.deps, Config{}, zap.NewNop())
	require.NoError(t, err)

	item := h.submit(t)
	ctx := context.Background()
	w.processJob(ctx, item)

	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusPending, job.Status)
	require.Equal(t, "saving opportunities failed", job.LastError)
	require.Empty(t, h.opps.Records(item.JobID))

	w.processJob(ctx, h.requeuer.pop(t))
	job = h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Len(t, h.opps.Records(item.JobID), 4)
}

func TestProcessJobDiscardsStaleItem(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okPage, records(1))
	item := h.submit(t)
	ctx := context.Background()

	h.worker.processJob(ctx, item)
	require.Equal(t, int32(1), h.fetcher.calls.Load())

	// Duplicate delivery of an item whose job already finished.
	h.worker.processJob(ctx, item)
	require.Equal(t, int32(1), h.fetcher.calls.Load())
	require.Equal(t, scrape.JobStatusCompleted, h.job(t, item.JobID).Status)

	missingID, err := uuid.New().NewID()
	require.NoError(t, err)
	missing := scrape.QueueItem{JobID: missingID, WebsiteID: 42}
	h.worker.processJob(ctx, missing)
	require.Equal(t, int32(1), h.fetcher.calls.Load())
	require.Zero(t, h.requeuer.Len())
}

func TestProcessJobRecoversFromPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okPage, func(int) ([]scrape.Record, error) {
		panic("nil map write")
	})
	item := h.submit(t)

	require.NotPanics(t, func() { h.worker.processJob(context.Background(), item) })

	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusPending, job.Status)
	require.Equal(t, 1, job.Attempt)
	require.Contains(t, job.LastError, "nil map write")
	require.Equal(t, 1, h.requeuer.Len())
	require.Zero(t, h.busy.n.Load())
}

func TestProcessJobInactiveWebsiteFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okPage, records(1))
	item := h.submit(t)
	h.deps.Sites.(*storemem.WebsiteStore).Put(scrape.Website{ID: 42, URL: siteURL, Active: false})

	h.worker.processJob(context.Background(), item)

	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.Equal(t, "website is inactive", job.ErrorMessage)
	require.Zero(t, h.fetcher.calls.Load())
}

func TestArchiveFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okPage, records(1))
	h.deps.Blobs = failingBlobs{}
	w, err := New(2, h.deps, Config{}, zap.NewNop())
	require.NoError(t, err)
	item := h.submit(t)

	w.processJob(context.Background(), item)

	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.NotContains(t, job.Result.Stats, "archive_uri")
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

type blockingLimiter struct{}

func (blockingLimiter) Wait(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProcessJobBoundsRateLimitWait(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okPage, records(1))
	deps := h.deps
	deps.Limiter = blockingLimiter{}
	w, err := New(0, deps, Config{RateLimitTimeout: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	item := h.submit(t)
	start := time.Now()
	w.processJob(context.Background(), item)
	require.Less(t, time.Since(start), time.Second)

	require.Zero(t, h.fetcher.calls.Load())
	job := h.job(t, item.JobID)
	require.Equal(t, scrape.JobStatusPending, job.Status)
	require.Equal(t, 1, h.requeuer.Len())
}

type brokenRequeuer struct{}

func (brokenRequeuer) Requeue(context.Context, scrape.QueueItem, time.Duration) error {
	return errors.New("delay queue closed")
}

func TestFailEnqueuesDirectlyWhenRequeueFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ context.Context, url string, _ int) (scrape.Page, error) {
		return scrape.Page{}, &scrape.FetchError{URL: url, StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
	}, records(1))
	deps := h.deps
	deps.Requeuer = brokenRequeuer{}
	w, err := New(0, deps, Config{FetchTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	item := h.submit(t)
	w.processJob(context.Background(), item)
	require.Equal(t, scrape.JobStatusPending, h.job(t, item.JobID).Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	next, err := deps.Queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, item.JobID, next.JobID)
	require.Equal(t, 1, next.Attempt)
}

type flakyCompleteStore struct {
	scrape.JobStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyCompleteStore) Complete(ctx context.Context, id scrape.JobID, attempt int, summary scrape.ResultSummary) (scrape.Job, error) {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return scrape.Job{}, errors.New("connection reset by peer")
	}
	return s.JobStore.Complete(ctx, id, attempt, summary)
}

func TestProcessJobRetriesCompleteOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failures int32
		want     scrape.JobStatus
		calls    int32
	}{
		{name: "transient error recovers", failures: 1, want: scrape.JobStatusCompleted, calls: 2},
		{name: "persistent error leaves lease to reaper", failures: 2, want: scrape.JobStatusRunning, calls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, okPage, records(2))
			store := &flakyCompleteStore{JobStore: h.store}
			store.failures.Store(tt.failures)
			deps := h.deps
			deps.Store = store
			w, err := New(0, deps, Config{FetchTimeout: time.Second}, zap.NewNop())
			require.NoError(t, err)

			item := h.submit(t)
			w.processJob(context.Background(), item)

			require.Equal(t, tt.calls, store.calls.Load())
			require.Equal(t, tt.want, h.job(t, item.JobID).Status)
			require.Zero(t, h.requeuer.Len())
		})
	}
}
