// Package worker runs the scrape pipeline: claim, fetch, extract, persist,
// complete. It also hosts the reaper that reclaims abandoned jobs.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/progress"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// Config controls per-stage timeouts and page archiving. PersistTimeout
// bounds both the archive write and the record save.
type Config struct {
	FetchTimeout     time.Duration
	ExtractTimeout   time.Duration
	PersistTimeout   time.Duration
	RateLimitTimeout time.Duration
	ArchivePrefix    string
}

// Gauge is the subset of prometheus.Gauge used to track busy workers.
type Gauge interface {
	Inc()
	Dec()
}

// Deps bundles the collaborators a worker calls. Limiter, Blobs, Hasher,
// Emitter, Busy, and Tracer are optional.
type Deps struct {
	Queue     scrape.Queue
	Store     scrape.JobStore
	Sites     scrape.WebsiteLookup
	Fetcher   scrape.PageFetcher
	Extractor scrape.Extractor
	Persister scrape.OpportunityPersister
	Requeuer  scrape.Requeuer
	Policy    RetryPolicy
	Clock     scrape.Clock
	Limiter   scrape.RateLimiter
	Blobs     scrape.BlobStore
	Hasher    scrape.Hasher
	Emitter   progress.Emitter
	Busy      Gauge
	Tracer    trace.Tracer
}

func (d Deps) validate() error {
	switch {
	case d.Queue == nil:
		return errors.New("worker: queue is required")
	case d.Store == nil:
		return errors.New("worker: job store is required")
	case d.Sites == nil:
		return errors.New("worker: website lookup is required")
	case d.Fetcher == nil:
		return errors.New("worker: page fetcher is required")
	case d.Extractor == nil:
		return errors.New("worker: extractor is required")
	case d.Persister == nil:
		return errors.New("worker: opportunity persister is required")
	case d.Requeuer == nil:
		return errors.New("worker: requeuer is required")
	case d.Policy == nil:
		return errors.New("worker: retry policy is required")
	case d.Clock == nil:
		return errors.New("worker: clock is required")
	}
	return nil
}

func (d Deps) withDefaults() Deps {
	if d.Emitter == nil {
		d.Emitter = progress.Nop{}
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("worker")
	}
	return d
}

// Worker consumes queue items and executes the pipeline one job at a time.
type Worker struct {
	id     int
	deps   Deps
	cfg    Config
	logger *zap.Logger
	settle *settler
}

// New constructs a Worker.
func New(id int, deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 2 * time.Minute
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 30 * time.Second
	}
	if cfg.RateLimitTimeout <= 0 {
		cfg.RateLimitTimeout = 30 * time.Second
	}
	logger = logger.With(zap.Int("worker", id))
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		settle: &settler{
			store:    deps.Store,
			requeuer: deps.Requeuer,
			queue:    deps.Queue,
			emitter:  deps.Emitter,
			clock:    deps.Clock,
			logger:   logger,
		},
	}, nil
}

// Run dequeues until runCtx ends. Jobs execute under jobCtx so a drain can
// let the current job finish after dequeuing has stopped.
func (w *Worker) Run(runCtx, jobCtx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return
			}
			if errors.Is(err, scrape.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID.String()), zap.Int("attempt", item.Attempt))
		w.processJob(jobCtx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item scrape.QueueItem) {
	job, err := w.deps.Store.TransitionToRunning(ctx, item.JobID)
	if err != nil {
		if scrape.IsStateError(err) || errors.Is(err, scrape.ErrJobNotFound) {
			w.logger.Debug("discarding stale queue item", zap.String("job_id", item.JobID.String()), zap.Error(err))
			return
		}
		w.logger.Error("claim job failed", zap.String("job_id", item.JobID.String()), zap.Error(err))
		if rerr := w.deps.Requeuer.Requeue(ctx, item, w.deps.Policy.Backoff(item.Attempt)); rerr != nil {
			w.logger.Error("requeue unclaimed job failed", zap.String("job_id", item.JobID.String()), zap.Error(rerr))
		}
		return
	}

	if w.deps.Busy != nil {
		w.deps.Busy.Inc()
		defer w.deps.Busy.Dec()
	}
	ctx, span := w.deps.Tracer.Start(ctx, "scrape.job", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.Int64("website.id", int64(job.WebsiteID)),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()

	start := w.deps.Clock.Now()
	w.emit(job, progress.StageClaimed, "", 0)

	summary, err := w.runPipeline(ctx, job)
	elapsed := w.deps.Clock.Now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		decision := w.deps.Policy.Decide(err, job.Attempt)
		w.logger.Warn("job attempt failed",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempt", job.Attempt),
			zap.String("class", decision.Class),
			zap.Bool("retry", decision.Retry),
			zap.Error(err))
		w.settle.fail(context.WithoutCancel(ctx), job, decision, elapsed)
		return
	}

	done, err := w.complete(context.WithoutCancel(ctx), job, summary)
	if err != nil {
		return
	}
	w.settle.emitter.Emit(progress.Event{
		JobID:     done.ID,
		WebsiteID: done.WebsiteID,
		TS:        w.deps.Clock.Now(),
		Stage:     progress.StageCompleted,
		Attempt:   done.Attempt,
		Records:   summary.Count,
		Dur:       elapsed,
	})
	w.logger.Info("job completed",
		zap.String("job_id", job.ID.String()),
		zap.Int("records", summary.Count),
		zap.Duration("elapsed", elapsed))
}

// complete records success, retrying once when the store error is not a lost
// lease. A job that still cannot be completed stays running until the reaper
// expires its lease.
func (w *Worker) complete(ctx context.Context, job scrape.Job, summary scrape.ResultSummary) (scrape.Job, error) {
	logger := w.logger.With(zap.String("job_id", job.ID.String()), zap.Int("attempt", job.Attempt))
	done, err := w.deps.Store.Complete(ctx, job.ID, job.Attempt, summary)
	if err == nil {
		return done, nil
	}
	if scrape.IsStateError(err) || errors.Is(err, scrape.ErrJobNotFound) {
		logger.Warn("job lease lost before completion", zap.Error(err))
		return scrape.Job{}, err
	}
	logger.Warn("complete job failed, retrying", zap.Error(err))
	done, err = w.deps.Store.Complete(ctx, job.ID, job.Attempt, summary)
	if err != nil {
		logger.Error("complete job failed; job stays running until the reaper expires its lease", zap.Error(err))
		return scrape.Job{}, err
	}
	return done, nil
}

// runPipeline executes fetch, extract, and persist. A panic in any
// collaborator is converted into an ordinary retryable error.
func (w *Worker) runPipeline(ctx context.Context, job scrape.Job) (summary scrape.ResultSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("pipeline panic",
				zap.String("job_id", job.ID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	site, err := w.deps.Sites.Get(ctx, job.WebsiteID)
	if err != nil {
		return summary, fmt.Errorf("lookup website %d: %w", job.WebsiteID, err)
	}
	if !site.Active {
		return summary, scrape.ErrWebsiteInactive
	}

	page, err := w.fetch(ctx, job, site)
	if err != nil {
		return summary, err
	}

	stats := map[string]any{
		"url":         page.URL,
		"status_code": page.StatusCode,
		"bytes":       len(page.Body),
		"fetch_ms":    page.Duration.Milliseconds(),
		"headless":    page.UsedHeadless,
		"cached":      page.Cached,
		"extractor":   w.deps.Extractor.Name(),
		"attempt":     job.Attempt,
	}
	if uri := w.archive(ctx, job, page); uri != "" {
		stats["archive_uri"] = uri
	}

	records, extractDur, err := w.extract(ctx, job, page)
	if err != nil {
		return summary, err
	}
	stats["extract_ms"] = extractDur.Milliseconds()

	if err := w.persist(ctx, job, records); err != nil {
		return summary, err
	}
	return scrape.ResultSummary{Count: len(records), Stats: stats}, nil
}

func (w *Worker) fetch(ctx context.Context, job scrape.Job, site scrape.Website) (scrape.Page, error) {
	if w.deps.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, w.cfg.RateLimitTimeout)
		err := w.deps.Limiter.Wait(waitCtx, site.URL)
		cancel()
		if err != nil {
			return scrape.Page{}, &scrape.FetchError{URL: site.URL, Retryable: true, Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}
	ctx, span := w.deps.Tracer.Start(ctx, "scrape.fetch", trace.WithAttributes(attribute.String("url", site.URL)))
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	start := w.deps.Clock.Now()
	page, err := w.deps.Fetcher.Fetch(fetchCtx, site.URL)
	if err != nil {
		var fetchErr *scrape.FetchError
		if !errors.As(err, &fetchErr) {
			fetchErr = &scrape.FetchError{URL: site.URL, Retryable: true, Err: err}
			if errors.Is(err, context.DeadlineExceeded) {
				fetchErr.Timeout = true
			}
			err = fetchErr
		}
		span.RecordError(err)
		w.emitFetch(job, site.URL, fetchErr.StatusCode, 0, w.deps.Clock.Now().Sub(start))
		return scrape.Page{}, err
	}
	if page.Duration == 0 {
		page.Duration = w.deps.Clock.Now().Sub(start)
	}
	span.SetAttributes(attribute.Int("http.status_code", page.StatusCode))
	w.emitFetch(job, site.URL, page.StatusCode, int64(len(page.Body)), page.Duration)
	return page, nil
}

func (w *Worker) extract(ctx context.Context, job scrape.Job, page scrape.Page) ([]scrape.Record, time.Duration, error) {
	ctx, span := w.deps.Tracer.Start(ctx, "scrape.extract",
		trace.WithAttributes(attribute.String("extractor", w.deps.Extractor.Name())))
	defer span.End()

	extractCtx, cancel := context.WithTimeout(ctx, w.cfg.ExtractTimeout)
	defer cancel()
	start := w.deps.Clock.Now()
	records, err := w.deps.Extractor.Extract(extractCtx, page)
	dur := w.deps.Clock.Now().Sub(start)
	if err != nil {
		var extractErr *scrape.ExtractError
		if !errors.As(err, &extractErr) {
			err = &scrape.ExtractError{Backend: w.deps.Extractor.Name(), Retryable: true, Err: err}
		}
		span.RecordError(err)
		return nil, dur, err
	}
	span.SetAttributes(attribute.Int("records", len(records)))
	w.deps.Emitter.Emit(progress.Event{
		JobID:     job.ID,
		WebsiteID: job.WebsiteID,
		TS:        w.deps.Clock.Now(),
		Stage:     progress.StageExtracted,
		Attempt:   job.Attempt,
		Records:   len(records),
		Dur:       dur,
	})
	return records, dur, nil
}

func (w *Worker) persist(ctx context.Context, job scrape.Job, records []scrape.Record) error {
	ctx, span := w.deps.Tracer.Start(ctx, "scrape.persist", trace.WithAttributes(attribute.Int("records", len(records))))
	defer span.End()

	persistCtx, cancel := context.WithTimeout(ctx, w.cfg.PersistTimeout)
	defer cancel()
	if err := w.deps.Persister.SaveBatch(persistCtx, job.ID, job.WebsiteID, records); err != nil {
		var persistErr *scrape.PersistError
		if !errors.As(err, &persistErr) {
			err = &scrape.PersistError{Retryable: true, Err: err}
		}
		span.RecordError(err)
		return err
	}
	return nil
}

// archive stores the raw page for audits. Failures are logged only; the
// archive is not part of the job outcome.
func (w *Worker) archive(ctx context.Context, job scrape.Job, page scrape.Page) string {
	if w.deps.Blobs == nil || w.deps.Hasher == nil || len(page.Body) == 0 {
		return ""
	}
	digest, err := w.deps.Hasher.Hash(page.Body)
	if err != nil {
		w.logger.Warn("hash page failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		return ""
	}
	path := w.buildArchivePath(job, digest)
	contentType := page.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	putCtx, cancel := context.WithTimeout(ctx, w.cfg.PersistTimeout)
	defer cancel()
	uri, err := w.deps.Blobs.PutObject(putCtx, path, contentType, bytes.NewReader(page.Body))
	if err != nil {
		w.logger.Warn("archive page failed", zap.String("job_id", job.ID.String()), zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) buildArchivePath(job scrape.Job, digest string) string {
	name := fmt.Sprintf("%d/%s/%d-%s.html", job.WebsiteID, job.ID, job.Attempt, digest)
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (w *Worker) emit(job scrape.Job, stage progress.Stage, site string, dur time.Duration) {
	w.deps.Emitter.Emit(progress.Event{
		JobID:     job.ID,
		WebsiteID: job.WebsiteID,
		TS:        w.deps.Clock.Now(),
		Stage:     stage,
		Attempt:   job.Attempt,
		Site:      site,
		Dur:       dur,
	})
}

func (w *Worker) emitFetch(job scrape.Job, rawURL string, status int, size int64, dur time.Duration) {
	w.deps.Emitter.Emit(progress.Event{
		JobID:       job.ID,
		WebsiteID:   job.WebsiteID,
		TS:          w.deps.Clock.Now(),
		Stage:       progress.StageFetched,
		Attempt:     job.Attempt,
		Site:        hostOf(rawURL),
		StatusClass: progress.ClassifyStatus(status),
		Bytes:       size,
		Dur:         dur,
	})
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
