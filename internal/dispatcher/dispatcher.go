// Package dispatcher turns scrape requests into queued work and owns the
// retry delay queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/opportunity-crawler/internal/progress"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// Scheduler holds retry items until they become eligible.
type Scheduler interface {
	Schedule(item scrape.QueueItem) error
	Run(ctx context.Context) error
}

// Config controls dispatcher behavior.
type Config struct {
	// SubmitTimeout bounds how long Submit waits on a full queue.
	SubmitTimeout time.Duration
	// RecoverPending re-enqueues pending jobs found in the store on Start.
	RecoverPending bool
}

// Dispatcher accepts submissions and feeds the bounded work queue.
type Dispatcher struct {
	store   scrape.JobStore
	sites   scrape.WebsiteLookup
	queue   scrape.Queue
	delay   Scheduler
	clock   scrape.Clock
	emitter progress.Emitter
	cfg     Config
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group

	subMu    sync.Mutex
	inflight map[scrape.WebsiteID]*submission
}

// submission is a Submit whose enqueue outcome is not yet known. Concurrent
// submits for the same website wait on done instead of reporting a job that
// may still be released.
type submission struct {
	done  chan struct{}
	jobID scrape.JobID
	err   error
}

// New creates a Dispatcher.
func New(
	store scrape.JobStore,
	sites scrape.WebsiteLookup,
	queue scrape.Queue,
	delay Scheduler,
	clock scrape.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	return &Dispatcher{
		store:   store,
		sites:   sites,
		queue:   queue,
		delay:   delay,
		clock:   clock,
		emitter: emitter,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[scrape.WebsiteID]*submission),
	}
}

// Start runs the delay queue forwarder and, if configured, re-enqueues
// pending jobs left over from a previous process.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.group != nil {
		return errors.New("dispatcher already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)
	d.cancel = cancel
	d.group = group

	group.Go(func() error {
		if err := d.delay.Run(groupCtx); err != nil {
			return fmt.Errorf("delay queue: %w", err)
		}
		return nil
	})
	if d.cfg.RecoverPending {
		group.Go(func() error {
			d.recoverPending(groupCtx)
			return nil
		})
	}
	return nil
}

// Stop halts the forwarder and waits for it to exit or ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	group, cancel := d.group, d.cancel
	d.group, d.cancel = nil, nil
	d.mu.Unlock()
	if group == nil {
		return nil
	}
	cancel()
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("dispatcher stop: %w", ctx.Err())
	}
}

// Submit creates a job for the website and enqueues it. A website that
// already has an active job yields that job's id.
func (d *Dispatcher) Submit(ctx context.Context, websiteID scrape.WebsiteID) (scrape.JobID, error) {
	id, _, err := d.SubmitJob(ctx, websiteID)
	return id, err
}

// SubmitJob is Submit that also reports whether a new job was created.
func (d *Dispatcher) SubmitJob(ctx context.Context, websiteID scrape.WebsiteID) (scrape.JobID, bool, error) {
	site, err := d.sites.Get(ctx, websiteID)
	if err != nil {
		return scrape.JobID{}, false, fmt.Errorf("submit website %d: %w", websiteID, err)
	}
	if !site.Active {
		return scrape.JobID{}, false, fmt.Errorf("submit website %d: %w", websiteID, scrape.ErrWebsiteInactive)
	}

	sub, leader := d.join(websiteID)
	if !leader {
		return d.await(ctx, websiteID, sub)
	}

	id, created, err := d.create(ctx, websiteID, site)
	d.finish(websiteID, sub, id, err)
	return id, created, err
}

// join registers a submission for the website, or returns the one already
// in flight.
func (d *Dispatcher) join(websiteID scrape.WebsiteID) (*submission, bool) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if sub, ok := d.inflight[websiteID]; ok {
		return sub, false
	}
	sub := &submission{done: make(chan struct{})}
	d.inflight[websiteID] = sub
	return sub, true
}

// finish publishes the outcome once any release has already happened.
func (d *Dispatcher) finish(websiteID scrape.WebsiteID, sub *submission, id scrape.JobID, err error) {
	d.subMu.Lock()
	delete(d.inflight, websiteID)
	d.subMu.Unlock()
	sub.jobID, sub.err = id, err
	close(sub.done)
}

// await reports the outcome of another caller's submission.
func (d *Dispatcher) await(ctx context.Context, websiteID scrape.WebsiteID, sub *submission) (scrape.JobID, bool, error) {
	select {
	case <-sub.done:
	case <-ctx.Done():
		return scrape.JobID{}, false, fmt.Errorf("submit website %d: %w", websiteID, ctx.Err())
	}
	if sub.err != nil {
		// The other caller gave up on its own context; this one may still submit.
		if errors.Is(sub.err, context.Canceled) || errors.Is(sub.err, context.DeadlineExceeded) {
			return d.SubmitJob(ctx, websiteID)
		}
		return scrape.JobID{}, false, sub.err
	}
	d.logger.Debug("joined in-flight submission",
		zap.Int64("website_id", int64(websiteID)),
		zap.String("job_id", sub.jobID.String()))
	return sub.jobID, false, nil
}

func (d *Dispatcher) create(ctx context.Context, websiteID scrape.WebsiteID, site scrape.Website) (scrape.JobID, bool, error) {
	job, err := d.store.Create(ctx, websiteID)
	if conflict, ok := scrape.IsConflict(err); ok {
		d.logger.Debug("website already has an active job",
			zap.Int64("website_id", int64(websiteID)),
			zap.String("job_id", conflict.ExistingJobID.String()))
		return conflict.ExistingJobID, false, nil
	}
	if err != nil {
		return scrape.JobID{}, false, fmt.Errorf("create job: %w", err)
	}

	item := scrape.QueueItem{JobID: job.ID, WebsiteID: websiteID, Attempt: 0}
	enqueueCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	defer cancel()
	if err := d.queue.Enqueue(enqueueCtx, item); err != nil {
		d.release(ctx, job)
		if ctx.Err() != nil {
			return scrape.JobID{}, false, fmt.Errorf("submit website %d: %w", websiteID, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			d.emit(job, progress.StageOverloaded, site.URL, "")
			return scrape.JobID{}, false, scrape.ErrOverloaded
		}
		return scrape.JobID{}, false, fmt.Errorf("queue enqueue: %w", err)
	}
	d.emit(job, progress.StageSubmitted, site.URL, "")
	return job.ID, true, nil
}

// release cancels a job that never made it onto the queue so the website
// is free for the next submission.
func (d *Dispatcher) release(ctx context.Context, job scrape.Job) {
	if _, err := d.store.Cancel(context.WithoutCancel(ctx), job.ID); err != nil {
		d.logger.Error("release unqueued job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

// GetStatus returns the current job record.
func (d *Dispatcher) GetStatus(ctx context.Context, id scrape.JobID) (scrape.Job, error) {
	if err := id.Validate(); err != nil {
		return scrape.Job{}, err
	}
	job, err := d.store.Get(ctx, id)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Cancel stops a job that is still waiting in the queue. The stale queue
// item is discarded by the worker that dequeues it.
func (d *Dispatcher) Cancel(ctx context.Context, id scrape.JobID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	job, err := d.store.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	d.emit(job, progress.StageCancelled, "", "")
	return nil
}

// Requeue schedules a retry of item after delay.
func (d *Dispatcher) Requeue(_ context.Context, item scrape.QueueItem, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	item.NotBefore = d.clock.Now().Add(delay)
	if err := d.delay.Schedule(item); err != nil {
		return fmt.Errorf("schedule retry %s: %w", item.JobID, err)
	}
	return nil
}

func (d *Dispatcher) recoverPending(ctx context.Context) {
	jobs, err := d.store.ListPending(ctx)
	if err != nil {
		d.logger.Error("list pending jobs failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		item := scrape.QueueItem{JobID: job.ID, WebsiteID: job.WebsiteID, Attempt: job.Attempt}
		if err := d.queue.Enqueue(ctx, item); err != nil {
			if ctx.Err() == nil {
				d.logger.Error("recover pending job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
			}
			return
		}
	}
	if len(jobs) > 0 {
		d.logger.Info("recovered pending jobs", zap.Int("count", len(jobs)))
	}
}

func (d *Dispatcher) emit(job scrape.Job, stage progress.Stage, rawURL, note string) {
	d.emitter.Emit(progress.Event{
		JobID:     job.ID,
		WebsiteID: job.WebsiteID,
		TS:        d.clock.Now(),
		Stage:     stage,
		Attempt:   job.Attempt,
		Site:      hostOf(rawURL),
		Note:      note,
	})
}

func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
