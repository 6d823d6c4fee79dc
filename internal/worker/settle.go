package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/progress"
	"github.com/JakeFAU/opportunity-crawler/internal/retry"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// RetryPolicy decides whether a failed attempt is retried and when.
type RetryPolicy interface {
	Decide(err error, attempt int) retry.Decision
	Backoff(attempt int) time.Duration
}

// fallbackEnqueueTimeout bounds the direct enqueue tried when the requeuer
// rejects a retry. Workers are the queue's consumers, so it must not block
// for long.
const fallbackEnqueueTimeout = 5 * time.Second

// settler records failures in the store and requeues jobs that went back to
// pending. Workers and the reaper share it.
type settler struct {
	store    scrape.JobStore
	requeuer scrape.Requeuer
	queue    scrape.Queue
	emitter  progress.Emitter
	clock    scrape.Clock
	logger   *zap.Logger
}

// fail transitions a running job out of Running and reports whether it will
// run again.
func (s *settler) fail(
	ctx context.Context,
	job scrape.Job,
	decision retry.Decision,
	elapsed time.Duration,
) bool {
	updated, err := s.store.Fail(ctx, job.ID, job.Attempt, decision.Message, decision.Retry)
	if err != nil {
		// A StateError here means someone else (usually the reaper) already moved the job.
		s.logger.Warn("record job failure failed",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempt", job.Attempt),
			zap.Error(err))
		return false
	}
	if updated.Status != scrape.JobStatusPending {
		s.emit(updated, progress.StageFailed, elapsed, decision.Message)
		return false
	}
	s.emit(job, progress.StageRetried, elapsed, decision.Class)
	item := scrape.QueueItem{JobID: updated.ID, WebsiteID: updated.WebsiteID, Attempt: updated.Attempt}
	if err := s.requeuer.Requeue(ctx, item, decision.Delay); err != nil {
		return s.enqueueNow(ctx, item, err)
	}
	s.logger.Info("job scheduled for retry",
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", updated.Attempt),
		zap.Duration("delay", decision.Delay),
		zap.String("class", decision.Class))
	return true
}

// enqueueNow skips the retry delay when the requeuer failed. Submit returns
// the id of a pending job without enqueueing it, so a job left pending here
// only runs again after startup recovery.
func (s *settler) enqueueNow(ctx context.Context, item scrape.QueueItem, requeueErr error) bool {
	logger := s.logger.With(zap.String("job_id", item.JobID.String()), zap.Int("attempt", item.Attempt))
	if s.queue == nil {
		logger.Error("requeue job failed; job stays pending until startup recovery", zap.Error(requeueErr))
		return false
	}
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackEnqueueTimeout)
	defer cancel()
	if err := s.queue.Enqueue(enqueueCtx, item); err != nil {
		logger.Error("requeue job failed; job stays pending until startup recovery",
			zap.NamedError("requeue_error", requeueErr),
			zap.Error(err))
		return false
	}
	logger.Warn("requeue failed, enqueued retry without delay", zap.Error(requeueErr))
	return true
}

func (s *settler) emit(job scrape.Job, stage progress.Stage, dur time.Duration, note string) {
	s.emitter.Emit(progress.Event{
		JobID:     job.ID,
		WebsiteID: job.WebsiteID,
		TS:        s.clock.Now(),
		Stage:     stage,
		Attempt:   job.Attempt,
		Dur:       dur,
		Note:      note,
	})
}
