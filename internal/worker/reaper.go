package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/progress"
	"github.com/JakeFAU/opportunity-crawler/internal/retry"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// ReaperConfig controls how long a running lease may go without finishing.
type ReaperConfig struct {
	StaleThreshold time.Duration
	Interval       time.Duration
	// Queue, when set, receives retries directly if the requeuer fails.
	Queue scrape.Queue
}

// Reaper fails or requeues jobs whose worker disappeared mid-attempt.
type Reaper struct {
	store   scrape.JobStore
	policy  RetryPolicy
	clock   scrape.Clock
	emitter progress.Emitter
	cfg     ReaperConfig
	logger  *zap.Logger
	settle  *settler
}

// NewReaper constructs a Reaper. Emitter may be nil.
func NewReaper(
	store scrape.JobStore,
	requeuer scrape.Requeuer,
	policy RetryPolicy,
	clock scrape.Clock,
	emitter progress.Emitter,
	cfg ReaperConfig,
	logger *zap.Logger,
) (*Reaper, error) {
	if store == nil || requeuer == nil || policy == nil || clock == nil {
		return nil, fmt.Errorf("reaper: store, requeuer, policy and clock are required")
	}
	if cfg.StaleThreshold <= 0 {
		return nil, fmt.Errorf("reaper: stale threshold must be positive, got %s", cfg.StaleThreshold)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.StaleThreshold / 2
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("reaper")
	return &Reaper{
		store:   store,
		policy:  policy,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		settle: &settler{
			store:    store,
			requeuer: requeuer,
			queue:    cfg.Queue,
			emitter:  emitter,
			clock:    clock,
			logger:   logger,
		},
	}, nil
}

// Run sweeps on every interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reaper sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep reclaims every job leased before now minus the stale threshold and
// returns how many it settled. A reclaimed lease counts as a failed attempt.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now()
	stale, err := r.store.ListStale(ctx, now.Add(-r.cfg.StaleThreshold))
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}
	reaped := 0
	for _, job := range stale {
		decision := retry.Decision{
			Retry:   true,
			Delay:   r.policy.Backoff(job.Attempt),
			Class:   "lease_expired",
			Message: fmt.Sprintf("worker lease expired after %s", r.cfg.StaleThreshold),
		}
		var held time.Duration
		if job.LeasedAt != nil {
			held = now.Sub(*job.LeasedAt)
		}
		r.emitter.Emit(progress.Event{
			JobID:     job.ID,
			WebsiteID: job.WebsiteID,
			TS:        now,
			Stage:     progress.StageReaped,
			Attempt:   job.Attempt,
			Dur:       held,
			Note:      decision.Class,
		})
		r.logger.Warn("reclaiming stale job",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempt", job.Attempt),
			zap.Duration("held", held))
		r.settle.fail(ctx, job, decision, held)
		reaped++
	}
	return reaped, nil
}
