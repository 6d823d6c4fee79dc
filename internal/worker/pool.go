package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of workers plus an optional reaper.
type Pool struct {
	workers []*Worker
	reaper  *Reaper
	logger  *zap.Logger

	mu       sync.Mutex
	started  bool
	stopRun  context.CancelFunc
	stopJobs context.CancelFunc
	doneCh   chan struct{}
}

// NewPool builds size workers that share deps.
func NewPool(size int, deps Deps, cfg Config, reaper *Reaper, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", size)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*Worker, 0, size)
	for i := 0; i < size; i++ {
		w, err := New(i, deps, cfg, logger)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return &Pool{workers: workers, reaper: reaper, logger: logger}, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches the workers and the reaper. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}
	p.started = true

	runCtx, stopRun := context.WithCancel(ctx)
	jobCtx, stopJobs := context.WithCancel(context.WithoutCancel(ctx))
	p.stopRun = stopRun
	p.stopJobs = stopJobs
	p.doneCh = make(chan struct{})

	g := &errgroup.Group{}
	for _, w := range p.workers {
		g.Go(func() error {
			w.Run(runCtx, jobCtx)
			return nil
		})
	}
	if p.reaper != nil {
		g.Go(func() error {
			p.reaper.Run(runCtx)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(p.doneCh)
	}()
	p.logger.Info("worker pool started", zap.Int("workers", len(p.workers)), zap.Bool("reaper", p.reaper != nil))
	return nil
}

// Stop stops dequeuing and waits for in-flight jobs. When ctx ends first
// the running jobs are cancelled and Stop returns ctx's error once they exit.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	stopRun, stopJobs, done := p.stopRun, p.stopJobs, p.doneCh
	p.mu.Unlock()

	stopRun()
	select {
	case <-done:
		stopJobs()
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool drain timed out; cancelling in-flight jobs")
		stopJobs()
		<-done
		return fmt.Errorf("worker pool stop: %w", ctx.Err())
	}
}
