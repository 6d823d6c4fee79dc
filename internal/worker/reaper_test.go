package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/clock/system"
	"github.com/JakeFAU/opportunity-crawler/internal/id/uuid"
	"github.com/JakeFAU/opportunity-crawler/internal/progress"
	"github.com/JakeFAU/opportunity-crawler/internal/retry"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
	storemem "github.com/JakeFAU/opportunity-crawler/internal/storage/memory"
)

func newReaperHarness(t *testing.T, maxAttempts int) (*Reaper, *storemem.JobStore, *system.Manual, *fakeRequeuer, *recordingEmitter) {
	t.Helper()
	clk := system.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := storemem.NewJobStore(uuid.New(), clk, maxAttempts)
	requeuer := &fakeRequeuer{}
	emitter := &recordingEmitter{}
	policy := retry.NewPolicy(retry.Config{MaxAttempts: maxAttempts, BaseDelay: time.Second, MaxDelay: time.Minute})
	r, err := NewReaper(store, requeuer, policy, clk, emitter, ReaperConfig{StaleThreshold: 10 * time.Minute}, zap.NewNop())
	require.NoError(t, err)
	return r, store, clk, requeuer, emitter
}

func TestNewReaperValidates(t *testing.T) {
	t.Parallel()

	_, err := NewReaper(nil, nil, nil, nil, nil, ReaperConfig{}, nil)
	require.Error(t, err)

	clk := system.New()
	store := storemem.NewJobStore(uuid.New(), clk, 3)
	_, err = NewReaper(store, &fakeRequeuer{}, retry.NewPolicy(retry.Config{}), clk, nil, ReaperConfig{}, nil)
	require.Error(t, err)
}

func TestReaperReclaimsCrashedWorker(t *testing.T) {
	t.Parallel()

	r, store, clk, requeuer, emitter := newReaperHarness(t, 3)
	ctx := context.Background()

	job, err := store.Create(ctx, 42)
	require.NoError(t, err)
	// A worker claims the job and then disappears.
	claimed, err := store.TransitionToRunning(ctx, job.ID)
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "lease is still fresh")

	clk.Advance(6 * time.Minute)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	reclaimed, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusPending, reclaimed.Status)
	require.Equal(t, 1, reclaimed.Attempt)
	require.Contains(t, reclaimed.LastError, "lease expired")

	item := requeuer.pop(t)
	require.Equal(t, job.ID, item.JobID)
	require.Equal(t, 1, item.Attempt)
	require.Equal(t, []progress.Stage{progress.StageReaped, progress.StageRetried}, emitter.Stages())

	// The crashed worker comes back and tries to finish the old attempt.
	_, err = store.Complete(ctx, job.ID, claimed.Attempt, scrape.ResultSummary{Count: 1})
	require.True(t, scrape.IsStateError(err))
}

func TestReaperFailsJobOnLastAttempt(t *testing.T) {
	t.Parallel()

	r, store, clk, requeuer, emitter := newReaperHarness(t, 2)
	ctx := context.Background()

	job, err := store.Create(ctx, 7)
	require.NoError(t, err)
	for attempt := 0; attempt < 2; attempt++ {
		_, err = store.TransitionToRunning(ctx, job.ID)
		require.NoError(t, err)
		clk.Advance(11 * time.Minute)
		n, err := r.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusFailed, final.Status)
	require.Equal(t, "worker lease expired after 10m0s", final.ErrorMessage)
	require.Equal(t, 1, requeuer.Len())
	require.Equal(t, progress.StageFailed, emitter.Last().Stage)

	// A finished job no longer blocks its website.
	_, err = store.Create(ctx, 7)
	require.NoError(t, err)
}

func TestReaperRunStopsWithContext(t *testing.T) {
	t.Parallel()

	clk := system.New()
	store := storemem.NewJobStore(uuid.New(), clk, 3)
	r, err := NewReaper(store, &fakeRequeuer{}, retry.NewPolicy(retry.Config{}), clk, nil,
		ReaperConfig{StaleThreshold: time.Minute, Interval: time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
