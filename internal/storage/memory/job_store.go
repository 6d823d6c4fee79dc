// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// JobStore keeps jobs in a map guarded by a single mutex, which makes every
// transition an atomic compare-and-set.
type JobStore struct {
	mu          sync.RWMutex
	jobs        map[scrape.JobID]scrape.Job
	active      map[scrape.WebsiteID]scrape.JobID
	ids         scrape.IDGenerator
	clock       scrape.Clock
	maxAttempts int
}

// NewJobStore constructs a JobStore. maxAttempts bounds retries in Fail.
func NewJobStore(ids scrape.IDGenerator, clock scrape.Clock, maxAttempts int) *JobStore {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &JobStore{
		jobs:        make(map[scrape.JobID]scrape.Job),
		active:      make(map[scrape.WebsiteID]scrape.JobID),
		ids:         ids,
		clock:       clock,
		maxAttempts: maxAttempts,
	}
}

// Create stores a new pending job unless the website already has an active one.
func (s *JobStore) Create(_ context.Context, websiteID scrape.WebsiteID) (scrape.Job, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return scrape.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.active[websiteID]; ok {
		return scrape.Job{}, &scrape.ConflictError{WebsiteID: websiteID, ExistingJobID: existing}
	}
	job := scrape.Job{
		ID:        id,
		WebsiteID: websiteID,
		Status:    scrape.JobStatusPending,
		CreatedAt: s.now(),
	}
	s.jobs[id] = job
	s.active[websiteID] = id
	return cloneJob(job), nil
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(_ context.Context, id scrape.JobID) (scrape.Job, error) {
	if err := id.Validate(); err != nil {
		return scrape.Job{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.Job{}, scrape.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// TransitionToRunning claims a pending job.
func (s *JobStore) TransitionToRunning(_ context.Context, id scrape.JobID) (scrape.Job, error) {
	return s.transition(id, "claim", scrape.JobStatusPending, -1, func(job *scrape.Job, now time.Time) {
		job.Status = scrape.JobStatusRunning
		if job.StartedAt == nil {
			job.StartedAt = pointerTime(now)
		}
		job.LeasedAt = pointerTime(now)
	})
}

// Complete marks a running job completed with its summary.
func (s *JobStore) Complete(
	_ context.Context,
	id scrape.JobID,
	attempt int,
	summary scrape.ResultSummary,
) (scrape.Job, error) {
	return s.transition(id, "complete", scrape.JobStatusRunning, attempt, func(job *scrape.Job, now time.Time) {
		job.Status = scrape.JobStatusCompleted
		job.CompletedAt = pointerTime(now)
		job.LeasedAt = nil
		job.Result = &scrape.ResultSummary{Count: summary.Count, Stats: copyStats(summary.Stats)}
	})
}

// Fail returns a running job to pending with attempt+1 when retryable and
// under the attempt ceiling, otherwise marks it failed.
func (s *JobStore) Fail(
	_ context.Context,
	id scrape.JobID,
	attempt int,
	errorMessage string,
	retryable bool,
) (scrape.Job, error) {
	return s.transition(id, "fail", scrape.JobStatusRunning, attempt, func(job *scrape.Job, now time.Time) {
		job.LeasedAt = nil
		job.LastError = errorMessage
		if retryable && job.Attempt+1 < s.maxAttempts {
			job.Status = scrape.JobStatusPending
			job.Attempt++
			job.ErrorMessage = ""
			return
		}
		job.Status = scrape.JobStatusFailed
		job.ErrorMessage = errorMessage
		job.CompletedAt = pointerTime(now)
	})
}

// Cancel stops a job that has not been claimed yet.
func (s *JobStore) Cancel(_ context.Context, id scrape.JobID) (scrape.Job, error) {
	return s.transition(id, "cancel", scrape.JobStatusPending, -1, func(job *scrape.Job, now time.Time) {
		job.Status = scrape.JobStatusCancelled
		job.CompletedAt = pointerTime(now)
	})
}

// ListStale returns running jobs whose lease began before the cutoff.
func (s *JobStore) ListStale(_ context.Context, leasedBefore time.Time) ([]scrape.Job, error) {
	return s.list(func(job scrape.Job) bool {
		return job.Status == scrape.JobStatusRunning && job.LeasedAt != nil && job.LeasedAt.Before(leasedBefore)
	}), nil
}

// ListPending returns queued jobs oldest first.
func (s *JobStore) ListPending(context.Context) ([]scrape.Job, error) {
	return s.list(func(job scrape.Job) bool {
		return job.Status == scrape.JobStatusPending
	}), nil
}

func (s *JobStore) list(match func(scrape.Job) bool) []scrape.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.Job, 0)
	for _, job := range s.jobs {
		if match(job) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// transition applies mutate when the job is in the expected status and, if
// attempt >= 0, on the expected attempt.
func (s *JobStore) transition(
	id scrape.JobID,
	op string,
	expected scrape.JobStatus,
	attempt int,
	mutate func(job *scrape.Job, now time.Time),
) (scrape.Job, error) {
	if err := id.Validate(); err != nil {
		return scrape.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.Job{}, scrape.ErrJobNotFound
	}
	if job.Status != expected || (attempt >= 0 && job.Attempt != attempt) {
		return scrape.Job{}, &scrape.StateError{JobID: id, Current: job.Status, Expected: expected, Op: op}
	}
	mutate(&job, s.now())
	s.jobs[id] = job
	if job.Status.Terminal() && s.active[job.WebsiteID] == id {
		delete(s.active, job.WebsiteID)
	}
	return cloneJob(job), nil
}

func (s *JobStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now().UTC()
}

func cloneJob(job scrape.Job) scrape.Job {
	out := job
	out.StartedAt = copyTime(job.StartedAt)
	out.LeasedAt = copyTime(job.LeasedAt)
	out.CompletedAt = copyTime(job.CompletedAt)
	if job.Result != nil {
		out.Result = &scrape.ResultSummary{Count: job.Result.Count, Stats: copyStats(job.Result.Stats)}
	}
	return out
}

func copyStats(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return pointerTime(*t)
}

func pointerTime(t time.Time) *time.Time {
	return &t
}
