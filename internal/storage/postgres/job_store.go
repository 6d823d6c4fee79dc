package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

const (
	jobColumns = `id::text, website_id, status, attempt, created_at, started_at, leased_at,
	completed_at, error_message, last_error, result_count, result_stats`

	pgForeignKeyViolation = "23503"
	createRetries         = 3
)

// JobStore persists jobs in the scrape_jobs table. Each transition is a
// single UPDATE guarded on status (and attempt where fenced), so concurrent
// callers cannot both win.
type JobStore struct {
	db          DB
	ids         scrape.IDGenerator
	clock       scrape.Clock
	maxAttempts int
}

// NewJobStore builds a JobStore. maxAttempts bounds retries in Fail.
func NewJobStore(db DB, ids scrape.IDGenerator, clock scrape.Clock, maxAttempts int) (*JobStore, error) {
	if db == nil || ids == nil || clock == nil {
		return nil, fmt.Errorf("job store: db, id generator and clock are required")
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &JobStore{db: db, ids: ids, clock: clock, maxAttempts: maxAttempts}, nil
}

// Create inserts a pending job unless the website already has an active
// one, in which case a *scrape.ConflictError names the existing job.
func (s *JobStore) Create(ctx context.Context, websiteID scrape.WebsiteID) (scrape.Job, error) {
	for i := 0; i < createRetries; i++ {
		id, err := s.ids.NewID()
		if err != nil {
			return scrape.Job{}, fmt.Errorf("generate job id: %w", err)
		}
		row := s.db.QueryRow(ctx, `
INSERT INTO scrape_jobs (id, website_id, status, attempt, created_at)
VALUES ($1, $2, 'pending', 0, $3)
ON CONFLICT (website_id) WHERE status IN ('pending', 'running') DO NOTHING
RETURNING `+jobColumns, id.String(), int64(websiteID), s.now())
		job, err := scanJob(row)
		if err == nil {
			return job, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return scrape.Job{}, fmt.Errorf("create job for website %d: %w", websiteID, scrape.ErrWebsiteNotFound)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return scrape.Job{}, fmt.Errorf("insert job: %w", err)
		}

		var existing string
		err = s.db.QueryRow(ctx, `
SELECT id::text FROM scrape_jobs
WHERE website_id = $1 AND status IN ('pending', 'running')
LIMIT 1`, int64(websiteID)).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			// The active job finished between the two statements; try again.
			continue
		}
		if err != nil {
			return scrape.Job{}, fmt.Errorf("lookup active job: %w", err)
		}
		existingID, err := scrape.ParseJobID(existing)
		if err != nil {
			return scrape.Job{}, fmt.Errorf("lookup active job: %w", err)
		}
		return scrape.Job{}, &scrape.ConflictError{WebsiteID: websiteID, ExistingJobID: existingID}
	}
	return scrape.Job{}, fmt.Errorf("create job for website %d: active job kept changing", websiteID)
}

// Get returns the job.
func (s *JobStore) Get(ctx context.Context, id scrape.JobID) (scrape.Job, error) {
	if err := id.Validate(); err != nil {
		return scrape.Job{}, err
	}
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, scrape.ErrJobNotFound
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// TransitionToRunning claims a pending job and starts its lease.
func (s *JobStore) TransitionToRunning(ctx context.Context, id scrape.JobID) (scrape.Job, error) {
	if err := id.Validate(); err != nil {
		return scrape.Job{}, err
	}
	return s.transition(ctx, id, "start", scrape.JobStatusPending, `
UPDATE scrape_jobs
SET status = 'running', started_at = COALESCE(started_at, $2), leased_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING `+jobColumns, id.String(), s.now())
}

// Complete records a successful attempt.
func (s *JobStore) Complete(ctx context.Context, id scrape.JobID, attempt int, summary scrape.ResultSummary) (scrape.Job, error) {
	if err := id.Validate(); err != nil {
		return scrape.Job{}, err
	}
	stats, err := marshalStats(summary.Stats)
	if err != nil {
		return scrape.Job{}, err
	}
	return s.transition(ctx, id, "complete", scrape.JobStatusRunning, `
UPDATE scrape_jobs
SET status = 'completed', completed_at = $3, leased_at = NULL,
    result_count = $4, result_stats = $5, error_message = ''
WHERE id = $1 AND status = 'running' AND attempt = $2
RETURNING `+jobColumns, id.String(), attempt, s.now(), summary.Count, stats)
}

// Fail returns a running job to pending with attempt+1 when retryable and
// under the attempt ceiling, otherwise marks it failed.
func (s *JobStore) Fail(
	ctx context.Context,
	id scrape.JobID,
	attempt int,
	errorMessage string,
	retryable bool,
) (scrape.Job, error) {
	if err := id.Validate(); err != nil {
		return scrape.Job{}, err
	}
	if retryable && attempt+1 < s.maxAttempts {
		return s.transition(ctx, id, "fail", scrape.JobStatusRunning, `
UPDATE scrape_jobs
SET status = 'pending', attempt = attempt + 1, leased_at = NULL,
    last_error = $3, error_message = ''
WHERE id = $1 AND status = 'running' AND attempt = $2
RETURNING `+jobColumns, id.String(), attempt, errorMessage)
	}
	return s.transition(ctx, id, "fail", scrape.JobStatusRunning, `
UPDATE scrape_jobs
SET status = 'failed', leased_at = NULL, completed_at = $4,
    last_error = $3, error_message = $3
WHERE id = $1 AND status = 'running' AND attempt = $2
RETURNING `+jobColumns, id.String(), attempt, errorMessage, s.now())
}

// Cancel stops a job that has not been claimed yet.
func (s *JobStore) Cancel(ctx context.Context, id scrape.JobID) (scrape.Job, error) {
	if err := id.Validate(); err != nil {
		return scrape.Job{}, err
	}
	return s.transition(ctx, id, "cancel", scrape.JobStatusPending, `
UPDATE scrape_jobs
SET status = 'cancelled', completed_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING `+jobColumns, id.String(), s.now())
}

// ListStale returns running jobs whose lease began before the cutoff.
func (s *JobStore) ListStale(ctx context.Context, leasedBefore time.Time) ([]scrape.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM scrape_jobs
WHERE status = 'running' AND leased_at < $1
ORDER BY leased_at`, leasedBefore)
}

// ListPending returns pending jobs oldest first.
func (s *JobStore) ListPending(ctx context.Context) ([]scrape.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM scrape_jobs
WHERE status = 'pending'
ORDER BY created_at`)
}

func (s *JobStore) transition(
	ctx context.Context,
	id scrape.JobID,
	op string,
	expected scrape.JobStatus,
	query string,
	args ...any,
) (scrape.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, fmt.Errorf("%s job %s: %w", op, id, err)
	}
	// Nothing matched: either the job is gone or it is not in the expected state.
	current, err := s.Get(ctx, id)
	if err != nil {
		return scrape.Job{}, err
	}
	return scrape.Job{}, &scrape.StateError{JobID: id, Current: current.Status, Expected: expected, Op: op}
}

func (s *JobStore) list(ctx context.Context, query string, args ...any) ([]scrape.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []scrape.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (s *JobStore) now() time.Time {
	return s.clock.Now().UTC()
}

func scanJob(row pgx.Row) (scrape.Job, error) {
	var (
		id          string
		websiteID   int64
		status      string
		job         scrape.Job
		resultCount *int
		resultStats []byte
	)
	err := row.Scan(
		&id,
		&websiteID,
		&status,
		&job.Attempt,
		&job.CreatedAt,
		&job.StartedAt,
		&job.LeasedAt,
		&job.CompletedAt,
		&job.ErrorMessage,
		&job.LastError,
		&resultCount,
		&resultStats,
	)
	if err != nil {
		return scrape.Job{}, err
	}
	if job.ID, err = scrape.ParseJobID(id); err != nil {
		return scrape.Job{}, err
	}
	if job.Status, err = scrape.ParseJobStatus(status); err != nil {
		return scrape.Job{}, err
	}
	job.WebsiteID = scrape.WebsiteID(websiteID)
	if resultCount != nil {
		summary := &scrape.ResultSummary{Count: *resultCount}
		if len(resultStats) > 0 {
			if err := json.Unmarshal(resultStats, &summary.Stats); err != nil {
				return scrape.Job{}, fmt.Errorf("decode result stats: %w", err)
			}
		}
		job.Result = summary
	}
	return job, nil
}

func marshalStats(stats map[string]any) ([]byte, error) {
	if len(stats) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("encode result stats: %w", err)
	}
	return b, nil
}
