package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opportunity-crawler/internal/clock/system"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

const (
	testJobID   = "0b9a3c1e-5d6f-4a7b-8c9d-0e1f2a3b4c5d"
	activeJobID = "7f0e1d2c-3b4a-4958-8776-655443322110"
)

var jobColumnNames = []string{
	"id", "website_id", "status", "attempt", "created_at", "started_at", "leased_at",
	"completed_at", "error_message", "last_error", "result_count", "result_stats",
}

type fixedIDs struct{ id scrape.JobID }

func (f fixedIDs) NewID() (scrape.JobID, error) { return f.id, nil }

func newJobStore(t *testing.T, maxAttempts int) (*JobStore, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, err := NewJobStore(mock, fixedIDs{id: scrape.MustParseJobID(testJobID)}, system.NewManual(now), maxAttempts)
	require.NoError(t, err)
	return store, mock, now
}

func jobRow(mock pgxmock.PgxPoolIface, id, status string, attempt int, created time.Time, leased *time.Time) *pgxmock.Rows {
	return mock.NewRows(jobColumnNames).AddRow(
		id, int64(42), status, attempt, created,
		leased, leased, (*time.Time)(nil),
		"", "", (*int)(nil), []byte(nil),
	)
}

func TestJobStoreCreateInsertsPending(t *testing.T) {
	t.Parallel()
	store, mock, now := newJobStore(t, 3)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO scrape_jobs")).
		WithArgs(testJobID, int64(42), now).
		WillReturnRows(jobRow(mock, testJobID, "pending", 0, now, nil))

	job, err := store.Create(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusPending, job.Status)
	require.Equal(t, testJobID, job.ID.String())
	require.Equal(t, scrape.WebsiteID(42), job.WebsiteID)
	require.Nil(t, job.Result)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCreateReportsActiveJob(t *testing.T) {
	t.Parallel()
	store, mock, now := newJobStore(t, 3)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO scrape_jobs")).
		WithArgs(testJobID, int64(42), now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id::text FROM scrape_jobs")).
		WithArgs(int64(42)).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(activeJobID))

	_, err := store.Create(context.Background(), 42)
	conflict, ok := scrape.IsConflict(err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, activeJobID, conflict.ExistingJobID.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCreateUnknownWebsite(t *testing.T) {
	t.Parallel()
	store, mock, now := newJobStore(t, 3)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO scrape_jobs")).
		WithArgs(testJobID, int64(42), now).
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})

	_, err := store.Create(context.Background(), 42)
	require.ErrorIs(t, err, scrape.ErrWebsiteNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGetNotFound(t *testing.T) {
	t.Parallel()
	store, mock, _ := newJobStore(t, 3)

	mock.ExpectQuery(regexp.QuoteMeta("FROM scrape_jobs WHERE id = $1")).
		WithArgs(testJobID).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), scrape.MustParseJobID(testJobID))
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreRejectsZeroID(t *testing.T) {
	t.Parallel()
	store, mock, _ := newJobStore(t, 3)

	_, err := store.Cancel(context.Background(), scrape.JobID{})
	require.ErrorIs(t, err, scrape.ErrInvalidJobID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreTransitionToRunningSetsLease(t *testing.T) {
	t.Parallel()
	store, mock, now := newJobStore(t, 3)
	created := now.Add(-time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'running'")).
		WithArgs(testJobID, now).
		WillReturnRows(jobRow(mock, testJobID, "running", 0, created, &now))

	job, err := store.TransitionToRunning(context.Background(), scrape.MustParseJobID(testJobID))
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusRunning, job.Status)
	require.NotNil(t, job.LeasedAt)
	require.True(t, job.LeasedAt.Equal(now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreTransitionReportsCurrentState(t *testing.T) {
	t.Parallel()
	store, mock, now := newJobStore(t, 3)

	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'running'")).
		WithArgs(testJobID, now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM scrape_jobs WHERE id = $1")).
		WithArgs(testJobID).
		WillReturnRows(jobRow(mock, testJobID, "cancelled", 0, now, nil))

	_, err := store.TransitionToRunning(context.Background(), scrape.MustParseJobID(testJobID))
	var stateErr *scrape.StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, scrape.JobStatusCancelled, stateErr.Current)
	require.Equal(t, scrape.JobStatusPending, stateErr.Expected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreFailRetriesUnderCeiling(t *testing.T) {
	t.Parallel()
	store, mock, now := newJobStore(t, 3)

	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'pending', attempt = attempt + 1")).
		WithArgs(testJobID, 1, "fetch: timeout").
		WillReturnRows(jobRow(mock, testJobID, "pending", 2, now, nil))

	job, err := store.Fail(context.Background(), scrape.MustParseJobID(testJobID), 1, "fetch: timeout", true)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusPending, job.Status)
	require.Equal(t, 2, job.Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreFailTerminalOnLastAttempt(t *testing.T) {
	t.Parallel()
	store, mock, now := newJobStore(t, 3)

	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs(testJobID, 2, "fetch: timeout", now).
		WillReturnRows(jobRow(mock, testJobID, "failed", 2, now, nil))

	job, err := store.Fail(context.Background(), scrape.MustParseJobID(testJobID), 2, "fetch: timeout", true)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusFailed, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCompleteDecodesSummary(t *testing.T) {
	t.Parallel()
	store, mock, now := newJobStore(t, 3)
	count := 2

	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'completed'")).
		WithArgs(testJobID, 0, now, 2, []byte(`{"backend":"heuristic"}`)).
		WillReturnRows(mock.NewRows(jobColumnNames).AddRow(
			testJobID, int64(42), "completed", 0, now,
			&now, (*time.Time)(nil), &now,
			"", "", &count, []byte(`{"backend":"heuristic"}`),
		))

	job, err := store.Complete(context.Background(), scrape.MustParseJobID(testJobID), 0, scrape.ResultSummary{
		Count: 2,
		Stats: map[string]any{"backend": "heuristic"},
	})
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	require.Equal(t, 2, job.Result.Count)
	require.Equal(t, "heuristic", job.Result.Stats["backend"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreListStale(t *testing.T) {
	t.Parallel()
	store, mock, now := newJobStore(t, 3)
	leased := now.Add(-10 * time.Minute)
	cutoff := now.Add(-5 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'running' AND leased_at < $1")).
		WithArgs(cutoff).
		WillReturnRows(jobRow(mock, testJobID, "running", 1, leased, &leased))

	jobs, err := store.ListStale(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 1, jobs[0].Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreListPendingPropagatesErrors(t *testing.T) {
	t.Parallel()
	store, mock, _ := newJobStore(t, 3)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'pending'")).
		WillReturnError(errors.New("connection reset"))

	_, err := store.ListPending(context.Background())
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}
