package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

var opportunityColumns = []string{
	"job_id", "website_id", "title", "url", "agency", "summary",
	"category", "amount", "deadline", "extra",
}

// OpportunityStore writes extracted records. A job's batch replaces any
// rows left by an earlier attempt inside one transaction.
type OpportunityStore struct {
	db DB
}

// NewOpportunityStore wraps a pool.
func NewOpportunityStore(db DB) (*OpportunityStore, error) {
	if db == nil {
		return nil, fmt.Errorf("opportunity store: db is required")
	}
	return &OpportunityStore{db: db}, nil
}

// SaveBatch implements scrape.OpportunityPersister.
func (s *OpportunityStore) SaveBatch(
	ctx context.Context,
	jobID scrape.JobID,
	websiteID scrape.WebsiteID,
	records []scrape.Record,
) error {
	if err := jobID.Validate(); err != nil {
		return &scrape.PersistError{Err: err}
	}
	rows := make([][]any, 0, len(records))
	for i, rec := range records {
		var extra []byte
		if len(rec.Extra) > 0 {
			b, err := json.Marshal(rec.Extra)
			if err != nil {
				return &scrape.PersistError{Err: fmt.Errorf("encode record %d extra: %w", i, err)}
			}
			extra = b
		}
		rows = append(rows, []any{
			jobID.UUID(), int64(websiteID), rec.Title, rec.URL, rec.Agency, rec.Summary,
			rec.Category, rec.Amount, rec.Deadline, extra,
		})
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return persistError("begin", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM opportunities WHERE job_id = $1`, jobID.String()); err != nil {
		_ = tx.Rollback(ctx)
		return persistError("clear previous batch", err)
	}
	if len(rows) > 0 {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"opportunities"}, opportunityColumns, pgx.CopyFromRows(rows))
		if err != nil {
			_ = tx.Rollback(ctx)
			return persistError("copy records", err)
		}
		if int(n) != len(rows) {
			_ = tx.Rollback(ctx)
			return persistError("copy records", fmt.Errorf("wrote %d of %d rows", n, len(rows)))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return persistError("commit", err)
	}
	return nil
}

// Integrity violations (class 23) will not succeed on retry.
func persistError(op string, err error) *scrape.PersistError {
	var pgErr *pgconn.PgError
	retryable := !(errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23"))
	return &scrape.PersistError{Retryable: retryable, Err: fmt.Errorf("%s: %w", op, err)}
}
