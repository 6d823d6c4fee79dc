package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

func TestWebsiteStoreGet(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWebsiteStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("FROM websites WHERE id = $1")).
		WithArgs(int64(42)).
		WillReturnRows(mock.NewRows([]string{"id", "name", "url", "active"}).
			AddRow(int64(42), "State grants", "https://grants.example.gov/open", true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM websites WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnError(pgx.ErrNoRows)

	site, err := store.Get(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, scrape.Website{ID: 42, Name: "State grants", URL: "https://grants.example.gov/open", Active: true}, site)

	_, err = store.Get(context.Background(), 7)
	require.ErrorIs(t, err, scrape.ErrWebsiteNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebsiteStoreUpsertAndList(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWebsiteStore(mock)
	require.NoError(t, err)

	site := scrape.Website{ID: 3, Name: "County", URL: "https://county.example.org/bids", Active: false}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO websites")).
		WithArgs(int64(3), "County", "https://county.example.org/bids", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM websites ORDER BY id")).
		WillReturnRows(mock.NewRows([]string{"id", "name", "url", "active"}).
			AddRow(int64(3), "County", "https://county.example.org/bids", false))

	require.NoError(t, store.Upsert(context.Background(), site))
	require.Error(t, store.Upsert(context.Background(), scrape.Website{}))

	sites, err := store.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []scrape.Website{site}, sites)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS websites")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
