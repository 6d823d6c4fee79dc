package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// WebsiteStore reads and seeds the website catalogue.
type WebsiteStore struct {
	db DB
}

// NewWebsiteStore wraps a pool.
func NewWebsiteStore(db DB) (*WebsiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("website store: db is required")
	}
	return &WebsiteStore{db: db}, nil
}

// Get implements scrape.WebsiteLookup.
func (s *WebsiteStore) Get(ctx context.Context, id scrape.WebsiteID) (scrape.Website, error) {
	var site scrape.Website
	var rawID int64
	err := s.db.QueryRow(ctx, `SELECT id, name, url, active FROM websites WHERE id = $1`, int64(id)).
		Scan(&rawID, &site.Name, &site.URL, &site.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Website{}, scrape.ErrWebsiteNotFound
	}
	if err != nil {
		return scrape.Website{}, fmt.Errorf("get website %d: %w", id, err)
	}
	site.ID = scrape.WebsiteID(rawID)
	return site, nil
}

// Upsert inserts or updates a website by id.
func (s *WebsiteStore) Upsert(ctx context.Context, site scrape.Website) error {
	if site.ID <= 0 {
		return fmt.Errorf("upsert website: id must be > 0")
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO websites (id, name, url, active) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, url = EXCLUDED.url, active = EXCLUDED.active`,
		int64(site.ID), site.Name, site.URL, site.Active)
	if err != nil {
		return fmt.Errorf("upsert website %d: %w", site.ID, err)
	}
	return nil
}

// List returns every website ordered by id.
func (s *WebsiteStore) List(ctx context.Context) ([]scrape.Website, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, url, active FROM websites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list websites: %w", err)
	}
	defer rows.Close()
	var out []scrape.Website
	for rows.Next() {
		var site scrape.Website
		var rawID int64
		if err := rows.Scan(&rawID, &site.Name, &site.URL, &site.Active); err != nil {
			return nil, fmt.Errorf("scan website: %w", err)
		}
		site.ID = scrape.WebsiteID(rawID)
		out = append(out, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list websites: %w", err)
	}
	return out, nil
}
