// Package cache wraps a PageFetcher with a TTL page cache so repeated scrapes
// of the same portal inside the TTL do not hit the site again.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// ErrMiss is returned by a Store when the key is absent.
var ErrMiss = errors.New("cache miss")

// Store is a byte-oriented TTL cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Config controls the cache decorator.
type Config struct {
	TTL       time.Duration
	KeyPrefix string
}

// Fetcher serves pages from Store when present and populates it after a
// successful fetch.
type Fetcher struct {
	next   scrape.PageFetcher
	store  Store
	hasher scrape.Hasher
	cfg    Config
	logger *zap.Logger
}

// New builds a caching fetcher around next.
func New(next scrape.PageFetcher, store Store, hasher scrape.Hasher, cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if next == nil || store == nil || hasher == nil {
		return nil, errors.New("cache: fetcher, store and hasher are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "oppcrawler:page:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{next: next, store: store, hasher: hasher, cfg: cfg, logger: logger}, nil
}

// Fetch implements scrape.PageFetcher. Cache errors never fail a fetch.
func (f *Fetcher) Fetch(ctx context.Context, url string) (scrape.Page, error) {
	key, err := f.key(url)
	if err != nil {
		return f.next.Fetch(ctx, url)
	}
	if page, ok := f.lookup(ctx, key); ok {
		return page, nil
	}

	page, err := f.next.Fetch(ctx, url)
	if err != nil {
		return scrape.Page{}, err
	}
	if page.StatusCode >= 200 && page.StatusCode < 300 {
		f.save(ctx, key, page)
	}
	return page, nil
}

func (f *Fetcher) key(url string) (string, error) {
	digest, err := f.hasher.Hash([]byte(url))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	return f.cfg.KeyPrefix + digest, nil
}

func (f *Fetcher) lookup(ctx context.Context, key string) (scrape.Page, bool) {
	raw, err := f.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			f.logger.Warn("page cache read failed", zap.String("key", key), zap.Error(err))
		}
		return scrape.Page{}, false
	}
	var page scrape.Page
	if err := json.Unmarshal(raw, &page); err != nil {
		f.logger.Warn("page cache entry corrupt", zap.String("key", key), zap.Error(err))
		return scrape.Page{}, false
	}
	page.Cached = true
	return page, true
}

func (f *Fetcher) save(ctx context.Context, key string, page scrape.Page) {
	raw, err := json.Marshal(page)
	if err != nil {
		f.logger.Warn("page cache encode failed", zap.Error(err))
		return
	}
	if err := f.store.Set(ctx, key, raw, f.cfg.TTL); err != nil {
		f.logger.Warn("page cache write failed", zap.String("key", key), zap.Error(err))
	}
}
