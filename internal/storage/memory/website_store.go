package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// WebsiteStore serves a fixed website catalogue, usually loaded from config.
type WebsiteStore struct {
	mu    sync.RWMutex
	sites map[scrape.WebsiteID]scrape.Website
}

// NewWebsiteStore indexes the given websites by id.
func NewWebsiteStore(sites ...scrape.Website) *WebsiteStore {
	s := &WebsiteStore{sites: make(map[scrape.WebsiteID]scrape.Website, len(sites))}
	for _, site := range sites {
		s.sites[site.ID] = site
	}
	return s
}

// Get implements scrape.WebsiteLookup.
func (s *WebsiteStore) Get(_ context.Context, id scrape.WebsiteID) (scrape.Website, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	if !ok {
		return scrape.Website{}, scrape.ErrWebsiteNotFound
	}
	return site, nil
}

// Put adds or replaces a website.
func (s *WebsiteStore) Put(site scrape.Website) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[site.ID] = site
}
