package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// OpportunityStore keeps extracted records per job. SaveBatch replaces the
// job's previous batch so a retried job never accumulates duplicates.
type OpportunityStore struct {
	mu      sync.RWMutex
	batches map[scrape.JobID][]scrape.Record
	sites   map[scrape.JobID]scrape.WebsiteID
	failErr error
}

// NewOpportunityStore constructs an empty store.
func NewOpportunityStore() *OpportunityStore {
	return &OpportunityStore{
		batches: make(map[scrape.JobID][]scrape.Record),
		sites:   make(map[scrape.JobID]scrape.WebsiteID),
	}
}

// SaveBatch stores the records for the job in one step.
func (s *OpportunityStore) SaveBatch(
	_ context.Context,
	jobID scrape.JobID,
	websiteID scrape.WebsiteID,
	records []scrape.Record,
) error {
	if err := jobID.Validate(); err != nil {
		return &scrape.PersistError{Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return &scrape.PersistError{Retryable: true, Err: s.failErr}
	}
	s.batches[jobID] = append([]scrape.Record(nil), records...)
	s.sites[jobID] = websiteID
	return nil
}

// Records returns a copy of the batch saved for a job.
func (s *OpportunityStore) Records(jobID scrape.JobID) []scrape.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]scrape.Record(nil), s.batches[jobID]...)
}

// FailWith makes subsequent saves fail with err until reset with nil.
func (s *OpportunityStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}
