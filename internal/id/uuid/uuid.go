// Package uuid generates job identifiers backed by UUIDv7.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// Generator creates time-ordered job IDs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a fresh UUIDv7 job ID.
func (Generator) NewID() (scrape.JobID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return scrape.JobID{}, fmt.Errorf("generate uuid7: %w", err)
	}
	return scrape.NewJobID(id), nil
}
