package scrape

import (
	"context"
	"io"
	"time"
)

// JobStore owns job records. Every transition is a compare-and-set on the
// expected current status; Complete and Fail are also fenced on attempt.
type JobStore interface {
	Create(ctx context.Context, websiteID WebsiteID) (Job, error)
	Get(ctx context.Context, id JobID) (Job, error)
	TransitionToRunning(ctx context.Context, id JobID) (Job, error)
	Complete(ctx context.Context, id JobID, attempt int, summary ResultSummary) (Job, error)
	Fail(ctx context.Context, id JobID, attempt int, errorMessage string, retryable bool) (Job, error)
	Cancel(ctx context.Context, id JobID) (Job, error)
	ListStale(ctx context.Context, leasedBefore time.Time) ([]Job, error)
	ListPending(ctx context.Context) ([]Job, error)
}

// Queue provides enqueue/dequeue semantics for work items.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Requeuer schedules a retry item once its backoff elapses.
type Requeuer interface {
	Requeue(ctx context.Context, item QueueItem, delay time.Duration) error
}

// PageFetcher returns the rendered content of a URL.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Extractor turns page content into opportunity records.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, page Page) ([]Record, error)
}

// OpportunityPersister saves the records of one job atomically.
type OpportunityPersister interface {
	SaveBatch(ctx context.Context, jobID JobID, websiteID WebsiteID, records []Record) error
}

// WebsiteLookup resolves website references.
type WebsiteLookup interface {
	Get(ctx context.Context, id WebsiteID) (Website, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RateLimiter paces outbound requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job identifiers.
type IDGenerator interface {
	NewID() (JobID, error)
}
