package scrape

import (
	"fmt"
	"strconv"
	"time"
)

// JobStatus enumerates lifecycle states for a scrape job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting for a worker.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a worker has claimed the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the pipeline persisted its records.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a terminal failure.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled before it ran.
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the status blocks a new job for the same website.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// ParseJobStatus converts a stored status string.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// WebsiteID references a configured scraping target.
type WebsiteID int64

// ParseWebsiteID converts a path or CLI argument.
func ParseWebsiteID(s string) (WebsiteID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid website id %q", s)
	}
	return WebsiteID(n), nil
}

// String implements fmt.Stringer.
func (id WebsiteID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Website is a scraping target owned by the catalogue.
type Website struct {
	ID     WebsiteID `json:"id" mapstructure:"id"`
	Name   string    `json:"name" mapstructure:"name"`
	URL    string    `json:"url" mapstructure:"url"`
	Active bool      `json:"active" mapstructure:"active"`
}

// ResultSummary is attached to completed jobs.
type ResultSummary struct {
	Count int            `json:"count"`
	Stats map[string]any `json:"stats,omitempty"`
}

// Job captures the lifecycle of one scrape of one website.
type Job struct {
	ID           JobID          `json:"job_id"`
	WebsiteID    WebsiteID      `json:"website_id"`
	Status       JobStatus      `json:"status"`
	Attempt      int            `json:"attempt"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	LeasedAt     *time.Time     `json:"-"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Result       *ResultSummary `json:"result,omitempty"`
}

// QueueItem is the unit of work handed to the worker pool.
type QueueItem struct {
	JobID     JobID
	WebsiteID WebsiteID
	Attempt   int
	NotBefore time.Time
}

// Validate checks the item before it crosses a queue boundary.
func (q QueueItem) Validate() error {
	if err := q.JobID.Validate(); err != nil {
		return err
	}
	if q.WebsiteID <= 0 {
		return fmt.Errorf("queue item %s: website id must be > 0", q.JobID)
	}
	if q.Attempt < 0 {
		return fmt.Errorf("queue item %s: attempt must be >= 0", q.JobID)
	}
	return nil
}

// Page is the raw content returned by a PageFetcher.
type Page struct {
	URL          string
	StatusCode   int
	ContentType  string
	Body         []byte
	FetchedAt    time.Time
	Duration     time.Duration
	UsedHeadless bool
	Cached       bool
}

// Record is one structured opportunity extracted from a page.
type Record struct {
	Title    string         `json:"title"`
	URL      string         `json:"url,omitempty"`
	Agency   string         `json:"agency,omitempty"`
	Summary  string         `json:"summary,omitempty"`
	Category string         `json:"category,omitempty"`
	Amount   string         `json:"amount,omitempty"`
	Deadline *time.Time     `json:"deadline,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}
