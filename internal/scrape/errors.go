package scrape

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the store.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidJobID is returned when a job id fails validation.
	ErrInvalidJobID = errors.New("invalid job id")
	// ErrOverloaded is returned when the work queue stays full past the submit timeout.
	ErrOverloaded = errors.New("dispatcher overloaded: work queue is full")
	// ErrWebsiteNotFound is returned when the catalogue has no such website.
	ErrWebsiteNotFound = errors.New("website not found")
	// ErrWebsiteInactive is returned when a website is disabled for scraping.
	ErrWebsiteInactive = errors.New("website is inactive")
	// ErrQueueClosed is returned by queues once they stop accepting or handing out work.
	ErrQueueClosed = errors.New("queue closed")
)

// ConflictError reports an active job already holding the website.
type ConflictError struct {
	WebsiteID     WebsiteID
	ExistingJobID JobID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("website %d already has active job %s", e.WebsiteID, e.ExistingJobID)
}

// StateError reports an illegal lifecycle transition.
type StateError struct {
	JobID    JobID
	Current  JobStatus
	Expected JobStatus
	Op       string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s job %s: status is %s, want %s", e.Op, e.JobID, e.Current, e.Expected)
}

// FetchError wraps a PageFetcher failure.
type FetchError struct {
	URL        string
	StatusCode int
	Timeout    bool
	Retryable  bool
	Err        error
}

// NewHTTPStatusError classifies a non-success HTTP response.
func NewHTTPStatusError(url string, code int) *FetchError {
	retryable := code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	return &FetchError{
		URL:        url,
		StatusCode: code,
		Retryable:  retryable,
		Err:        fmt.Errorf("unexpected status %d", code),
	}
}

func (e *FetchError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("fetch %s: timed out", e.URL)
	case e.StatusCode > 0:
		return fmt.Sprintf("fetch %s: site returned HTTP %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s failed", e.URL)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExtractError wraps an Extractor failure. Schema mismatches are not retryable.
type ExtractError struct {
	Backend   string
	Retryable bool
	Err       error
}

func (e *ExtractError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("extract: %v", e.Err)
	}
	return fmt.Sprintf("extract (%s): %v", e.Backend, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// PersistError wraps an OpportunityPersister failure.
type PersistError struct {
	Retryable bool
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist opportunities: %v", e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// IsConflict unwraps a ConflictError.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsStateError reports whether err is an illegal transition.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
