package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// Stage denotes the lifecycle milestone an Event reports.
type Stage string

// Supported stages.
const (
	StageSubmitted  Stage = "JOB_SUBMITTED"
	StageOverloaded Stage = "JOB_OVERLOADED"
	StageClaimed    Stage = "JOB_CLAIMED"
	StageFetched    Stage = "FETCH_DONE"
	StageExtracted  Stage = "EXTRACT_DONE"
	StageCompleted  Stage = "JOB_COMPLETED"
	StageRetried    Stage = "JOB_RETRIED"
	StageFailed     Stage = "JOB_FAILED"
	StageCancelled  Stage = "JOB_CANCELLED"
	StageReaped     Stage = "JOB_REAPED"
)

// Terminal reports whether the stage ends the job.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch events.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one lifecycle observation.
type Event struct {
	JobID     scrape.JobID     `json:"job_id"`
	WebsiteID scrape.WebsiteID `json:"website_id"`
	TS        time.Time        `json:"ts"`
	Stage     Stage            `json:"stage"`
	Attempt   int              `json:"attempt"`
	// Site is the target host, used as a metric label.
	Site        string        `json:"site,omitempty"`
	StatusClass StatusClass   `json:"status_class,omitempty"`
	Bytes       int64         `json:"bytes,omitempty"`
	Records     int           `json:"records,omitempty"`
	Dur         time.Duration `json:"duration,omitempty"`
	// Note carries the error class or a short human-readable reason.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if err := e.JobID.Validate(); err != nil {
		return fmt.Errorf("event job id: %w", err)
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSubmitted, StageOverloaded, StageClaimed, StageExtracted, StageCompleted,
		StageRetried, StageFailed, StageCancelled, StageReaped:
	case StageFetched:
		if e.StatusClass == "" {
			return errors.New("fetch event requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
