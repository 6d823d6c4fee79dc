// Package retry classifies pipeline failures and computes backoff delays.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"strconv"
	"time"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// Config tunes the retry ceilings and backoff curve.
type Config struct {
	MaxAttempts        int
	ExtractMaxAttempts int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	// Jitter is the fraction of the delay randomised in either direction.
	Jitter float64
}

// Decision is the outcome of classifying one failure.
type Decision struct {
	Retry   bool
	Delay   time.Duration
	Class   string
	Message string
}

// Policy implements exponential backoff with jitter and per-class ceilings.
type Policy struct {
	cfg    Config
	jitter func(limit time.Duration) time.Duration
}

// NewPolicy builds a policy, filling unset fields with defaults.
func NewPolicy(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ExtractMaxAttempts <= 0 || cfg.ExtractMaxAttempts > cfg.MaxAttempts {
		cfg.ExtractMaxAttempts = min(2, cfg.MaxAttempts)
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0.2
	}
	return &Policy{cfg: cfg, jitter: randomJitter}
}

// MaxAttempts returns the hard ceiling applied to every error class.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Decide classifies err raised during the given attempt (zero based).
func (p *Policy) Decide(err error, attempt int) Decision {
	class, retryable, ceiling := p.classify(err)
	d := Decision{Class: class, Message: Describe(err)}
	if !retryable || attempt+1 >= ceiling {
		return d
	}
	d.Retry = true
	d.Delay = p.Backoff(attempt)
	return d
}

func (p *Policy) classify(err error) (string, bool, int) {
	var (
		fetchErr   *scrape.FetchError
		extractErr *scrape.ExtractError
		persistErr *scrape.PersistError
		netErr     net.Error
	)
	switch {
	case err == nil:
		return "none", false, 0
	case errors.Is(err, scrape.ErrWebsiteNotFound), errors.Is(err, scrape.ErrWebsiteInactive):
		return "website", false, 0
	case errors.As(err, &fetchErr):
		if fetchErr.Timeout {
			return "timeout", true, p.cfg.MaxAttempts
		}
		if fetchErr.StatusCode >= 400 && fetchErr.StatusCode < 500 && !fetchErr.Retryable {
			return "http_4xx", false, 0
		}
		return "fetch", fetchErr.Retryable, p.cfg.MaxAttempts
	case errors.As(err, &extractErr):
		return "extract", extractErr.Retryable, p.cfg.ExtractMaxAttempts
	case errors.As(err, &persistErr):
		return "persist", persistErr.Retryable, p.cfg.MaxAttempts
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", true, p.cfg.MaxAttempts
	case errors.As(err, &netErr):
		return "network", true, p.cfg.MaxAttempts
	default:
		return "unknown", true, p.cfg.MaxAttempts
	}
}

// Backoff returns base*2^attempt capped at the max delay, plus or minus jitter.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	spread := time.Duration(delay * p.cfg.Jitter)
	if spread <= 0 {
		return time.Duration(delay)
	}
	out := time.Duration(delay) - spread + p.jitter(2*spread)
	if out > p.cfg.MaxDelay {
		out = p.cfg.MaxDelay
	}
	if out < 0 {
		out = 0
	}
	return out
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Describe renders err as a message fit for job status readers.
func Describe(err error) string {
	var (
		fetchErr   *scrape.FetchError
		extractErr *scrape.ExtractError
		persistErr *scrape.PersistError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, scrape.ErrWebsiteNotFound):
		return "website not found"
	case errors.Is(err, scrape.ErrWebsiteInactive):
		return "website is inactive"
	case errors.As(err, &fetchErr):
		switch {
		case fetchErr.Timeout:
			return "page fetch timed out"
		case fetchErr.StatusCode > 0:
			return "page fetch failed: site returned HTTP " + strconv.Itoa(fetchErr.StatusCode)
		default:
			return "page fetch failed: " + rootMessage(fetchErr.Err)
		}
	case errors.As(err, &extractErr):
		return "extraction failed: " + rootMessage(extractErr.Err)
	case errors.As(err, &persistErr):
		return "saving opportunities failed"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return "internal error: " + rootMessage(err)
	}
}

func rootMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
