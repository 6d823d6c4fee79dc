// Package collyfetcher implements scrape.PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes caps the response size; zero keeps colly's default.
	MaxBodyBytes int
	// OnRobotsFallback is called when robots.txt could not be fetched and
	// the page was allowed by default.
	OnRobotsFallback func(host string)
}

// Fetcher implements scrape.PageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = newRobotsTransport(transport, cfg.OnRobotsFallback)
	}
	// Clones share the HTTP backend, so transport and timeout are set once here.
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Non-2xx responses come back as
// *scrape.FetchError carrying the status code.
func (f *Fetcher) Fetch(ctx context.Context, url string) (scrape.Page, error) {
	var (
		page     scrape.Page
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(start, &page, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return scrape.Page{}, classify(url, err)
	}
	if page.StatusCode < 200 || page.StatusCode >= 300 {
		return scrape.Page{}, scrape.NewHTTPStatusError(url, page.StatusCode)
	}
	return page, nil
}

func (f *Fetcher) buildCollector(start time.Time, page *scrape.Page, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true

	f.configureCollectorHooks(collector, start, page, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	page *scrape.Page,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		*page = scrape.Page{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: contentType,
			Body:        append([]byte(nil), r.Body...),
			FetchedAt:   time.Now().UTC(),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			*fetchErr = scrape.NewHTTPStatusError(r.Request.URL.String(), r.StatusCode)
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && *fetchErr == nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return *fetchErr
		}
		return nil
	}
}

// classify maps transport failures onto scrape.FetchError so the retry
// policy can tell timeouts and robots blocks apart.
func classify(url string, err error) error {
	var fe *scrape.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	out := &scrape.FetchError{URL: url, Retryable: true, Err: err}
	var netErr net.Error
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		out.Retryable = false
	case errors.Is(err, context.DeadlineExceeded):
		out.Timeout = true
	case errors.As(err, &netErr) && netErr.Timeout():
		out.Timeout = true
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
