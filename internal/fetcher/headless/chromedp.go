// Package headless renders pages in headless Chrome for portals that build
// their listings client-side.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel bounds concurrent browser tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long to wait after the page is ready for
	// client-side rendering to finish.
	SettleDelay time.Duration
	// WaitSelector, when set, must appear before the DOM is captured.
	// Defaults to body.
	WaitSelector string
	Headers      http.Header
	// ExecPath overrides the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
}

// Fetcher implements scrape.PageFetcher using chromedp.
type Fetcher struct {
	cfg         Config
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher. Chrome is started lazily by the
// first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if strings.TrimSpace(cfg.WaitSelector) == "" {
		cfg.WaitSelector = "body"
	}

	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close stops the browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders url and returns the DOM. A document status outside 2xx is
// reported through scrape.NewHTTPStatusError; browser failures are
// retryable.
func (f *Fetcher) Fetch(ctx context.Context, url string) (scrape.Page, error) {
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return scrape.Page{}, &scrape.FetchError{
				URL:       url,
				Retryable: true,
				Timeout:   errors.Is(err, context.DeadlineExceeded),
				Err:       fmt.Errorf("wait for browser slot: %w", err),
			}
		}
		defer f.slots.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &document{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		f.prepareTab(),
		chromedp.Navigate(url),
		chromedp.WaitVisible(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		return scrape.Page{}, &scrape.FetchError{URL: url, Retryable: true, Timeout: timeout, Err: fmt.Errorf("render: %w", err)}
	}

	status, mime, finalURL := doc.result(url, location)
	if status < 200 || status >= 300 {
		return scrape.Page{}, scrape.NewHTTPStatusError(finalURL, status)
	}
	return scrape.Page{
		URL:          finalURL,
		StatusCode:   status,
		ContentType:  mime,
		Body:         []byte(html),
		FetchedAt:    time.Now().UTC(),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// prepareTab applies the user agent and extra headers before navigation.
func (f *Fetcher) prepareTab() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		if headers := networkHeaders(f.cfg.Headers); len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set headers: %w", err)
			}
		}
		return nil
	})
}

// document records the last top-level document response of a tab, which
// after redirects is the page that was rendered.
type document struct {
	mu     sync.Mutex
	status int
	mime   string
	url    string
}

func (d *document) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.mime = resp.Response.MimeType
	d.url = resp.Response.URL
}

// result fills gaps left by pages that never produced a document event,
// such as about:blank redirects or cached navigations.
func (d *document) result(requestURL, location string) (status int, mime, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, mime, url = d.status, d.mime, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if mime == "" {
		mime = "text/html"
	}
	switch {
	case url != "":
	case location != "":
		url = location
	default:
		url = requestURL
	}
	return status, mime, url
}

func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		if len(values) > 0 {
			out[key] = strings.Join(values, ", ")
		}
	}
	return out
}
