// Package promote fetches pages statically and re-fetches them with a
// rendering fetcher when the static body looks like a client-side shell.
package promote

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// Fetcher implements scrape.PageFetcher.
type Fetcher struct {
	probe    scrape.PageFetcher
	render   scrape.PageFetcher
	detector Detector
	logger   *zap.Logger
}

// New composes a probe fetcher with a rendering fallback.
func New(probe, render scrape.PageFetcher, detector Detector, logger *zap.Logger) (*Fetcher, error) {
	if probe == nil || render == nil {
		return nil, errors.New("promote: probe and render fetchers are required")
	}
	if detector == nil {
		detector = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{probe: probe, render: render, detector: detector, logger: logger}, nil
}

// Fetch implements scrape.PageFetcher. When rendering fails the probe's
// page is returned so extraction can still try it.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (scrape.Page, error) {
	page, err := f.probe.Fetch(ctx, rawURL)
	if err != nil {
		return scrape.Page{}, err
	}
	if !f.detector.ShouldPromote(page) {
		return page, nil
	}

	f.logger.Debug("promoting to headless fetch", zap.String("url", rawURL), zap.Int("probe_bytes", len(page.Body)))
	rendered, err := f.render.Fetch(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return scrape.Page{}, err
		}
		f.logger.Warn("headless fetch failed; using static page", zap.String("url", rawURL), zap.Error(err))
		return page, nil
	}
	return rendered, nil
}
