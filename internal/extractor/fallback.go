package extractor

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// Fallback uses Secondary when Primary cannot be reached. Any other
// Primary error, including schema errors, is returned unchanged.
type Fallback struct {
	Primary   scrape.Extractor
	Secondary scrape.Extractor
	Logger    *zap.Logger
}

// Name implements scrape.Extractor.
func (f *Fallback) Name() string {
	return f.Primary.Name() + "+" + f.Secondary.Name()
}

// Extract implements scrape.Extractor.
func (f *Fallback) Extract(ctx context.Context, page scrape.Page) ([]scrape.Record, error) {
	records, err := f.Primary.Extract(ctx, page)
	if err == nil || !errors.Is(err, ErrBackendUnavailable) {
		return records, err
	}
	if f.Logger != nil {
		f.Logger.Warn("primary extractor unavailable, using fallback",
			zap.String("primary", f.Primary.Name()),
			zap.String("fallback", f.Secondary.Name()),
			zap.Error(err))
	}
	return f.Secondary.Extract(ctx, page)
}
