package extractor

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

var (
	opportunityWords = []string{
		"grant", "tender", "funding", "solicitation", "opportunit", "rfp", "rfq", "rfi",
		"call for", "proposal", "bid", "nofo", "award", "procurement", "fellowship",
	}
	deadlinePattern = regexp.MustCompile(`(?i)(?:deadline|due|closes?|closing date|close date)[^0-9A-Za-z]{0,4}((?:\d{4}-\d{2}-\d{2})|(?:\d{1,2}/\d{1,2}/\d{4})|(?:[A-Z][a-z]+ \d{1,2}, \d{4}))`)
	spaceRuns       = regexp.MustCompile(`\s+`)
)

// Heuristic finds opportunity links without a model. It looks for anchors
// whose text or surrounding row mentions grant or tender vocabulary.
type Heuristic struct {
	minTitle int
}

// NewHeuristic builds a Heuristic extractor.
func NewHeuristic() *Heuristic {
	return &Heuristic{minTitle: 8}
}

// Name implements scrape.Extractor.
func (h *Heuristic) Name() string { return "heuristic" }

// Extract implements scrape.Extractor.
func (h *Heuristic) Extract(_ context.Context, page scrape.Page) ([]scrape.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, &scrape.ExtractError{Backend: h.Name(), Err: fmt.Errorf("parse html: %w", err)}
	}
	base, _ := url.Parse(page.URL)
	stripBoilerplate(doc.Selection)

	var (
		out  []scrape.Record
		seen = map[string]struct{}{}
	)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		title := clean(a.Text())
		if len([]rune(title)) < h.minTitle {
			return
		}
		href, _ := a.Attr("href")
		if strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") || strings.HasPrefix(strings.ToLower(href), "mailto:") {
			return
		}
		container := a.Closest("tr, li, article, .views-row, .card, .result")
		if container.Length() == 0 {
			container = a.Parent()
		}
		row := clean(container.Text())
		if !mentionsOpportunity(title) && !mentionsOpportunity(row) {
			return
		}
		link := resolve(base, href)
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}

		rec := scrape.Record{Title: title, URL: link}
		if row != title {
			rec.Summary = shorten(row, 300)
		}
		if m := deadlinePattern.FindStringSubmatch(row); m != nil {
			if t, ok := ParseDeadline(m[1]); ok {
				rec.Deadline = &t
			}
		}
		out = append(out, rec)
	})
	return out, nil
}

func mentionsOpportunity(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range opportunityWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func clean(s string) string {
	return strings.TrimSpace(spaceRuns.ReplaceAllString(s, " "))
}

func shorten(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n])) + "..."
}
