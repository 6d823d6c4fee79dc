package promote

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// Detector decides whether a statically fetched page needs rendering.
type Detector interface {
	ShouldPromote(page scrape.Page) bool
}

// Heuristic flags pages that look like client-rendered shells.
type Heuristic struct {
	// MinBodyBytes is the size below which a script-heavy body is treated
	// as a shell.
	MinBodyBytes int
}

// NewHeuristic creates a Heuristic. A zero threshold uses 2 KiB.
func NewHeuristic(minBodyBytes int) *Heuristic {
	if minBodyBytes <= 0 {
		minBodyBytes = 2048
	}
	return &Heuristic{MinBodyBytes: minBodyBytes}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
}

// ShouldPromote implements Detector. Only 200 responses are considered.
func (h *Heuristic) ShouldPromote(page scrape.Page) bool {
	if page.StatusCode != 200 {
		return false
	}
	if ct := strings.ToLower(page.ContentType); ct != "" && !strings.Contains(ct, "html") {
		return false
	}
	body := page.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < h.MinBodyBytes && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body covered by <script> elements.
// An unterminated script counts to the end of the body.
func scriptShare(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return 0
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered, pos := 0, 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		gt := strings.IndexByte(lower[start:], '>')
		if gt == -1 {
			covered += total - start
			break
		}
		contentStart := start + gt + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered * 100 / total
}
