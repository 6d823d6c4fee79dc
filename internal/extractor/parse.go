package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// ErrSchema marks a model response that parsed as JSON but does not have
// the expected shape. Retrying the same page will not fix it.
var ErrSchema = errors.New("response does not match opportunity schema")

var deadlineLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 Jan 2006",
}

type envelope struct {
	Opportunities *[]map[string]any `json:"opportunities"`
}

// ParseRecords decodes a model response into records. Code fences and
// leading chatter around the JSON are tolerated, and a bare top-level array
// is read as the opportunities list. Malformed JSON is a retryable
// ExtractError; a schema mismatch is not.
func ParseRecords(backend, raw, pageURL string) ([]scrape.Record, error) {
	payload := stripFences(raw)
	var env envelope
	var target any = &env
	if strings.HasPrefix(payload, "[") {
		env.Opportunities = &[]map[string]any{}
		target = env.Opportunities
	}
	if err := json.Unmarshal([]byte(payload), target); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &scrape.ExtractError{Backend: backend, Err: fmt.Errorf("%w: %s", ErrSchema, typeErr.Field)}
		}
		return nil, &scrape.ExtractError{Backend: backend, Retryable: true, Err: fmt.Errorf("malformed json: %w", err)}
	}
	if env.Opportunities == nil {
		return nil, &scrape.ExtractError{Backend: backend, Err: fmt.Errorf("%w: missing opportunities array", ErrSchema)}
	}

	base, _ := url.Parse(pageURL)
	out := make([]scrape.Record, 0, len(*env.Opportunities))
	seen := make(map[string]struct{}, len(*env.Opportunities))
	for i, item := range *env.Opportunities {
		rec, err := toRecord(item, base)
		if err != nil {
			return nil, &scrape.ExtractError{Backend: backend, Err: fmt.Errorf("%w: item %d: %v", ErrSchema, i, err)}
		}
		key := strings.ToLower(rec.Title) + "|" + rec.URL
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	return out, nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimPrefix(s, "JSON")
		if j := strings.LastIndex(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)
	first, last := "{", "}"
	obj, arr := strings.Index(s, "{"), strings.Index(s, "[")
	if arr >= 0 && (obj < 0 || arr < obj) {
		first, last = "[", "]"
	}
	start := strings.Index(s, first)
	end := strings.LastIndex(s, last)
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}

func toRecord(item map[string]any, base *url.URL) (scrape.Record, error) {
	title := stringField(item, "title")
	if title == "" {
		return scrape.Record{}, errors.New("title is required")
	}
	rec := scrape.Record{
		Title:    title,
		URL:      resolve(base, stringField(item, "url")),
		Agency:   stringField(item, "agency"),
		Summary:  stringField(item, "summary"),
		Category: stringField(item, "category"),
		Amount:   stringField(item, "amount"),
	}
	if raw := stringField(item, "deadline"); raw != "" {
		if t, ok := ParseDeadline(raw); ok {
			rec.Deadline = &t
		} else {
			rec.Extra = map[string]any{"deadline_raw": raw}
		}
	}
	for k, v := range item {
		switch k {
		case "title", "url", "agency", "summary", "category", "amount", "deadline":
			continue
		}
		if v == nil {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = map[string]any{}
		}
		rec.Extra[k] = v
	}
	return rec, nil
}

func stringField(item map[string]any, key string) string {
	switch v := item[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// ParseDeadline accepts the date layouts government portals commonly use.
func ParseDeadline(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range deadlineLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func resolve(base *url.URL, href string) string {
	if href == "" || base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
