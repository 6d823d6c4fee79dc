package promote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

type stubFetcher struct {
	page  scrape.Page
	err   error
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL string) (scrape.Page, error) {
	s.calls++
	if s.err != nil {
		return scrape.Page{}, s.err
	}
	p := s.page
	p.URL = rawURL
	return p, nil
}

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	cases := []struct {
		name string
		page scrape.Page
		want bool
	}{
		{"empty body", scrape.Page{StatusCode: 200}, true},
		{"spa marker", scrape.Page{StatusCode: 200, Body: []byte(`<div id="__next"></div>`)}, true},
		{"script heavy", scrape.Page{StatusCode: 200, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)}, true},
		{"unterminated script", scrape.Page{StatusCode: 200, Body: []byte(`<p>x</p><script src=`)}, true},
		{"not found", scrape.Page{StatusCode: 404, Body: []byte("not found")}, false},
		{"pdf", scrape.Page{StatusCode: 200, ContentType: "application/pdf"}, false},
		{"plain listing", scrape.Page{StatusCode: 200, ContentType: "text/html", Body: []byte(`<ul><li><a href="/g/1">Rural Broadband Grant Program</a></li></ul>`)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.page))
		})
	}
}

func TestFetchKeepsStaticPage(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{page: scrape.Page{StatusCode: 200, Body: []byte(`<p>Open grant funding for rural towns and counties</p>`)}}
	render := &stubFetcher{page: scrape.Page{StatusCode: 200, UsedHeadless: true}}
	f, err := New(probe, render, NewHeuristic(10), nil)
	require.NoError(t, err)

	page, err := f.Fetch(context.Background(), "https://grants.example.gov")
	require.NoError(t, err)
	require.False(t, page.UsedHeadless)
	require.Equal(t, 0, render.calls)
}

func TestFetchPromotesShell(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{page: scrape.Page{StatusCode: 200, Body: []byte(`<div id="root"></div>`)}}
	render := &stubFetcher{page: scrape.Page{StatusCode: 200, Body: []byte("rendered"), UsedHeadless: true}}
	f, err := New(probe, render, nil, nil)
	require.NoError(t, err)

	page, err := f.Fetch(context.Background(), "https://grants.example.gov")
	require.NoError(t, err)
	require.True(t, page.UsedHeadless)
	require.Equal(t, "rendered", string(page.Body))
}

func TestFetchFallsBackWhenRenderFails(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{page: scrape.Page{StatusCode: 200, Body: []byte(`<div id="app"></div>`)}}
	render := &stubFetcher{err: errors.New("chrome crashed")}
	f, err := New(probe, render, nil, nil)
	require.NoError(t, err)

	page, err := f.Fetch(context.Background(), "https://grants.example.gov")
	require.NoError(t, err)
	require.Equal(t, `<div id="app"></div>`, string(page.Body))
}

func TestFetchReturnsProbeError(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{err: &scrape.FetchError{URL: "https://x", StatusCode: 503}}
	render := &stubFetcher{}
	f, err := New(probe, render, nil, nil)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "https://x")
	var fe *scrape.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 0, render.calls)
}

func TestNewRequiresFetchers(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &stubFetcher{}, nil, nil)
	require.Error(t, err)
}
