package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	require.NotNil(t, f.slots)
	require.Equal(t, defaultSettleDelay, f.cfg.SettleDelay)
	require.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)
	require.Equal(t, "body", f.cfg.WaitSelector)

	unbounded, err := NewChromedp(Config{WaitSelector: "table.listings"})
	require.NoError(t, err)
	t.Cleanup(unbounded.Close)
	require.Nil(t, unbounded.slots)
	require.Equal(t, "table.listings", unbounded.cfg.WaitSelector)
}

func TestDocumentKeepsLastTopLevelResponse(t *testing.T) {
	t.Parallel()

	d := &document{}
	d.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 301, URL: "http://grants.example.gov", MimeType: "text/html"},
	})
	d.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://grants.example.gov/app.js"},
	})
	d.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://grants.example.gov/open", MimeType: "text/html"},
	})
	d.observe("not an event")

	status, mime, url := d.result("http://grants.example.gov", "")
	require.Equal(t, 200, status)
	require.Equal(t, "text/html", mime)
	require.Equal(t, "https://grants.example.gov/open", url)
}

func TestDocumentFallbacks(t *testing.T) {
	t.Parallel()

	status, mime, url := (&document{}).result("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "text/html", mime)
	require.Equal(t, "https://final", url)

	_, _, url = (&document{}).result("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestNetworkHeadersJoinsValues(t *testing.T) {
	t.Parallel()

	h := networkHeaders(http.Header{"Accept-Language": {"en", "es"}, "X-Empty": {}})
	require.Equal(t, network.Headers{"Accept-Language": "en, es"}, h)
}

func TestFetchWaitsForSlotUntilDeadline(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	require.NoError(t, f.slots.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, "https://grants.example.gov")

	var fe *scrape.FetchError
	require.ErrorAs(t, err, &fe)
	require.True(t, fe.Timeout)
	require.True(t, fe.Retryable)
}
