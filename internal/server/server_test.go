package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/config"
	"github.com/JakeFAU/opportunity-crawler/internal/extractor"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

const listingHTML = `<html><body><main><table>
<tr><td><a href="/grants/rural-broadband">Rural Broadband Grant Program</a></td><td>Deadline: 2026-12-01</td></tr>
<tr><td><a href="/grants/clean-water">Clean Water Grant Funding</a></td><td>Closes 01/15/2027</td></tr>
</table></main></body></html>`

func testConfig(siteURL string) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, ShutdownTimeout: 5 * time.Second},
		Worker: config.WorkerConfig{
			PoolSize:         2,
			FetchTimeout:     5 * time.Second,
			ExtractTimeout:   5 * time.Second,
			PersistTimeout:   5 * time.Second,
			RateLimitTimeout: 5 * time.Second,
		},
		Queue: config.QueueConfig{Capacity: 10, SubmitTimeout: time.Second},
		Retry: config.RetryConfig{
			MaxAttempts:        3,
			ExtractMaxAttempts: 2,
			BaseDelay:          10 * time.Millisecond,
			MaxDelay:           50 * time.Millisecond,
		},
		Reaper:  config.ReaperConfig{StaleThreshold: time.Minute},
		Store:   config.StoreConfig{Backend: config.BackendMemory},
		Fetcher: config.FetcherConfig{Mode: config.FetchModeHTTP, UserAgent: "test-agent", Timeout: 5 * time.Second},
		Extractor: config.ExtractorConfig{
			Backend:         extractor.BackendHeuristic,
			MaxContentChars: 10000,
		},
		Archive: config.ArchiveConfig{Backend: config.BackendMemory, Prefix: "raw"},
		Events:  config.EventsConfig{Publisher: config.BackendMemory, Topic: "jobs"},
		Websites: []scrape.Website{
			{ID: 1, Name: "grants portal", URL: siteURL, Active: true},
			{ID: 2, Name: "retired portal", URL: siteURL, Active: false},
		},
	}
}

func TestBuildRunsJobToCompletion(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, listingHTML)
	}))
	defer site.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := Build(ctx, testConfig(site.URL), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))

	id, err := app.Dispatcher().Submit(ctx, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := app.Dispatcher().GetStatus(ctx, id)
		return err == nil && job.Status == scrape.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	job, err := app.Dispatcher().GetStatus(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job.Result)
	require.Equal(t, 2, job.Result.Count)

	_, err = app.Dispatcher().Submit(ctx, 2)
	require.ErrorIs(t, err, scrape.ErrWebsiteInactive)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, app.Stop(stopCtx))
}

func TestBuildExposesHealthEndpoints(t *testing.T) {
	ctx := context.Background()
	app, err := Build(ctx, testConfig("http://127.0.0.1:1"), nil)
	require.NoError(t, err)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	require.NoError(t, app.Stop(ctx))
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Store.Backend = "cassandra"

	_, err := Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "store.backend")
}
