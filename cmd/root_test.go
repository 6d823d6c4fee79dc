package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/config"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

type fakePipeline struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	served   bool
	ids      map[scrape.WebsiteID]scrape.JobID
	statuses map[scrape.JobID][]scrape.JobStatus
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		ids:      map[scrape.WebsiteID]scrape.JobID{},
		statuses: map[scrape.JobID][]scrape.JobStatus{},
	}
}

func (f *fakePipeline) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakePipeline) Serve(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.served = true
	return nil
}

func (f *fakePipeline) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakePipeline) Submit(_ context.Context, websiteID scrape.WebsiteID) (scrape.JobID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ids[websiteID]
	if !ok {
		return scrape.JobID{}, scrape.ErrWebsiteNotFound
	}
	return id, nil
}

// GetStatus walks through the scripted statuses, repeating the last one.
func (f *fakePipeline) GetStatus(_ context.Context, id scrape.JobID) (scrape.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.statuses[id]
	if len(seq) == 0 {
		return scrape.Job{}, scrape.ErrJobNotFound
	}
	status := seq[0]
	if len(seq) > 1 {
		f.statuses[id] = seq[1:]
	}
	return scrape.Job{ID: id, Status: status}, nil
}

func (f *fakePipeline) script(websiteID scrape.WebsiteID, statuses ...scrape.JobStatus) scrape.JobID {
	id := scrape.NewJobID(uuid.New())
	f.ids[websiteID] = id
	f.statuses[id] = statuses
	return id
}

func usePipeline(t *testing.T, p Pipeline) {
	t.Helper()
	prev := newPipeline
	newPipeline = func(context.Context, config.Config, *zap.Logger) (Pipeline, error) { return p, nil }
	t.Cleanup(func() { newPipeline = prev })
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  shutdown_timeout: 1s\n"), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--config", cfgPath, "--env-file", ""}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScrapeWaitsForTerminalJobs(t *testing.T) {
	p := newFakePipeline()
	first := p.script(1, scrape.JobStatusPending, scrape.JobStatusRunning, scrape.JobStatusCompleted)
	second := p.script(2, scrape.JobStatusCompleted)
	usePipeline(t, p)

	out, err := run(t, "scrape", "1", "2", "--poll", "5ms")
	require.NoError(t, err)

	var jobs []scrape.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 2)
	require.Equal(t, first, jobs[0].ID)
	require.Equal(t, second, jobs[1].ID)
	require.Equal(t, scrape.JobStatusCompleted, jobs[0].Status)
	require.True(t, p.started)
	require.True(t, p.stopped)
}

func TestScrapeFailsWhenAJobDoesNotComplete(t *testing.T) {
	p := newFakePipeline()
	p.script(1, scrape.JobStatusRunning, scrape.JobStatusFailed)
	usePipeline(t, p)

	out, err := run(t, "scrape", "1", "--poll", "5ms")
	require.ErrorContains(t, err, "1 of 1 jobs did not complete")
	require.Contains(t, out, `"failed"`)
}

func TestScrapeRejectsBadArguments(t *testing.T) {
	usePipeline(t, newFakePipeline())

	_, err := run(t, "scrape", "abc")
	require.ErrorContains(t, err, "invalid website id")

	_, err = run(t, "scrape", "7")
	require.ErrorIs(t, err, scrape.ErrWebsiteNotFound)
}

func TestServeRunsPipeline(t *testing.T) {
	p := newFakePipeline()
	usePipeline(t, p)

	_, err := run(t, "serve")
	require.NoError(t, err)
	require.True(t, p.served)
}

func TestLoadEnvFileIgnoresMissingFile(t *testing.T) {
	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("OPPCRAWLER_TEST_ENV_VALUE=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("OPPCRAWLER_TEST_ENV_VALUE") })
	require.NoError(t, loadEnvFile(path))
	require.Equal(t, "loaded", os.Getenv("OPPCRAWLER_TEST_ENV_VALUE"))
}
