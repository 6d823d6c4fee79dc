package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

type scrapeOptions struct {
	timeout time.Duration
	poll    time.Duration
}

// newScrapeCmd runs jobs for the given websites in-process and waits for
// them to finish.
func newScrapeCmd() *cobra.Command {
	opts := &scrapeOptions{}
	cmd := &cobra.Command{
		Use:   "scrape WEBSITE_ID...",
		Short: "Scrapes websites once and prints the resulting jobs",
		Long: `Submits one job per website id, runs the worker pool until every job is
completed, failed or cancelled, and prints the jobs as JSON. The command exits
non-zero when any job did not complete.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd, args, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "how long to wait for all jobs")
	cmd.Flags().DurationVar(&opts.poll, "poll", 500*time.Millisecond, "status polling interval")
	return cmd
}

func runScrape(cmd *cobra.Command, args []string, opts *scrapeOptions) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	ids := make([]scrape.WebsiteID, 0, len(args))
	for _, arg := range args {
		id, err := scrape.ParseWebsiteID(arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	app, err := newPipeline(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	if err := app.Start(cmd.Context()); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			rt.logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	jobIDs := make([]scrape.JobID, 0, len(ids))
	for _, websiteID := range ids {
		jobID, err := app.Submit(cmd.Context(), websiteID)
		if err != nil {
			return err
		}
		rt.logger.Info("job submitted", zap.Int64("website_id", int64(websiteID)), zap.String("job_id", jobID.String()))
		jobIDs = append(jobIDs, jobID)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	jobs, err := waitForJobs(ctx, app, jobIDs, opts.poll)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(jobs); err != nil {
		return fmt.Errorf("write jobs: %w", err)
	}

	unfinished := 0
	for _, job := range jobs {
		if job.Status != scrape.JobStatusCompleted {
			unfinished++
		}
	}
	if unfinished > 0 {
		return fmt.Errorf("%d of %d jobs did not complete", unfinished, len(jobs))
	}
	return nil
}

// waitForJobs polls until every job is terminal or ctx ends.
func waitForJobs(ctx context.Context, app Pipeline, ids []scrape.JobID, poll time.Duration) ([]scrape.Job, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	jobs := make([]scrape.Job, len(ids))
	for {
		done := true
		for i, id := range ids {
			if jobs[i].Status.Terminal() {
				continue
			}
			job, err := app.GetStatus(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("job %s: %w", id, err)
			}
			jobs[i] = job
			if !job.Status.Terminal() {
				done = false
			}
		}
		if done {
			return jobs, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for jobs: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
