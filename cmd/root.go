package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/config"
	"github.com/JakeFAU/opportunity-crawler/internal/logging"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
	"github.com/JakeFAU/opportunity-crawler/internal/server"
)

// Pipeline is the part of the application the commands drive. It lets
// tests swap in a fake.
type Pipeline interface {
	Start(ctx context.Context) error
	Serve(ctx context.Context) error
	Stop(ctx context.Context) error
	Submit(ctx context.Context, websiteID scrape.WebsiteID) (scrape.JobID, error)
	GetStatus(ctx context.Context, id scrape.JobID) (scrape.Job, error)
}

// newPipeline is the application factory. It's a variable so tests can
// replace it.
var newPipeline = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Pipeline, error) {
	return server.Build(ctx, cfg, logger)
}

type runtimeKey struct{}

// runtime carries what PersistentPreRunE prepared for the subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

type rootOptions struct {
	configPath string
	envFile    string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "opportunity-crawler",
		Short: "Scrapes public websites for grant and tender opportunities.",
		Long: `opportunity-crawler runs scrape jobs against registered websites. Each job
fetches the site, extracts funding opportunities and stores them, with bounded
queueing, retries and per-host rate limiting.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.debug {
				cfg.Logging.Development = true
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime); ok {
				_ = logging.Sync(rt.logger)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default searches ./config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "development logging")

	cmd.AddCommand(newServeCmd(), newScrapeCmd())
	return cmd
}

// loadEnvFile applies a dotenv file without overriding variables already
// set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func runtimeFrom(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute(version string) {
	server.Version = version
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.Version = version
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
