// Package server builds the application graph from configuration and owns
// its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/api"
	"github.com/JakeFAU/opportunity-crawler/internal/clock/system"
	"github.com/JakeFAU/opportunity-crawler/internal/config"
	"github.com/JakeFAU/opportunity-crawler/internal/dispatcher"
	"github.com/JakeFAU/opportunity-crawler/internal/extractor"
	"github.com/JakeFAU/opportunity-crawler/internal/fetcher/cache"
	collyfetcher "github.com/JakeFAU/opportunity-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/opportunity-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/opportunity-crawler/internal/fetcher/promote"
	"github.com/JakeFAU/opportunity-crawler/internal/hash/sha256"
	"github.com/JakeFAU/opportunity-crawler/internal/id/uuid"
	"github.com/JakeFAU/opportunity-crawler/internal/metrics"
	"github.com/JakeFAU/opportunity-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/opportunity-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/opportunity-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/opportunity-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/opportunity-crawler/internal/publisher/pubsub"
	queuemem "github.com/JakeFAU/opportunity-crawler/internal/queue/memory"
	"github.com/JakeFAU/opportunity-crawler/internal/retry"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
	gcsstorage "github.com/JakeFAU/opportunity-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/opportunity-crawler/internal/storage/local"
	storemem "github.com/JakeFAU/opportunity-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/opportunity-crawler/internal/storage/postgres"
	"github.com/JakeFAU/opportunity-crawler/internal/telemetry"
	"github.com/JakeFAU/opportunity-crawler/internal/worker"
)

// Version is reported in traces. The CLI overrides it at build time.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	clock   scrape.Clock
	metrics *metrics.Metrics

	jobs      scrape.JobStore
	sites     scrape.WebsiteLookup
	queue     *queuemem.Queue
	delay     *queuemem.DelayQueue
	dispatch  *dispatcher.Dispatcher
	pool      *worker.Pool
	hub       *progress.Hub
	apiServer *api.Server
	tracer    trace.Tracer

	ready   []api.ReadinessCheck
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Build creates the application's dependencies. On error everything opened
// so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:     cfg,
		logger:  logger,
		clock:   system.New(),
		metrics: metrics.New(nil),
	}
	defer func() {
		if err != nil {
			app.closeAll(context.WithoutCancel(ctx))
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("fetcher", cfg.Fetcher.Mode),
		zap.String("extractor", cfg.Extractor.Backend),
		zap.Int("workers", cfg.Worker.PoolSize),
	)

	if err = app.setupTelemetry(ctx); err != nil {
		return nil, err
	}
	persister, err := app.setupStores(ctx)
	if err != nil {
		return nil, err
	}
	fetcher, err := app.setupFetcher(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupProgress(publisher); err != nil {
		return nil, err
	}
	extract, err := extractor.New(ctx, extractor.Config{
		Backend:         cfg.Extractor.Backend,
		Fallback:        cfg.Extractor.Fallback,
		MaxContentChars: cfg.Extractor.MaxContentChars,
		GeminiAPIKey:    cfg.Extractor.GeminiAPIKey,
		GeminiModel:     cfg.Extractor.GeminiModel,
		OllamaURL:       cfg.Extractor.OllamaURL,
		OllamaModel:     cfg.Extractor.OllamaModel,
		OllamaTimeout:   cfg.Extractor.OllamaTimeout,
	}, logger.Named("extractor"))
	if err != nil {
		return nil, fmt.Errorf("extractor init failed: %w", err)
	}

	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		ExtractMaxAttempts: cfg.Retry.ExtractMaxAttempts,
		BaseDelay:          cfg.Retry.BaseDelay,
		MaxDelay:           cfg.Retry.MaxDelay,
		Jitter:             cfg.Retry.Jitter,
	})

	app.queue = queuemem.NewQueue(cfg.Queue.Capacity)
	app.delay = queuemem.NewDelayQueue(app.queue, app.clock.Now)
	app.metrics.RegisterQueueDepth("work", app.queue.Len)
	app.metrics.RegisterQueueDepth("retry", app.delay.Len)
	app.dispatch = dispatcher.New(app.jobs, app.sites, app.queue, app.delay, app.clock, app.hub,
		dispatcher.Config{SubmitTimeout: cfg.Queue.SubmitTimeout, RecoverPending: true},
		logger.Named("dispatcher"))

	reaper, err := worker.NewReaper(app.jobs, app.dispatch, policy, app.clock, app.hub, worker.ReaperConfig{
		StaleThreshold: cfg.Reaper.StaleThreshold,
		Interval:       cfg.Reaper.Interval,
		Queue:          app.queue,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("reaper init failed: %w", err)
	}

	var limiter scrape.RateLimiter
	if cfg.RateLimit.DefaultRPS > 0 || len(cfg.RateLimit.Hosts) > 0 {
		limiter = ratelimit.New(cfg.RateLimit.RateLimiter(), app.metrics)
	}

	app.pool, err = worker.NewPool(cfg.Worker.PoolSize, worker.Deps{
		Queue:     app.queue,
		Store:     app.jobs,
		Sites:     app.sites,
		Fetcher:   fetcher,
		Extractor: extract,
		Persister: persister,
		Requeuer:  app.dispatch,
		Policy:    policy,
		Clock:     app.clock,
		Limiter:   limiter,
		Blobs:     blobs,
		Hasher:    sha256.New(),
		Emitter:   app.hub,
		Busy:      app.metrics.ActiveWorkers(),
		Tracer:    app.tracer,
	}, worker.Config{
		FetchTimeout:     cfg.Worker.FetchTimeout,
		ExtractTimeout:   cfg.Worker.ExtractTimeout,
		PersistTimeout:   cfg.Worker.PersistTimeout,
		RateLimitTimeout: cfg.Worker.RateLimitTimeout,
		ArchivePrefix:    cfg.Archive.Prefix,
	}, reaper, logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker pool init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.dispatch, api.Options{
		APIKey:      cfg.Server.APIKey,
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     app.metrics,
		Ready:       app.ready,
	}, logger)
	return app, nil
}

func (a *App) setupTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     Version,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp.Tracer("github.com/JakeFAU/opportunity-crawler/internal/worker")
	a.addCloser("tracer", tp.Shutdown)
	return nil
}

func (a *App) setupStores(ctx context.Context) (scrape.OpportunityPersister, error) {
	ids := uuid.New()
	if a.cfg.Store.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory stores", zap.Int("websites", len(a.cfg.Websites)))
		a.jobs = storemem.NewJobStore(ids, a.clock, a.cfg.Retry.MaxAttempts)
		a.sites = storemem.NewWebsiteStore(a.cfg.Websites...)
		return storemem.NewOpportunityStore(), nil
	}

	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.addCloser("postgres", func(context.Context) error { pool.Close(); return nil })
	a.ready = append(a.ready, api.ReadinessCheck{Name: "postgres", Check: pool.Ping})
	if a.cfg.DB.Migrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return nil, err
		}
	}

	jobs, err := pgstore.NewJobStore(pool, ids, a.clock, a.cfg.Retry.MaxAttempts)
	if err != nil {
		return nil, err
	}
	sites, err := pgstore.NewWebsiteStore(pool)
	if err != nil {
		return nil, err
	}
	for _, site := range a.cfg.Websites {
		if err := sites.Upsert(ctx, site); err != nil {
			return nil, fmt.Errorf("seed websites: %w", err)
		}
	}
	opps, err := pgstore.NewOpportunityStore(pool)
	if err != nil {
		return nil, err
	}
	a.jobs, a.sites = jobs, sites
	a.logger.Info("using postgres stores", zap.Int("seeded_websites", len(a.cfg.Websites)))
	return opps, nil
}

func (a *App) setupFetcher(ctx context.Context) (scrape.PageFetcher, error) {
	var fetcher scrape.PageFetcher
	switch a.cfg.Fetcher.Mode {
	case config.FetchModeChrome:
		headless, err := a.newHeadless()
		if err != nil {
			return nil, err
		}
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Fetcher.Headless.MaxParallel))
		fetcher = headless
	case config.FetchModeAuto:
		headless, err := a.newHeadless()
		if err != nil {
			return nil, err
		}
		fetcher, err = promote.New(a.newColly(), headless,
			promote.NewHeuristic(a.cfg.Fetcher.Headless.PromotionThreshold), a.logger.Named("promote"))
		if err != nil {
			return nil, err
		}
		a.logger.Info("using colly fetcher with headless promotion",
			zap.Int("promotion_threshold", a.cfg.Fetcher.Headless.PromotionThreshold))
	default:
		fetcher = a.newColly()
		a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.Fetcher.UserAgent))
	}

	if !a.cfg.Cache.Enabled {
		return fetcher, nil
	}
	store, err := cache.NewRedisStore(ctx, cache.RedisOptions{
		Addr:     a.cfg.Cache.RedisAddr,
		Password: a.cfg.Cache.Password,
		DB:       a.cfg.Cache.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("page cache init failed: %w", err)
	}
	a.addCloser("redis", func(context.Context) error { return store.Close() })
	a.ready = append(a.ready, api.ReadinessCheck{Name: "redis", Check: store.Ping})
	cached, err := cache.New(fetcher, store, sha256.New(), cache.Config{
		TTL:       a.cfg.Cache.TTL,
		KeyPrefix: a.cfg.Cache.KeyPrefix,
	}, a.logger.Named("cache"))
	if err != nil {
		return nil, err
	}
	a.logger.Info("page cache enabled", zap.String("addr", a.cfg.Cache.RedisAddr), zap.Duration("ttl", a.cfg.Cache.TTL))
	return cached, nil
}

func (a *App) newColly() *collyfetcher.Fetcher {
	logger := a.logger.Named("fetcher")
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetcher.UserAgent,
		RespectRobots: a.cfg.Fetcher.RespectRobots,
		Timeout:       a.cfg.Fetcher.Timeout,
		MaxBodyBytes:  a.cfg.Fetcher.MaxBodyBytes,
		OnRobotsFallback: func(host string) {
			logger.Warn("robots.txt unavailable, allowing by default", zap.String("host", host))
		},
	})
}

func (a *App) newHeadless() (*headlessfetcher.Fetcher, error) {
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Fetcher.Headless.MaxParallel,
		UserAgent:         a.cfg.Fetcher.UserAgent,
		NavigationTimeout: a.cfg.Fetcher.Headless.NavigationTimeout,
		SettleDelay:       a.cfg.Fetcher.Headless.SettleDelay,
		ExecPath:          a.cfg.Fetcher.Headless.ExecPath,
		WaitSelector:      a.cfg.Fetcher.Headless.WaitSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.addCloser("chromedp", func(context.Context) error { headless.Close(); return nil })
	return headless, nil
}

func (a *App) setupArchive(ctx context.Context) (scrape.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.BackendGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:   a.cfg.Archive.GCSBucket,
			Endpoint: a.cfg.Archive.GCSEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return store.Close() })
		a.logger.Info("archiving raw pages to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw pages locally", zap.String("path", a.cfg.Archive.LocalDir))
		return store, nil
	case config.BackendMemory:
		return storemem.NewBlobStore(), nil
	default:
		a.logger.Info("raw page archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scrape.Publisher, error) {
	switch a.cfg.Events.Publisher {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		publisher := client.Publisher(a.cfg.PubSub.TopicName)
		a.addCloser("pubsub", func(context.Context) error {
			publisher.Stop()
			return client.Close()
		})
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
		return gcppublisher.New(publisher), nil
	case config.BackendMemory:
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupProgress(publisher scrape.Publisher) error {
	promSink, err := progresssinks.NewPrometheusSink(a.metrics.Registerer())
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress")),
		promSink,
	}
	if publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublishSink(publisher, a.cfg.Events.Topic, a.logger.Named("publish")))
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinkList...)
	a.addCloser("progress hub", a.hub.Close)
	return nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Dispatcher exposes the submission surface for in-process callers.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }

// Submit enqueues a scrape of the website. See dispatcher.Dispatcher.Submit.
func (a *App) Submit(ctx context.Context, websiteID scrape.WebsiteID) (scrape.JobID, error) {
	return a.dispatch.Submit(ctx, websiteID)
}

// GetStatus returns the job's current snapshot.
func (a *App) GetStatus(ctx context.Context, id scrape.JobID) (scrape.Job, error) {
	return a.dispatch.GetStatus(ctx, id)
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Start launches the dispatcher, the worker pool and the reaper. It
// returns immediately.
func (a *App) Start(ctx context.Context) error {
	if err := a.dispatch.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if err := a.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	return nil
}

// Serve starts the pipeline and the HTTP server and blocks until ctx ends
// or the server fails, then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
		a.logger.Error("http server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return errors.Join(runErr, a.Stop(shutdownCtx))
}

// Stop drains the worker pool, stops the dispatcher and releases
// infrastructure. In-flight jobs get until ctx ends to finish.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if err := a.pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.dispatch.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.queue.Close()
	a.closeAll(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
