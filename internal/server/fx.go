// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/aggregator"
	"github.com/JakeFAU/scopus-crawler/internal/api"
	"github.com/JakeFAU/scopus-crawler/internal/checkpoint"
	"github.com/JakeFAU/scopus-crawler/internal/clock/system"
	"github.com/JakeFAU/scopus-crawler/internal/config"
	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/dispatcher"
	"github.com/JakeFAU/scopus-crawler/internal/entries"
	"github.com/JakeFAU/scopus-crawler/internal/hash/sha256"
	"github.com/JakeFAU/scopus-crawler/internal/id/uuid"
	"github.com/JakeFAU/scopus-crawler/internal/importer"
	"github.com/JakeFAU/scopus-crawler/internal/logging"
	"github.com/JakeFAU/scopus-crawler/internal/metrics"
	"github.com/JakeFAU/scopus-crawler/internal/paginator"
	"github.com/JakeFAU/scopus-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/scopus-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/scopus-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/scopus-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scopus-crawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/scopus-crawler/internal/queue/memory"
	queueredis "github.com/JakeFAU/scopus-crawler/internal/queue/redis"
	"github.com/JakeFAU/scopus-crawler/internal/retention"
	"github.com/JakeFAU/scopus-crawler/internal/scopus"
	"github.com/JakeFAU/scopus-crawler/internal/session"
	gcsstorage "github.com/JakeFAU/scopus-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scopus-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/scopus-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/scopus-crawler/internal/storage/postgres"
	"github.com/JakeFAU/scopus-crawler/internal/store"
	"github.com/JakeFAU/scopus-crawler/internal/worker"
)

// dataStore is everything the service persists. Both the memory and Postgres
// stores satisfy it.
type dataStore interface {
	crawler.SearchStore
	crawler.EntryStore
	crawler.ReferenceStore
	crawler.CountsStore
	store.RunRepository
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  crawler.Clock

	data      dataStore
	pg        *pgstore.Store
	queue     crawler.JobQueue
	memQueue  *queuememory.Queue
	redis     *goredis.Client
	blobs     crawler.BlobStore
	gcs       *storage.Client
	publisher crawler.Publisher
	pubsub    *gcppublisher.Publisher
	hub       *progress.Hub
	scopus    *scopus.Client

	sessions  *session.Manager
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
	sweeper   *retention.Sweeper

	closeOnce sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.Database.DSN != ""),
	)

	steps := []func(context.Context) error{
		app.setupDatabase,
		app.setupQueue,
		app.setupStorage,
		app.setupPublisher,
		app.setupProgress,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure(ctx)
			return nil, err
		}
	}
	app.setupCrawler()
	return app, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var opts []logging.Option
	if cfg.File != "" {
		opts = append(opts, logging.WithFile(logging.FileOptions{
			Path:       cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}))
	}
	logger, err := logging.New(cfg.Development, opts...)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// RunImport refreshes classifications and loads the source list at location.
// Nothing is written unless execute is set.
func (a *App) RunImport(ctx context.Context, location string, execute bool, concurrency int) (importer.Summary, error) {
	im := importer.New(a.scopus, a.data, importer.NewOpener(gcsstorage.Dial), importer.Config{
		Execute:     execute,
		Concurrency: concurrency,
	}, a.logger)
	summary, err := im.Run(ctx, location)
	if err != nil {
		return summary, fmt.Errorf("import reference data: %w", err)
	}
	return summary, nil
}

// SweepOnce purges stale searches a single time.
func (a *App) SweepOnce(ctx context.Context) (int, error) {
	n, err := a.sweeper.SweepOnce(ctx)
	if err != nil {
		return n, fmt.Errorf("retention sweep: %w", err)
	}
	return n, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Concurrency))
		a.dispatch.Run(ctx)
	}()

	if a.cfg.Retention.Enabled {
		background.Add(1)
		go func() {
			defer background.Done()
			a.logger.Info("retention sweeper started", zap.Duration("stale_after", a.cfg.StaleAfter()))
			if err := a.sweeper.Run(ctx); err != nil {
				a.logger.Error("retention sweeper stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	// Workers record their final job status before the queue and database close.
	if err := awaitBackground(shutdownCtx, &background); err != nil {
		a.logger.Warn("closing with workers still running", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// awaitBackground waits for wg until ctx ends.
func awaitBackground(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background workers: %w", ctx.Err())
	}
}

// Close gracefully shuts down the application. It is safe to call twice.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no DSN specified for database, using in-memory store")
		a.data = memorystorage.NewStore(a.clock)
		return nil
	}
	pg, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	}, a.clock)
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pg = pg
	a.data = pg
	if a.cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("database schema applied")
	}
	a.logger.Info("postgres store initialized",
		zap.Int32("max_conns", a.cfg.Database.MaxConns),
		zap.Int32("min_conns", a.cfg.Database.MinConns),
	)
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Backend {
	case "redis":
		client, err := queueredis.Dial(ctx, a.cfg.Queue.RedisURL)
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		a.redis = client
		a.queue = queueredis.New(client, queueredis.Config{
			KeyPrefix: a.cfg.Queue.KeyPrefix,
			Lease:     time.Duration(a.cfg.Queue.LeaseSeconds) * time.Second,
		}, a.clock, a.logger)
		a.logger.Info("using redis queue", zap.String("key_prefix", a.cfg.Queue.KeyPrefix))
	default:
		a.memQueue = queuememory.NewQueue(a.cfg.Crawler.QueueDepth, a.clock)
		a.queue = a.memQueue
		a.logger.Info("using in-memory queue", zap.Int("depth", a.cfg.Crawler.QueueDepth))
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := gcsstorage.Dial(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		a.blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory storage backend")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.data, a.logger.Named("progress_store")),
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) emitter() progress.Emitter {
	if a.hub == nil {
		return progress.NopEmitter{}
	}
	return a.hub
}

// setupCrawler wires the pagination pipeline, worker pool, session manager
// and HTTP server.
func (a *App) setupCrawler() {
	cfg := a.cfg
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Scopus.RequestsPerSecond,
		DefaultBurst: cfg.Scopus.Burst,
	})
	a.scopus = scopus.NewClient(scopus.Config{
		BaseURL:   cfg.Scopus.BaseURL,
		APIKey:    cfg.Scopus.APIKey,
		InstToken: cfg.Scopus.InstToken,
		Timeout:   cfg.RequestTimeout(),
		Pacer:     limiter,
		Logger:    a.logger,
	})

	machine := checkpoint.NewMachine(a.data, a.logger)
	recorder := entries.NewRecorder(a.data, a.data, a.logger)
	pager := paginator.New(a.scopus, machine, recorder, a.emitter(), a.clock, paginator.Config{
		PageSize:         cfg.Scopus.PageSize,
		RetryPause:       cfg.RetryPause(),
		MaxPages:         cfg.Crawler.MaxPages,
		ExcludedDocTypes: cfg.Crawler.ExcludeDocTypes,
	}, a.logger)
	agg := aggregator.New(a.data, a.data, a.data, a.clock, a.logger)

	workerCfg := worker.Config{
		CancelPoll:   time.Duration(cfg.Crawler.CancelPollMs) * time.Millisecond,
		Heartbeat:    time.Duration(cfg.Crawler.HeartbeatSeconds) * time.Second,
		JobTimeout:   cfg.JobTimeout(),
		ReportPrefix: cfg.Storage.ReportPrefix,
		Topic:        cfg.PubSub.TopicName,
	}
	a.logger.Info("worker config",
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
		zap.Duration("cancel_poll", workerCfg.CancelPoll),
		zap.Duration("heartbeat", workerCfg.Heartbeat),
		zap.String("report_prefix", workerCfg.ReportPrefix),
		zap.Int("max_pages", cfg.Crawler.MaxPages),
	)
	deps := worker.Deps{
		Queue:      a.queue,
		Searches:   a.data,
		Counts:     a.data,
		Runner:     pager,
		Summarizer: agg,
		Finisher:   machine,
		Blobs:      a.blobs,
		Publisher:  a.publisher,
		Hasher:     sha256.New(),
		Emitter:    a.emitter(),
		Clock:      a.clock,
	}
	workers := make([]dispatcher.Runner, 0, cfg.Crawler.Concurrency)
	for i := 0; i < cfg.Crawler.Concurrency; i++ {
		workers = append(workers, worker.New(deps, workerCfg, a.logger.With(zap.Int("index", i))))
	}
	a.dispatch = dispatcher.New(a.queue, workers, a.logger)

	a.sessions = session.NewManager(
		a.data, a.data, a.data, machine, a.queue,
		session.NewReferenceCategories(a.data),
		uuid.New(), a.clock,
		session.Config{PriorityCategory: cfg.Crawler.PriorityCategory, JobTimeout: cfg.JobTimeout()},
		a.logger,
	)

	a.apiServer = api.NewServer(api.Deps{
		Sessions:  a.sessions,
		Entries:   a.data,
		Reference: a.data,
		Abstracts: a.scopus,
		Ready:     a.readyChecks(),
	}, *cfg, a.logger)

	a.sweeper = retention.NewSweeper(a.data, a.queue, a.clock, retention.Config{
		StaleAfter: cfg.StaleAfter(),
		Interval:   time.Duration(cfg.Retention.IntervalMinutes) * time.Minute,
	}, a.logger)
}

func (a *App) readyChecks() []api.ReadyCheck {
	var checks []api.ReadyCheck
	if a.pg != nil {
		checks = append(checks, api.ReadyCheck{Name: "database", Check: a.pg.Ping})
	}
	if a.redis != nil {
		checks = append(checks, api.ReadyCheck{Name: "queue", Check: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return checks
}
