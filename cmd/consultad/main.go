// Package main wires together the consulta orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/api"
	"github.com/JakeFAU/consulta-orchestrator/internal/browser"
	"github.com/JakeFAU/consulta-orchestrator/internal/captcha"
	"github.com/JakeFAU/consulta-orchestrator/internal/captcha/twocaptcha"
	"github.com/JakeFAU/consulta-orchestrator/internal/clock/system"
	"github.com/JakeFAU/consulta-orchestrator/internal/config"
	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/consulta-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/consulta-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/consulta-orchestrator/internal/ingest"
	"github.com/JakeFAU/consulta-orchestrator/internal/logging"
	"github.com/JakeFAU/consulta-orchestrator/internal/pipeline"
	"github.com/JakeFAU/consulta-orchestrator/internal/policy/backoff"
	"github.com/JakeFAU/consulta-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
	"github.com/JakeFAU/consulta-orchestrator/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/consulta-orchestrator/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/consulta-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/consulta-orchestrator/internal/reaper"
	"github.com/JakeFAU/consulta-orchestrator/internal/stage"
	"github.com/JakeFAU/consulta-orchestrator/internal/storage/gcs"
	"github.com/JakeFAU/consulta-orchestrator/internal/storage/local"
	memoryStorage "github.com/JakeFAU/consulta-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/consulta-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/consulta-orchestrator/internal/telemetry"
)

type closer func()

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()
	jobStore := memoryStorage.NewJobStore(clock)

	var cleanups []closer
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: logging.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		cleanups = append(cleanups, func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("tracer provider shutdown failed", zap.Error(err))
			}
		})
	}

	blobStore, closeBlobs, err := newBlobStore(ctx, cfg.Snapshots)
	if err != nil {
		return err
	}
	if closeBlobs != nil {
		cleanups = append(cleanups, closeBlobs)
	}

	publisher, closePublisher, err := newPublisher(ctx, cfg.PubSub, logger)
	if err != nil {
		return err
	}
	if closePublisher != nil {
		cleanups = append(cleanups, closePublisher)
	}

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	eventSinks := []progress.Sink{
		sinks.NewLogSink(logger),
		promSink,
		sinks.NewPublisherSink(publisher, cfg.PubSub.TopicName, logger),
	}
	if cfg.Progress.PostgresDSN != "" {
		archive, err := postgres.NewEventStore(ctx, postgres.EventStoreConfig{
			DSN:   cfg.Progress.PostgresDSN,
			Table: cfg.Progress.PostgresTable,
		})
		if err != nil {
			return fmt.Errorf("open event archive: %w", err)
		}
		eventSinks = append(eventSinks, archive)
	}
	var puller *ingest.Puller
	if cfg.Ingest.Enabled {
		queue, err := ingest.NewClient(ingest.ClientConfig{
			BaseURL: cfg.Ingest.BaseURL,
			Token:   cfg.Ingest.Token,
			Timeout: cfg.Ingest.Timeout,
		}, nil)
		if err != nil {
			return fmt.Errorf("create queue client: %w", err)
		}
		puller = ingest.NewPuller(ingest.Config{
			Schedule:  cfg.Ingest.Schedule,
			BatchSize: cfg.Ingest.BatchSize,
		}, queue, logger)
		eventSinks = append(eventSinks, puller)
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         logger,
	}, eventSinks...)
	cleanups = append(cleanups, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Progress.SinkTimeout)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	})

	solver, err := newSolver(cfg.Captcha, clock, logger)
	if err != nil {
		return err
	}

	var pageBrowser consulta.Browser = browser.NewNoop()
	if cfg.Browser.Enabled {
		chromedp, err := browser.NewChromedp(browser.Config{
			MaxParallel:       cfg.Browser.MaxParallel,
			Headless:          cfg.Browser.Headless,
			ExecPath:          cfg.Browser.ExecPath,
			UserAgent:         cfg.Browser.UserAgent,
			AcceptLanguage:    cfg.Browser.AcceptLanguage,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			SelectorTimeout:   cfg.Browser.SelectorTimeout,
			SettleDelay:       cfg.Browser.SettleDelay,
			BlockedURLs:       cfg.Browser.BlockedURLs,
		}, logger)
		if err != nil {
			logger.Warn("headless browser init failed, stage runs will report transient errors", zap.Error(err))
		} else {
			pageBrowser = chromedp
			cleanups = append(cleanups, chromedp.Close)
		}
	}

	executor := stage.New(
		pageBrowser,
		solver,
		clock,
		stage.Config{
			StepPause:     stage.Pause{Min: cfg.Browser.StepPauseMin, Max: cfg.Browser.StepPauseMax},
			PageSettle:    stage.Pause{Min: cfg.Browser.PageSettleMin, Max: cfg.Browser.PageSettleMax},
			ReadyTimeout:  cfg.Browser.SelectorTimeout,
			ResultTimeout: cfg.Browser.ResultTimeout,
		},
		[]stage.Script{
			stage.SisbenScript(stage.Site(cfg.Stages.Sisben)),
			stage.RegistraduriaScript(stage.Site(cfg.Stages.Registraduria)),
		},
		stage.WithSnapshots(blobStore, hasher),
		stage.WithLogger(logger),
	)

	pool := dispatcher.New(dispatcher.Config{Slots: cfg.Pool.Slots}, logger)

	watcher := pipeline.NewWatcher(
		jobStore,
		backoff.Fixed(cfg.Pipeline.WatchInterval, cfg.Pipeline.WatchAttempts),
		clock,
		clock,
		hub,
		logger,
	)
	cleanups = append(cleanups, watcher.Close)

	deps := pipeline.Deps{
		Store:   jobStore,
		Runner:  executor,
		Pool:    pool,
		IDs:     idGen,
		Clock:   clock,
		Events:  hub,
		Watcher: watcher,
	}
	orchestrator := pipeline.NewOrchestrator(deps, cfg.Pipeline.DeferDelay, logger)
	scheduler := pipeline.NewScheduler(deps, orchestrator, logger)

	sweeper := reaper.New(reaper.Config{
		Retention: cfg.Reaper.Retention,
		Schedule:  cfg.Reaper.Schedule,
	}, jobStore, blobStore, clock, hub, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	if puller != nil {
		if err := puller.Start(scheduler); err != nil {
			return fmt.Errorf("start queue puller: %w", err)
		}
	}

	apiServer := api.NewServer(api.Deps{
		Scheduler: scheduler,
		Jobs:      jobStore,
		Snapshots: blobStore,
		Reaper:    sweeper,
		Pool:      pool,
		Captcha:   solver,
		Clock:     clock,
	}, api.Options{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Tracing:        cfg.Tracing.Enabled,
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	poolCtx, stopPool := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		logger.Info("worker pool started", zap.Int("slots", pool.Capacity()))
		pool.Run(poolCtx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")
	apiServer.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("reaper stop failed", zap.Error(err))
	}
	if puller != nil {
		if err := puller.Stop(shutdownCtx); err != nil {
			logger.Warn("queue puller stop failed", zap.Error(err))
		}
	}

	stopPool()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker pool did not drain before shutdown timeout",
			zap.Int("active", pool.ActiveCount()),
			zap.Int("pending", pool.Pending()),
		)
	}
	logger.Info("shutdown complete")
	return nil
}

func newBlobStore(ctx context.Context, cfg config.SnapshotsConfig) (consulta.BlobStore, closer, error) {
	switch cfg.Backend {
	case config.SnapshotsMemory:
		return memoryStorage.NewBlobStore(), nil, nil
	case config.SnapshotsLocal:
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("open local snapshot store: %w", err)
		}
		return store, nil, nil
	case config.SnapshotsGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("open gcs snapshot store: %w", err)
		}
		return store, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil
	}
}

func newPublisher(ctx context.Context, cfg config.PubSubConfig, logger *zap.Logger) (consulta.Publisher, closer, error) {
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		logger.Info("pubsub not configured, result notifications stay in memory")
		return memorypublisher.New(), nil, nil
	}
	publisher, err := pubsubpublisher.Open(ctx, cfg.ProjectID, cfg.TopicName)
	if err != nil {
		return nil, nil, fmt.Errorf("open pubsub publisher: %w", err)
	}
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}, nil
}

func newSolver(cfg config.CaptchaConfig, sleeper backoff.Sleeper, logger *zap.Logger) (*captcha.Solver, error) {
	policy := backoff.Thirds(
		cfg.PollAttempts,
		cfg.PollFirst,
		cfg.PollSecond,
		cfg.PollLastMin,
		cfg.PollLastMax,
		cfg.Ceiling,
	)
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("captcha poll policy: %w", err)
	}
	if cfg.APIKey == "" {
		logger.Warn("captcha api key not set, challenges will fail as unsolved")
		return captcha.New(nil, policy, sleeper, logger), nil
	}
	client, err := twocaptcha.New(twocaptcha.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.HTTPTimeout,
	}, &http.Client{Timeout: cfg.HTTPTimeout}, ratelimit.New(ratelimit.Config{
		RPS:   cfg.RPS,
		Burst: cfg.Burst,
	}))
	if err != nil {
		return nil, fmt.Errorf("create captcha client: %w", err)
	}
	return captcha.New(client, policy, sleeper, logger), nil
}
