package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Priya8975/event-webhooks/internal/api"
	"github.com/Priya8975/event-webhooks/internal/archive"
	"github.com/Priya8975/event-webhooks/internal/config"
	"github.com/Priya8975/event-webhooks/internal/engine"
	"github.com/Priya8975/event-webhooks/internal/metrics"
	"github.com/Priya8975/event-webhooks/internal/store"
	"github.com/Priya8975/event-webhooks/internal/tracing"
	ws "github.com/Priya8975/event-webhooks/internal/websocket"
	"github.com/Priya8975/event-webhooks/internal/worker"
)

const (
	serviceName         = "event-webhooks"
	sideEffectQueueSize = 4096
	sideEffectRetryWait = 200 * time.Millisecond
)

func serve(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracing, err := tracing.Setup(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	cb := engine.NewCircuitBreaker(redisStore.Client(), logger,
		engine.WithFailureThreshold(cfg.BreakerThreshold),
		engine.WithCooldown(cfg.BreakerCooldown),
	)
	rl := engine.NewRateLimiter(redisStore.Client(), logger, engine.WithWindow(cfg.RateLimitWindow))

	// Background components outlive the request context and stop on runCtx.
	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	hub := ws.NewHub(logger)
	go hub.Run(runCtx)

	effects := worker.NewBestEffort(cfg.SideEffectWorkers, sideEffectQueueSize, cfg.SideEffectAttempts, sideEffectRetryWait, logger)
	effects.Start(runCtx)

	deliverer := worker.NewDeliverer(backend, logger,
		worker.WithCircuitBreaker(cb),
		worker.WithRateLimiter(rl),
		worker.WithBackoff(engine.NewBackoff(cfg.RetryJitterFraction)),
		worker.WithSideEffects(effects),
		worker.WithLifecycleStream(redisStore),
		worker.WithBroadcaster(hub),
	)

	pool := worker.NewPool(cfg.NumWorkers, cfg.QueueSize, deliverer, backend, cfg.ClaimLease, logger)
	pool.Start(runCtx)

	publisher := engine.NewPublisher(backend, backend, pool, logger, cfg.ClaimLease)

	scheduler := worker.NewScheduler(backend, backend, deliverer, logger, worker.SchedulerConfig{
		Interval:    cfg.SchedulerInterval,
		BatchSize:   cfg.SchedulerBatchSize,
		Concurrency: cfg.SchedulerConcurrency,
		Lease:       cfg.ClaimLease,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler.Start(runCtx)
		return nil
	})

	archiver, err := newArchiver(ctx, cfg, backend, logger)
	if err != nil {
		return err
	}
	if archiver != nil {
		g.Go(func() error {
			archiver.Start(runCtx)
			return nil
		})
	}

	router := api.NewRouter(api.Config{
		Store:        backend,
		Publisher:    publisher,
		Breaker:      cb,
		Hub:          hub,
		Logger:       logger,
		PublishRate:  rate.Limit(cfg.PublishRatePerSecond),
		PublishBurst: cfg.PublishBurst,
		HealthChecks: map[string]func(context.Context) error{
			"store": backend.Ping,
			"redis": redisStore.Ping,
		},
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "store_backend", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		// Queued first attempts resolve as deferred and stay pending for the
		// scheduler of the next run.
		stopWorkers()
		pool.Stop()
		effects.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Backend, error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store, deliveries will not survive a restart")
		return store.NewMemory(), nil
	}

	if err := store.MigrateUp(cfg.DatabaseURL, logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL")
	return pg, nil
}

func newArchiver(ctx context.Context, cfg *config.Config, source archive.Source, logger *slog.Logger) (*archive.Archiver, error) {
	acfg := archive.Config{
		Bucket:          cfg.ArchiveBucket,
		Prefix:          cfg.ArchivePrefix,
		Region:          cfg.ArchiveRegion,
		Endpoint:        cfg.ArchiveEndpoint,
		AccessKeyID:     cfg.ArchiveAccessKeyID,
		SecretAccessKey: cfg.ArchiveSecretAccessKey,
		Interval:        cfg.ArchiveInterval,
		Retention:       cfg.ArchiveRetention,
		BatchSize:       cfg.ArchiveBatchSize,
	}
	if !acfg.Enabled() {
		logger.Info("delivery archiver disabled, no ARCHIVE_BUCKET configured")
		return nil, nil
	}

	client, err := archive.NewS3Client(ctx, acfg)
	if err != nil {
		return nil, fmt.Errorf("creating archive client: %w", err)
	}
	return archive.New(source, client, acfg, logger), nil
}
