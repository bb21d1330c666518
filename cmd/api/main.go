package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/andikarp/medsync/internal/config"
	"github.com/andikarp/medsync/internal/domain"
	"github.com/andikarp/medsync/internal/handler"
	"github.com/andikarp/medsync/internal/infra/postgresql"
	"github.com/andikarp/medsync/internal/infra/postgresql/migrations"
	infraredis "github.com/andikarp/medsync/internal/infra/redis"
	"github.com/andikarp/medsync/internal/interpret"
	"github.com/andikarp/medsync/internal/matching"
	"github.com/andikarp/medsync/internal/observability"
	"github.com/andikarp/medsync/internal/progress"
	"github.com/andikarp/medsync/internal/queue"
	"github.com/andikarp/medsync/internal/registry"
	"github.com/andikarp/medsync/internal/repository"
	"github.com/andikarp/medsync/internal/secret"
	"github.com/andikarp/medsync/internal/service"
	"github.com/andikarp/medsync/internal/source"
	"github.com/andikarp/medsync/internal/transport"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	consumerPrefetch = 1
	shutdownTimeout  = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	if err := domain.ConfigureSources(cfg.Sources()); err != nil {
		logger.Fatal("invalid source configuration", zap.Error(err))
	}

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	box, err := secret.NewBox(cfg.CredentialKey)
	if err != nil {
		logger.Fatal("credential key initialization failed", zap.Error(err))
	}

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	jobs := repository.NewGormJobRepo(db)
	credentials := repository.NewGormCredentialRepo(db)
	patientRegistry := registry.NewGormRegistry(db, cfg.RecordNumberPrefix)

	adapters := make(map[domain.SourceKey]source.Adapter, len(domain.Sources()))
	for _, key := range domain.Sources() {
		adapter, err := source.NewBridgeAdapter(cfg.SourceBridgeURL, key)
		if err != nil {
			logger.Fatal("bridge adapter initialization failed",
				zap.String("source", key.String()),
				zap.Error(err),
			)
		}
		adapters[key] = adapter
	}

	interpreter, err := interpret.NewHTTPService(cfg.InterpreterURL)
	if err != nil {
		logger.Fatal("interpreter initialization failed", zap.Error(err))
	}

	pacer, err := infraredis.NewSourcePacer(rdb, cfg.SourceRatePerMin)
	if err != nil {
		logger.Fatal("source pacer initialization failed", zap.Error(err))
	}

	broker, err := progress.NewRedisBroker(rdb)
	if err != nil {
		logger.Fatal("progress broker initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	consumer := queue.NewRabbitMQConsumer(rabbit, consumerPrefetch, logger)
	logger.Info("queue topology",
		zap.Strings("workQueues", queue.WorkQueueNames()),
		zap.Strings("deadLetterQueues", queue.DLQNames()),
	)

	syncService, err := service.NewSyncService(jobs, credentials, box, publisher, adapters, logger)
	if err != nil {
		logger.Fatal("sync service initialization failed", zap.Error(err))
	}
	syncService.SetMetrics(metrics)

	runner, err := service.NewBatchRunner(
		jobs, credentials, box, patientRegistry, matching.NewMatcher(nil, 0),
		interpreter, broker, pacer, consumer, adapters,
		service.BatchRunnerConfig{
			CategoryHint:        cfg.CategoryHint,
			CandidateLimit:      cfg.CandidateLimit,
			CandidateStaleAfter: time.Duration(cfg.SyncStaleDays) * 24 * time.Hour,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("batch runner initialization failed", zap.Error(err))
	}
	runner.SetMetrics(metrics)

	sweeper, err := service.NewStaleSweeper(jobs, 0, time.Duration(cfg.StaleJobMinutes)*time.Minute, logger)
	if err != nil {
		logger.Fatal("stale sweeper initialization failed", zap.Error(err))
	}
	sweeper.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit.Connected)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if err := handler.RegisterSyncRoutes(app, syncService, handler.RequireAuth(cfg.JWTSecret), "dokter", "admin"); err != nil {
		logger.Fatal("sync route registration failed", zap.Error(err))
	}
	if err := handler.RegisterProgressRoutes(app, broker, logger); err != nil {
		logger.Fatal("progress route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	warnStaleSources(ctx, credentials, cfg.SyncStaleDays, logger)

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runner.Start(groupCtx)
	})
	g.Go(func() error {
		return sweeper.Start(groupCtx)
	})
	g.Go(func() error {
		logger.Info("medsync api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("medsync api exited with error", zap.Error(err))
	}
	logger.Info("medsync api stopped")
}

// warnStaleSources flags sources nobody has synced recently. Stale
// credentials usually mean a portal-side password rotation that will fail
// the next run, better surfaced at startup than mid-batch.
func warnStaleSources(ctx context.Context, credentials repository.CredentialRepository, staleDays int, logger *zap.Logger) {
	if staleDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -staleDays)
	stale, err := credentials.StaleSources(ctx, cutoff)
	if err != nil {
		logger.Warn("stale source check failed", zap.Error(err))
		return
	}
	for _, key := range stale {
		logger.Warn("source has not synced recently",
			zap.String("source", key.String()),
			zap.Int("staleDays", staleDays),
		)
	}
}
