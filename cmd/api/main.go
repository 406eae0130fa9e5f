package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetops/digest-engine/internal/config"
	"github.com/fleetops/digest-engine/internal/directory"
	"github.com/fleetops/digest-engine/internal/handler"
	"github.com/fleetops/digest-engine/internal/infra/postgresql"
	"github.com/fleetops/digest-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/fleetops/digest-engine/internal/infra/redis"
	"github.com/fleetops/digest-engine/internal/mailer"
	"github.com/fleetops/digest-engine/internal/observability"
	"github.com/fleetops/digest-engine/internal/queue"
	"github.com/fleetops/digest-engine/internal/repository"
	"github.com/fleetops/digest-engine/internal/service"
	"github.com/fleetops/digest-engine/internal/transport"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

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

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, logger)

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.MailRatePerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	mail, err := mailer.NewWebhookMailer(cfg.MailWebhookURL)
	if err != nil {
		logger.Fatal("mailer initialization failed", zap.Error(err))
	}

	records := repository.NewGormRecordRepo(db)
	dir := directory.NewGormDirectory(db)
	metrics := observability.NewMetrics()

	delivery, err := service.NewDeliveryService(records, mail, limiter, logger)
	if err != nil {
		logger.Fatal("delivery service initialization failed", zap.Error(err))
	}
	delivery.SetMetrics(metrics)

	intake, err := service.NewIntakeService(records, dir, publisher, cfg.DebounceWindow(), logger)
	if err != nil {
		logger.Fatal("intake service initialization failed", zap.Error(err))
	}
	intake.SetMetrics(metrics)

	aggregator, err := service.NewAggregatorService(
		records,
		dir,
		delivery,
		consumer,
		cfg.GroupingWindow(),
		cfg.WorkerConcurrency,
		logger,
	)
	if err != nil {
		logger.Fatal("aggregator service initialization failed", zap.Error(err))
	}
	aggregator.SetMetrics(metrics)

	sweeper, err := service.NewSweeper(records, publisher, cfg.SweepInterval(), cfg.StaleAfter(), logger)
	if err != nil {
		logger.Fatal("sweeper initialization failed", zap.Error(err))
	}
	sweeper.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterEventRoutes(app, intake); err != nil {
		logger.Fatal("failed to register event routes", zap.Error(err))
	}

	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(metrics.Handler())
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("digest-engine api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})

	g.Go(func() error {
		return aggregator.Start(gctx)
	})

	g.Go(func() error {
		return sweeper.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("digest-engine stopped with error", zap.Error(err))
		return
	}
	logger.Info("digest-engine stopped")
}
