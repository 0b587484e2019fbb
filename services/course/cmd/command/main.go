package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/joho/godotenv"
	"github.com/payalb/course-management/pkg/config"
	"github.com/payalb/course-management/pkg/db"
	"github.com/payalb/course-management/pkg/kafka"
	outbox "github.com/payalb/course-management/pkg/outbox/repository"
	"github.com/payalb/course-management/pkg/outbox/worker"
	"github.com/payalb/course-management/pkg/utils"
	"github.com/payalb/course-management/services/course/internal/command/repository"
	"github.com/payalb/course-management/services/course/internal/command/service"
	commandHttp "github.com/payalb/course-management/services/course/internal/command/transport/http"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const serviceName = "course-command-service"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(config.LoggerConfig{
		Level:   cfg.Logger.Level,
		Env:     cfg.Env,
		Service: serviceName,
	})
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	var (
		tp *sdktrace.TracerProvider
		mp *sdkmetric.MeterProvider
	)
	if cfg.Tracing.Enabled {
		tp, err = utils.InitTracer(ctx, utils.TracerConfig{
			ServiceName: serviceName,
			Endpoint:    cfg.Tracing.Endpoint,
			Env:         cfg.Env,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			logger.Fatal("Error init tracer", zap.Error(err))
		}

		mp, err = utils.InitMeter(ctx, utils.MeterConfig{
			ServiceName: serviceName,
			Endpoint:    cfg.Tracing.Endpoint,
			Env:         cfg.Env,
			Interval:    cfg.Tracing.MetricsInterval,
		})
		if err != nil {
			logger.Fatal("Error init meter", zap.Error(err))
		}
	}

	if err := db.Migrate(ctx, cfg.Postgres.URL, cfg.Migrations.CommandPath, logger); err != nil {
		logger.Fatal("Error running migrations", zap.Error(err))
	}

	pool, err := db.NewPostgresDB(ctx, cfg.Postgres.URL)
	if err != nil {
		logger.Fatal("Error creating postgres pool", zap.Error(err))
	}

	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, kafka.ProducerOptions{
		Timeout: cfg.Kafka.PublishTimeout,
		Breaker: kafka.DefaultBreakerSettings("course-events-producer", logger),
	}, logger)
	if err != nil {
		logger.Fatal("Error creating kafka producer", zap.Error(err))
	}

	outboxRepository := outbox.NewOutboxRepository(pool, logger)
	courseRepository := repository.NewCourseRepository(pool, logger)
	courseService := service.NewCourseService(courseRepository, outboxRepository, pool, logger)

	publisher, err := worker.NewPublisher(
		pool,
		outboxRepository,
		producer,
		worker.OptionsFromConfig(cfg.Kafka.Topic, cfg.Outbox),
		logger,
	)
	if err != nil {
		logger.Fatal("Error creating outbox publisher", zap.Error(err))
	}

	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		publisher.Run(ctx)
	}()

	app := fiber.New(fiber.Config{
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})
	app.Use(otelfiber.Middleware())
	app.Get("/metrics", utils.MetricsHandler(utils.NewMetricsRegistry(db.PoolCollectors(pool, "command")...)))

	app.Use(limiter.New(limiter.Config{
		Max:        cfg.Limiter.Max,
		Expiration: cfg.Limiter.Expiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests. Try again later.",
			})
		},
	}))

	commandHttp.RegisterRoutes(app, commandHttp.NewCourseHandler(courseService, publisher, cfg.HTTP.Timeout, logger))

	go func() {
		logger.Info("Course command service listening", zap.String("port", cfg.HTTP.CommandPort))
		if err := app.Listen(cfg.HTTP.CommandPort); err != nil {
			logger.Fatal("Error listening HTTP", zap.String("port", cfg.HTTP.CommandPort), zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", zap.Error(err))
	}

	select {
	case <-publisherDone:
		logger.Info("Outbox publisher stopped")
	case <-shutdownCtx.Done():
		logger.Warn("Outbox publisher did not stop in time")
	}

	if err := producer.Close(); err != nil {
		logger.Error("Error closing kafka producer", zap.Error(err))
	}

	pool.Close()

	if mp != nil {
		if err := mp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping metrics", zap.Error(err))
		}
	}

	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping telemetry", zap.Error(err))
		}
	}
}
