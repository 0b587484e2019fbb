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
	"github.com/joho/godotenv"
	"github.com/payalb/course-management/pkg/config"
	"github.com/payalb/course-management/pkg/db"
	"github.com/payalb/course-management/pkg/kafka"
	"github.com/payalb/course-management/pkg/utils"
	"github.com/payalb/course-management/services/course/internal/query/cache"
	"github.com/payalb/course-management/services/course/internal/query/repository"
	"github.com/payalb/course-management/services/course/internal/query/service"
	queryHttp "github.com/payalb/course-management/services/course/internal/query/transport/http"
	queryKafka "github.com/payalb/course-management/services/course/internal/query/transport/kafka"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const serviceName = "course-query-service"

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

	if err := db.Migrate(ctx, cfg.ReadPostgres.URL, cfg.Migrations.QueryPath, logger); err != nil {
		logger.Fatal("Error running migrations", zap.Error(err))
	}

	pool, err := db.NewPostgresDB(ctx, cfg.ReadPostgres.URL)
	if err != nil {
		logger.Fatal("Error creating postgres pool", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable, queries will bypass the cache until it recovers", zap.Error(err))
	}

	viewRepository := repository.NewCourseViewRepository(pool, logger)
	queryCache := cache.NewRedisCache(rdb, cfg.Redis.TTL)

	projector, err := service.NewProjector(viewRepository, queryCache, logger)
	if err != nil {
		logger.Fatal("Error creating projector", zap.Error(err))
	}

	queryService := service.NewCachedCourseQueryService(
		service.NewCourseQueryService(viewRepository, logger),
		queryCache,
		logger,
	)

	consumer := queryKafka.NewConsumer(
		kafka.NewConsumerGroup(cfg.Kafka.Brokers, logger),
		projector,
		cfg.Kafka.GroupID,
		cfg.Kafka.Topic,
		logger,
	)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Start(ctx); err != nil {
			logger.Error("Course event consumer stopped", zap.Error(err))
			stop()
		}
	}()

	app := fiber.New(fiber.Config{
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})
	app.Use(otelfiber.Middleware())
	app.Get("/metrics", utils.MetricsHandler(utils.NewMetricsRegistry(db.PoolCollectors(pool, "query")...)))
	queryHttp.RegisterRoutes(app, queryHttp.NewQueryHandler(queryService, cfg.HTTP.Timeout, logger))

	go func() {
		logger.Info("Course query service listening", zap.String("port", cfg.HTTP.QueryPort))
		if err := app.Listen(cfg.HTTP.QueryPort); err != nil {
			logger.Fatal("Error listening HTTP", zap.String("port", cfg.HTTP.QueryPort), zap.Error(err))
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
	case <-consumerDone:
		logger.Info("Course event consumer stopped")
	case <-shutdownCtx.Done():
		logger.Warn("Course event consumer did not stop in time")
	}

	if err := rdb.Close(); err != nil {
		logger.Error("Error closing redis client", zap.Error(err))
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
