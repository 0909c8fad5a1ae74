package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/storyforge/internal/api"
	"github.com/dunamismax/storyforge/internal/app"
	"github.com/dunamismax/storyforge/internal/config"
	"github.com/dunamismax/storyforge/internal/logging"
	"github.com/dunamismax/storyforge/internal/queue"
	"github.com/dunamismax/storyforge/internal/ratelimit"
	"github.com/dunamismax/storyforge/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.Log).WithField("service", "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		OTLPURLPath:  cfg.Tracing.OTLPURLPath,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("tracing setup failed")
	}

	services, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	services.Listen(ctx)

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	limiter, err := ratelimit.NewRedisLimiter(redisClient, ratelimit.Policy{
		Limit:  cfg.API.RateLimit,
		Window: cfg.API.RateWindow,
	})
	if err != nil {
		logger.WithError(err).Fatal("rate limiter setup failed")
	}

	server := api.NewServer(logger, services.Jobs, api.Options{
		Queue:        queueClient,
		RateLimiter:  limiter,
		Tracer:       otel.Tracer("storyforge/api"),
		UserIDHeader: cfg.API.UserIDHeader,
	})

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.API.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	if err := queueClient.Close(); err != nil {
		logger.WithError(err).Warn("queue client close failed")
	}
	if err := redisClient.Close(); err != nil {
		logger.WithError(err).Warn("redis client close failed")
	}
	if err := services.Close(); err != nil {
		logger.WithError(err).Warn("backend close failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracing shutdown failed")
	}
}
