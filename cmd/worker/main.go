package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/storyforge/internal/app"
	"github.com/dunamismax/storyforge/internal/config"
	"github.com/dunamismax/storyforge/internal/logging"
	"github.com/dunamismax/storyforge/internal/pipeline"
	"github.com/dunamismax/storyforge/internal/telemetry"
	"github.com/dunamismax/storyforge/internal/webhook"
	"github.com/dunamismax/storyforge/internal/worker"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.Log).WithField("service", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		OTLPURLPath:  cfg.Tracing.OTLPURLPath,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("tracing setup failed")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	services, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.WithError(err).Warn("backend close failed")
		}
	}()

	hooks := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Worker.GeneratorSecret,
		Timeout:       cfg.Worker.GeneratorTimeout,
		MaxAttempts:   cfg.Worker.GeneratorRetries,
		MaxBackoff:    30 * time.Second,
	})
	if err := pipeline.Startup(); err != nil {
		logger.WithError(err).Fatal("image runtime startup failed")
	}
	defer pipeline.Shutdown()

	frames, err := pipeline.NewFrameFitter(cfg.Worker.FrameWidth, cfg.Worker.FrameQuality)
	if err != nil {
		logger.WithError(err).Fatal("frame fitter setup failed")
	}
	generator := pipeline.NewHTTPGenerator(hooks, cfg.Worker.Generators)
	processor, err := pipeline.NewProcessor(services.Jobs, generator,
		&pipeline.AssetEmitter{Store: services.Jobs}, pipeline.WithFrameFitter(frames))
	if err != nil {
		logger.WithError(err).Fatal("processor setup failed")
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, processor, services.Jobs, hooks)
	if err != nil {
		logger.WithError(err).Fatal("worker setup failed")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"concurrency":     cfg.Worker.Concurrency,
		"max_active_jobs": cfg.Worker.MaxActiveJobs,
		"queue":           cfg.Queue.Name,
		"redis":           cfg.Queue.RedisAddr,
		"stages":          generator.Stages(),
	}).Info("starting worker")

	if err := srv.Run(); err != nil {
		logger.WithError(err).Error("worker failed")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics server shutdown failed")
	}
}
