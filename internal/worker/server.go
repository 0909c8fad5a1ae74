package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/storyforge/internal/config"
	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/pipeline"
	"github.com/dunamismax/storyforge/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeRetrying  = "retrying"
	outcomeStale     = "stale"
)

// Server runs queued pipeline stages and records their results on the job.
type Server struct {
	logger    logrus.FieldLogger
	server    *asynq.Server
	sem       chan struct{}
	processor stageProcessor
	jobs      jobUpdater
	events    eventSender
	eventsURL string
	metrics   *metrics
	tracer    trace.Tracer
}

type stageProcessor interface {
	Process(ctx context.Context, jobID string, stage domain.Stage) (pipeline.Result, error)
}

type jobUpdater interface {
	Update(ctx context.Context, jobID string, update domain.JobUpdate) (domain.Job, error)
}

type eventSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger logrus.FieldLogger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	processor *pipeline.Processor,
	jobs jobUpdater,
	events eventSender,
) (*Server, error) {
	if processor == nil {
		return nil, fmt.Errorf("stage processor is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job client is required")
	}

	s := newServer(logger, workerCfg, processor, jobs, events)
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   asynqLogger{s.logger},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				s.logger.WithError(err).WithFields(logrus.Fields{
					"task_type": task.Type(),
					"retry":     retried,
					"max_retry": maxRetry,
				}).Warn("task failed")
			}),
		},
	)
	return s, nil
}

func newServer(logger logrus.FieldLogger, workerCfg config.WorkerConfig, processor stageProcessor, jobs jobUpdater, events eventSender) *Server {
	return &Server{
		logger:    logger.WithField("component", "worker"),
		sem:       make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processor: processor,
		jobs:      jobs,
		events:    events,
		eventsURL: workerCfg.EventsURL,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("storyforge/worker"),
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRunStage, s.handleStage)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleStage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := outcomeFailed

	payload, err := queue.ParseStagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	stage := string(payload.Stage)

	// Stage tasks act on jobs of every owner.
	ctx = domain.AsService(ctx)
	ctx, span := s.tracer.Start(ctx, "worker.run_stage", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.stage", stage),
	)
	defer span.End()
	defer func() {
		s.metrics.stageDuration.WithLabelValues(stage, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.stageRunsTotal.WithLabelValues(stage, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		outcome = outcomeRetrying
		return ctx.Err()
	}
	s.metrics.activeStages.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeStages.Dec()
	}()

	log := s.logger.WithFields(logrus.Fields{"job_id": payload.JobID, "stage": stage})
	log.Info("running stage")

	result, err := s.processor.Process(ctx, payload.JobID, payload.Stage)
	switch {
	case errors.Is(err, pipeline.ErrStaleStage):
		outcome = outcomeStale
		log.WithError(err).Info("skipping stale stage task")
		span.SetStatus(codes.Ok, "stale")
		return nil
	case errors.Is(err, domain.ErrNotFound):
		log.WithError(err).Warn("job vanished before its stage ran")
		span.RecordError(err)
		span.SetStatus(codes.Error, "job not found")
		return fmt.Errorf("run stage: %v: %w", err, asynq.SkipRetry)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.Kind(err))
		if retryable(err) && !finalAttempt(ctx) {
			outcome = outcomeRetrying
			return fmt.Errorf("run stage: %w", err)
		}
		s.failStage(ctx, payload, err)
		return fmt.Errorf("run stage: %v: %w", err, asynq.SkipRetry)
	}

	status := payload.Stage.ReadyStatus()
	outputs := result.Outputs
	if _, err := s.jobs.Update(ctx, payload.JobID, domain.JobUpdate{
		Status:            &status,
		Outputs:           &outputs,
		ClearErrorMessage: true,
	}); err != nil {
		s.metrics.jobWriteFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "job update failed")
		outcome = outcomeRetrying
		return fmt.Errorf("record stage result: %w", err)
	}

	s.metrics.assetsTotal.WithLabelValues(stage).Add(float64(result.Uploaded))
	s.metrics.assetBytesTotal.Add(float64(result.Bytes))
	log.WithFields(logrus.Fields{
		"status": status,
		"assets": result.Uploaded,
	}).Info("stage finished")

	s.dispatchEvent(ctx, payload, "job.stage_completed", map[string]any{
		"job_id":       payload.JobID,
		"stage":        payload.Stage,
		"status":       status,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"outputs":      outputs,
	})

	outcome = outcomeSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// failStage records a stage's final failure on the job.
func (s *Server) failStage(ctx context.Context, payload queue.StagePayload, cause error) {
	status := payload.Stage.FailedStatus()
	msg := cause.Error()
	if _, err := s.jobs.Update(ctx, payload.JobID, domain.JobUpdate{
		Status:       &status,
		ErrorMessage: &msg,
	}); err != nil {
		s.metrics.jobWriteFailures.Inc()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"job_id": payload.JobID,
			"status": status,
		}).Error("job status update failed")
		return
	}

	s.logger.WithError(cause).WithFields(logrus.Fields{
		"job_id": payload.JobID,
		"stage":  payload.Stage,
		"status": status,
	}).Warn("stage failed")

	s.dispatchEvent(ctx, payload, "job.stage_failed", map[string]any{
		"job_id":       payload.JobID,
		"stage":        payload.Stage,
		"status":       status,
		"requested_at": payload.RequestedAt,
		"failed_at":    time.Now().UTC(),
		"error":        msg,
	})
}

func (s *Server) dispatchEvent(ctx context.Context, payload queue.StagePayload, event string, body map[string]any) {
	if s.eventsURL == "" || s.events == nil {
		return
	}
	if err := s.events.Send(ctx, s.eventsURL, event, body); err != nil {
		s.metrics.eventFailures.Inc()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"job_id": payload.JobID,
			"event":  event,
		}).Warn("event delivery failed")
	}
}

// retryable reports whether running the stage again could succeed.
func retryable(err error) bool {
	switch domain.Kind(err) {
	case "invalid_input", "not_configured", "permission", "not_found", "conflict":
		return false
	}
	return true
}

func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}
