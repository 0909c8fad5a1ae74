package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/jobs"
	"github.com/dunamismax/storyforge/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultUserIDHeader   = "X-User-ID"
	defaultMaxUploadBytes = 512 << 20
	maxBodyBytes          = 1 << 20
)

type Server struct {
	logger         logrus.FieldLogger
	jobs           *jobs.Client
	queueClient    stageEnqueuer
	rateLimiter    RateLimiter
	userIDHeader   string
	maxUploadBytes int64
	heartbeat      time.Duration
	metrics        *metrics
	tracer         trace.Tracer
	router         chi.Router
}

type stageEnqueuer interface {
	EnqueueStage(ctx context.Context, job domain.Job) (bool, error)
}

type Options struct {
	// Queue schedules generation when a job enters a pending status. Nil
	// leaves scheduling to another process.
	Queue          stageEnqueuer
	RateLimiter    RateLimiter
	Tracer         trace.Tracer
	UserIDHeader   string
	MaxUploadBytes int64
}

func NewServer(logger logrus.FieldLogger, client *jobs.Client, opts Options) *Server {
	if opts.UserIDHeader == "" {
		opts.UserIDHeader = defaultUserIDHeader
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}

	s := &Server{
		logger:         logger.WithField("component", "api"),
		jobs:           client,
		queueClient:    opts.Queue,
		rateLimiter:    opts.RateLimiter,
		userIDHeader:   opts.UserIDHeader,
		maxUploadBytes: opts.MaxUploadBytes,
		heartbeat:      15 * time.Second,
		metrics:        newMetrics(),
		tracer:         opts.Tracer,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.withRecovery)
	r.Use(s.metrics.withHTTPMetrics)
	r.Use(s.withTracing)
	r.Use(s.withOwner)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.withRequestLogging)
		r.Use(s.withRateLimit)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Patch("/", s.handleUpdateJob)
			r.Put("/status", s.handleSetStatus)
			r.Put("/outputs", s.handleSetOutputs)
			r.Post("/approve", s.handleApprove)
			r.Get("/events", s.handleEvents)
		})
		r.Put("/assets/{bucket}/*", s.handleUpload)
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Ping(r.Context()); err != nil {
		writeData(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"store":  domain.Kind(err),
		})
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var scenario domain.InputScenario
	if err := decodeJSON(r, &scenario); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.jobs.Create(r.Context(), scenario)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.schedule(r, job)
	writeData(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var update domain.JobUpdate
	if err := decodeJSON(r, &update); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.jobs.Update(r.Context(), chi.URLParam(r, "id"), update)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if update.Status != nil {
		s.schedule(r, job)
	}
	writeData(w, http.StatusOK, job)
}

type statusRequest struct {
	Status domain.Status `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Status == "" {
		s.writeError(w, r, fmt.Errorf("%w: status is required", domain.ErrInvalidInput))
		return
	}

	job, err := s.jobs.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.schedule(r, job)
	writeData(w, http.StatusOK, job)
}

func (s *Server) handleSetOutputs(w http.ResponseWriter, r *http.Request) {
	var outputs domain.Outputs
	if err := decodeJSON(r, &outputs); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.jobs.SetOutputs(r.Context(), chi.URLParam(r, "id"), outputs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.schedule(r, job)
	writeData(w, http.StatusOK, job)
}

type uploadResponse struct {
	Bucket storage.Bucket `json:"bucket"`
	URL    string         `json:"url"`
	Bytes  int            `json:"bytes"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	bucket, err := storage.ParseBucket(chi.URLParam(r, "bucket"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "*"))

	data, err := io.ReadAll(io.LimitReader(r.Body, s.maxUploadBytes+1))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: read upload body: %w", domain.ErrInvalidInput, err))
		return
	}
	if int64(len(data)) > s.maxUploadBytes {
		writeErrorBody(w, http.StatusRequestEntityTooLarge, "TOO_LARGE",
			fmt.Sprintf("uploads are limited to %d bytes", s.maxUploadBytes))
		return
	}

	publicURL, err := s.jobs.Upload(r.Context(), bucket, key, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.uploadedBytes.WithLabelValues(string(bucket)).Add(float64(len(data)))
	writeData(w, http.StatusCreated, uploadResponse{
		Bucket: bucket,
		URL:    publicURL,
		Bytes:  len(data),
	})
}

// schedule enqueues the job's pending stage, if it has one. Scheduling
// failures are logged; the job write already succeeded.
func (s *Server) schedule(r *http.Request, job domain.Job) {
	if s.queueClient == nil {
		return
	}
	stage, ok := domain.PendingStage(job.Status)
	if !ok {
		return
	}

	enqueued, err := s.queueClient.EnqueueStage(r.Context(), job)
	if err != nil {
		s.requestLogger(r).WithError(err).WithFields(logrus.Fields{
			"job_id": job.ID,
			"stage":  stage,
		}).Error("enqueue stage failed")
		return
	}
	if enqueued {
		s.metrics.stagesEnqueued.WithLabelValues(string(stage)).Inc()
	}
}

func decodeJSON(r *http.Request, into any) error {
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", domain.ErrInvalidInput, err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: invalid JSON body: multiple JSON values are not allowed", domain.ErrInvalidInput)
	}
	return nil
}
