// Package jobs is the client every binary uses to read and mutate video
// jobs, stream their changes and publish their assets.
//
// Client offers two layers. The error-returning methods (Create, Get,
// Update, ...) wrap the domain error sentinels so callers can branch on
// errors.Is. The optional-value methods (CreateJob, GetJob, UpdateJob, ...)
// never return errors: failures are logged and reported as an absent job,
// false or an empty slice.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/realtime"
	"github.com/dunamismax/storyforge/internal/storage"
	"github.com/dunamismax/storyforge/internal/store"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BlobStore stores job assets and builds their public URLs.
type BlobStore interface {
	Upload(ctx context.Context, bucket storage.Bucket, key string, data []byte) (string, error)
	PublicURL(bucket storage.Bucket, key string) string
}

type Client struct {
	store      store.JobStore
	blobs      BlobStore
	hub        *realtime.Hub
	logger     logrus.FieldLogger
	now        func() time.Time
	transition func(from, to domain.Status) error
	tracer     trace.Tracer
}

type Option func(*Client)

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithTransitionPolicy makes status writes consult policy with the current
// and requested status. Without it any status may follow any other.
func WithTransitionPolicy(policy func(from, to domain.Status) error) Option {
	return func(c *Client) {
		c.transition = policy
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// New builds a client. A nil jobStore, blobs or hub leaves the matching
// operations disabled: they fail with domain.ErrNotConfigured without
// attempting any I/O.
func New(jobStore store.JobStore, blobs BlobStore, hub *realtime.Hub, logger logrus.FieldLogger, opts ...Option) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Client{
		store:  jobStore,
		blobs:  blobs,
		hub:    hub,
		logger: logger.WithField("component", "jobs"),
		now:    time.Now,
		tracer: otel.Tracer("storyforge/jobs"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping checks the job store.
func (c *Client) Ping(ctx context.Context) error {
	if c.store == nil {
		return fmt.Errorf("ping job store: %w", domain.ErrNotConfigured)
	}
	return c.store.Ping(ctx)
}

func (c *Client) startSpan(ctx context.Context, op, jobID string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "jobs."+op, trace.WithSpanKind(trace.SpanKindClient))
	if jobID != "" {
		span.SetAttributes(attribute.String("job.id", jobID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.Kind(err))
	}
	span.End()
}

// Create inserts a job for scenario owned by the caller in ctx, in the
// initial pipeline status with empty outputs.
func (c *Client) Create(ctx context.Context, scenario domain.InputScenario) (job domain.Job, err error) {
	ctx, span := c.startSpan(ctx, "create", "")
	defer func() { endSpan(span, err) }()

	if c.store == nil {
		return domain.Job{}, fmt.Errorf("create job: %w", domain.ErrNotConfigured)
	}
	if err := scenario.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}

	in := domain.NewJob{
		Status:        domain.InitialStatus,
		InputScenario: scenario,
	}
	if owner, ok := domain.OwnerFromContext(ctx); ok {
		in.OwnerID = &owner
	}
	job, err = c.store.Create(ctx, in, c.now())
	if err != nil {
		return domain.Job{}, err
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	return job, nil
}

// Get reads a job the caller in ctx may see. A job owned by someone else is
// reported as not found.
func (c *Client) Get(ctx context.Context, jobID string) (job domain.Job, err error) {
	ctx, span := c.startSpan(ctx, "get", jobID)
	defer func() { endSpan(span, err) }()

	if c.store == nil {
		return domain.Job{}, fmt.Errorf("get job: %w", domain.ErrNotConfigured)
	}
	if strings.TrimSpace(jobID) == "" {
		return domain.Job{}, fmt.Errorf("get job: %w: job id is required", domain.ErrInvalidInput)
	}
	return c.store.Get(ctx, jobID, store.ScopeFor(ctx))
}

// Update applies the set groups of update in one write and stamps
// updated_at. Concurrent writers are last-write-wins. Like Get, it only
// reaches jobs the caller in ctx may see.
func (c *Client) Update(ctx context.Context, jobID string, update domain.JobUpdate) (job domain.Job, err error) {
	ctx, span := c.startSpan(ctx, "update", jobID)
	defer func() { endSpan(span, err) }()
	return c.update(ctx, jobID, update)
}

func (c *Client) update(ctx context.Context, jobID string, update domain.JobUpdate) (domain.Job, error) {
	if c.store == nil {
		return domain.Job{}, fmt.Errorf("update job: %w", domain.ErrNotConfigured)
	}
	if strings.TrimSpace(jobID) == "" {
		return domain.Job{}, fmt.Errorf("update job: %w: job id is required", domain.ErrInvalidInput)
	}
	if err := update.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("update job %s: %w", jobID, err)
	}

	scope := store.ScopeFor(ctx)
	if update.Status != nil && c.transition != nil {
		current, err := c.store.Get(ctx, jobID, scope)
		if err != nil {
			return domain.Job{}, err
		}
		if err := c.transition(current.Status, *update.Status); err != nil {
			return domain.Job{}, fmt.Errorf("update job %s: %w", jobID, err)
		}
	}
	return c.store.Update(ctx, jobID, scope, update, c.now())
}

func (c *Client) SetStatus(ctx context.Context, jobID string, status domain.Status) (job domain.Job, err error) {
	ctx, span := c.startSpan(ctx, "set_status", jobID)
	span.SetAttributes(attribute.String("job.status", string(status)))
	defer func() { endSpan(span, err) }()
	return c.update(ctx, jobID, domain.JobUpdate{Status: &status})
}

// SetOutputs replaces the job's outputs wholesale.
func (c *Client) SetOutputs(ctx context.Context, jobID string, outputs domain.Outputs) (job domain.Job, err error) {
	ctx, span := c.startSpan(ctx, "set_outputs", jobID)
	defer func() { endSpan(span, err) }()
	return c.update(ctx, jobID, domain.JobUpdate{Outputs: &outputs})
}

// Approve moves a job waiting for review into the next stage's pending
// status.
func (c *Client) Approve(ctx context.Context, jobID string) (job domain.Job, err error) {
	ctx, span := c.startSpan(ctx, "approve", jobID)
	defer func() { endSpan(span, err) }()

	if c.store == nil {
		return domain.Job{}, fmt.Errorf("approve job: %w", domain.ErrNotConfigured)
	}
	scope := store.ScopeFor(ctx)
	current, err := c.store.Get(ctx, jobID, scope)
	if err != nil {
		return domain.Job{}, err
	}
	next, err := domain.NextAfterReview(current.Status)
	if err != nil {
		return domain.Job{}, fmt.Errorf("approve job %s: %w", jobID, err)
	}
	return c.store.Update(ctx, jobID, scope, domain.JobUpdate{Status: &next, ClearErrorMessage: true}, c.now())
}

// List returns the caller's jobs newest first. Without an owner in ctx only
// anonymous jobs are visible; a service context sees every job.
func (c *Client) List(ctx context.Context) (jobs []domain.Job, err error) {
	return c.list(ctx, store.ScopeFor(ctx))
}

// ListAll returns every job regardless of owner, newest first.
func (c *Client) ListAll(ctx context.Context) ([]domain.Job, error) {
	return c.list(ctx, store.Scope{All: true})
}

func (c *Client) list(ctx context.Context, scope store.Scope) (jobs []domain.Job, err error) {
	ctx, span := c.startSpan(ctx, "list", "")
	defer func() { endSpan(span, err) }()

	if c.store == nil {
		return nil, fmt.Errorf("list jobs: %w", domain.ErrNotConfigured)
	}
	jobs, err = c.store.List(ctx, scope)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("jobs.count", len(jobs)))
	return jobs, nil
}

// Subscribe opens a change stream for jobID. Only updates made after the
// subscription opens are delivered; the caller must Close it.
func (c *Client) Subscribe(jobID string) (*realtime.Subscription, error) {
	if c.hub == nil || c.store == nil {
		return nil, fmt.Errorf("subscribe to job: %w", domain.ErrNotConfigured)
	}
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("subscribe to job: %w: job id is required", domain.ErrInvalidInput)
	}
	return c.hub.Subscribe(jobID), nil
}

// Upload stores data at key in bucket and returns its public URL.
func (c *Client) Upload(ctx context.Context, bucket storage.Bucket, key string, data []byte) (publicURL string, err error) {
	ctx, span := c.startSpan(ctx, "upload", "")
	span.SetAttributes(
		attribute.String("storage.bucket", string(bucket)),
		attribute.String("storage.key", key),
		attribute.Int("storage.bytes", len(data)),
	)
	defer func() { endSpan(span, err) }()

	if c.blobs == nil {
		return "", fmt.Errorf("upload %s/%s: %w", bucket, key, domain.ErrNotConfigured)
	}
	cleanKey, err := c.blobs.Upload(ctx, bucket, key, data)
	if err != nil {
		return "", err
	}
	return c.blobs.PublicURL(bucket, cleanKey), nil
}

// PublicURL builds the URL of key in bucket without checking that it
// exists.
func (c *Client) PublicURL(bucket storage.Bucket, key string) (string, error) {
	if c.blobs == nil {
		return "", fmt.Errorf("public url %s/%s: %w", bucket, key, domain.ErrNotConfigured)
	}
	return c.blobs.PublicURL(bucket, key), nil
}
