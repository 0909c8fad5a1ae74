package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// JobFetcher re-reads the current state of a job. It is called with a
// service context.
type JobFetcher interface {
	Get(ctx context.Context, id string) (domain.Job, error)
}

// notificationConn is the part of *pgx.Conn the listener needs.
type notificationConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type connectFunc func(ctx context.Context) (notificationConn, error)

// PGListener turns Postgres NOTIFY events on a channel into hub updates.
// A notification carries the updated row as JSON, so every write reaches
// subscribers as its own state. Rows too large for a payload arrive as a
// bare id and are fetched fresh, which can fold several writes into one.
type PGListener struct {
	channel    string
	fetcher    JobFetcher
	hub        *Hub
	logger     logrus.FieldLogger
	connect    connectFunc
	newBackOff func() backoff.BackOff
}

type ListenerOption func(*PGListener)

// WithBackOff sets the reconnect schedule.
func WithBackOff(fn func() backoff.BackOff) ListenerOption {
	return func(l *PGListener) {
		l.newBackOff = fn
	}
}

func NewPGListener(dsn, channel string, fetcher JobFetcher, hub *Hub, logger logrus.FieldLogger, opts ...ListenerOption) *PGListener {
	l := &PGListener{
		channel: channel,
		fetcher: fetcher,
		hub:     hub,
		logger:  logger.WithField("component", "pg_listener"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 15 * time.Second
			return b
		},
	}
	l.connect = func(ctx context.Context) (notificationConn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			_ = conn.Close(context.Background())
			return nil, err
		}
		return conn, nil
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run listens until ctx is cancelled. A lost connection is re-established
// with exponential backoff, after which every subscribed job is re-fetched
// so changes missed while disconnected are still delivered.
func (l *PGListener) Run(ctx context.Context) error {
	for {
		conn, err := backoff.Retry(ctx, func() (notificationConn, error) {
			return l.connect(ctx)
		},
			backoff.WithBackOff(l.newBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, wait time.Duration) {
				l.logger.WithError(err).WithField("retry_in", wait.String()).Warn("listen connection failed")
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		l.logger.WithField("channel", l.channel).Info("listening for job updates")
		l.resync(ctx)

		err = l.listen(ctx, conn)
		_ = conn.Close(context.Background())
		if ctx.Err() != nil {
			return nil
		}
		l.logger.WithError(err).Warn("listen connection lost, reconnecting")
	}
}

func (l *PGListener) listen(ctx context.Context, conn notificationConn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Channel != l.channel {
			continue
		}
		l.handle(ctx, n.Payload)
	}
}

func (l *PGListener) handle(ctx context.Context, payload string) {
	if !strings.HasPrefix(payload, "{") {
		l.refresh(ctx, payload)
		return
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil || job.ID == "" {
		l.logger.WithError(err).WithField("payload_bytes", len(payload)).Warn("decode job notification")
		return
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	l.hub.Publish(job)
}

func (l *PGListener) resync(ctx context.Context) {
	for _, jobID := range l.hub.JobIDs() {
		l.refresh(ctx, jobID)
	}
}

func (l *PGListener) refresh(ctx context.Context, jobID string) {
	if !l.hub.HasSubscribers(jobID) {
		return
	}
	job, err := l.fetcher.Get(domain.AsService(ctx), jobID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		l.logger.WithError(err).WithFields(logrus.Fields{
			"job_id":     jobID,
			"error_kind": domain.Kind(err),
		}).Warn("fetch updated job")
		return
	}
	l.hub.Publish(job)
}
