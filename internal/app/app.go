// Package app wires the job client and its backends from configuration.
// Every binary builds its dependencies through Open.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/storyforge/internal/config"
	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/jobs"
	"github.com/dunamismax/storyforge/internal/realtime"
	"github.com/dunamismax/storyforge/internal/storage"
	"github.com/dunamismax/storyforge/internal/store"
	"github.com/sirupsen/logrus"
)

type Services struct {
	Jobs    *jobs.Client
	Store   store.JobStore
	Hub     *realtime.Hub
	Storage *storage.Client

	pg       *store.PostgresJobStore
	listener *realtime.PGListener
	closers  []func() error
	logger   logrus.FieldLogger
}

// Open connects to Postgres and the object store when they are configured.
// Missing backends are not an error: the matching job operations report
// not configured. cfg.Jobs.MemoryStore swaps a missing database for a
// process-local memory store.
func Open(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*Services, error) {
	s := &Services{
		Hub:    realtime.NewHub(),
		logger: logger,
	}
	s.closers = append(s.closers, func() error {
		s.Hub.Close()
		return nil
	})

	if err := s.openStore(ctx, cfg.Database, cfg.Jobs.MemoryStore); err != nil {
		_ = s.Close()
		return nil, err
	}

	var blobs jobs.BlobStore
	if cfg.Storage.Configured() {
		client, err := storage.NewClient(storage.Config{
			Endpoint:       cfg.Storage.Endpoint,
			Access:         cfg.Storage.AccessKey,
			Secret:         cfg.Storage.SecretKey,
			UseSSL:         cfg.Storage.UseSSL,
			PublicBaseURL:  cfg.Storage.PublicURLBase(),
			AssetsBucket:   cfg.Storage.AssetsBucket,
			FinalBucket:    cfg.Storage.FinalBucket,
			MaxObjectBytes: cfg.Storage.MaxObjectBytes,
		})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := client.EnsureBuckets(ctx); err != nil {
			logger.WithError(err).WithField("error_kind", domain.Kind(err)).Warn("object store buckets not ready")
		}
		s.Storage = client
		blobs = client
	} else {
		logger.Warn("object storage is not configured; uploads are disabled")
	}

	var opts []jobs.Option
	if cfg.Jobs.StrictTransitions {
		opts = append(opts, jobs.WithTransitionPolicy(domain.ValidateTransition))
	}
	s.Jobs = jobs.New(s.Store, blobs, s.Hub, logger, opts...)
	if s.pg != nil {
		s.listener = realtime.NewPGListener(cfg.Database.DSN, store.NotifyChannel, s.Jobs, s.Hub, s.logger)
	}
	return s, nil
}

func (s *Services) openStore(ctx context.Context, cfg config.DatabaseConfig, memoryFallback bool) error {
	if !cfg.Configured() {
		if !memoryFallback {
			s.logger.Warn("database is not configured; job operations are disabled")
			return nil
		}
		s.logger.Warn("database is not configured; jobs are kept in this process's memory")
		memory := store.NewMemoryJobStore()
		memory.OnUpdate(func(job domain.Job) { s.Hub.Publish(job) })
		s.Store = memory
		return nil
	}

	if cfg.AutoMigrate {
		if err := store.RunMigrations(cfg.DSN); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	s.Store = pg
	s.pg = pg
	s.closers = append(s.closers, pg.Close)
	return nil
}

// Listen feeds the hub from database change notifications until ctx is
// done. It is a no-op without a database.
func (s *Services) Listen(ctx context.Context) {
	if s.listener == nil {
		return
	}
	go func() {
		if err := s.listener.Run(ctx); err != nil {
			s.logger.WithError(err).Error("job change listener stopped")
		}
	}()
}

func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
