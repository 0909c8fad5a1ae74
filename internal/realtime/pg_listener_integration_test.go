package realtime_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/realtime"
	"github.com/dunamismax/storyforge/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type storeFetcher struct {
	store *store.PostgresJobStore
}

func (f storeFetcher) Get(ctx context.Context, id string) (domain.Job, error) {
	return f.store.Get(ctx, id, store.ScopeFor(ctx))
}

func TestPGListenerDeliversDatabaseUpdates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("storyforge_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	}()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(dsn))

	jobStore, err := store.NewPostgresJobStore(ctx, dsn)
	require.NoError(t, err)
	defer jobStore.Close()

	job, err := jobStore.Create(ctx, domain.NewJob{
		Status: domain.InitialStatus,
		InputScenario: domain.InputScenario{
			VideoTitle:      "T",
			ScenarioDetails: "D",
			Characters:      "C",
		},
	}, time.Now())
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	hub := realtime.NewHub()
	sub := hub.Subscribe(job.ID)
	defer sub.Close()

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	listener := realtime.NewPGListener(dsn, store.NotifyChannel, storeFetcher{jobStore}, hub, logger)
	go func() { _ = listener.Run(listenCtx) }()

	// the resync on connect delivers the current state
	select {
	case got := <-sub.Updates():
		assert.Equal(t, domain.InitialStatus, got.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("no initial state")
	}

	statuses := []domain.Status{
		domain.StatusScriptReadyForReview,
		domain.StatusPendingImageGen,
		domain.StatusImagesReadyForReview,
		domain.StatusPendingVoiceGen,
		domain.StatusFailedVoiceGen,
	}
	for _, status := range statuses {
		_, err = jobStore.Update(ctx, job.ID, store.Scope{All: true}, domain.JobUpdate{Status: &status}, time.Now())
		require.NoError(t, err)
	}

	for _, want := range statuses {
		select {
		case got := <-sub.Updates():
			assert.Equal(t, job.ID, got.ID)
			assert.Equal(t, want, got.Status)
			assert.Equal(t, job.InputScenario, got.InputScenario)
		case <-time.After(10 * time.Second):
			t.Fatalf("no update delivered for %s", want)
		}
	}
}
