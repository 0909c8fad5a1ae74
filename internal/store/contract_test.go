package store

import (
	"context"
	"testing"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var everyone = Scope{All: true}

// runJobStoreContract exercises the behavior every JobStore must share.
func runJobStoreContract(t *testing.T, newStore func(t *testing.T) JobStore) {
	t.Run("create sets initial state", func(t *testing.T) {
		s := newStore(t)
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		job, err := s.Create(context.Background(), domain.NewJob{
			Status:        domain.InitialStatus,
			InputScenario: scenario("T"),
		}, now)
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, domain.StatusPendingScriptReview, job.Status)
		assert.True(t, job.CurrentOutputs.IsEmpty())
		assert.Nil(t, job.OwnerID)
		assert.Nil(t, job.ErrorMessage)
		assert.Equal(t, scenario("T"), job.InputScenario)
		assert.True(t, job.CreatedAt.Equal(now))
		assert.False(t, job.UpdatedAt.Before(job.CreatedAt))
	})

	t.Run("get unknown id is not found", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(context.Background(), "9b2f6c1e-0000-4000-8000-000000000000", everyone)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = s.Get(context.Background(), "not-a-uuid", everyone)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("status update leaves other fields alone", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created := mustCreate(t, s, nil, time.Now())

		status := domain.StatusFailedImageGen
		updated, err := s.Update(ctx, created.ID, everyone, domain.JobUpdate{Status: &status}, time.Now())
		require.NoError(t, err)

		got, err := s.Get(ctx, created.ID, everyone)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailedImageGen, got.Status)
		assert.Equal(t, created.InputScenario, got.InputScenario)
		assert.Equal(t, created.CurrentOutputs, got.CurrentOutputs)
		assert.True(t, got.CreatedAt.Equal(created.CreatedAt))
		assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
	})

	t.Run("outputs update replaces the whole object", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created := mustCreate(t, s, nil, time.Now())

		first := domain.Outputs{Script: "scene one", Images: []string{"a.png", "b.png"}}
		_, err := s.Update(ctx, created.ID, everyone, domain.JobUpdate{Outputs: &first}, time.Now())
		require.NoError(t, err)

		second := domain.Outputs{AudioURLs: []string{"voice.mp3"}}
		updated, err := s.Update(ctx, created.ID, everyone, domain.JobUpdate{Outputs: &second}, time.Now())
		require.NoError(t, err)

		got, err := s.Get(ctx, created.ID, everyone)
		require.NoError(t, err)
		assert.Equal(t, second, got.CurrentOutputs)
		assert.True(t, got.UpdatedAt.Equal(updated.UpdatedAt))
	})

	t.Run("updated_at advances even with a stale clock", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()
		created := mustCreate(t, s, nil, now)

		msg := "voice model timed out"
		updated, err := s.Update(ctx, created.ID, everyone, domain.JobUpdate{ErrorMessage: &msg}, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
		require.NotNil(t, updated.ErrorMessage)
		assert.Equal(t, msg, *updated.ErrorMessage)

		cleared, err := s.Update(ctx, created.ID, everyone, domain.JobUpdate{ClearErrorMessage: true}, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Nil(t, cleared.ErrorMessage)
		assert.True(t, cleared.UpdatedAt.After(updated.UpdatedAt))
	})

	t.Run("update unknown id is not found", func(t *testing.T) {
		s := newStore(t)
		status := domain.StatusCompleted
		_, err := s.Update(context.Background(), "9b2f6c1e-0000-4000-8000-000000000000", everyone,
			domain.JobUpdate{Status: &status}, time.Now())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("empty update is rejected", func(t *testing.T) {
		s := newStore(t)
		created := mustCreate(t, s, nil, time.Now())
		_, err := s.Update(context.Background(), created.ID, everyone, domain.JobUpdate{}, time.Now())
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("list is newest first and owner scoped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice, bob := "alice", "bob"
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		oldest := mustCreate(t, s, &alice, base)
		anon := mustCreate(t, s, nil, base.Add(time.Minute))
		newest := mustCreate(t, s, &alice, base.Add(2*time.Minute))
		mustCreate(t, s, &bob, base.Add(3*time.Minute))

		jobs, err := s.List(ctx, Scope{OwnerID: alice})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, newest.ID, jobs[0].ID)
		assert.Equal(t, oldest.ID, jobs[1].ID)

		jobs, err = s.List(ctx, Scope{})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, anon.ID, jobs[0].ID)

		jobs, err = s.List(ctx, everyone)
		require.NoError(t, err)
		require.Len(t, jobs, 4)
		for i := 1; i < len(jobs); i++ {
			assert.True(t, jobs[i-1].CreatedAt.After(jobs[i].CreatedAt), "jobs must be strictly newest first")
		}
	})

	t.Run("get and update are owner scoped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := "alice"
		owned := mustCreate(t, s, &alice, time.Now())
		anon := mustCreate(t, s, nil, time.Now())
		status := domain.StatusCompleted

		_, err := s.Get(ctx, owned.ID, Scope{OwnerID: "bob"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.Get(ctx, owned.ID, Scope{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.Update(ctx, owned.ID, Scope{OwnerID: "bob"}, domain.JobUpdate{Status: &status}, time.Now())
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.Get(ctx, anon.ID, Scope{OwnerID: alice})
		assert.ErrorIs(t, err, domain.ErrNotFound)

		got, err := s.Get(ctx, owned.ID, Scope{OwnerID: alice})
		require.NoError(t, err)
		assert.Equal(t, domain.InitialStatus, got.Status, "a rejected write must not land")

		updated, err := s.Update(ctx, owned.ID, Scope{OwnerID: alice}, domain.JobUpdate{Status: &status}, time.Now())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, updated.Status)

		got, err = s.Get(ctx, anon.ID, Scope{})
		require.NoError(t, err)
		assert.Equal(t, anon.ID, got.ID)
	})
}

func scenario(title string) domain.InputScenario {
	return domain.InputScenario{
		VideoTitle:      title,
		ScenarioDetails: "A fox teaches a robot to bake bread.",
		Characters:      "Fox, Robot",
	}
}

func mustCreate(t *testing.T, s JobStore, owner *string, now time.Time) domain.Job {
	t.Helper()
	job, err := s.Create(context.Background(), domain.NewJob{
		OwnerID:       owner,
		Status:        domain.InitialStatus,
		InputScenario: scenario("T"),
	}, now)
	require.NoError(t, err)
	return job
}
