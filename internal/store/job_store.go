package store

import (
	"context"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
)

// JobStore persists video jobs. Implementations stamp timestamps with the
// time they are handed and never validate status transitions.
type JobStore interface {
	Create(ctx context.Context, job domain.NewJob, now time.Time) (domain.Job, error)
	Get(ctx context.Context, id string, scope Scope) (domain.Job, error)
	Update(ctx context.Context, id string, scope Scope, update domain.JobUpdate, now time.Time) (domain.Job, error)
	List(ctx context.Context, scope Scope) ([]domain.Job, error)
	Ping(ctx context.Context) error
}

// Scope limits the jobs a call can reach. With All unset, OwnerID selects
// one user's jobs and an empty OwnerID selects anonymous jobs. Get and
// Update report a job outside the scope as not found.
type Scope struct {
	OwnerID string
	All     bool
}

// ScopeFor derives the scope of the caller in ctx.
func ScopeFor(ctx context.Context) Scope {
	if domain.IsService(ctx) {
		return Scope{All: true}
	}
	owner, _ := domain.OwnerFromContext(ctx)
	return Scope{OwnerID: owner}
}

func (sc Scope) matches(job domain.Job) bool {
	if sc.All {
		return true
	}
	if sc.OwnerID == "" {
		return job.OwnerID == nil
	}
	return job.OwnerID != nil && *job.OwnerID == sc.OwnerID
}

// predicate renders the scope as a SQL condition, binding values through arg.
func (sc Scope) predicate(arg func(any) string) string {
	switch {
	case sc.All:
		return "TRUE"
	case sc.OwnerID == "":
		return "user_id IS NULL"
	default:
		return "user_id = " + arg(sc.OwnerID)
	}
}

// stampUpdate returns the updated_at for a mutation so that it always moves
// forward, even when two writes land within clock resolution.
func stampUpdate(previous, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(previous) {
		return previous.Add(time.Microsecond)
	}
	return now
}
