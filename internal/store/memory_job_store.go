package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/id"
)

type MemoryJobStore struct {
	mu          sync.RWMutex
	jobs        map[string]domain.Job
	lastCreated time.Time
	onUpdate    func(domain.Job)
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
	}
}

// OnUpdate registers fn to receive every updated job. It stands in for the
// database change feed when no database is configured.
func (s *MemoryJobStore) OnUpdate(fn func(domain.Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

func (s *MemoryJobStore) Create(ctx context.Context, in domain.NewJob, now time.Time) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	if !in.Status.Valid() {
		return domain.Job{}, fmt.Errorf("insert job: %w: unknown status %q", domain.ErrInvalidInput, in.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := stampUpdate(s.lastCreated, now)
	s.lastCreated = createdAt

	job := domain.Job{
		ID:            id.New(),
		OwnerID:       in.OwnerID,
		Status:        in.Status,
		InputScenario: in.InputScenario,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	job = job.Clone()
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

func (s *MemoryJobStore) Get(ctx context.Context, jobID string, scope Scope) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok || !scope.matches(job) {
		return domain.Job{}, fmt.Errorf("query job %s: %w", jobID, domain.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) Update(ctx context.Context, jobID string, scope Scope, update domain.JobUpdate, now time.Time) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	if err := update.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("update job %s: %w", jobID, err)
	}

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || !scope.matches(job) {
		s.mu.Unlock()
		return domain.Job{}, fmt.Errorf("update job %s: %w", jobID, domain.ErrNotFound)
	}

	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Outputs != nil {
		job.CurrentOutputs = update.Outputs.Clone()
	}
	if update.ErrorMessage != nil {
		msg := *update.ErrorMessage
		job.ErrorMessage = &msg
	} else if update.ClearErrorMessage {
		job.ErrorMessage = nil
	}
	job.UpdatedAt = stampUpdate(job.UpdatedAt, now)
	s.jobs[jobID] = job

	out := job.Clone()
	hook := s.onUpdate
	s.mu.Unlock()

	if hook != nil {
		hook(out.Clone())
	}
	return out, nil
}

func (s *MemoryJobStore) List(ctx context.Context, scope Scope) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if scope.matches(job) {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryJobStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
