package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/dunamismax/storyforge/internal/config"
	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/jobs"
	"github.com/dunamismax/storyforge/internal/pipeline"
	"github.com/dunamismax/storyforge/internal/queue"
	"github.com/dunamismax/storyforge/internal/storage"
	"github.com/dunamismax/storyforge/internal/store"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

type fakeGenerator struct {
	result pipeline.StageResult
	err    error
}

func (g fakeGenerator) Generate(context.Context, pipeline.StageRequest) (pipeline.StageResult, error) {
	return g.result, g.err
}

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memoryBlobs) Upload(_ context.Context, bucket storage.Bucket, key string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[string(bucket)+"/"+key] = data
	return key, nil
}

func (b *memoryBlobs) PublicURL(bucket storage.Bucket, key string) string {
	return "https://cdn.test/" + string(bucket) + "/" + key
}

type captureEvents struct {
	mu     sync.Mutex
	events []string
}

func (c *captureEvents) Send(_ context.Context, _ string, event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

type harness struct {
	server *Server
	client *jobs.Client
	events *captureEvents
}

func newHarness(t *testing.T, gen pipeline.Generator) harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client := jobs.New(store.NewMemoryJobStore(), &memoryBlobs{}, nil, logger)
	processor, err := pipeline.NewProcessor(client, gen, &pipeline.AssetEmitter{Store: client})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	events := &captureEvents{}
	s := newServer(logger, config.WorkerConfig{MaxActiveJobs: 1, EventsURL: "https://events.test"}, processor, client, events)
	return harness{server: s, client: client, events: events}
}

func (h harness) seed(t *testing.T, status domain.Status) domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.client.Create(ctx, domain.InputScenario{VideoTitle: "T", ScenarioDetails: "D", Characters: "C"})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if status != job.Status {
		if job, err = h.client.SetStatus(ctx, job.ID, status); err != nil {
			t.Fatalf("seed status: %v", err)
		}
	}
	return job
}

func stageTask(t *testing.T, jobID string, stage domain.Stage) *asynq.Task {
	t.Helper()
	task, err := queue.NewStageTask(queue.StagePayload{JobID: jobID, Stage: stage})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func TestHandleStageRecordsResults(t *testing.T) {
	h := newHarness(t, fakeGenerator{result: pipeline.StageResult{
		Assets: []pipeline.Asset{{Name: "scene-1.png", Data: []byte("png")}},
	}})
	job := h.seed(t, domain.StatusPendingImageGen)

	if err := h.server.handleStage(context.Background(), stageTask(t, job.ID, domain.StageImage)); err != nil {
		t.Fatalf("handle stage: %v", err)
	}

	got, err := h.client.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.StatusImagesReadyForReview {
		t.Fatalf("expected %s, got %s", domain.StatusImagesReadyForReview, got.Status)
	}
	if len(got.CurrentOutputs.Images) != 1 || !strings.HasPrefix(got.CurrentOutputs.Images[0], "https://cdn.test/video-assets/") {
		t.Fatalf("unexpected images %v", got.CurrentOutputs.Images)
	}
	if got.ErrorMessage != nil {
		t.Fatalf("expected no error message, got %q", *got.ErrorMessage)
	}
	if len(h.events.events) != 1 || h.events.events[0] != "job.stage_completed" {
		t.Fatalf("unexpected events %v", h.events.events)
	}
}

func TestHandleStageMarksFinalFailure(t *testing.T) {
	h := newHarness(t, fakeGenerator{err: fmt.Errorf("%w: prompt rejected", domain.ErrInvalidInput)})
	job := h.seed(t, domain.StatusPendingVoiceGen)

	err := h.server.handleStage(context.Background(), stageTask(t, job.ID, domain.StageVoice))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry, got %v", err)
	}

	got, _ := h.client.Get(context.Background(), job.ID)
	if got.Status != domain.StatusFailedVoiceGen {
		t.Fatalf("expected %s, got %s", domain.StatusFailedVoiceGen, got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "prompt rejected") {
		t.Fatalf("expected error message to be recorded, got %v", got.ErrorMessage)
	}
	if len(h.events.events) != 1 || h.events.events[0] != "job.stage_failed" {
		t.Fatalf("unexpected events %v", h.events.events)
	}
}

func TestHandleStageSkipsStaleTasks(t *testing.T) {
	h := newHarness(t, fakeGenerator{err: errors.New("must not be called")})
	job := h.seed(t, domain.StatusScriptReadyForReview)

	if err := h.server.handleStage(context.Background(), stageTask(t, job.ID, domain.StageScript)); err != nil {
		t.Fatalf("stale task should be acknowledged, got %v", err)
	}

	got, _ := h.client.Get(context.Background(), job.ID)
	if got.Status != domain.StatusScriptReadyForReview {
		t.Fatalf("stale task changed status to %s", got.Status)
	}
	if len(h.events.events) != 0 {
		t.Fatalf("unexpected events %v", h.events.events)
	}
}

func TestHandleStageRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t, fakeGenerator{})
	err := h.server.handleStage(context.Background(), asynq.NewTask(queue.TypeRunStage, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry, got %v", err)
	}
}

func TestHandleStageMissingJob(t *testing.T) {
	h := newHarness(t, fakeGenerator{})
	err := h.server.handleStage(context.Background(), stageTask(t, "7c9e6679-7425-40de-944b-e07fc1f90ae7", domain.StageScript))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected skip retry, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("x: %w", domain.ErrUnavailable), true},
		{context.DeadlineExceeded, true},
		{errors.New("unexpected"), true},
		{fmt.Errorf("x: %w", domain.ErrInvalidInput), false},
		{fmt.Errorf("x: %w", domain.ErrNotConfigured), false},
		{fmt.Errorf("x: %w", domain.ErrPermission), false},
	}
	for _, tc := range cases {
		if got := retryable(tc.err); got != tc.want {
			t.Fatalf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestHandleStageReachesJobsOfAnyOwner(t *testing.T) {
	h := newHarness(t, fakeGenerator{result: pipeline.StageResult{Script: "scene one"}})
	owner := domain.WithOwner(context.Background(), "alice")
	job, err := h.client.Create(owner, domain.InputScenario{VideoTitle: "T", ScenarioDetails: "D", Characters: "C"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := h.server.handleStage(context.Background(), stageTask(t, job.ID, domain.StageScript)); err != nil {
		t.Fatalf("handle stage: %v", err)
	}

	got, err := h.client.Get(owner, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.StatusScriptReadyForReview {
		t.Fatalf("expected %s, got %s", domain.StatusScriptReadyForReview, got.Status)
	}
	if got.CurrentOutputs.Script != "scene one" {
		t.Fatalf("unexpected script %q", got.CurrentOutputs.Script)
	}
}
