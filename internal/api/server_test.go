package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/jobs"
	"github.com/dunamismax/storyforge/internal/ratelimit"
	"github.com/dunamismax/storyforge/internal/realtime"
	"github.com/dunamismax/storyforge/internal/storage"
	"github.com/dunamismax/storyforge/internal/store"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeQueue struct {
	mu     sync.Mutex
	stages []domain.Stage
}

func (q *fakeQueue) EnqueueStage(_ context.Context, job domain.Job) (bool, error) {
	stage, _ := domain.PendingStage(job.Status)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stages = append(q.stages, stage)
	return true, nil
}

func (q *fakeQueue) enqueued() []domain.Stage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Stage(nil), q.stages...)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}, nil
}

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memoryBlobs) Upload(_ context.Context, bucket storage.Bucket, key string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	path := string(bucket) + "/" + key
	if _, ok := b.objects[path]; ok {
		return "", domain.ErrConflict
	}
	b.objects[path] = data
	return key, nil
}

func (b *memoryBlobs) PublicURL(bucket storage.Bucket, key string) string {
	return "http://objects.test/" + string(bucket) + "/" + key
}

type harness struct {
	server *Server
	store  *store.MemoryJobStore
	queue  *fakeQueue
}

func newHarness(t *testing.T, opts Options, jobOpts ...jobs.Option) harness {
	t.Helper()
	logger, _ := test.NewNullLogger()

	jobStore := store.NewMemoryJobStore()
	hub := realtime.NewHub()
	jobStore.OnUpdate(func(job domain.Job) { hub.Publish(job) })
	t.Cleanup(hub.Close)

	client := jobs.New(jobStore, &memoryBlobs{objects: map[string][]byte{}}, hub, logger, jobOpts...)
	queue := &fakeQueue{}
	if opts.Queue == nil {
		opts.Queue = queue
	}
	return harness{
		server: NewServer(logger, client, opts),
		store:  jobStore,
		queue:  queue,
	}
}

func (h harness) do(t *testing.T, method, path, owner string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if owner != "" {
		req.Header.Set(defaultUserIDHeader, owner)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) domain.Job {
	t.Helper()
	var body struct {
		Data domain.Job `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode job: %v (body %s)", err, rec.Body.String())
	}
	return body.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error: %v (body %s)", err, rec.Body.String())
	}
	return body.Error.Code
}

const briefJSON = `{"videoTitle":"Lighthouse","scenarioDetails":"A storm at sea","characters":"Keeper"}`

func TestCreateJobSchedulesScriptStage(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/v1/jobs", "user-1", briefJSON)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	job := decodeJob(t, rec)
	if job.Status != domain.InitialStatus {
		t.Fatalf("expected %s, got %s", domain.InitialStatus, job.Status)
	}
	if job.OwnerID == nil || *job.OwnerID != "user-1" {
		t.Fatalf("expected owner user-1, got %v", job.OwnerID)
	}
	if got := h.queue.enqueued(); len(got) != 1 || got[0] != domain.StageScript {
		t.Fatalf("expected script stage enqueued, got %v", got)
	}
}

func TestCreateJobRejectsBadBodies(t *testing.T) {
	h := newHarness(t, Options{})

	cases := map[string]string{
		"unknown field": `{"videoTitle":"a","scenarioDetails":"b","characters":"c","extra":1}`,
		"missing title": `{"scenarioDetails":"b","characters":"c"}`,
		"trailing data": briefJSON + briefJSON,
		"not json":      `nope`,
	}
	for name, body := range cases {
		rec := h.do(t, http.MethodPost, "/v1/jobs", "", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
		if code := errorCode(t, rec); code != "INVALID_INPUT" {
			t.Fatalf("%s: expected INVALID_INPUT, got %s", name, code)
		}
	}
	if got := h.queue.enqueued(); len(got) != 0 {
		t.Fatalf("expected nothing enqueued, got %v", got)
	}
}

func TestGetUnknownJobIsNotFound(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodGet, "/v1/jobs/does-not-exist", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
}

func TestListJobsIsScopedToCaller(t *testing.T) {
	h := newHarness(t, Options{})
	h.do(t, http.MethodPost, "/v1/jobs", "alice", briefJSON)
	h.do(t, http.MethodPost, "/v1/jobs", "alice", briefJSON)
	h.do(t, http.MethodPost, "/v1/jobs", "bob", briefJSON)

	rec := h.do(t, http.MethodGet, "/v1/jobs", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data []domain.Job `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(body.Data) != 2 {
		t.Fatalf("expected 2 jobs for alice, got %d", len(body.Data))
	}
	for _, job := range body.Data {
		if job.OwnerID == nil || *job.OwnerID != "alice" {
			t.Fatalf("unexpected owner in listing: %v", job.OwnerID)
		}
	}
}

func TestJobsOfOtherUsersAreNotFound(t *testing.T) {
	h := newHarness(t, Options{})
	job := decodeJob(t, h.do(t, http.MethodPost, "/v1/jobs", "alice", briefJSON))

	for _, tc := range []struct {
		method, path, owner, body string
	}{
		{http.MethodGet, "/v1/jobs/" + job.ID, "bob", ""},
		{http.MethodGet, "/v1/jobs/" + job.ID, "", ""},
		{http.MethodPut, "/v1/jobs/" + job.ID + "/status", "bob", `{"status":"COMPLETED"}`},
		{http.MethodPut, "/v1/jobs/" + job.ID + "/outputs", "bob", `{"script":"stolen"}`},
		{http.MethodPost, "/v1/jobs/" + job.ID + "/approve", "bob", ""},
		{http.MethodGet, "/v1/jobs/" + job.ID + "/events", "bob", ""},
	} {
		rec := h.do(t, tc.method, tc.path, tc.owner, tc.body)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s as %q: expected 404, got %d", tc.method, tc.path, tc.owner, rec.Code)
		}
	}

	rec := h.do(t, http.MethodGet, "/v1/jobs/"+job.ID, "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner get: expected 200, got %d", rec.Code)
	}
	got := decodeJob(t, rec)
	if got.Status != domain.InitialStatus || got.CurrentOutputs.Script != "" {
		t.Fatalf("job changed by another user: %+v", got)
	}
}

func TestApproveAdvancesAndSchedulesNextStage(t *testing.T) {
	h := newHarness(t, Options{})
	job := decodeJob(t, h.do(t, http.MethodPost, "/v1/jobs", "", briefJSON))

	rec := h.do(t, http.MethodPut, "/v1/jobs/"+job.ID+"/status", "", `{"status":"SCRIPT_READY_FOR_REVIEW"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set status: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/approve", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeJob(t, rec).Status; got != domain.StatusPendingImageGen {
		t.Fatalf("expected %s, got %s", domain.StatusPendingImageGen, got)
	}

	got := h.queue.enqueued()
	if len(got) != 2 || got[1] != domain.StageImage {
		t.Fatalf("expected script then image enqueued, got %v", got)
	}

	rec = h.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/approve", "", "")
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "INVALID_TRANSITION" {
		t.Fatalf("expected 409 INVALID_TRANSITION, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestStrictTransitionsRejectSkippedStages(t *testing.T) {
	h := newHarness(t, Options{}, jobs.WithTransitionPolicy(domain.ValidateTransition))
	job := decodeJob(t, h.do(t, http.MethodPost, "/v1/jobs", "", briefJSON))

	rec := h.do(t, http.MethodPut, "/v1/jobs/"+job.ID+"/status", "", `{"status":"COMPLETED"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	stored, err := h.store.Get(context.Background(), job.ID, store.Scope{All: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.InitialStatus {
		t.Fatalf("expected status unchanged, got %s", stored.Status)
	}
}

func TestPatchAndOutputsReplaceFields(t *testing.T) {
	h := newHarness(t, Options{})
	job := decodeJob(t, h.do(t, http.MethodPost, "/v1/jobs", "", briefJSON))

	rec := h.do(t, http.MethodPut, "/v1/jobs/"+job.ID+"/outputs", "", `{"script":"FADE IN","images":["a.png"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("outputs: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, http.MethodPut, "/v1/jobs/"+job.ID+"/outputs", "", `{"script":"FADE OUT"}`)
	updated := decodeJob(t, rec)
	if updated.CurrentOutputs.Script != "FADE OUT" || len(updated.CurrentOutputs.Images) != 0 {
		t.Fatalf("expected outputs replaced wholesale, got %+v", updated.CurrentOutputs)
	}

	rec = h.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, "", `{"error_message":"render farm offline"}`)
	patched := decodeJob(t, rec)
	if patched.ErrorMessage == nil || *patched.ErrorMessage != "render farm offline" {
		t.Fatalf("expected error message set, got %v", patched.ErrorMessage)
	}
	if patched.Status != domain.InitialStatus {
		t.Fatalf("expected status untouched, got %s", patched.Status)
	}

	rec = h.do(t, http.MethodPatch, "/v1/jobs/"+job.ID, "", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty patch: expected 400, got %d", rec.Code)
	}
}

func TestRateLimitRejectsMutationsOnly(t *testing.T) {
	h := newHarness(t, Options{RateLimiter: denyLimiter{}})

	rec := h.do(t, http.MethodPost, "/v1/jobs", "user-1", briefJSON)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}

	rec = h.do(t, http.MethodGet, "/v1/jobs", "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected reads to pass, got %d", rec.Code)
	}
}

func TestUploadAsset(t *testing.T) {
	h := newHarness(t, Options{MaxUploadBytes: 8})

	rec := h.do(t, http.MethodPut, "/v1/assets/video-assets/job-1/frame.png", "", "pixels")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data uploadResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if body.Data.URL != "http://objects.test/video-assets/job-1/frame.png" {
		t.Fatalf("unexpected url %q", body.Data.URL)
	}

	rec = h.do(t, http.MethodPut, "/v1/assets/video-assets/job-1/frame.png", "", "pixels")
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPut, "/v1/assets/video-assets/job-1/big.png", "", "0123456789")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize: expected 413, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPut, "/v1/assets/secrets/x", "", "data")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown bucket: expected 400, got %d", rec.Code)
	}
}

func TestEventsStreamSnapshotThenUpdates(t *testing.T) {
	h := newHarness(t, Options{})
	job := decodeJob(t, h.do(t, http.MethodPost, "/v1/jobs", "", briefJSON))

	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	if first.ID != job.ID || first.Status != domain.InitialStatus {
		t.Fatalf("unexpected snapshot %+v", first)
	}

	status := domain.StatusScriptReadyForReview
	if _, err := h.store.Update(context.Background(), job.ID, store.Scope{All: true}, domain.JobUpdate{Status: &status}, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}
	second := readEvent(t, reader)
	if second.Status != status {
		t.Fatalf("expected %s, got %s", status, second.Status)
	}
}

func TestEventsForUnknownJob(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodGet, "/v1/jobs/missing/events", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func readEvent(t *testing.T, reader *bufio.Reader) domain.Job {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: ")
		if !ok {
			continue
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return job
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	h.do(t, http.MethodGet, "/v1/jobs/abc", "", "")
	rec = h.do(t, http.MethodGet, "/metrics", "", "")
	body, _ := io.ReadAll(rec.Body)
	if !bytes.Contains(body, []byte(`storyforge_api_requests_total{method="GET",route="/v1/jobs/{id}`)) {
		t.Fatalf("expected request counter with route pattern, got:\n%s", body)
	}
}
