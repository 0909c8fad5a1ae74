package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeRunStage = "video:stage"

// StagePayload asks a worker to run one generation stage for a job.
type StagePayload struct {
	JobID       string       `json:"job_id"`
	Stage       domain.Stage `json:"stage"`
	RequestedAt time.Time    `json:"requested_at"`
}

func NewStageTask(payload StagePayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		return nil, fmt.Errorf("%w: stage task needs a job id", domain.ErrInvalidInput)
	}
	if _, err := domain.ParseStage(string(payload.Stage)); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal stage payload: %w", err)
	}
	return asynq.NewTask(TypeRunStage, body), nil
}

func ParseStagePayload(task *asynq.Task) (StagePayload, error) {
	var payload StagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return StagePayload{}, fmt.Errorf("unmarshal stage payload: %w", err)
	}
	if payload.JobID == "" {
		return StagePayload{}, fmt.Errorf("stage payload has no job id")
	}
	stage, err := domain.ParseStage(string(payload.Stage))
	if err != nil {
		return StagePayload{}, err
	}
	payload.Stage = stage
	return payload, nil
}

// TaskID identifies one request for a stage. version is the job's
// updated_at when the stage was requested, so enqueueing the same job state
// twice yields one task while a later retry of the stage gets a new one.
func TaskID(jobID string, stage domain.Stage, version time.Time) string {
	return jobID + ":" + string(stage) + ":" + strconv.FormatInt(version.UnixMicro(), 10)
}
