package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/hibiken/asynq"
)

const (
	stageMaxRetry = 5
	stageTimeout  = 15 * time.Minute
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueStage schedules the pending stage of job. It reports false when a
// task for the same job state is already queued.
func (c *Client) EnqueueStage(ctx context.Context, job domain.Job) (bool, error) {
	stage, ok := domain.PendingStage(job.Status)
	if !ok {
		return false, fmt.Errorf("%w: job %s has no pending stage in status %s", domain.ErrInvalidTransition, job.ID, job.Status)
	}
	task, err := NewStageTask(StagePayload{
		JobID:       job.ID,
		Stage:       stage,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}

	_, err = c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(TaskID(job.ID, stage, job.UpdatedAt)),
		asynq.MaxRetry(stageMaxRetry),
		asynq.Timeout(stageTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
