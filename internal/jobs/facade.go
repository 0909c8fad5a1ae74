package jobs

import (
	"context"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/realtime"
	"github.com/dunamismax/storyforge/internal/storage"
	"github.com/sirupsen/logrus"
)

func (c *Client) logFailure(op, jobID string, err error) {
	entry := c.logger.WithFields(logrus.Fields{
		"op":         op,
		"error_kind": domain.Kind(err),
	})
	if jobID != "" {
		entry = entry.WithField("job_id", jobID)
	}
	switch domain.Kind(err) {
	case "not_found", "invalid_input", "conflict", "canceled":
		entry.WithError(err).Warn("job operation failed")
	default:
		entry.WithError(err).Error("job operation failed")
	}
}

// CreateJob creates a job for scenario. The bool is false when the insert
// failed for any reason.
func (c *Client) CreateJob(ctx context.Context, scenario domain.InputScenario) (domain.Job, bool) {
	job, err := c.Create(ctx, scenario)
	if err != nil {
		c.logFailure("create_job", "", err)
		return domain.Job{}, false
	}
	return job, true
}

func (c *Client) GetJob(ctx context.Context, jobID string) (domain.Job, bool) {
	job, err := c.Get(ctx, jobID)
	if err != nil {
		c.logFailure("get_job", jobID, err)
		return domain.Job{}, false
	}
	return job, true
}

func (c *Client) UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) (domain.Job, bool) {
	job, err := c.Update(ctx, jobID, update)
	if err != nil {
		c.logFailure("update_job", jobID, err)
		return domain.Job{}, false
	}
	return job, true
}

func (c *Client) UpdateStatus(ctx context.Context, jobID string, status domain.Status) bool {
	if _, err := c.SetStatus(ctx, jobID, status); err != nil {
		c.logFailure("update_status", jobID, err)
		return false
	}
	return true
}

// UpdateOutputs replaces the job's outputs. It does not merge with the
// outputs already stored.
func (c *Client) UpdateOutputs(ctx context.Context, jobID string, outputs domain.Outputs) bool {
	if _, err := c.SetOutputs(ctx, jobID, outputs); err != nil {
		c.logFailure("update_outputs", jobID, err)
		return false
	}
	return true
}

// GetUserJobs lists the caller's jobs newest first. A failed listing is
// reported as an empty slice.
func (c *Client) GetUserJobs(ctx context.Context) []domain.Job {
	jobs, err := c.List(ctx)
	if err != nil {
		c.logFailure("get_user_jobs", "", err)
		return []domain.Job{}
	}
	return jobs
}

// SubscribeToJob calls onUpdate with the full job state for every change
// to jobID, one call at a time and in write order, until the returned
// subscription is closed. No call starts after Close returns; a call
// already running is not interrupted. It returns nil when change streaming
// is unavailable.
func (c *Client) SubscribeToJob(jobID string, onUpdate func(domain.Job)) *realtime.Subscription {
	sub, err := c.Subscribe(jobID)
	if err != nil {
		c.logFailure("subscribe_to_job", jobID, err)
		return nil
	}
	go func() {
		for job := range sub.Updates() {
			select {
			case <-sub.Done():
				return
			default:
			}
			onUpdate(job)
		}
	}()
	return sub
}

// UploadFile stores data and returns its public URL, or false on failure.
func (c *Client) UploadFile(ctx context.Context, bucket storage.Bucket, key string, data []byte) (string, bool) {
	publicURL, err := c.Upload(ctx, bucket, key, data)
	if err != nil {
		c.logFailure("upload_file", "", err)
		return "", false
	}
	return publicURL, true
}

func (c *Client) GetPublicURL(bucket storage.Bucket, key string) string {
	publicURL, err := c.PublicURL(bucket, key)
	if err != nil {
		c.logFailure("get_public_url", "", err)
		return ""
	}
	return publicURL
}
