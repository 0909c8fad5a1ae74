package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/storyforge/internal/domain"
)

// ErrStaleStage is returned when a job is no longer waiting on the stage a
// task asked for, for example after a duplicate delivery.
var ErrStaleStage = errors.New("job is not waiting on stage")

// StageRequest is what a generator receives for one stage run.
type StageRequest struct {
	JobID          string               `json:"job_id"`
	Stage          domain.Stage         `json:"stage"`
	InputScenario  domain.InputScenario `json:"input_scenario"`
	CurrentOutputs domain.Outputs       `json:"current_outputs"`
}

// Asset is a binary artifact produced by a generator. Data is base64 in
// JSON.
type Asset struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// StageResult is a generator's answer. Script stages return Script; every
// other stage returns Assets to host, URLs already hosted elsewhere, or both.
type StageResult struct {
	Script string   `json:"script,omitempty"`
	Assets []Asset  `json:"assets,omitempty"`
	URLs   []string `json:"urls,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, req StageRequest) (StageResult, error)
}

type JobReader interface {
	Get(ctx context.Context, jobID string) (domain.Job, error)
}

// Result is a finished stage run. Outputs is the job's outputs with the
// stage's results merged in.
type Result struct {
	Job      domain.Job
	Delta    domain.Outputs
	Outputs  domain.Outputs
	Uploaded int
	Bytes    int64
}

type Processor struct {
	jobs      JobReader
	generator Generator
	emitter   *AssetEmitter
	frames    *FrameFitter
}

type ProcessorOption func(*Processor)

// WithFrameFitter fits image stage assets to the frame before they are
// stored.
func WithFrameFitter(f *FrameFitter) ProcessorOption {
	return func(p *Processor) {
		p.frames = f
	}
}

func NewProcessor(jobs JobReader, generator Generator, emitter *AssetEmitter, opts ...ProcessorOption) (*Processor, error) {
	if jobs == nil {
		return nil, errors.New("job reader is required")
	}
	if generator == nil {
		return nil, errors.New("generator is required")
	}
	if emitter == nil {
		return nil, errors.New("asset emitter is required")
	}
	p := &Processor{
		jobs:      jobs,
		generator: generator,
		emitter:   emitter,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process runs stage for jobID: load the job, generate, host the assets
// and fold the results into the job's outputs. It does not write the job.
func (p *Processor) Process(ctx context.Context, jobID string, stage domain.Stage) (Result, error) {
	if strings.TrimSpace(jobID) == "" {
		return Result{}, fmt.Errorf("%w: job_id is required", domain.ErrInvalidInput)
	}

	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return Result{}, fmt.Errorf("load stage: %w", err)
	}
	if job.Status != stage.PendingStatus() {
		return Result{Job: job}, fmt.Errorf("%w: job %s is %s, stage %s needs %s",
			ErrStaleStage, jobID, job.Status, stage, stage.PendingStatus())
	}

	generated, err := p.generator.Generate(ctx, StageRequest{
		JobID:          job.ID,
		Stage:          stage,
		InputScenario:  job.InputScenario,
		CurrentOutputs: job.CurrentOutputs.Clone(),
	})
	if err != nil {
		return Result{Job: job}, fmt.Errorf("generate stage=%s: %w", stage, err)
	}

	select {
	case <-ctx.Done():
		return Result{Job: job}, ctx.Err()
	default:
	}

	urls := make([]string, 0, len(generated.Assets)+len(generated.URLs))
	var written int64
	names := assetNames{}
	for _, asset := range generated.Assets {
		if stage == domain.StageImage {
			if asset, err = p.frames.Fit(ctx, asset); err != nil {
				return Result{Job: job}, fmt.Errorf("%w: stage=%s: %w", domain.ErrInvalidInput, stage, err)
			}
		}
		asset.Name = names.claim(asset.Name)
		publicURL, err := p.emitter.Emit(ctx, job, stage, asset)
		if err != nil {
			return Result{Job: job}, fmt.Errorf("emit stage=%s asset=%s: %w", stage, asset.Name, err)
		}
		urls = append(urls, publicURL)
		written += int64(len(asset.Data))
	}
	for _, u := range generated.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}

	delta, err := stageDelta(stage, generated.Script, urls)
	if err != nil {
		return Result{Job: job}, err
	}

	return Result{
		Job:      job,
		Delta:    delta,
		Outputs:  job.CurrentOutputs.Merge(delta),
		Uploaded: len(generated.Assets),
		Bytes:    written,
	}, nil
}

// stageDelta places a stage's results in the output field it owns.
func stageDelta(stage domain.Stage, script string, urls []string) (domain.Outputs, error) {
	if stage == domain.StageScript {
		if strings.TrimSpace(script) == "" {
			return domain.Outputs{}, fmt.Errorf("%w: generator returned no script", domain.ErrInvalidInput)
		}
		return domain.Outputs{Script: script}, nil
	}
	if len(urls) == 0 {
		return domain.Outputs{}, fmt.Errorf("%w: generator returned no %s output", domain.ErrInvalidInput, stage)
	}

	switch stage {
	case domain.StageImage:
		return domain.Outputs{Images: urls}, nil
	case domain.StageVoice:
		return domain.Outputs{AudioURLs: urls}, nil
	case domain.StageAnimation:
		return domain.Outputs{BaseAnimationURLs: urls}, nil
	case domain.StageLipSync:
		return domain.Outputs{LipSyncURLs: urls}, nil
	case domain.StageRendering:
		return domain.Outputs{FinalVideoURL: urls[0]}, nil
	}
	return domain.Outputs{}, fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidInput, stage)
}
