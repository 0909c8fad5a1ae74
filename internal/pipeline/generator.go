package pipeline

import (
	"context"
	"fmt"

	"github.com/dunamismax/storyforge/internal/domain"
)

// Caller posts a signed request and decodes the JSON answer.
type Caller interface {
	Call(ctx context.Context, endpoint, event string, payload, out any) error
}

// HTTPGenerator delegates each stage to an external generation service.
type HTTPGenerator struct {
	caller    Caller
	endpoints map[domain.Stage]string
}

func NewHTTPGenerator(caller Caller, endpoints map[domain.Stage]string) *HTTPGenerator {
	copied := make(map[domain.Stage]string, len(endpoints))
	for stage, endpoint := range endpoints {
		copied[stage] = endpoint
	}
	return &HTTPGenerator{caller: caller, endpoints: copied}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req StageRequest) (StageResult, error) {
	endpoint, ok := g.endpoints[req.Stage]
	if !ok || endpoint == "" {
		return StageResult{}, fmt.Errorf("%w: no generator for stage %s", domain.ErrNotConfigured, req.Stage)
	}

	var out StageResult
	if err := g.caller.Call(ctx, endpoint, "stage."+string(req.Stage), req, &out); err != nil {
		return StageResult{}, err
	}
	return out, nil
}

// Stages lists the stages that have a generator configured.
func (g *HTTPGenerator) Stages() []domain.Stage {
	var out []domain.Stage
	for _, stage := range domain.Stages() {
		if g.endpoints[stage] != "" {
			out = append(out, stage)
		}
	}
	return out
}
