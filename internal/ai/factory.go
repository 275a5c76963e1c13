package ai

import (
	"fmt"

	"github.com/kiranshivaraju/tryonhub/internal/ai/gemini"
	"github.com/kiranshivaraju/tryonhub/internal/ai/vertex"
	"github.com/kiranshivaraju/tryonhub/internal/config"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

// NewGenerator constructs the remote generator that serves a job kind.
// Called once per kind at worker startup.
func NewGenerator(kind models.JobKind, cfg config.AIConfig) (models.ImageGenerator, error) {
	switch kind {
	case models.JobKindTryon:
		return vertex.NewClient(cfg.Vertex), nil
	case models.JobKindPose:
		return gemini.NewClient(cfg.Gemini), nil
	default:
		return nil, fmt.Errorf("unknown job kind %q: must be one of tryon, pose", kind)
	}
}

// NewCallers builds a retrying Caller for every job kind.
func NewCallers(cfg config.AIConfig, opts ...Option) (map[models.JobKind]*Caller, error) {
	callers := make(map[models.JobKind]*Caller, 2)
	for _, kind := range []models.JobKind{models.JobKindTryon, models.JobKindPose} {
		gen, err := NewGenerator(kind, cfg)
		if err != nil {
			return nil, err
		}
		callers[kind] = NewCaller(gen, ConfigFrom(cfg), opts...)
	}
	return callers, nil
}
