package ai

import (
	"context"
	"regexp"
	"time"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// MockAdapter answers without an LLM: requested fields are filled from
// cheap transcript heuristics. Used in tests and local development.
type MockAdapter struct {
	ModelVersion string
	// Canned, when set, overrides the heuristics entirely.
	Canned map[string]any
}

func (m MockAdapter) Analyze(ctx context.Context, req AnalysisRequest) (Analysis, int64, error) {
	outputs := make(map[string]any, len(req.Fields))
	for _, field := range req.Fields {
		if m.Canned != nil {
			outputs[field] = m.Canned[field]
			continue
		}
		switch field {
		case "email":
			if match := emailPattern.FindString(req.Transcript); match != "" {
				outputs[field] = match
			} else {
				outputs[field] = nil
			}
		case "sentiment":
			outputs[field] = "neutral"
		default:
			outputs[field] = nil
		}
	}
	return Analysis{
		CallID:       req.CallID,
		Outputs:      outputs,
		ModelVersion: m.ModelVersion,
		CreatedAt:    time.Now().UTC(),
	}, 0, nil
}
