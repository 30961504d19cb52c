package ai

import (
	"context"
	"time"
)

// AnalysisRequest asks the LLM to extract structured answers from a call
// transcript. Prompt describes what to extract; Fields names the keys the
// caller expects back.
type AnalysisRequest struct {
	CallID     string
	Transcript string
	Prompt     string
	Fields     []string
}

// Analysis is the structured result. Outputs holds one value per
// requested field; missing fields mean the model could not answer.
type Analysis struct {
	CallID       string
	Outputs      map[string]any
	ModelVersion string
	CreatedAt    time.Time
}

// Adapter is the LLM boundary. Everything above it is transport-agnostic.
type Adapter interface {
	Analyze(ctx context.Context, req AnalysisRequest) (Analysis, int64, error)
}
