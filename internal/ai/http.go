package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPAdapter calls an OpenAI-compatible chat-completions endpoint.
type HTTPAdapter struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

const systemPrompt = "You analyze phone call transcripts. Answer only with a JSON object containing exactly the requested fields. Use null for anything the transcript does not establish."

func (h HTTPAdapter) Analyze(ctx context.Context, req AnalysisRequest) (Analysis, int64, error) {
	if h.Client == nil {
		h.Client = &http.Client{Timeout: 30 * time.Second}
	}

	payload := chatRequest{
		Model: h.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	b, _ := json.Marshal(payload)
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/v1/chat/completions", bytes.NewBuffer(b))
	if err != nil {
		return Analysis{}, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+h.APIKey)

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return Analysis{}, time.Since(start).Milliseconds(), err
	}
	defer resp.Body.Close()

	var r chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Analysis{}, time.Since(start).Milliseconds(), err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if r.Error != nil {
			return Analysis{}, time.Since(start).Milliseconds(), fmt.Errorf("ai: llm error: %s", r.Error.Message)
		}
		return Analysis{}, time.Since(start).Milliseconds(), errors.New("ai: llm service error")
	}
	if len(r.Choices) == 0 {
		return Analysis{}, time.Since(start).Milliseconds(), errors.New("ai: empty completion")
	}

	return Analysis{
		CallID:       req.CallID,
		Outputs:      parseOutputs(r.Choices[0].Message.Content),
		ModelVersion: r.Model,
		CreatedAt:    time.Now().UTC(),
	}, time.Since(start).Milliseconds(), nil
}

func buildUserPrompt(req AnalysisRequest) string {
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	if len(req.Fields) > 0 {
		sb.WriteString("\n\nRequested fields: ")
		sb.WriteString(strings.Join(req.Fields, ", "))
	}
	sb.WriteString("\n\nTranscript:\n")
	sb.WriteString(req.Transcript)
	return sb.String()
}

// parseOutputs tolerates models that wrap the JSON object in code fences
// or prose. A completion that holds no JSON at all degrades to a
// raw-text wrapper so a chatty model never fails the analysis node.
func parseOutputs(content string) map[string]any {
	trimmed := strings.TrimSpace(content)
	candidate := trimmed
	if i := strings.Index(candidate, "{"); i >= 0 {
		if j := strings.LastIndex(candidate, "}"); j > i {
			candidate = candidate[i : j+1]
		}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return map[string]any{"raw_text": trimmed}
	}
	return out
}
