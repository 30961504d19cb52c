package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CarrierProvider originates carrier-direct calls through the AI voice
// backend, which drives the carrier API itself and streams the agent's
// audio into the call.
type CarrierProvider struct {
	baseURL string
	client  *http.Client
	clock   func() time.Time
}

var _ Provider = (*CarrierProvider)(nil)

func NewCarrierProvider(baseURL string, client *http.Client) *CarrierProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CarrierProvider{baseURL: baseURL, client: client, clock: time.Now}
}

func (p *CarrierProvider) Name() string { return "carrier-direct" }

func (p *CarrierProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("telephony: backend unhealthy: %s", resp.Status)
	}
	return nil
}

// backendDialRequest is the AI backend's originate body. Field names
// follow its API, not ours.
type backendDialRequest struct {
	CallID            string            `json:"call_id"`
	OrgID             string            `json:"org_id"`
	AgentID           string            `json:"agent_id"`
	FromNumber        string            `json:"from_number"`
	ToNumber          string            `json:"to_number"`
	AgentConfig       json.RawMessage   `json:"agent_config,omitempty"`
	AccountSID        string            `json:"account_sid"`
	AuthToken         string            `json:"auth_token"`
	StatusCallbackURL string            `json:"status_callback_url,omitempty"`
	Variables         map[string]string `json:"variables,omitempty"`
}

// backendDialResponse covers both id spellings the backend has used.
type backendDialResponse struct {
	CallID  string `json:"call_id"`
	CallID2 string `json:"callId"`
	CallSID string `json:"call_sid"`
	Detail  string `json:"detail"`
}

func (r backendDialResponse) conversationID() string {
	if r.CallID != "" {
		return r.CallID
	}
	return r.CallID2
}

func (p *CarrierProvider) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	body := backendDialRequest{
		CallID:            req.CallID,
		OrgID:             req.OrgID,
		AgentID:           req.AgentID,
		FromNumber:        req.FromNumber,
		ToNumber:          req.ToNumber,
		AgentConfig:       req.AgentConfig,
		AccountSID:        req.Credentials.AccountSID,
		AuthToken:         req.Credentials.AuthToken,
		StatusCallbackURL: req.StatusCallbackURL,
		Variables:         req.Variables,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return DialResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/make_call", bytes.NewReader(raw))
	if err != nil {
		return DialResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return DialResult{}, fmt.Errorf("telephony: backend dial: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return DialResult{}, err
	}
	return parseDialResponse(resp.StatusCode, respBody, p.clock().UTC())
}

// parseDialResponse applies the backend contract: the presence of a call
// id is the only success signal. A 200 with no id is a failure, and the
// body is preserved for diagnostics.
func parseDialResponse(statusCode int, body []byte, now time.Time) (DialResult, error) {
	var parsed backendDialResponse
	_ = json.Unmarshal(body, &parsed)

	if statusCode < 200 || statusCode >= 300 {
		if parsed.Detail != "" {
			return DialResult{}, fmt.Errorf("%w: %s", ErrDialRejected, parsed.Detail)
		}
		return DialResult{}, fmt.Errorf("%w: status %d", ErrDialRejected, statusCode)
	}

	convID := parsed.conversationID()
	if convID == "" {
		return DialResult{}, ErrNoCallID
	}
	return DialResult{
		ConversationID: convID,
		CarrierCallID:  parsed.CallSID,
		StartedAt:      now,
		Raw:            json.RawMessage(body),
	}, nil
}
