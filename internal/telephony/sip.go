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

// SIPProvider originates calls over a customer's SIP trunk via the
// signaling service. Originates over a trunk can hang on unresponsive
// gateways, so every dial is bounded by originateTimeout regardless of
// the caller's context.
type SIPProvider struct {
	signalingURL     string
	originateTimeout time.Duration
	client           *http.Client
	clock            func() time.Time
}

var _ Provider = (*SIPProvider)(nil)

func NewSIPProvider(signalingURL string, originateTimeout time.Duration, client *http.Client) *SIPProvider {
	if originateTimeout <= 0 {
		originateTimeout = 90 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: originateTimeout + 5*time.Second}
	}
	return &SIPProvider{
		signalingURL:     signalingURL,
		originateTimeout: originateTimeout,
		client:           client,
		clock:            time.Now,
	}
}

func (p *SIPProvider) Name() string { return "sip-trunk" }

func (p *SIPProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.signalingURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("telephony: signaling unhealthy: %s", resp.Status)
	}
	return nil
}

type sipDialRequest struct {
	CallID        string            `json:"call_id"`
	RoomID        string            `json:"room_id"`
	OrgID         string            `json:"org_id"`
	AgentID       string            `json:"agent_id"`
	FromNumber    string            `json:"from_number"`
	ToNumber      string            `json:"to_number"`
	AgentConfig   json.RawMessage   `json:"agent_config,omitempty"`
	TrunkURI      string            `json:"trunk_uri"`
	TrunkUsername string            `json:"trunk_username"`
	TrunkPassword string            `json:"trunk_password"`
	Variables     map[string]string `json:"variables,omitempty"`
}

func (p *SIPProvider) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.originateTimeout)
	defer cancel()

	body := sipDialRequest{
		CallID:        req.CallID,
		RoomID:        req.ConversationID,
		OrgID:         req.OrgID,
		AgentID:       req.AgentID,
		FromNumber:    req.FromNumber,
		ToNumber:      req.ToNumber,
		AgentConfig:   req.AgentConfig,
		TrunkURI:      req.Credentials.TrunkURI,
		TrunkUsername: req.Credentials.TrunkUsername,
		TrunkPassword: req.Credentials.TrunkPassword,
		Variables:     req.Variables,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return DialResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(dialCtx, http.MethodPost, p.signalingURL+"/start_sip_call", bytes.NewReader(raw))
	if err != nil {
		return DialResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if dialCtx.Err() != nil {
			return DialResult{}, fmt.Errorf("telephony: sip originate timed out after %s: %w", p.originateTimeout, dialCtx.Err())
		}
		return DialResult{}, fmt.Errorf("telephony: sip originate: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return DialResult{}, err
	}
	return parseDialResponse(resp.StatusCode, respBody, p.clock().UTC())
}
