package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Provider defines the provider-agnostic dial interface used by the call
// worker.
//
// Rules:
// - No provider HTTP calls outside telephony adapters.
// - All requests must be org-scoped (org_id required).
// - Keep request/response types provider-agnostic; raw provider payloads
//   ride in DialResult.Raw for the audit log.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// Dial places the outbound call. The returned DialResult carries the
	// provider-side identifiers the webhook pipeline later resolves by.
	Dial(ctx context.Context, req DialRequest) (DialResult, error)
}

var (
	ErrDialRejected = errors.New("telephony: dial rejected by provider")
	// ErrNoCallID means the provider responded 200 but without a call id.
	// Per the backend contract that is a failed originate, whatever else
	// the body says.
	ErrNoCallID = errors.New("telephony: provider response missing call id")
)

// DialRequest is the provider-agnostic originate request.
//
// Credentials are decrypted provider secrets. They live only in this
// request for the duration of the dial; nothing below persists or logs
// them.
type DialRequest struct {
	CallID  string `json:"call_id"`
	OrgID   string `json:"org_id"`
	AgentID string `json:"agent_id"`

	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`

	// AgentConfig is the voice-agent configuration blob forwarded to the
	// AI backend untouched.
	AgentConfig json.RawMessage `json:"agent_config,omitempty"`

	// ConversationID is set for SIP origination only: the AI backend's
	// session id, used as the signaling room identifier.
	ConversationID string `json:"conversation_id,omitempty"`

	Credentials Credentials `json:"credentials"`

	// StatusCallbackURL is where the carrier posts call status updates.
	// It embeds a signed token scoping it to this call.
	StatusCallbackURL string `json:"status_callback_url,omitempty"`

	// Variables are template values injected into the agent's prompts.
	Variables map[string]string `json:"variables,omitempty"`
}

// Credentials holds decrypted provider secrets for one dial.
type Credentials struct {
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`

	// SIP trunk fields.
	TrunkURI      string `json:"trunk_uri,omitempty"`
	TrunkUsername string `json:"trunk_username,omitempty"`
	TrunkPassword string `json:"trunk_password,omitempty"`
}

// DialResult reports a successful originate.
type DialResult struct {
	// ConversationID is the AI backend's id for the call session. It is
	// the success signal: an originate without one failed.
	ConversationID string `json:"conversation_id"`

	// CarrierCallID is the carrier-side id (e.g. the call SID) when the
	// provider returns one at originate time; often it only arrives on
	// the first status callback.
	CarrierCallID string `json:"carrier_call_id,omitempty"`

	StartedAt time.Time `json:"started_at"`

	// Raw is the provider response body for the audit log.
	Raw json.RawMessage `json:"raw,omitempty"`
}
