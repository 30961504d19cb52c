package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/telephony"
)

const JobTypeDial = "dial"

var (
	// ErrConfig marks configuration failures (missing agent, phone,
	// credentials). They fail fast: the call is marked failed and the job
	// is NOT retried.
	ErrConfig = errors.New("dialer: configuration error")
	// ErrDuplicateDial re-exports the guard conflict for API callers.
	ErrDuplicateDial = calls.ErrDuplicateDial
	// ErrOrgBusy means the per-organization concurrency cap is exhausted.
	ErrOrgBusy = errors.New("dialer: org concurrency cap reached")
)

// Agent is the resolved voice-agent configuration a dial needs. The
// directory returns credentials already decrypted; they live in job
// payloads for the job's lifetime only and never appear in replies or
// logs.
type Agent struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"org_id"`
	FromNumber string          `json:"from_number"`
	Provider   calls.Provider  `json:"provider"`
	Config     json.RawMessage `json:"config,omitempty"`

	Credentials telephony.Credentials `json:"credentials"`
}

// AgentDirectory is the narrow lookup seam for agent configuration.
// Agent CRUD lives elsewhere; the dialer only reads.
type AgentDirectory interface {
	GetAgent(ctx context.Context, orgID, agentID string) (Agent, error)
}

// JobPayload is the dial job body. Credentials ride inside it for the
// job's lifetime; Result strips them.
type JobPayload struct {
	CallID   string            `json:"call_id"`
	OrgID    string            `json:"org_id"`
	AgentID  string            `json:"agent_id"`
	ToNumber string            `json:"to_number"`

	FromNumber string          `json:"from_number"`
	Provider   calls.Provider  `json:"provider"`
	Config     json.RawMessage `json:"config,omitempty"`

	Credentials telephony.Credentials `json:"credentials"`

	Variables map[string]string `json:"variables,omitempty"`
}

// Result is what an awaiting submitter gets back. No credentials.
type Result struct {
	CallID         string `json:"call_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// Claimer is the idempotent scheduling claim: the first caller for a key
// wins, later callers are told the claim exists. Backed by redis SET NX
// in production.
type Claimer interface {
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
}

// Limiter caps concurrent dials per organization. Release must be called
// once per successful acquire.
type Limiter interface {
	Acquire(ctx context.Context, orgID string) (release func(), ok bool, err error)
}
