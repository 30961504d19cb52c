package calls

import (
	"encoding/json"
	"time"
)

// CallRecord represents one dialed or received phone call and its
// accumulated event history.
//
// Identity invariant: exactly one record exists per carrier call id and
// per AI-backend conversation id. Mutations always locate the record via
// one of its ids; an event that matches no record is dropped, never used
// to fabricate a record.
//
// The event log is append-only and is the durable bridge from
// at-least-once webhook delivery to derived state: everything in Status,
// timing and content fields must be recomputable from it.
type CallRecord struct {
	ID string `json:"call_id" db:"call_id"`

	// CarrierCallID is assigned once the carrier accepts the dial.
	CarrierCallID string `json:"carrier_call_id,omitempty" db:"carrier_call_id"`
	// ConversationID is assigned once the AI backend accepts the session.
	ConversationID string `json:"conversation_id,omitempty" db:"conversation_id"`

	OrgID     string    `json:"org_id" db:"org_id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Direction Direction `json:"direction" db:"direction"`
	Provider  Provider  `json:"provider" db:"provider"`

	FromNumber string `json:"from_number" db:"from_number"`
	ToNumber   string `json:"to_number" db:"to_number"`

	Status CallStatus `json:"status" db:"status"`

	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	// DurationSeconds is derived from start/end or reported by the carrier.
	DurationSeconds int `json:"duration" db:"duration"`

	// Transcript is set once, by the terminal transcript event.
	Transcript string `json:"transcript,omitempty" db:"transcript"`
	// RecordingURL is first-writer-wins; a later event must not
	// overwrite a non-empty value with empty.
	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`
	// CostUSD is set at most once, from the authoritative cost-bearing event.
	CostUSD *float64 `json:"cost_usd,omitempty" db:"cost_usd"`

	// Tags are merged from multiple sources in arrival order.
	// Duplicates are kept; deduplication is the consumer's concern.
	Tags []string `json:"tags,omitempty" db:"tags"`

	ErrorReason  string          `json:"error_reason,omitempty" db:"error_reason"`
	ErrorPayload json.RawMessage `json:"error_payload,omitempty" db:"error_payload"`

	// Events is the append-only audit trail.
	Events []Event `json:"events,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Event is one entry of the append-only per-call log.
type Event struct {
	Type       string          `json:"type" db:"type"`
	Payload    json.RawMessage `json:"payload,omitempty" db:"payload"`
	ReceivedAt time.Time       `json:"received_at" db:"received_at"`
}

type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusInProgress CallStatus = "in_progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
	StatusVoicemail  CallStatus = "voicemail"
	StatusNoAnswer   CallStatus = "no_answer"
	StatusCancelled  CallStatus = "cancelled"
)

// Terminal reports whether s is a terminal status. Terminal states are
// sticky; the only permitted further transition is the explicit
// completed -> voicemail reclassification.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusVoicemail, StatusNoAnswer, StatusCancelled:
		return true
	default:
		return false
	}
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Provider string

const (
	ProviderCarrierDirect Provider = "carrier-direct"
	ProviderSIPTrunk      Provider = "sip-trunk"
)

// SIPPlaceholderPrefix marks a locally-generated conversation id recorded
// before the AI backend assigns the real one. Stores treat a placeholder
// as unset for set-once purposes.
const SIPPlaceholderPrefix = "pending-sip-"

// Webhook event types as delivered by the AI telephony backend, plus the
// synthetic type appended by the timeout watchdog.
const (
	EventPhoneCallConnected = "PHONE_CALL_CONNECTED"
	EventPhoneCallEnded     = "PHONE_CALL_ENDED"
	EventTranscriptComplete = "TRANSCRIPT_COMPLETE"
	EventVoicemailDetected  = "VOICEMAIL_DETECTED"
	EventCallSummary        = "CALL_SUMMARY"
	EventLiveTranscript     = "LIVE_TRANSCRIPT"
	EventCallTimeout        = "CALL_TIMEOUT"
)

// Callback is a scheduled follow-up created when a webhook event requests
// one. It snapshots the call record at creation time.
type Callback struct {
	ID        string          `json:"callback_id" db:"callback_id"`
	CallID    string          `json:"call_id" db:"call_id"`
	OrgID     string          `json:"org_id" db:"org_id"`
	AgentID   string          `json:"agent_id" db:"agent_id"`
	ToNumber  string          `json:"to_number" db:"to_number"`
	Snapshot  json.RawMessage `json:"snapshot" db:"snapshot"`
	DueAt     time.Time       `json:"due_at" db:"due_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
