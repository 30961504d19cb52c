package calls

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("calls: not found")
	// ErrDuplicateDial is returned by the guard when a non-terminal call
	// for the same (org, agent, destination) exists inside the window.
	ErrDuplicateDial = errors.New("calls: duplicate dial in guard window")
	// ErrAlreadySet guards set-once external id fields.
	ErrAlreadySet = errors.New("calls: field already set")
)

// Store is the Call Record store. Implementations must make ApplyEvent and
// ApplyEventByID atomic per record: the log append and the derived-state
// change land together or not at all, and two concurrent folds for the
// same call serialize. That atomicity is the only mutual exclusion in the
// pipeline; there is no global lock.
type Store interface {
	Create(ctx context.Context, rec CallRecord) error
	Get(ctx context.Context, id string) (CallRecord, error)

	// GetByExternalID resolves via carrier call id or AI-backend
	// conversation id; different event sources carry different ids for
	// the same call.
	GetByExternalID(ctx context.Context, externalID string) (CallRecord, error)

	// SetCarrierCallID and SetConversationID are set-once: a second call
	// with a different value returns ErrAlreadySet, a repeat of the same
	// value is a no-op.
	SetCarrierCallID(ctx context.Context, id, carrierCallID string) error
	SetConversationID(ctx context.Context, id, conversationID string) error

	// ApplyEvent atomically folds ev into the record resolved by
	// external id. ErrNotFound when no record matches.
	ApplyEvent(ctx context.Context, externalID string, ev WebhookEvent) (FoldResult, error)
	// ApplyEventByID is the same fold keyed by internal id (watchdog path).
	ApplyEventByID(ctx context.Context, id string, ev WebhookEvent) (FoldResult, error)

	// MarkFailed records a worker-side failure with its diagnostic payload.
	MarkFailed(ctx context.Context, id, reason string, payload json.RawMessage) error

	// FindRecentNonTerminal backs the duplicate-dial guard.
	FindRecentNonTerminal(ctx context.Context, orgID, agentID, toNumber string, window time.Duration) (CallRecord, bool, error)

	CreateCallback(ctx context.Context, cb Callback) error

	// ListCalls feeds reporting; org-scoped, time-bounded.
	ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]CallRecord, error)
}
