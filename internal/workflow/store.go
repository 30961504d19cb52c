package workflow

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotFound = errors.New("workflow: not found")

// DefinitionSource lists the workflows assigned to an agent. The engine
// only reads definitions; authoring lives outside this module.
type DefinitionSource interface {
	ListAgentWorkflows(ctx context.Context, orgID, agentID string) ([]Definition, error)
}

// ExecutionStore persists firings for audit and debugging. Writes after
// the initial create are progress updates; losing one loses detail, not
// correctness, so the executor treats update failures as log-only.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, ex Execution) error
	UpdateExecution(ctx context.Context, ex Execution) error
}

// SessionStore holds Call Sessions. GetOrCreateSession is the lazy
// creation point: seed carries the identity recovered from the Call
// Record, and created reports whether this call made the session.
type SessionStore interface {
	GetOrCreateSession(ctx context.Context, seed Session) (sess Session, created bool, err error)
	AppendPayload(ctx context.Context, callID string, payload json.RawMessage) (Session, error)
}
