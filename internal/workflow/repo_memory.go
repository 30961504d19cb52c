package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryDefinitions is a seedable in-memory DefinitionSource for tests
// and single-node deployments without a workflow database.
type MemoryDefinitions struct {
	mu      sync.Mutex
	byAgent map[string][]Definition
}

var _ DefinitionSource = (*MemoryDefinitions)(nil)

func NewMemoryDefinitions() *MemoryDefinitions {
	return &MemoryDefinitions{byAgent: make(map[string][]Definition)}
}

// Assign attaches defs to an agent.
func (m *MemoryDefinitions) Assign(orgID, agentID string, defs ...Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := orgID + "/" + agentID
	m.byAgent[key] = append(m.byAgent[key], defs...)
}

func (m *MemoryDefinitions) ListAgentWorkflows(ctx context.Context, orgID, agentID string) ([]Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defs := m.byAgent[orgID+"/"+agentID]
	out := make([]Definition, len(defs))
	copy(out, defs)
	return out, nil
}

// MemoryExecutions records firings for tests.
type MemoryExecutions struct {
	mu    sync.Mutex
	execs map[string]Execution
	order []string
}

var _ ExecutionStore = (*MemoryExecutions)(nil)

func NewMemoryExecutions() *MemoryExecutions {
	return &MemoryExecutions{execs: make(map[string]Execution)}
}

func (m *MemoryExecutions) CreateExecution(ctx context.Context, ex Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.execs[ex.ID]; !exists {
		m.order = append(m.order, ex.ID)
	}
	m.execs[ex.ID] = cloneExecution(ex)
	return nil
}

func (m *MemoryExecutions) UpdateExecution(ctx context.Context, ex Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.execs[ex.ID]; !exists {
		return ErrNotFound
	}
	m.execs[ex.ID] = cloneExecution(ex)
	return nil
}

// List returns executions in creation order (test helper).
func (m *MemoryExecutions) List() []Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Execution, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneExecution(m.execs[id]))
	}
	return out
}

func cloneExecution(ex Execution) Execution {
	cp := ex
	if ex.FinishedAt != nil {
		t := *ex.FinishedAt
		cp.FinishedAt = &t
	}
	cp.Outputs = make(map[string]map[string]any, len(ex.Outputs))
	for node, out := range ex.Outputs {
		inner := make(map[string]any, len(out))
		for k, v := range out {
			inner[k] = v
		}
		cp.Outputs[node] = inner
	}
	return cp
}

// MemorySessions is the in-memory SessionStore.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clock    func() time.Time
}

var _ SessionStore = (*MemorySessions)(nil)

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{
		sessions: make(map[string]*Session),
		clock:    time.Now,
	}
}

func (m *MemorySessions) GetOrCreateSession(ctx context.Context, seed Session) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[seed.CallID]; ok {
		return cloneSession(*sess), false, nil
	}
	now := m.clock().UTC()
	seed.CreatedAt = now
	seed.UpdatedAt = now
	cp := cloneSession(seed)
	m.sessions[seed.CallID] = &cp
	return cloneSession(cp), true, nil
}

func (m *MemorySessions) AppendPayload(ctx context.Context, callID string, payload json.RawMessage) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[callID]
	if !ok {
		return Session{}, ErrNotFound
	}
	sess.Payloads = append(sess.Payloads, append(json.RawMessage(nil), payload...))
	sess.UpdatedAt = m.clock().UTC()
	return cloneSession(*sess), nil
}

func cloneSession(sess Session) Session {
	cp := sess
	cp.Payloads = make([]json.RawMessage, len(sess.Payloads))
	for i, p := range sess.Payloads {
		cp.Payloads[i] = append(json.RawMessage(nil), p...)
	}
	return cp
}
