package workflow

import (
	"encoding/json"
	"time"
)

// NodeType enumerates the closed set of node variants the executor knows
// how to run. Definitions with an unknown type fail their execution at
// that node, never silently skip it.
type NodeType string

const (
	NodeTrigger      NodeType = "trigger"
	NodeCondition    NodeType = "condition"
	NodeAIAnalysis   NodeType = "ai-analysis"
	NodeEmail        NodeType = "email"
	NodeHubspot      NodeType = "hubspot"
	NodeZoho         NodeType = "zoho"
	NodeOutboundCall NodeType = "outbound-call"
)

// Node is one vertex of a workflow graph. Data holds the node's authored
// configuration (prompt, conditions, recipient, field mappings) as the
// editor saved it; handlers pull what they need out of it.
type Node struct {
	ID    string         `json:"id"`
	Type  NodeType       `json:"type"`
	Alias string         `json:"alias,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Edge connects two nodes. SourceHandle labels which exit of the source
// node this edge serves ("true"/"false" on a condition); empty means the
// default exit.
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Definition is one authored workflow graph. It is read-only to the
// engine: authoring happens elsewhere.
type Definition struct {
	ID        string    `json:"workflow_id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerNode returns the trigger node whose triggerType equals
// eventType, if the definition has one.
func (d Definition) TriggerNode(eventType string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.Type == NodeTrigger && n.str("triggerType") == eventType {
			return n, true
		}
	}
	return Node{}, false
}

// NodeByID looks a node up by its stable id.
func (d Definition) NodeByID(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// str reads a string config value, tolerating absent or non-string data.
func (n Node) str(key string) string {
	v, ok := n.Data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// strSlice reads a list-of-strings config value from JSON-decoded data.
func (n Node) strSlice(key string) []string {
	v, ok := n.Data[key]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is one firing of one workflow for one call. Outputs
// accumulates per-node results keyed by node id (and alias); later nodes
// resolve placeholders against this map, so only already-executed nodes
// are visible to them.
type Execution struct {
	ID          string                    `json:"execution_id"`
	WorkflowID  string                    `json:"workflow_id"`
	CallID      string                    `json:"call_id"`
	OrgID       string                    `json:"org_id"`
	EventType   string                    `json:"event_type"`
	CurrentNode string                    `json:"current_node"`
	Outputs     map[string]map[string]any `json:"outputs"`
	Status      ExecutionStatus           `json:"status"`
	Error       string                    `json:"error,omitempty"`
	StartedAt   time.Time                 `json:"started_at"`
	FinishedAt  *time.Time                `json:"finished_at,omitempty"`
}

// Session groups every webhook payload received for one call so node
// handlers can look back at any prior event. It is created lazily by the
// matcher, recovering org and agent identity from the Call Record.
type Session struct {
	CallID     string            `json:"call_id"`
	ExternalID string            `json:"external_id,omitempty"`
	OrgID      string            `json:"org_id"`
	AgentID    string            `json:"agent_id"`
	Payloads   []json.RawMessage `json:"payloads,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
