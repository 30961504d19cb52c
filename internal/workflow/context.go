package workflow

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"voiceagent-platform/internal/calls"

	"github.com/oliveagle/jsonpath"
)

// ExecContext is the state one firing threads through its node handlers:
// the call, its session, and the accumulating output map. Handlers read
// earlier nodes' outputs through Lookup/Resolve and never see nodes that
// have not run yet.
type ExecContext struct {
	Call      calls.CallRecord
	Session   Session
	OrgID     string
	EventType string

	// Outputs is keyed by node id and, when set, node alias. The "call"
	// key is seeded before the trigger runs so conditions and templates
	// can reference call fields without a producing node.
	Outputs map[string]map[string]any
}

func newExecContext(rec calls.CallRecord, sess Session, eventType string) *ExecContext {
	ec := &ExecContext{
		Call:      rec,
		Session:   sess,
		OrgID:     rec.OrgID,
		EventType: eventType,
		Outputs:   make(map[string]map[string]any),
	}
	ec.Outputs["call"] = map[string]any{
		"call_id":     rec.ID,
		"agent_id":    rec.AgentID,
		"to_number":   rec.ToNumber,
		"from_number": rec.FromNumber,
		"status":      string(rec.Status),
		"duration":    rec.DurationSeconds,
		"transcript":  rec.Transcript,
		"tags":        rec.Tags,
	}
	return ec
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolve substitutes every {{node.path}} placeholder in s. An
// unresolvable placeholder becomes the empty string; callers that need
// the distinction use Lookup directly.
func (ec *ExecContext) Resolve(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		v, ok := ec.Lookup(path)
		if !ok || v == nil {
			return ""
		}
		return stringify(v)
	})
}

// Lookup resolves "node.field.sub" against the output map: the first
// segment picks a node's output (by id or alias), the rest is a JSONPath
// into it.
func (ec *ExecContext) Lookup(path string) (any, bool) {
	head, rest, _ := strings.Cut(path, ".")
	data, ok := ec.Outputs[head]
	if !ok {
		return nil, false
	}
	if rest == "" {
		return data, true
	}
	v, err := jsonpath.JsonPathLookup(map[string]any(data), "$."+rest)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Analysis returns an upstream AI-analysis output, identified by the
// ai_analysis_complete stamp, so tool nodes can consult it without
// knowing the producing node's id.
func (ec *ExecContext) Analysis() (map[string]any, bool) {
	var found map[string]any
	for _, out := range ec.Outputs {
		if done, ok := out["ai_analysis_complete"].(bool); ok && done {
			found = out
		}
	}
	return found, found != nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
