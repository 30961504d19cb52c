package workflow

import (
	"context"
	"fmt"
	"strings"

	"voiceagent-platform/internal/ai"
	"voiceagent-platform/internal/crm"
	"voiceagent-platform/internal/dialer"
	"voiceagent-platform/internal/email"
)

// DialSubmitter is the outbound-call node's seam into the dialer, kept
// narrow so tests can fake it.
type DialSubmitter interface {
	Submit(ctx context.Context, req dialer.SubmitRequest) (dialer.SubmitResult, error)
}

// Handlers bundles the external clients node handlers need.
type Handlers struct {
	Adapter ai.Adapter
	Sender  email.Sender
	Hubspot crm.Client
	Zoho    crm.Client
	Dialer  DialSubmitter
}

// Registry builds the closed node-type → handler table the executor
// dispatches on.
func (h Handlers) Registry() map[NodeType]NodeHandler {
	return map[NodeType]NodeHandler{
		NodeTrigger:      triggerHandler{},
		NodeCondition:    conditionHandler{},
		NodeAIAnalysis:   aiAnalysisHandler{adapter: h.Adapter},
		NodeEmail:        emailHandler{sender: h.Sender},
		NodeHubspot:      crmHandler{client: h.Hubspot},
		NodeZoho:         crmHandler{client: h.Zoho},
		NodeOutboundCall: outboundCallHandler{dialer: h.Dialer},
	}
}

// triggerHandler starts the walk; its output exposes the firing event to
// downstream placeholders.
type triggerHandler struct{}

func (triggerHandler) Execute(ctx context.Context, node Node, ec *ExecContext) (string, map[string]any, error) {
	return "", map[string]any{
		"event_type": ec.EventType,
		"call_id":    ec.Call.ID,
	}, nil
}

type conditionHandler struct{}

func (conditionHandler) Execute(ctx context.Context, node Node, ec *ExecContext) (string, map[string]any, error) {
	groups, err := parseConditions(node.Data)
	if err != nil {
		return "", nil, err
	}
	result := evalGroups(groups, ec)
	handle := "false"
	if result {
		handle = "true"
	}
	return handle, map[string]any{"result": result}, nil
}

type aiAnalysisHandler struct {
	adapter ai.Adapter
}

func (h aiAnalysisHandler) Execute(ctx context.Context, node Node, ec *ExecContext) (string, map[string]any, error) {
	if h.adapter == nil {
		return "", nil, fmt.Errorf("no AI adapter configured")
	}

	input := node.str("input")
	if input == "" {
		input = "{{call.transcript}}"
	}
	fields := node.strSlice("fields")
	if fields == nil {
		fields = node.strSlice("outputs")
	}

	analysis, latencyMS, err := h.adapter.Analyze(ctx, ai.AnalysisRequest{
		CallID:     ec.Call.ID,
		Transcript: ec.Resolve(input),
		Prompt:     ec.Resolve(node.str("prompt")),
		Fields:     fields,
	})
	if err != nil {
		return "", nil, err
	}

	out := make(map[string]any, len(analysis.Outputs)+4)
	for k, v := range analysis.Outputs {
		out[k] = v
	}
	// The stamp lets downstream tool nodes detect and consume the
	// analysis without knowing this node's id.
	out["ai_analysis_complete"] = true
	out["tool"] = string(node.Type)
	out["input_used"] = input
	out["latency_ms"] = latencyMS
	if analysis.ModelVersion != "" {
		out["model_version"] = analysis.ModelVersion
	}
	return "", out, nil
}

type emailHandler struct {
	sender email.Sender
}

func (h emailHandler) Execute(ctx context.Context, node Node, ec *ExecContext) (string, map[string]any, error) {
	if h.sender == nil {
		return "", nil, fmt.Errorf("no email sender configured")
	}

	analysis, hasAnalysis := ec.Analysis()
	if hasAnalysis {
		if want, present := analysis["email_want"]; present && !truthy(want) {
			return "", map[string]any{"skipped": true, "reason": "analysis says no email wanted"}, nil
		}
	}

	// Prefer the address the analysis extracted from the conversation,
	// but only if it survives strict validation; otherwise fall back to
	// the node's static recipient.
	to := ""
	if hasAnalysis {
		if addr, ok := analysis["email"].(string); ok && email.ValidAddress(addr) {
			to = strings.TrimSpace(addr)
		}
	}
	if to == "" {
		to = strings.TrimSpace(ec.Resolve(node.str("to")))
	}
	if !email.ValidAddress(to) {
		return "", nil, fmt.Errorf("no valid recipient address")
	}

	msg := email.Message{
		To:      to,
		Subject: ec.Resolve(node.str("subject")),
		Body:    ec.Resolve(node.str("body")),
		ReplyTo: ec.Resolve(node.str("reply_to")),
	}
	if err := h.sender.Send(ctx, msg); err != nil {
		return "", nil, err
	}
	return "", map[string]any{"sent": true, "to": to}, nil
}

// crmHandler serves both hubspot and zoho nodes; the client carries the
// provider difference.
type crmHandler struct {
	client crm.Client
}

func (h crmHandler) Execute(ctx context.Context, node Node, ec *ExecContext) (string, map[string]any, error) {
	if h.client == nil {
		return "", nil, fmt.Errorf("no %s client configured", node.Type)
	}

	contact := crm.Contact{
		Email:     strings.TrimSpace(ec.Resolve(node.str("email"))),
		FirstName: ec.Resolve(node.str("first_name")),
		LastName:  ec.Resolve(node.str("last_name")),
		Phone:     strings.TrimSpace(ec.Resolve(node.str("phone"))),
		Company:   ec.Resolve(node.str("company")),
		Notes:     ec.Resolve(node.str("notes")),
	}
	if analysis, ok := ec.Analysis(); ok {
		if addr, ok := analysis["email"].(string); ok && email.ValidAddress(addr) {
			contact.Email = strings.TrimSpace(addr)
		}
	}
	if contact.Phone == "" {
		contact.Phone = ec.Call.ToNumber
	}

	if err := h.client.UpsertContact(ctx, contact); err != nil {
		return "", nil, err
	}
	return "", map[string]any{"provider": h.client.Name(), "email": contact.Email}, nil
}

// outboundCallHandler closes the loop: a workflow can schedule a new
// outbound call (e.g. a follow-up to the same number with another agent).
type outboundCallHandler struct {
	dialer DialSubmitter
}

func (h outboundCallHandler) Execute(ctx context.Context, node Node, ec *ExecContext) (string, map[string]any, error) {
	if h.dialer == nil {
		return "", nil, fmt.Errorf("no dialer configured")
	}

	to := strings.TrimSpace(ec.Resolve(node.str("to")))
	if to == "" {
		to = ec.Call.ToNumber
	}
	agentID := node.str("agent_id")
	if agentID == "" {
		agentID = ec.Call.AgentID
	}

	res, err := h.dialer.Submit(ctx, dialer.SubmitRequest{
		OrgID:    ec.OrgID,
		AgentID:  agentID,
		ToNumber: to,
	})
	if err != nil {
		return "", nil, err
	}
	return "", map[string]any{"call_id": res.CallID, "job_id": res.JobID}, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "yes" || s == "1"
	case float64:
		return t != 0
	default:
		return false
	}
}
