package calls

import (
	"encoding/json"
	"time"
)

// WebhookEvent is the normalized form of one delivered event. Parsing is
// separated from folding so the fold stays a pure function of
// (current record, event) and can be re-run against the event log.
type WebhookEvent struct {
	Type       string
	ExternalID string
	ReceivedAt time.Time
	Raw        json.RawMessage

	DurationSeconds int
	IsVoicemail     bool
	NoAnswer        bool
	RecordingURL    string
	Transcript      string
	// CostUSD > 0 means the event carries an authoritative cost figure.
	CostUSD float64
	Tags    []string

	StartedAt *time.Time
	EndedAt   *time.Time

	CallbackRequested bool
	CallbackAt        *time.Time

	// ErrorReason is only set for the synthetic timeout event.
	ErrorReason string
}

// backendPayload covers the union of fields the AI telephony backend puts
// on its webhook bodies. Unknown fields are preserved in Raw.
type backendPayload struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`

	CallStartTime string `json:"call_start_time"`
	CallEndTime   string `json:"call_end_time"`

	DurationSeconds int    `json:"duration_seconds"`
	IsVoicemail     bool   `json:"is_voicemail"`
	CallOutcome     string `json:"call_outcome"`
	EndReason       string `json:"end_reason"`

	FullTranscript    string   `json:"full_transcript"`
	VoicemailDetected bool     `json:"voicemail_detected"`
	UserTagsFound     []string `json:"user_tags_found"`
	SystemTagsFound   []string `json:"system_tags_found"`

	RecordingURL  string `json:"recording_url"`
	RecordingURLs []struct {
		RecordingURL string `json:"recording_url"`
	} `json:"recording_urls"`

	TotalCallCostBreakdown struct {
		GrandTotalUSD float64 `json:"grand_total_usd"`
	} `json:"total_call_cost_breakdown"`
	CostBreakdown struct {
		TotalCost float64 `json:"total_cost"`
	} `json:"cost_breakdown"`

	CallbackRequested bool   `json:"callback_requested"`
	CallbackTime      string `json:"callback_time"`
}

// ParseWebhookEvent normalizes a raw backend payload for eventType.
// It never fails on unknown extra fields; the raw body rides along for
// the audit log.
func ParseWebhookEvent(eventType, externalID string, payload []byte, now time.Time) WebhookEvent {
	ev := WebhookEvent{
		Type:       eventType,
		ExternalID: externalID,
		ReceivedAt: now.UTC(),
		Raw:        json.RawMessage(payload),
	}

	var p backendPayload
	if len(payload) > 0 {
		// Malformed bodies degrade to a log-only event; they are
		// acknowledged, never retried by the sender.
		_ = json.Unmarshal(payload, &p)
	}

	ev.DurationSeconds = p.DurationSeconds
	ev.IsVoicemail = p.IsVoicemail || p.VoicemailDetected || p.CallOutcome == "voicemail"
	ev.NoAnswer = p.CallOutcome == "no-answer" || p.EndReason == "no-answer"
	ev.Transcript = p.FullTranscript

	ev.RecordingURL = p.RecordingURL
	if ev.RecordingURL == "" && len(p.RecordingURLs) > 0 {
		ev.RecordingURL = p.RecordingURLs[0].RecordingURL
	}

	// The grand total is authoritative; fall back to the flat total used
	// by older backend versions.
	ev.CostUSD = p.TotalCallCostBreakdown.GrandTotalUSD
	if ev.CostUSD == 0 {
		ev.CostUSD = p.CostBreakdown.TotalCost
	}

	ev.Tags = append(ev.Tags, p.UserTagsFound...)
	ev.Tags = append(ev.Tags, p.SystemTagsFound...)

	if t, ok := parseEventTime(p.CallStartTime); ok {
		ev.StartedAt = &t
	}
	if t, ok := parseEventTime(p.CallEndTime); ok {
		ev.EndedAt = &t
	}

	if p.CallbackRequested {
		ev.CallbackRequested = true
		if t, ok := parseEventTime(p.CallbackTime); ok {
			ev.CallbackAt = &t
		}
	}
	return ev
}

func parseEventTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FoldResult reports what a fold changed, so callers can run the
// side effects that must happen exactly once per change.
type FoldResult struct {
	Record        CallRecord
	StatusChanged bool
	// CostApplied is true only on the fold that first set the cost.
	// It is the idempotency guard for credit deduction.
	CostApplied bool
	// CallbackRequested is true when the event asked for a follow-up.
	CallbackRequested bool
}

// foldFunc applies one event type's field policy to a record copy.
type foldFunc func(*CallRecord, WebhookEvent, *FoldResult)

// eventFolds is the transition table. Status logic is a pure function of
// (current state, event type, event payload); every entry is idempotent
// and safe under out-of-order delivery.
var eventFolds = map[string]foldFunc{
	EventPhoneCallConnected: foldConnected,
	EventPhoneCallEnded:     foldEnded,
	EventTranscriptComplete: foldTranscriptComplete,
	EventVoicemailDetected:  foldVoicemailDetected,
	EventCallTimeout:        foldTimeout,
}

// ApplyEvent folds ev into a copy of rec: appends it to the event log and
// applies the per-type field policy. Pure; stores are responsible for
// running it atomically per record.
func ApplyEvent(rec CallRecord, ev WebhookEvent) FoldResult {
	out := FoldResult{Record: rec}
	out.Record.Events = append(out.Record.Events, Event{
		Type:       ev.Type,
		Payload:    ev.Raw,
		ReceivedAt: ev.ReceivedAt,
	})
	if fold, ok := eventFolds[ev.Type]; ok {
		fold(&out.Record, ev, &out)
	}
	if ev.CallbackRequested {
		out.CallbackRequested = true
	}
	out.Record.UpdatedAt = ev.ReceivedAt
	return out
}

// allowTransition is the status lattice: non-terminal states accept any
// move; completed may be reclassified to voicemail when late evidence
// arrives; every other terminal state is final.
func allowTransition(from, to CallStatus) bool {
	if from == to {
		return false
	}
	if !from.Terminal() {
		return true
	}
	return from == StatusCompleted && to == StatusVoicemail
}

func setStatus(rec *CallRecord, to CallStatus, out *FoldResult) {
	if !allowTransition(rec.Status, to) {
		return
	}
	rec.Status = to
	out.StatusChanged = true
}

func foldConnected(rec *CallRecord, ev WebhookEvent, out *FoldResult) {
	if !rec.Status.Terminal() {
		setStatus(rec, StatusInProgress, out)
	}
	if rec.StartedAt == nil {
		t := ev.ReceivedAt
		if ev.StartedAt != nil {
			t = *ev.StartedAt
		}
		rec.StartedAt = &t
	}
}

func foldEnded(rec *CallRecord, ev WebhookEvent, out *FoldResult) {
	target := StatusCompleted
	switch {
	case ev.IsVoicemail:
		target = StatusVoicemail
	case ev.NoAnswer:
		target = StatusNoAnswer
	}
	setStatus(rec, target, out)

	if rec.DurationSeconds == 0 && ev.DurationSeconds > 0 {
		rec.DurationSeconds = ev.DurationSeconds
	}
	if rec.EndedAt == nil {
		t := ev.ReceivedAt
		if ev.EndedAt != nil {
			t = *ev.EndedAt
		}
		rec.EndedAt = &t
	}
	setRecordingIfUnset(rec, ev.RecordingURL)
}

func foldTranscriptComplete(rec *CallRecord, ev WebhookEvent, out *FoldResult) {
	if rec.Transcript == "" && ev.Transcript != "" {
		rec.Transcript = ev.Transcript
	}
	// Late voicemail evidence beats the optimistic completed default,
	// never the reverse.
	if ev.IsVoicemail {
		setStatus(rec, StatusVoicemail, out)
	}
	setRecordingIfUnset(rec, ev.RecordingURL)
	if rec.CostUSD == nil && ev.CostUSD > 0 {
		cost := ev.CostUSD
		rec.CostUSD = &cost
		out.CostApplied = true
	}
	rec.Tags = append(rec.Tags, ev.Tags...)
}

func foldVoicemailDetected(rec *CallRecord, ev WebhookEvent, out *FoldResult) {
	setStatus(rec, StatusVoicemail, out)
}

func foldTimeout(rec *CallRecord, ev WebhookEvent, out *FoldResult) {
	if rec.Status.Terminal() {
		return
	}
	setStatus(rec, StatusFailed, out)
	rec.DurationSeconds = 0
	t := ev.ReceivedAt
	rec.EndedAt = &t
	if ev.ErrorReason != "" {
		rec.ErrorReason = ev.ErrorReason
	}
}

func setRecordingIfUnset(rec *CallRecord, url string) {
	// First writer wins; empty values never clobber an existing URL.
	if rec.RecordingURL == "" && url != "" {
		rec.RecordingURL = url
	}
}

// HasEvent reports whether the log already contains an event of type t.
// The watchdog uses this to distinguish "never connected" from "connected
// but a late status write lost the race".
func (r CallRecord) HasEvent(t string) bool {
	for _, e := range r.Events {
		if e.Type == t {
			return true
		}
	}
	return false
}
