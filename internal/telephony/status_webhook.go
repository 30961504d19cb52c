package telephony

import (
	"net/http"
	"strconv"
	"strings"

	"voiceagent-platform/internal/calls"
)

// StatusCallbackForm captures the subset of carrier voice status-callback
// fields we care about. Carriers post application/x-www-form-urlencoded.
//
// Keep it minimal and adapter-only: status mapping lives here, the fold
// lives in internal/calls.
type StatusCallbackForm struct {
	CallSid       string
	AccountSid    string
	From          string
	To            string
	CallStatus    string
	CallDuration  int
	RecordingURL  string
	AnsweredBy    string
	SipResponse   string
	ErrorCode     string
	SequenceIndex int
}

func ParseStatusCallback(r *http.Request) (StatusCallbackForm, error) {
	if err := r.ParseForm(); err != nil {
		return StatusCallbackForm{}, err
	}
	duration, _ := strconv.Atoi(r.PostFormValue("CallDuration"))
	seq, _ := strconv.Atoi(r.PostFormValue("SequenceNumber"))
	f := StatusCallbackForm{
		CallSid:       r.PostFormValue("CallSid"),
		AccountSid:    r.PostFormValue("AccountSid"),
		From:          strings.TrimSpace(r.PostFormValue("From")),
		To:            strings.TrimSpace(r.PostFormValue("To")),
		CallStatus:    r.PostFormValue("CallStatus"),
		CallDuration:  duration,
		RecordingURL:  r.PostFormValue("RecordingUrl"),
		AnsweredBy:    r.PostFormValue("AnsweredBy"),
		SipResponse:   r.PostFormValue("SipResponseCode"),
		ErrorCode:     r.PostFormValue("ErrorCode"),
		SequenceIndex: seq,
	}
	return f, nil
}

// EventType maps the carrier status to the internal event type the fold
// understands. Statuses with no lifecycle meaning (queued, ringing) map
// to empty and are logged only.
func (f StatusCallbackForm) EventType() string {
	switch f.CallStatus {
	case "in-progress", "answered":
		return calls.EventPhoneCallConnected
	case "completed", "busy", "failed", "no-answer", "canceled":
		return calls.EventPhoneCallEnded
	default:
		return ""
	}
}

// EventPayload renders the form as the JSON shape the fold parser reads,
// so carrier callbacks and backend webhooks go through one code path.
func (f StatusCallbackForm) EventPayload() map[string]any {
	payload := map[string]any{
		"call_sid":         f.CallSid,
		"call_status":      f.CallStatus,
		"duration_seconds": f.CallDuration,
	}
	if f.RecordingURL != "" {
		payload["recording_url"] = f.RecordingURL
	}
	switch {
	case f.AnsweredBy == "machine_start" || f.AnsweredBy == "machine_end_beep":
		payload["is_voicemail"] = true
	case f.CallStatus == "no-answer" || f.CallStatus == "busy":
		payload["call_outcome"] = "no-answer"
	}
	if f.ErrorCode != "" {
		payload["error_code"] = f.ErrorCode
	}
	return payload
}
