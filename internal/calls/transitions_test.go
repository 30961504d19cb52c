package calls

import (
	"context"
	"testing"
	"time"
)

func baseRecord(status CallStatus) CallRecord {
	return CallRecord{
		ID:             "c1",
		CarrierCallID:  "CA123",
		ConversationID: "conv-1",
		OrgID:          "org1",
		AgentID:        "agent1",
		Direction:      DirectionOutbound,
		Provider:       ProviderCarrierDirect,
		ToNumber:       "+15551234567",
		Status:         status,
	}
}

func at(sec int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, sec, 0, time.UTC)
}

func TestFold_ConnectedSetsInProgressAndStart(t *testing.T) {
	ev := ParseWebhookEvent(EventPhoneCallConnected, "conv-1", nil, at(0))
	out := ApplyEvent(baseRecord(StatusQueued), ev)
	if out.Record.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", out.Record.Status)
	}
	if out.Record.StartedAt == nil {
		t.Fatalf("expected startedAt set")
	}
	if !out.StatusChanged {
		t.Fatalf("expected status change flagged")
	}
}

func TestFold_NoDowngradeFromCompleted(t *testing.T) {
	ev := ParseWebhookEvent(EventPhoneCallConnected, "conv-1", nil, at(5))
	out := ApplyEvent(baseRecord(StatusCompleted), ev)
	if out.Record.Status != StatusCompleted {
		t.Fatalf("duplicate connected downgraded completed to %s", out.Record.Status)
	}
	if out.StatusChanged {
		t.Fatalf("unexpected status change")
	}
}

func TestFold_VoicemailUpgradesCompleted(t *testing.T) {
	ev := ParseWebhookEvent(EventVoicemailDetected, "conv-1", []byte(`{"is_voicemail":true}`), at(10))
	out := ApplyEvent(baseRecord(StatusCompleted), ev)
	if out.Record.Status != StatusVoicemail {
		t.Fatalf("expected voicemail upgrade, got %s", out.Record.Status)
	}
}

func TestFold_VoicemailDoesNotTouchStricterTerminals(t *testing.T) {
	for _, st := range []CallStatus{StatusFailed, StatusNoAnswer, StatusCancelled} {
		ev := ParseWebhookEvent(EventVoicemailDetected, "conv-1", nil, at(10))
		out := ApplyEvent(baseRecord(st), ev)
		if out.Record.Status != st {
			t.Fatalf("voicemail overrode %s with %s", st, out.Record.Status)
		}
	}
}

func TestFold_EndedClassification(t *testing.T) {
	cases := []struct {
		payload string
		want    CallStatus
	}{
		{`{"duration_seconds":42}`, StatusCompleted},
		{`{"is_voicemail":true}`, StatusVoicemail},
		{`{"call_outcome":"no-answer"}`, StatusNoAnswer},
	}
	for _, tc := range cases {
		ev := ParseWebhookEvent(EventPhoneCallEnded, "conv-1", []byte(tc.payload), at(20))
		out := ApplyEvent(baseRecord(StatusInProgress), ev)
		if out.Record.Status != tc.want {
			t.Fatalf("payload %s: expected %s, got %s", tc.payload, tc.want, out.Record.Status)
		}
		if out.Record.EndedAt == nil {
			t.Fatalf("payload %s: expected endedAt set", tc.payload)
		}
	}
}

func TestFold_EndedBeforeConnectedIsConsistent(t *testing.T) {
	// No ordering guarantee between event types: ended first, then a
	// late connected must not reopen the call.
	rec := baseRecord(StatusQueued)
	out := ApplyEvent(rec, ParseWebhookEvent(EventPhoneCallEnded, "conv-1", []byte(`{"duration_seconds":30}`), at(0)))
	if out.Record.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", out.Record.Status)
	}
	out = ApplyEvent(out.Record, ParseWebhookEvent(EventPhoneCallConnected, "conv-1", nil, at(1)))
	if out.Record.Status != StatusCompleted {
		t.Fatalf("late connected reopened call: %s", out.Record.Status)
	}
	// startedAt is still recorded for timing, status is untouched.
	if out.Record.StartedAt == nil {
		t.Fatalf("expected startedAt recorded")
	}
}

func TestFold_TranscriptCompleteSetsFieldsOnce(t *testing.T) {
	payload := []byte(`{
		"full_transcript": "BOT: hello\nHUMAN: hi",
		"total_call_cost_breakdown": {"grand_total_usd": 0.42},
		"recording_urls": [{"recording_url": "https://rec.example.com/1.wav"}],
		"user_tags_found": ["follow up"],
		"system_tags_found": ["interested"]
	}`)

	out := ApplyEvent(baseRecord(StatusCompleted), ParseWebhookEvent(EventTranscriptComplete, "conv-1", payload, at(30)))
	if out.Record.Transcript == "" {
		t.Fatalf("expected transcript set")
	}
	if !out.CostApplied {
		t.Fatalf("expected cost applied on first delivery")
	}
	if out.Record.CostUSD == nil || *out.Record.CostUSD != 0.42 {
		t.Fatalf("expected cost 0.42, got %v", out.Record.CostUSD)
	}
	if out.Record.RecordingURL != "https://rec.example.com/1.wav" {
		t.Fatalf("expected recording url, got %q", out.Record.RecordingURL)
	}
	if len(out.Record.Tags) != 2 {
		t.Fatalf("expected merged tags, got %v", out.Record.Tags)
	}

	// Duplicate delivery: cost must not be applied twice, transcript not
	// rewritten, recording not clobbered.
	dup := ApplyEvent(out.Record, ParseWebhookEvent(EventTranscriptComplete, "conv-1", payload, at(31)))
	if dup.CostApplied {
		t.Fatalf("duplicate transcript event re-applied cost")
	}
	if len(dup.Record.Events) != 2 {
		t.Fatalf("expected both deliveries in the log, got %d", len(dup.Record.Events))
	}
}

func TestFold_TranscriptVoicemailOverridesCompleted(t *testing.T) {
	payload := []byte(`{"full_transcript":"please leave a message","voicemail_detected":true}`)
	out := ApplyEvent(baseRecord(StatusCompleted), ParseWebhookEvent(EventTranscriptComplete, "conv-1", payload, at(40)))
	if out.Record.Status != StatusVoicemail {
		t.Fatalf("late voicemail evidence did not override completed: %s", out.Record.Status)
	}
}

func TestFold_EmptyRecordingNeverClobbers(t *testing.T) {
	rec := baseRecord(StatusInProgress)
	rec.RecordingURL = "https://rec.example.com/keep.wav"
	out := ApplyEvent(rec, ParseWebhookEvent(EventPhoneCallEnded, "conv-1", []byte(`{"duration_seconds":5}`), at(50)))
	if out.Record.RecordingURL != "https://rec.example.com/keep.wav" {
		t.Fatalf("recording url clobbered: %q", out.Record.RecordingURL)
	}
}

func TestFold_TimeoutOnlyFromNonTerminal(t *testing.T) {
	ev := WebhookEvent{
		Type:        EventCallTimeout,
		ReceivedAt:  at(120),
		ErrorReason: "no connection signal within timeout",
	}
	out := ApplyEvent(baseRecord(StatusQueued), ev)
	if out.Record.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", out.Record.Status)
	}
	if out.Record.DurationSeconds != 0 || out.Record.EndedAt == nil {
		t.Fatalf("expected zero duration and endedAt")
	}
	if out.Record.ErrorReason == "" {
		t.Fatalf("expected error reason recorded")
	}

	// Timeout-failed is terminal: a later voicemail event must not move it.
	late := ApplyEvent(out.Record, ParseWebhookEvent(EventVoicemailDetected, "conv-1", nil, at(130)))
	if late.Record.Status != StatusFailed {
		t.Fatalf("voicemail downgraded timeout-failed to %s", late.Record.Status)
	}

	done := ApplyEvent(baseRecord(StatusCompleted), ev)
	if done.Record.Status != StatusCompleted {
		t.Fatalf("timeout overrode completed")
	}
}

func TestFold_UnknownTypesAppendOnly(t *testing.T) {
	rec := baseRecord(StatusInProgress)
	for _, typ := range []string{EventCallSummary, EventLiveTranscript, "SOMETHING_NEW"} {
		out := ApplyEvent(rec, ParseWebhookEvent(typ, "conv-1", []byte(`{"text":"x"}`), at(60)))
		if out.Record.Status != StatusInProgress {
			t.Fatalf("%s changed status to %s", typ, out.Record.Status)
		}
		if len(out.Record.Events) != len(rec.Events)+1 {
			t.Fatalf("%s not appended to the log", typ)
		}
		rec = out.Record
	}
}

func TestMemoryStore_ApplyEventResolvesEitherExternalID(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	if err := st.Create(ctx, baseRecord(StatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, ext := range []string{"CA123", "conv-1"} {
		if _, err := st.ApplyEvent(ctx, ext, ParseWebhookEvent(EventPhoneCallConnected, ext, nil, at(0))); err != nil {
			t.Fatalf("apply via %s: %v", ext, err)
		}
	}
	rec, err := st.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.Events) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(rec.Events))
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", rec.Status)
	}
}

func TestMemoryStore_ApplyEventUnknownIDIsNotFound(t *testing.T) {
	st := NewMemoryStore()
	_, err := st.ApplyEvent(context.Background(), "nope", WebhookEvent{Type: EventPhoneCallConnected, ReceivedAt: at(0)})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_SetOnceExternalIDs(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	rec := baseRecord(StatusQueued)
	rec.CarrierCallID = ""
	rec.ConversationID = ""
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.SetCarrierCallID(ctx, "c1", "CA999"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := st.SetCarrierCallID(ctx, "c1", "CA999"); err != nil {
		t.Fatalf("idempotent repeat: %v", err)
	}
	if err := st.SetCarrierCallID(ctx, "c1", "CA000"); err != ErrAlreadySet {
		t.Fatalf("expected ErrAlreadySet, got %v", err)
	}
}

func TestMemoryStore_FindRecentNonTerminal(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	now := at(0)
	st.SetClock(func() time.Time { return now })

	rec := baseRecord(StatusQueued)
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, found, err := st.FindRecentNonTerminal(ctx, "org1", "agent1", "+15551234567", time.Minute)
	if err != nil || !found {
		t.Fatalf("expected in-window hit, found=%v err=%v", found, err)
	}

	// Outside the window the guard no longer applies.
	now = at(0).Add(2 * time.Minute)
	_, found, err = st.FindRecentNonTerminal(ctx, "org1", "agent1", "+15551234567", time.Minute)
	if err != nil || found {
		t.Fatalf("expected no hit outside window, found=%v err=%v", found, err)
	}
}
