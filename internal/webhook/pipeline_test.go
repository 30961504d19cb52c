package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/ledger"
	"voiceagent-platform/internal/tasks"
	"voiceagent-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

type recordingMatcher struct {
	mu      sync.Mutex
	matched []string
}

func (m *recordingMatcher) Match(ctx context.Context, callID, eventType, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matched = append(m.matched, callID+"/"+eventType)
	return nil
}

func (m *recordingMatcher) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.matched))
	copy(out, m.matched)
	return out
}

type fixture struct {
	store   *calls.MemoryStore
	ledger  *ledger.MemoryLedger
	matcher *recordingMatcher
	runner  *tasks.Runner
	pipe    *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   calls.NewMemoryStore(),
		ledger:  ledger.NewMemoryLedger(),
		matcher: &recordingMatcher{},
		runner:  tasks.NewRunner(slog.Default(), time.Second),
	}
	if _, _, err := f.ledger.Credit(context.Background(), "org1", ledger.PostRequest{AmountMinor: 10_000_000, IdempotencyKey: "topup"}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	f.pipe = NewPipeline(f.store, f.ledger, ledger.Estimator{}, f.matcher, f.runner, nil, slog.Default())
	return f
}

func (f *fixture) seedCall(t *testing.T) {
	t.Helper()
	err := f.store.Create(context.Background(), calls.CallRecord{
		ID:             "c1",
		ConversationID: "conv-1",
		OrgID:          "org1",
		AgentID:        "agent1",
		ToNumber:       "+15552223333",
		Status:         calls.StatusInProgress,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

const transcriptPayload = `{
	"type": "TRANSCRIPT_COMPLETE",
	"call_id": "conv-1",
	"full_transcript": "BOT: hi\nHUMAN: hello",
	"total_call_cost_breakdown": {"grand_total_usd": 0.5}
}`

func TestPipeline_DuplicateTranscriptDeductsOnce(t *testing.T) {
	f := newFixture(t)
	f.seedCall(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.pipe.Ingest(ctx, "conv-1", calls.EventTranscriptComplete, []byte(transcriptPayload)); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	f.runner.Close()

	bal, err := f.ledger.GetBalance(ctx, "org1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	// 10.00 - 0.50, once.
	if bal.BalanceMinor != 9_500_000 {
		t.Fatalf("balance = %d, want 9500000 (single deduction)", bal.BalanceMinor)
	}

	rec, _ := f.store.Get(ctx, "c1")
	if len(rec.Events) != 3 {
		t.Fatalf("all deliveries should be logged, got %d", len(rec.Events))
	}
	if len(f.matcher.calls()) != 3 {
		t.Fatalf("matcher should run per delivery, got %v", f.matcher.calls())
	}
}

func TestPipeline_TranscriptWithoutCostSettlesRatedDuration(t *testing.T) {
	f := newFixture(t)
	f.seedCall(t)
	ctx := context.Background()

	if err := f.pipe.Ingest(ctx, "conv-1", calls.EventPhoneCallEnded,
		[]byte(`{"type":"PHONE_CALL_ENDED","call_id":"conv-1","duration_seconds":95}`)); err != nil {
		t.Fatalf("ingest ended: %v", err)
	}

	// No total_call_cost_breakdown on the transcript: the call is billed
	// at the per-minute rate instead, still exactly once.
	bare := `{"type":"TRANSCRIPT_COMPLETE","call_id":"conv-1","full_transcript":"BOT: hi"}`
	for i := 0; i < 2; i++ {
		if err := f.pipe.Ingest(ctx, "conv-1", calls.EventTranscriptComplete, []byte(bare)); err != nil {
			t.Fatalf("ingest transcript %d: %v", i, err)
		}
	}
	f.runner.Close()

	// 95s rounds up to 2 minutes at the default $0.15/min.
	bal, err := f.ledger.GetBalance(ctx, "org1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.BalanceMinor != 9_700_000 {
		t.Fatalf("balance = %d, want 9700000 (one rated-duration debit)", bal.BalanceMinor)
	}
	rec, _ := f.store.Get(ctx, "c1")
	if rec.CostUSD != nil {
		t.Fatalf("record cost should stay unset without a breakdown, got %v", *rec.CostUSD)
	}
}

func TestPipeline_UnknownCallDroppedAndAcked(t *testing.T) {
	f := newFixture(t)
	err := f.pipe.Ingest(context.Background(), "conv-ghost", calls.EventPhoneCallConnected, nil)
	if err != nil {
		t.Fatalf("unmatched event must be acknowledged, got %v", err)
	}
	f.runner.Close()
	if len(f.matcher.calls()) != 0 {
		t.Fatal("matcher ran for an unknown call")
	}
}

func TestPipeline_CallbackRequestCreatesRecord(t *testing.T) {
	f := newFixture(t)
	f.seedCall(t)

	payload := `{"callback_requested": true, "callback_time": "2025-06-02T09:00:00Z"}`
	if err := f.pipe.Ingest(context.Background(), "conv-1", calls.EventCallSummary, []byte(payload)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	f.runner.Close()

	cbs := f.store.Callbacks()
	if len(cbs) != 1 {
		t.Fatalf("expected one callback record, got %d", len(cbs))
	}
	if cbs[0].CallID != "c1" || !cbs[0].DueAt.Equal(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected callback: %+v", cbs[0])
	}
	var snap calls.CallRecord
	if err := json.Unmarshal(cbs[0].Snapshot, &snap); err != nil || snap.ID != "c1" {
		t.Fatalf("snapshot not a full record: %v %v", err, snap.ID)
	}
}

func TestPipeline_CostExceedingBalanceStillAcked(t *testing.T) {
	f := newFixture(t)
	f.seedCall(t)
	ctx := context.Background()

	big := strings.Replace(transcriptPayload, "0.5", "99.0", 1)
	if err := f.pipe.Ingest(ctx, "conv-1", calls.EventTranscriptComplete, []byte(big)); err != nil {
		t.Fatalf("overdraft cost must not fail ingestion: %v", err)
	}
	f.runner.Close()
}

func newTestRouter(f *fixture, tokens *telephony.CallbackTokens) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := Handlers{Pipeline: f.pipe, Tokens: tokens, Log: slog.Default()}
	r.POST("/webhooks/backend", h.Backend)
	r.POST("/webhooks/carrier/status", h.CarrierStatus)
	return r
}

func TestBackendHandler_Contract(t *testing.T) {
	f := newFixture(t)
	f.seedCall(t)
	r := newTestRouter(f, telephony.NewCallbackTokens("secret", time.Hour))

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/backend", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	// Valid event: 200 {"success":true}.
	if w := post(`{"type":"PHONE_CALL_CONNECTED","call_id":"conv-1"}`); w.Code != http.StatusOK {
		t.Fatalf("valid event: got %d: %s", w.Code, w.Body)
	}
	// Unknown call id: still 200.
	if w := post(`{"type":"PHONE_CALL_CONNECTED","call_id":"conv-ghost"}`); w.Code != http.StatusOK {
		t.Fatalf("unknown call: got %d", w.Code)
	}
	// Unknown event type: still 200.
	if w := post(`{"type":"SOMETHING_NEW","call_id":"conv-1"}`); w.Code != http.StatusOK {
		t.Fatalf("unknown type: got %d", w.Code)
	}
	// Missing required fields: the only 400s.
	if w := post(`{"call_id":"conv-1"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing type: got %d", w.Code)
	}
	if w := post(`{"type":"PHONE_CALL_CONNECTED"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing call_id: got %d", w.Code)
	}
	if w := post(`not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: got %d", w.Code)
	}
	f.runner.Close()
}

func TestCarrierHandler_TokenGate(t *testing.T) {
	f := newFixture(t)
	f.seedCall(t)
	tokens := telephony.NewCallbackTokens("secret", time.Hour)
	r := newTestRouter(f, tokens)

	form := "CallSid=CA1&CallStatus=in-progress"
	post := func(token string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier/status?token="+token, strings.NewReader(form))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.ServeHTTP(w, req)
		return w
	}

	// Bad token: 200, but nothing applied.
	if w := post("bogus"); w.Code != http.StatusOK {
		t.Fatalf("bad token: got %d", w.Code)
	}
	rec, _ := f.store.Get(context.Background(), "c1")
	if len(rec.Events) != 0 {
		t.Fatal("event applied despite invalid token")
	}

	// Good token: event folds and the carrier id is recorded.
	good, err := tokens.Sign("c1", "org1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if w := post(good); w.Code != http.StatusOK {
		t.Fatalf("good token: got %d", w.Code)
	}
	rec, _ = f.store.Get(context.Background(), "c1")
	if rec.Status != calls.StatusInProgress || rec.CarrierCallID != "CA1" {
		t.Fatalf("carrier event not applied: %+v", rec)
	}
	if len(rec.Events) != 1 {
		t.Fatalf("expected one logged event, got %d", len(rec.Events))
	}
	f.runner.Close()
}
