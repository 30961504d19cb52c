package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/ledger"
	"voiceagent-platform/internal/queue"
	"voiceagent-platform/internal/telephony"
)

type fakeProvider struct {
	name  string
	dials atomic.Int32
	fail  error
	out   telephony.DialResult
	last  telephony.DialRequest
}

func (f *fakeProvider) Name() string                          { return f.name }
func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeProvider) Dial(ctx context.Context, req telephony.DialRequest) (telephony.DialResult, error) {
	f.dials.Add(1)
	f.last = req
	if f.fail != nil {
		return telephony.DialResult{}, f.fail
	}
	return f.out, nil
}

type fakeDirectory struct {
	agent Agent
	err   error
}

func (d fakeDirectory) GetAgent(ctx context.Context, orgID, agentID string) (Agent, error) {
	if d.err != nil {
		return Agent{}, d.err
	}
	return d.agent, nil
}

type downQueue struct{}

func (downQueue) Push(ctx context.Context, name string, job queue.Job) error {
	return fmt.Errorf("%w: connection refused", queue.ErrUnavailable)
}
func (downQueue) Pop(ctx context.Context, name string, n int) ([]queue.Job, error) {
	return nil, queue.ErrUnavailable
}

func carrierPayload(callID string) JobPayload {
	return JobPayload{
		CallID:     callID,
		OrgID:      "org1",
		AgentID:    "agent1",
		ToNumber:   "+15552223333",
		FromNumber: "+15550001111",
		Provider:   calls.ProviderCarrierDirect,
		Credentials: telephony.Credentials{
			AccountSID: "AC1",
			AuthToken:  "tok",
		},
	}
}

func newWorker(store calls.Store, backend, sip telephony.Provider, mq *queue.MemoryQueue) *Worker {
	return NewWorker(
		WorkerConfig{PublicBaseURL: "https://api.example.com", WatchdogDelay: 2 * time.Minute},
		store,
		backend, sip,
		telephony.NewCallbackTokens("secret", time.Hour),
		mq, mq,
		NewMemoryClaimer(),
		&MemoryLimiter{},
		slog.Default(),
	)
}

func TestWorker_RecordCreatedBeforeDialEvenOnFailure(t *testing.T) {
	ctx := context.Background()
	store := calls.NewMemoryStore()
	backend := &fakeProvider{name: "carrier-direct", fail: errors.New("network down")}
	mq := queue.NewMemoryQueue()
	w := newWorker(store, backend, &fakeProvider{name: "sip-trunk"}, mq)

	_, err := w.Process(ctx, carrierPayload("c1"))
	if err == nil {
		t.Fatal("expected dial failure to propagate for retry")
	}

	rec, gerr := store.Get(ctx, "c1")
	if gerr != nil {
		t.Fatalf("record not created before dial: %v", gerr)
	}
	if rec.Status != calls.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.ErrorReason == "" {
		t.Fatal("expected error reason recorded")
	}
}

func TestWorker_SuccessRecordsIDsAndArmsWatchdogOnce(t *testing.T) {
	ctx := context.Background()
	store := calls.NewMemoryStore()
	backend := &fakeProvider{
		name: "carrier-direct",
		out:  telephony.DialResult{ConversationID: "conv-1", CarrierCallID: "CA1"},
	}
	mq := queue.NewMemoryQueue()
	w := newWorker(store, backend, &fakeProvider{name: "sip-trunk"}, mq)

	res, err := w.Process(ctx, carrierPayload("c1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.ConversationID != "conv-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	rec, _ := store.Get(ctx, "c1")
	if rec.ConversationID != "conv-1" || rec.CarrierCallID != "CA1" {
		t.Fatalf("external ids not recorded: %+v", rec)
	}
	if backend.last.StatusCallbackURL == "" {
		t.Fatal("carrier dial missing signed status-callback URL")
	}
	if mq.DelayedLen(queue.WatchdogQueue) != 1 {
		t.Fatalf("expected one armed watchdog, got %d", mq.DelayedLen(queue.WatchdogQueue))
	}

	// A redundant run (e.g. retried job after partial failure later in
	// the chain) must not re-dial or double-arm.
	if _, err := w.Process(ctx, carrierPayload("c1")); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if got := backend.dials.Load(); got != 1 {
		t.Fatalf("re-dialed after success: %d dials", got)
	}
	if mq.DelayedLen(queue.WatchdogQueue) != 1 {
		t.Fatalf("watchdog armed twice")
	}
}

func TestWorker_ConfigErrorDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	store := calls.NewMemoryStore()
	mq := queue.NewMemoryQueue()
	w := newWorker(store, &fakeProvider{name: "carrier-direct"}, &fakeProvider{name: "sip-trunk"}, mq)

	payload := carrierPayload("c1")
	payload.Credentials = telephony.Credentials{}
	job, _ := queue.NewJob(JobTypeDial, payload)

	if err := w.Handle(ctx, job); err != nil {
		t.Fatalf("config errors must not propagate for retry, got %v", err)
	}
	rec, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("expected record marked failed: %v", err)
	}
	if rec.Status != calls.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
}

func TestWorker_SIPFlow(t *testing.T) {
	ctx := context.Background()
	store := calls.NewMemoryStore()
	backend := &fakeProvider{name: "carrier-direct", out: telephony.DialResult{ConversationID: "conv-7"}}
	sip := &fakeProvider{name: "sip-trunk", out: telephony.DialResult{ConversationID: "conv-7"}}
	mq := queue.NewMemoryQueue()
	w := newWorker(store, backend, sip, mq)

	payload := carrierPayload("c1")
	payload.Provider = calls.ProviderSIPTrunk
	payload.Credentials = telephony.Credentials{TrunkURI: "sip:gw.example.com"}

	if _, err := w.Process(ctx, payload); err != nil {
		t.Fatalf("process: %v", err)
	}
	rec, _ := store.Get(ctx, "c1")
	if rec.ConversationID != "conv-7" {
		t.Fatalf("placeholder not replaced by backend id: %q", rec.ConversationID)
	}
	if sip.last.ConversationID != "conv-7" {
		t.Fatalf("sip originate missing room id: %+v", sip.last)
	}

	// Retried job must not originate over the trunk again.
	if _, err := w.Process(ctx, payload); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if got := sip.dials.Load(); got != 1 {
		t.Fatalf("trunk originated %d times", got)
	}
}

func newService(store calls.Store, led ledger.Ledger, q queue.Queue, w *Worker, mq *queue.MemoryQueue) *Service {
	dir := fakeDirectory{agent: Agent{
		ID:         "agent1",
		OrgID:      "org1",
		FromNumber: "+15550001111",
		Provider:   calls.ProviderCarrierDirect,
		Credentials: telephony.Credentials{
			AccountSID: "AC1",
			AuthToken:  "tok",
		},
	}}
	return NewService(store, led, ledger.Estimator{}, dir, q, mq, w, time.Minute, 3, slog.Default())
}

func fundedLedger(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	led := ledger.NewMemoryLedger()
	if _, _, err := led.Credit(context.Background(), "org1", ledger.PostRequest{AmountMinor: 10_000_000, IdempotencyKey: "topup"}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	return led
}

func TestService_DuplicateDialGuard(t *testing.T) {
	ctx := context.Background()
	store := calls.NewMemoryStore()
	mq := queue.NewMemoryQueue()
	w := newWorker(store, &fakeProvider{name: "carrier-direct"}, &fakeProvider{name: "sip-trunk"}, mq)
	svc := newService(store, fundedLedger(t), mq, w, mq)

	req := SubmitRequest{OrgID: "org1", AgentID: "agent1", ToNumber: "+15552223333"}
	res, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if res.CallID == "" || mq.Len(queue.DialQueue) != 1 {
		t.Fatalf("job not enqueued: %+v", res)
	}

	// The queued job hasn't created the record yet; create it the way the
	// worker would so the guard has something to see.
	if err := store.Create(ctx, calls.CallRecord{
		ID: res.CallID, OrgID: "org1", AgentID: "agent1",
		ToNumber: "+15552223333", Status: calls.StatusQueued,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Submit(ctx, req); !errors.Is(err, ErrDuplicateDial) {
		t.Fatalf("expected ErrDuplicateDial, got %v", err)
	}

	// A different destination is not a duplicate.
	other := req
	other.ToNumber = "+15559998888"
	if _, err := svc.Submit(ctx, other); err != nil {
		t.Fatalf("different destination rejected: %v", err)
	}
}

func TestService_InsufficientCreditsRejectedBeforeEnqueue(t *testing.T) {
	ctx := context.Background()
	store := calls.NewMemoryStore()
	mq := queue.NewMemoryQueue()
	w := newWorker(store, &fakeProvider{name: "carrier-direct"}, &fakeProvider{name: "sip-trunk"}, mq)
	svc := newService(store, ledger.NewMemoryLedger(), mq, w, mq)

	_, err := svc.Submit(ctx, SubmitRequest{OrgID: "org1", AgentID: "agent1", ToNumber: "+15552223333"})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if mq.Len(queue.DialQueue) != 0 {
		t.Fatal("job enqueued despite insufficient credits")
	}
}

func TestService_QueueDownFallsBackInProcess(t *testing.T) {
	ctx := context.Background()
	store := calls.NewMemoryStore()
	backend := &fakeProvider{name: "carrier-direct", out: telephony.DialResult{ConversationID: "conv-3"}}
	mq := queue.NewMemoryQueue()
	w := newWorker(store, backend, &fakeProvider{name: "sip-trunk"}, mq)
	svc := newService(store, fundedLedger(t), downQueue{}, w, mq)

	res, err := svc.Submit(ctx, SubmitRequest{OrgID: "org1", AgentID: "agent1", ToNumber: "+15552223333"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ConversationID != "conv-3" {
		t.Fatalf("in-process fallback did not run: %+v", res)
	}
	if backend.dials.Load() != 1 {
		t.Fatalf("expected one dial, got %d", backend.dials.Load())
	}
	if _, err := store.Get(ctx, res.CallID); err != nil {
		t.Fatalf("record missing: %v", err)
	}
}
