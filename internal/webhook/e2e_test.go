package webhook_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"voiceagent-platform/internal/agents"
	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/dialer"
	"voiceagent-platform/internal/email"
	"voiceagent-platform/internal/ledger"
	"voiceagent-platform/internal/notify"
	"voiceagent-platform/internal/queue"
	"voiceagent-platform/internal/reporting"
	"voiceagent-platform/internal/tasks"
	"voiceagent-platform/internal/telephony"
	"voiceagent-platform/internal/watchdog"
	"voiceagent-platform/internal/webhook"
	"voiceagent-platform/internal/workflow"
)

type stubBackend struct {
	conversationID string
}

func (s *stubBackend) Name() string                          { return "stub-backend" }
func (s *stubBackend) HealthCheck(ctx context.Context) error { return nil }

func (s *stubBackend) Dial(ctx context.Context, req telephony.DialRequest) (telephony.DialResult, error) {
	return telephony.DialResult{ConversationID: s.conversationID, StartedAt: time.Now().UTC()}, nil
}

// TestCallLifecycleEndToEnd walks one call through the whole platform:
// submission, queued dial, webhook folds, exactly-once cost settlement,
// workflow firing, watchdog satisfaction, and reporting.
func TestCallLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := calls.NewMemoryStore()
	led := ledger.NewMemoryLedger()
	if _, _, err := led.Credit(ctx, "org1", ledger.PostRequest{
		AmountMinor: 10_000_000, IdempotencyKey: "seed",
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}

	memq := queue.NewMemoryQueue()
	tokens := telephony.NewCallbackTokens("e2e-secret", 0)

	dir := agents.NewMemoryDirectory()
	dir.Put(dialer.Agent{
		ID: "agent1", OrgID: "org1", FromNumber: "+15550001111",
		Provider:    calls.ProviderCarrierDirect,
		Credentials: telephony.Credentials{AccountSID: "AC1", AuthToken: "tok"},
	})

	backend := &stubBackend{conversationID: "conv-e2e"}
	worker := dialer.NewWorker(
		dialer.WorkerConfig{PublicBaseURL: "https://api.example.com", WatchdogDelay: time.Minute},
		store, backend, nil, tokens, memq, memq,
		dialer.NewMemoryClaimer(), &dialer.MemoryLimiter{}, log,
	)
	svc := dialer.NewService(store, led, ledger.Estimator{}, dir, memq, memq, worker, time.Minute, 3, log)

	// One workflow on the agent: transcript mentioning a refund mails ops.
	defs := workflow.NewMemoryDefinitions()
	defs.Assign("org1", "agent1", workflow.Definition{
		ID: "wf1", OrgID: "org1", Name: "refund alert", Active: true,
		Nodes: []workflow.Node{
			{ID: "n1", Type: workflow.NodeTrigger, Data: map[string]any{"triggerType": calls.EventTranscriptComplete}},
			{ID: "n2", Type: workflow.NodeEmail, Data: map[string]any{
				"to":      "ops@example.com",
				"subject": "Refund request on call {{call.call_id}}",
				"body":    "{{call.transcript}}",
			}},
		},
		Edges: []workflow.Edge{{Source: "n1", Target: "n2"}},
	})
	execs := workflow.NewMemoryExecutions()
	sessions := workflow.NewMemorySessions()
	sender := &email.MemorySender{}
	notifier := &notify.MemoryNotifier{}
	runner := tasks.NewRunner(log, 5*time.Second)
	executor := workflow.NewExecutor(execs, workflow.Handlers{Sender: sender}.Registry(), notifier, log)
	matcher := workflow.NewMatcher(store, defs, sessions, executor, runner, log)

	tracker := reporting.NewLiveTracker()
	pipeline := webhook.NewPipeline(store, led, ledger.Estimator{}, matcher, runner, tracker, log)
	checker := watchdog.NewChecker(store, notifier, log)

	// Submit and run the dial job the way the pool would.
	res, err := svc.Submit(ctx, dialer.SubmitRequest{
		OrgID: "org1", AgentID: "agent1", ToNumber: "+15552223333",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	jobs, err := memq.Pop(ctx, queue.DialQueue, 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("dial queue pop = %d jobs, err %v", len(jobs), err)
	}
	if err := worker.Handle(ctx, jobs[0]); err != nil {
		t.Fatalf("dial job: %v", err)
	}

	rec, err := store.Get(ctx, res.CallID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ConversationID != "conv-e2e" {
		t.Fatalf("ConversationID = %q", rec.ConversationID)
	}
	if memq.DelayedLen(queue.WatchdogQueue) != 1 {
		t.Fatal("watchdog not armed")
	}

	// Lifecycle webhooks, with the transcript redelivered.
	ingest := func(eventType, body string) {
		t.Helper()
		if err := pipeline.Ingest(ctx, "conv-e2e", eventType, []byte(body)); err != nil {
			t.Fatalf("ingest %s: %v", eventType, err)
		}
	}
	ingest(calls.EventPhoneCallConnected,
		`{"type":"PHONE_CALL_CONNECTED","call_id":"conv-e2e"}`)
	ingest(calls.EventPhoneCallEnded,
		`{"type":"PHONE_CALL_ENDED","call_id":"conv-e2e","duration_seconds":95}`)
	transcript := `{"type":"TRANSCRIPT_COMPLETE","call_id":"conv-e2e",` +
		`"full_transcript":"the customer asked for a refund",` +
		`"user_tags_found":["refund"],` +
		`"total_call_cost_breakdown":{"grand_total_usd":0.5}}`
	ingest(calls.EventTranscriptComplete, transcript)
	ingest(calls.EventTranscriptComplete, transcript)

	// Matching dispatches the firing as its own task, so wait for both
	// firings to land before closing the runner.
	deadline := time.Now().Add(5 * time.Second)
	for len(execs.List()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	runner.Close()

	rec, _ = store.Get(ctx, res.CallID)
	if rec.Status != calls.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if rec.DurationSeconds != 95 || rec.Transcript == "" {
		t.Fatalf("record = duration %d transcript %q", rec.DurationSeconds, rec.Transcript)
	}

	// Money is exactly-once under redelivery.
	bal, err := led.GetBalance(ctx, "org1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.BalanceMinor != 9_500_000 {
		t.Fatalf("balance = %d, want one 0.50 USD debit", bal.BalanceMinor)
	}
	if n := len(led.Entries("org1")); n != 2 {
		t.Fatalf("ledger entries = %d, want seed credit + one debit", n)
	}

	// Trigger matching is at-least-once: each delivery fired the workflow.
	fired := execs.List()
	if len(fired) != 2 {
		t.Fatalf("executions = %d, want 2", len(fired))
	}
	for _, ex := range fired {
		if ex.Status != workflow.ExecutionCompleted {
			t.Fatalf("execution %s status = %s (%s)", ex.ID, ex.Status, ex.Error)
		}
	}
	if len(sender.Messages) != 2 {
		t.Fatalf("emails = %d, want 2", len(sender.Messages))
	}
	if msg := sender.Messages[0]; msg.To != "ops@example.com" ||
		!strings.Contains(msg.Subject, res.CallID) ||
		!strings.Contains(msg.Body, "refund") {
		t.Fatalf("email = %+v", msg)
	}

	// The watchdog fires into a satisfied call and stays quiet.
	memq.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	due, err := memq.PopDue(ctx, queue.WatchdogQueue)
	if err != nil || len(due) != 1 {
		t.Fatalf("due watchdog jobs = %d, err %v", len(due), err)
	}
	if err := checker.Handle(ctx, due[0]); err != nil {
		t.Fatalf("watchdog: %v", err)
	}
	rec, _ = store.Get(ctx, res.CallID)
	if rec.Status != calls.StatusCompleted {
		t.Fatalf("status after watchdog = %s", rec.Status)
	}
	for _, n := range notifier.Sent() {
		if n.Kind == notify.KindCallTimeout {
			t.Fatal("timeout notification for a completed call")
		}
	}

	// Reporting sees the settled call.
	reports := reporting.NewService(store, led)
	rng := reporting.TimeRange{From: time.Now().Add(-time.Hour), To: time.Now().Add(time.Hour)}
	sum, err := reports.CallsSummary(ctx, reporting.CallsSummaryRequest{OrgID: "org1", Range: rng})
	if err != nil {
		t.Fatalf("CallsSummary: %v", err)
	}
	if sum.TotalCalls != 1 || sum.CompletedCalls != 1 || sum.TotalCostUSD != 0.5 {
		t.Fatalf("summary = %+v", sum)
	}
	spend, err := reports.SpendSummary(ctx, reporting.SpendSummaryRequest{OrgID: "org1", Range: rng})
	if err != nil {
		t.Fatalf("SpendSummary: %v", err)
	}
	if spend.CallSpendMinor != 500_000 {
		t.Fatalf("call spend = %d", spend.CallSpendMinor)
	}
	if snap := tracker.Snapshot("org1"); snap.ActiveCalls != 0 || snap.ByStatus["completed"] != 1 {
		t.Fatalf("live snapshot = %+v", snap)
	}
}
