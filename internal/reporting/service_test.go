package reporting

import (
	"context"
	"math"
	"testing"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/ledger"
)

var (
	repFrom = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	repTo   = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
)

func seededCallStore(t *testing.T) *calls.MemoryStore {
	t.Helper()
	store := calls.NewMemoryStore()
	cost1, cost2 := 0.5, 0.25
	recs := []calls.CallRecord{
		{ID: "c1", OrgID: "org1", AgentID: "agent1", Status: calls.StatusCompleted,
			DurationSeconds: 120, RecordingURL: "https://rec/c1.mp3", CostUSD: &cost1,
			CreatedAt: repFrom.Add(24 * time.Hour)},
		{ID: "c2", OrgID: "org1", AgentID: "agent1", Status: calls.StatusVoicemail,
			DurationSeconds: 30, CostUSD: &cost2,
			CreatedAt: repFrom.Add(48 * time.Hour)},
		{ID: "c3", OrgID: "org1", AgentID: "agent2", Status: calls.StatusFailed,
			CreatedAt: repFrom.Add(72 * time.Hour)},
		{ID: "c4", OrgID: "org1", AgentID: "agent1", Status: calls.StatusInProgress,
			CreatedAt: repFrom.Add(96 * time.Hour)},
		// Other org and out-of-range rows must not leak in.
		{ID: "c5", OrgID: "org2", AgentID: "agent1", Status: calls.StatusCompleted,
			CreatedAt: repFrom.Add(24 * time.Hour)},
		{ID: "c6", OrgID: "org1", AgentID: "agent1", Status: calls.StatusCompleted,
			CreatedAt: repFrom.Add(-24 * time.Hour)},
	}
	for _, rec := range recs {
		if err := store.Create(context.Background(), rec); err != nil {
			t.Fatalf("seed %s: %v", rec.ID, err)
		}
	}
	return store
}

func TestCallsSummary(t *testing.T) {
	svc := NewService(seededCallStore(t), ledger.NewMemoryLedger())

	sum, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{
		OrgID: "org1",
		Range: TimeRange{From: repFrom, To: repTo},
	})
	if err != nil {
		t.Fatalf("CallsSummary: %v", err)
	}

	if sum.TotalCalls != 4 {
		t.Fatalf("TotalCalls = %d, want 4", sum.TotalCalls)
	}
	if sum.CompletedCalls != 1 || sum.VoicemailCalls != 1 || sum.FailedCalls != 1 || sum.InProgressCalls != 1 {
		t.Errorf("status counts = %+v", sum)
	}
	if sum.TotalDurationSeconds != 150 {
		t.Errorf("TotalDurationSeconds = %d, want 150", sum.TotalDurationSeconds)
	}
	if sum.AverageDurationSeconds != 37 {
		t.Errorf("AverageDurationSeconds = %d, want 37", sum.AverageDurationSeconds)
	}
	if sum.RecordedCalls != 1 {
		t.Errorf("RecordedCalls = %d, want 1", sum.RecordedCalls)
	}
	if math.Abs(sum.TotalCostUSD-0.75) > 1e-9 {
		t.Errorf("TotalCostUSD = %v, want 0.75", sum.TotalCostUSD)
	}
	if math.Abs(sum.AnswerRate-0.5) > 1e-9 {
		t.Errorf("AnswerRate = %v, want 0.5", sum.AnswerRate)
	}
}

func TestCallsSummary_AgentFilter(t *testing.T) {
	svc := NewService(seededCallStore(t), ledger.NewMemoryLedger())

	sum, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{
		OrgID:   "org1",
		AgentID: "agent2",
		Range:   TimeRange{From: repFrom, To: repTo},
	})
	if err != nil {
		t.Fatalf("CallsSummary: %v", err)
	}
	if sum.TotalCalls != 1 || sum.FailedCalls != 1 {
		t.Fatalf("agent2 summary = %+v, want 1 failed call", sum)
	}
}

func TestCallsSummary_RejectsBadRequests(t *testing.T) {
	svc := NewService(seededCallStore(t), ledger.NewMemoryLedger())

	bad := []CallsSummaryRequest{
		{Range: TimeRange{From: repFrom, To: repTo}},                // no org
		{OrgID: "org1"},                                            // no range
		{OrgID: "org1", Range: TimeRange{From: repTo, To: repFrom}}, // inverted
	}
	for i, req := range bad {
		if _, err := svc.CallsSummary(context.Background(), req); err != ErrInvalidRequest {
			t.Errorf("req %d: err = %v, want ErrInvalidRequest", i, err)
		}
	}
}

func TestSpendSummary(t *testing.T) {
	led := ledger.NewMemoryLedger()
	now := repFrom.Add(12 * time.Hour)
	led.SetClock(func() time.Time { return now })

	ctx := context.Background()
	if _, _, err := led.Credit(ctx, "org1", ledger.PostRequest{
		AmountMinor: 10_000_000, IdempotencyKey: "topup-1",
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, _, err := led.Debit(ctx, "org1", ledger.PostRequest{
		AmountMinor: 500_000, ExternalRef: "c1",
		IdempotencyKey: ledger.CallCostIdempotencyKey("c1"),
	}); err != nil {
		t.Fatalf("debit call cost: %v", err)
	}
	if _, _, err := led.Debit(ctx, "org1", ledger.PostRequest{
		AmountMinor: 250_000, IdempotencyKey: "manual-adjust-1",
	}); err != nil {
		t.Fatalf("debit adjust: %v", err)
	}

	svc := NewService(calls.NewMemoryStore(), led)
	sum, err := svc.SpendSummary(ctx, SpendSummaryRequest{
		OrgID: "org1",
		Range: TimeRange{From: repFrom, To: repTo},
	})
	if err != nil {
		t.Fatalf("SpendSummary: %v", err)
	}

	if sum.TotalCreditMinor != 10_000_000 {
		t.Errorf("TotalCreditMinor = %d", sum.TotalCreditMinor)
	}
	if sum.TotalDebitMinor != 750_000 {
		t.Errorf("TotalDebitMinor = %d", sum.TotalDebitMinor)
	}
	if sum.CallSpendMinor != 500_000 {
		t.Errorf("CallSpendMinor = %d, want only the call-cost debit", sum.CallSpendMinor)
	}
	if sum.NetDeltaMinor != 9_250_000 {
		t.Errorf("NetDeltaMinor = %d", sum.NetDeltaMinor)
	}
	if sum.EntryCount != 3 {
		t.Errorf("EntryCount = %d", sum.EntryCount)
	}
}

func TestSpendSummary_RangeExcludesOutsideEntries(t *testing.T) {
	led := ledger.NewMemoryLedger()
	before := repFrom.Add(-time.Hour)
	led.SetClock(func() time.Time { return before })
	if _, _, err := led.Credit(context.Background(), "org1", ledger.PostRequest{
		AmountMinor: 1_000_000, IdempotencyKey: "early-topup",
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	svc := NewService(calls.NewMemoryStore(), led)
	sum, err := svc.SpendSummary(context.Background(), SpendSummaryRequest{
		OrgID: "org1",
		Range: TimeRange{From: repFrom, To: repTo},
	})
	if err != nil {
		t.Fatalf("SpendSummary: %v", err)
	}
	if sum.EntryCount != 0 || sum.TotalCreditMinor != 0 {
		t.Fatalf("summary = %+v, want empty for out-of-range entry", sum)
	}
}

func TestLiveTracker(t *testing.T) {
	tr := NewLiveTracker()
	ctx := context.Background()

	tr.OnCallUpdated(ctx, calls.CallRecord{ID: "c1", OrgID: "org1", Status: calls.StatusQueued})
	tr.OnCallUpdated(ctx, calls.CallRecord{ID: "c1", OrgID: "org1", Status: calls.StatusInProgress})
	tr.OnCallUpdated(ctx, calls.CallRecord{ID: "c2", OrgID: "org1", Status: calls.StatusCompleted})
	tr.OnCallUpdated(ctx, calls.CallRecord{ID: "c3", OrgID: "org2", Status: calls.StatusInProgress})

	snap := tr.Snapshot("org1")
	if snap.ActiveCalls != 1 {
		t.Errorf("ActiveCalls = %d, want 1", snap.ActiveCalls)
	}
	if snap.ByStatus["in_progress"] != 1 || snap.ByStatus["completed"] != 1 {
		t.Errorf("ByStatus = %v", snap.ByStatus)
	}
	if other := tr.Snapshot("org2"); other.ActiveCalls != 1 {
		t.Errorf("org2 ActiveCalls = %d, want 1", other.ActiveCalls)
	}

	// Terminal calls age out; live ones do not.
	tr.Prune(0)
	snap = tr.Snapshot("org1")
	if snap.ActiveCalls != 1 {
		t.Errorf("ActiveCalls after prune = %d, want 1", snap.ActiveCalls)
	}
	if snap.ByStatus["completed"] != 0 {
		t.Errorf("completed after prune = %d, want 0", snap.ByStatus["completed"])
	}
}

func TestLiveTracker_PruneLoopDropsAgedTerminalCalls(t *testing.T) {
	tr := NewLiveTracker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr.OnCallUpdated(ctx, calls.CallRecord{ID: "c1", OrgID: "org1", Status: calls.StatusCompleted})
	tr.OnCallUpdated(ctx, calls.CallRecord{ID: "c2", OrgID: "org1", Status: calls.StatusInProgress})

	go tr.PruneLoop(ctx, time.Millisecond, 0)

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := tr.Snapshot("org1")
		if snap.ByStatus["completed"] == 0 {
			if snap.ActiveCalls != 1 {
				t.Fatalf("live call pruned with the finished one: %+v", snap)
			}
			return
		}
		if !time.Now().Before(deadline) {
			t.Fatalf("completed call never aged out: %+v", snap)
		}
		time.Sleep(time.Millisecond)
	}
}
