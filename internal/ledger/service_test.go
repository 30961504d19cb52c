package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUSDToMinor(t *testing.T) {
	cases := []struct {
		usd  float64
		want int64
	}{
		{0.42, 420_000},
		{1.0, 1_000_000},
		{0.0000015, 2}, // rounds half up
		{0, 0},
	}
	for _, tc := range cases {
		if got := USDToMinor(tc.usd); got != tc.want {
			t.Fatalf("USDToMinor(%v) = %d, want %d", tc.usd, got, tc.want)
		}
	}
}

func TestValidatePostReq(t *testing.T) {
	ok := PostRequest{AmountMinor: 100, IdempotencyKey: "k"}
	if err := validatePostReq("org1", ok); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	bad := []struct {
		org string
		req PostRequest
	}{
		{"", ok},
		{"org1", PostRequest{AmountMinor: 100}},
		{"org1", PostRequest{AmountMinor: 0, IdempotencyKey: "k"}},
		{"org1", PostRequest{AmountMinor: -5, IdempotencyKey: "k"}},
	}
	for i, tc := range bad {
		if err := validatePostReq(tc.org, tc.req); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
}

func TestMemoryLedger_CreditDebitFlow(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	_, bal, err := l.Credit(ctx, "org1", PostRequest{AmountMinor: 5_000_000, IdempotencyKey: "topup-1"})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if bal.BalanceMinor != 5_000_000 {
		t.Fatalf("expected 5.00, got %d", bal.BalanceMinor)
	}

	entry, bal, err := l.Debit(ctx, "org1", PostRequest{
		AmountMinor:    420_000,
		ExternalRef:    "c1",
		IdempotencyKey: CallCostIdempotencyKey("c1"),
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if entry.AmountMinor != -420_000 {
		t.Fatalf("debit entry amount = %d, want -420000", entry.AmountMinor)
	}
	if bal.BalanceMinor != 4_580_000 {
		t.Fatalf("balance = %d, want 4580000", bal.BalanceMinor)
	}
}

func TestMemoryLedger_DebitIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	if _, _, err := l.Credit(ctx, "org1", PostRequest{AmountMinor: 1_000_000, IdempotencyKey: "topup-1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	req := PostRequest{AmountMinor: 420_000, ExternalRef: "c1", IdempotencyKey: CallCostIdempotencyKey("c1")}
	first, _, err := l.Debit(ctx, "org1", req)
	if err != nil {
		t.Fatalf("first debit: %v", err)
	}
	// Redelivered transcript webhook retries the same deduction.
	second, bal, err := l.Debit(ctx, "org1", req)
	if err != nil {
		t.Fatalf("retry debit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("retry created a new entry")
	}
	if bal.BalanceMinor != 580_000 {
		t.Fatalf("balance = %d, want 580000 (deducted once)", bal.BalanceMinor)
	}
	if n := len(l.Entries("org1")); n != 2 {
		t.Fatalf("expected 2 entries (topup + one debit), got %d", n)
	}
}

func TestMemoryLedger_InsufficientCredits(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	if _, _, err := l.Credit(ctx, "org1", PostRequest{AmountMinor: 100_000, IdempotencyKey: "topup-1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, _, err := l.Debit(ctx, "org1", PostRequest{AmountMinor: 200_000, IdempotencyKey: "call-cost-c9"})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	// Unknown orgs also fail the sufficiency check, not error out.
	if err := l.CheckSufficient(ctx, "org-unknown", 1); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits for unknown org, got %v", err)
	}
	if err := l.CheckSufficient(ctx, "org1", 100_000); err != nil {
		t.Fatalf("exact balance should pass: %v", err)
	}
}

func TestEstimator(t *testing.T) {
	var e Estimator
	if got := e.EstimateCallCost(); got != 1_500_000 {
		t.Fatalf("default estimate = %d, want 1500000 (10 min at $0.15)", got)
	}

	e = Estimator{RatePerMinuteMinor: 100_000, MaxCallMinutes: 5}
	if got := e.EstimateCallCost(); got != 500_000 {
		t.Fatalf("estimate = %d, want 500000", got)
	}

	// 90s rounds up to 2 started minutes.
	if got := e.EstimateForDuration(90 * time.Second); got != 200_000 {
		t.Fatalf("duration estimate = %d, want 200000", got)
	}
	// Zero duration still bills the minimum of one minute.
	if got := e.EstimateForDuration(0); got != 100_000 {
		t.Fatalf("zero duration estimate = %d, want 100000", got)
	}
}
