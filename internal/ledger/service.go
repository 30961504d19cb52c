package ledger

import (
	"context"
	"errors"
	"time"
)

// Ledger provides credit-account operations.
//
// Money invariants:
// - No balance updates without a ledger entry
// - The entry log is append-only (immutable)
// - Credit and Debit are idempotent on (org_id, idempotency_key): a retry
//   returns the original entry and posts nothing
//
// Tenancy invariant:
// - org_id is required and enforced in all queries
type Ledger interface {
	GetBalance(ctx context.Context, orgID string) (Balance, error)

	// Credit posts a top-up. AmountMinor must be positive.
	Credit(ctx context.Context, orgID string, req PostRequest) (Entry, Balance, error)

	// Debit posts a usage charge. AmountMinor must be positive; the stored
	// entry carries the negated amount. ErrInsufficientCredits when the
	// balance cannot cover it.
	Debit(ctx context.Context, orgID string, req PostRequest) (Entry, Balance, error)

	// CheckSufficient reports whether the balance covers amountMinor
	// without posting anything. It is advisory: the authoritative check
	// happens inside Debit under the account lock.
	CheckSufficient(ctx context.Context, orgID string, amountMinor int64) error
}

var (
	ErrNotFound            = errors.New("ledger: account not found")
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrInvalidArgument     = errors.New("ledger: invalid argument")
)

func validatePostReq(orgID string, req PostRequest) error {
	if orgID == "" {
		return ErrInvalidArgument
	}
	if req.IdempotencyKey == "" {
		return ErrInvalidArgument
	}
	if req.AmountMinor <= 0 {
		return ErrInvalidArgument
	}
	return nil
}

// CallCostIdempotencyKey is the deduction key for a call's final cost.
// One call, one key, one debit, however many times the transcript webhook
// is redelivered.
func CallCostIdempotencyKey(callID string) string {
	return "call-cost-" + callID
}

// Estimator computes the pre-dial cost estimate used by the sufficiency
// check. Rates are per started minute in minor units.
type Estimator struct {
	// RatePerMinuteMinor defaults to $0.15/min when zero.
	RatePerMinuteMinor int64
	// MaxCallMinutes bounds the estimate; defaults to 10.
	MaxCallMinutes int
	// MinChargeMinor is the floor for very short calls; defaults to one
	// minute at the rate.
	MinChargeMinor int64
}

const defaultRatePerMinuteMinor = 150_000 // $0.15/min in micro-dollars

// EstimateCallCost returns the worst-case cost of a call of up to
// MaxCallMinutes. The dialer requires the balance to cover this before it
// places a call; actual cost is settled from the transcript webhook.
func (e Estimator) EstimateCallCost() int64 {
	rate := e.RatePerMinuteMinor
	if rate <= 0 {
		rate = defaultRatePerMinuteMinor
	}
	minutes := e.MaxCallMinutes
	if minutes <= 0 {
		minutes = 10
	}
	est := rate * int64(minutes)
	if e.MinChargeMinor > est {
		est = e.MinChargeMinor
	}
	return est
}

// EstimateForDuration prices an actual duration, rounding up to started
// minutes, with the minimum charge applied.
func (e Estimator) EstimateForDuration(d time.Duration) int64 {
	rate := e.RatePerMinuteMinor
	if rate <= 0 {
		rate = defaultRatePerMinuteMinor
	}
	minutes := int64(d / time.Minute)
	if d%time.Minute > 0 || minutes == 0 {
		minutes++
	}
	est := rate * minutes
	min := e.MinChargeMinor
	if min <= 0 {
		min = rate
	}
	if est < min {
		est = min
	}
	return est
}
