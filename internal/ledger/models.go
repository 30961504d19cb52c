package ledger

import "time"

// Amounts are expressed in minor units using int64. The unit is the
// micro-dollar (1e-6 USD) so that fractional-cent per-call costs from the
// AI backend's cost breakdown post without rounding drift.

const MinorPerUSD = 1_000_000

// USDToMinor converts a dollar amount to micro-dollars, rounding half up.
func USDToMinor(usd float64) int64 {
	if usd >= 0 {
		return int64(usd*MinorPerUSD + 0.5)
	}
	return -int64(-usd*MinorPerUSD + 0.5)
}

func MinorToUSD(minor int64) float64 {
	return float64(minor) / MinorPerUSD
}

// Entry is an immutable append-only ledger row. Each row is a credit or
// debit posted to an organization's credit account.
//
// Money invariant: any balance change MUST have a corresponding entry, and
// entries are never updated or deleted.
type Entry struct {
	ID    string `json:"id" db:"id"`
	OrgID string `json:"org_id" db:"org_id"`

	Type EntryType `json:"type" db:"type"`

	// AmountMinor is signed: credits positive, debits negative.
	AmountMinor int64 `json:"amount_minor" db:"amount_minor"`

	// ExternalRef is optional: call_id, invoice_id, provider_event_id.
	ExternalRef string `json:"external_ref,omitempty" db:"external_ref"`

	// IdempotencyKey is required for safe retries of money-posting
	// operations. Per-call cost deductions use "call-cost-<call_id>".
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EntryType string

const (
	EntryTypeCredit EntryType = "credit" // top-up, adjustment
	EntryTypeDebit  EntryType = "debit"  // call usage charge
)

// Balance is the projection row kept atomically in sync with the entries.
type Balance struct {
	OrgID        string    `json:"org_id" db:"org_id"`
	BalanceMinor int64     `json:"balance_minor" db:"balance_minor"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

func (b Balance) USD() float64 { return MinorToUSD(b.BalanceMinor) }

// PostRequest describes a credit or debit to post.
type PostRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}
