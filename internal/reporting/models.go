package reporting

import "time"

// TimeRange bounds a report query, half-open [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) Valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// CallsSummaryRequest requests aggregated call metrics.
// Tenancy: OrgID is required and scopes every row read.
type CallsSummaryRequest struct {
	OrgID string    `json:"org_id"`
	Range TimeRange `json:"range"`
	// AgentID optionally narrows the summary to one agent's calls.
	AgentID string `json:"agent_id,omitempty"`
}

type CallsSummary struct {
	OrgID   string `json:"org_id"`
	AgentID string `json:"agent_id,omitempty"`

	TotalCalls      int `json:"total_calls"`
	QueuedCalls     int `json:"queued_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	VoicemailCalls  int `json:"voicemail_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	CancelledCalls  int `json:"cancelled_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	RecordedCalls int `json:"recorded_calls"`

	// TotalCostUSD sums the settled per-call costs; calls whose transcript
	// webhook has not landed yet contribute nothing.
	TotalCostUSD float64 `json:"total_cost_usd"`

	// AnswerRate is connected (completed + voicemail) over total.
	AnswerRate float64 `json:"answer_rate"`
}

// SpendSummaryRequest requests aggregated spend metrics. Spend is derived
// from the immutable credit ledger, never from call records.
type SpendSummaryRequest struct {
	OrgID string    `json:"org_id"`
	Range TimeRange `json:"range"`
}

type SpendSummary struct {
	OrgID string `json:"org_id"`

	TotalCreditMinor int64 `json:"total_credit_minor"`
	TotalDebitMinor  int64 `json:"total_debit_minor"`
	NetDeltaMinor    int64 `json:"net_delta_minor"`

	// CallSpendMinor is the slice of the debits keyed to a call.
	CallSpendMinor int64 `json:"call_spend_minor"`

	EntryCount int `json:"entry_count"`
}

// LiveSnapshot is the in-memory view of an org's current calls, fed by
// the webhook pipeline's status sink.
type LiveSnapshot struct {
	OrgID       string         `json:"org_id"`
	ActiveCalls int            `json:"active_calls"`
	ByStatus    map[string]int `json:"by_status"`
	TakenAt     time.Time      `json:"taken_at"`
}
