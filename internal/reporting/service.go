package reporting

import (
	"context"
	"errors"
	"strings"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/ledger"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// CallLister is the slice of the call store reporting reads.
type CallLister interface {
	ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]calls.CallRecord, error)
}

// EntryLister is the slice of the ledger reporting reads. Summaries fold
// over the immutable entry log so they always reconcile with the balance.
type EntryLister interface {
	ListEntries(ctx context.Context, orgID string, from, to time.Time) ([]ledger.Entry, error)
}

type Service struct {
	calls   CallLister
	entries EntryLister
}

func NewService(calls CallLister, entries EntryLister) *Service {
	return &Service{calls: calls, entries: entries}
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.OrgID == "" || !req.Range.Valid() {
		return CallsSummary{}, ErrInvalidRequest
	}

	rows, err := s.calls.ListCalls(ctx, req.OrgID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{OrgID: req.OrgID, AgentID: req.AgentID}
	for _, c := range rows {
		if req.AgentID != "" && c.AgentID != req.AgentID {
			continue
		}
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		if c.CostUSD != nil {
			out.TotalCostUSD += *c.CostUSD
		}
		switch c.Status {
		case calls.StatusQueued:
			out.QueuedCalls++
		case calls.StatusInProgress:
			out.InProgressCalls++
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		case calls.StatusVoicemail:
			out.VoicemailCalls++
		case calls.StatusNoAnswer:
			out.NoAnswerCalls++
		case calls.StatusCancelled:
			out.CancelledCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
		out.AnswerRate = float64(out.CompletedCalls+out.VoicemailCalls) / float64(out.TotalCalls)
	}
	return out, nil
}

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if req.OrgID == "" || !req.Range.Valid() {
		return SpendSummary{}, ErrInvalidRequest
	}

	entries, err := s.entries.ListEntries(ctx, req.OrgID, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{OrgID: req.OrgID}
	for _, e := range entries {
		out.EntryCount++
		if e.AmountMinor > 0 {
			out.TotalCreditMinor += e.AmountMinor
		} else {
			out.TotalDebitMinor += -e.AmountMinor
			if strings.HasPrefix(e.IdempotencyKey, "call-cost-") {
				out.CallSpendMinor += -e.AmountMinor
			}
		}
	}
	out.NetDeltaMinor = out.TotalCreditMinor - out.TotalDebitMinor
	return out, nil
}
