package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/ledger"
	"voiceagent-platform/internal/tasks"
	"voiceagent-platform/internal/telephony"

	"github.com/google/uuid"
)

// Matcher is the workflow trigger matcher seam. Matching runs on the
// task runner, detached from the webhook response.
type Matcher interface {
	Match(ctx context.Context, callID, eventType, orgID string) error
}

// StatusSink receives the updated record after each fold for simple
// consumers (reporting, dashboards) that don't care about workflows.
type StatusSink interface {
	OnCallUpdated(ctx context.Context, rec calls.CallRecord)
}

// Pipeline ingests webhook events: one atomic fold per event, cost
// settlement, callback capture, and fire-and-forget trigger matching.
type Pipeline struct {
	store     calls.Store
	ledger    ledger.Ledger
	estimator ledger.Estimator
	matcher   Matcher
	runner    *tasks.Runner
	sink      StatusSink
	log       *slog.Logger
	clock     func() time.Time
}

func NewPipeline(
	store calls.Store,
	led ledger.Ledger,
	est ledger.Estimator,
	matcher Matcher,
	runner *tasks.Runner,
	sink StatusSink,
	log *slog.Logger,
) *Pipeline {
	return &Pipeline{
		store:     store,
		ledger:    led,
		estimator: est,
		matcher:   matcher,
		runner:    runner,
		sink:      sink,
		log:       log,
		clock:     time.Now,
	}
}

// Ingest handles one backend event, at-least-once, unordered, possibly
// concurrent for the same call. A nil return means the event is
// acknowledged; an error means the sender should retry.
func (p *Pipeline) Ingest(ctx context.Context, externalID, eventType string, payload []byte) error {
	ev := calls.ParseWebhookEvent(eventType, externalID, payload, p.clock())
	return p.apply(ctx, func(ctx context.Context) (calls.FoldResult, error) {
		return p.store.ApplyEvent(ctx, externalID, ev)
	}, ev)
}

// IngestCarrier handles a carrier status callback, keyed by the internal
// call id recovered from the signed callback token (the carrier id may
// not be recorded yet).
func (p *Pipeline) IngestCarrier(ctx context.Context, callID string, form telephony.StatusCallbackForm) error {
	// Record the carrier id as soon as we see it; later carrier events
	// then resolve by external id too.
	if form.CallSid != "" {
		if err := p.store.SetCarrierCallID(ctx, callID, form.CallSid); err != nil &&
			!errors.Is(err, calls.ErrAlreadySet) && !errors.Is(err, calls.ErrNotFound) {
			return err
		}
	}

	eventType := form.EventType()
	if eventType == "" {
		p.log.Debug("carrier status without lifecycle meaning", "call_id", callID, "status", form.CallStatus)
		return nil
	}

	raw, err := json.Marshal(form.EventPayload())
	if err != nil {
		return err
	}
	ev := calls.ParseWebhookEvent(eventType, form.CallSid, raw, p.clock())
	return p.apply(ctx, func(ctx context.Context) (calls.FoldResult, error) {
		return p.store.ApplyEventByID(ctx, callID, ev)
	}, ev)
}

func (p *Pipeline) apply(ctx context.Context, fold func(context.Context) (calls.FoldResult, error), ev calls.WebhookEvent) error {
	out, err := fold(ctx)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			// Unmatched events cannot belong to any known call: drop,
			// acknowledge, log.
			p.log.Warn("webhook for unknown call dropped", "external_id", ev.ExternalID, "type", ev.Type)
			return nil
		}
		return err
	}
	rec := out.Record

	if err := p.settleCost(ctx, rec, ev); err != nil {
		return err
	}

	if out.CallbackRequested {
		if err := p.createCallback(ctx, rec, ev); err != nil {
			p.log.Error("callback record failed", "call_id", rec.ID, "error", err)
		}
	}

	// Trigger matching never blocks or fails the webhook response.
	callID, eventType, orgID := rec.ID, ev.Type, rec.OrgID
	p.runner.Go("workflow-match", func(ctx context.Context) error {
		return p.matcher.Match(ctx, callID, eventType, orgID)
	})

	if p.sink != nil {
		p.sink.OnCallUpdated(ctx, rec)
	}
	return nil
}

// settleCost debits the call's final cost. The ledger's idempotency key
// makes the debit exactly-once even when the fold's cost-already-set
// guard was bypassed by a redelivery racing the first delivery.
func (p *Pipeline) settleCost(ctx context.Context, rec calls.CallRecord, ev calls.WebhookEvent) error {
	var amount int64
	switch {
	case ev.CostUSD > 0 && rec.CostUSD != nil:
		amount = ledger.USDToMinor(*rec.CostUSD)
	case ev.Type == calls.EventTranscriptComplete && rec.CostUSD == nil && rec.DurationSeconds > 0:
		// Transcript arrived without a cost breakdown: rate the measured
		// duration rather than let the call go unbilled. The shared key
		// means whichever figure posts first settles the call.
		amount = p.estimator.EstimateForDuration(time.Duration(rec.DurationSeconds) * time.Second)
		p.log.Info("no cost breakdown, settling rated duration",
			"call_id", rec.ID, "duration_seconds", rec.DurationSeconds, "amount_minor", amount)
	default:
		return nil
	}
	_, _, err := p.ledger.Debit(ctx, rec.OrgID, ledger.PostRequest{
		AmountMinor:    amount,
		ExternalRef:    rec.ID,
		IdempotencyKey: ledger.CallCostIdempotencyKey(rec.ID),
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			// The call already happened; the balance going below the
			// cost is an account problem, not an ingestion failure.
			p.log.Warn("cost exceeds remaining credits", "call_id", rec.ID, "org_id", rec.OrgID, "amount_minor", amount)
			return nil
		}
		return err
	}
	return nil
}

func (p *Pipeline) createCallback(ctx context.Context, rec calls.CallRecord, ev calls.WebhookEvent) error {
	due := p.clock().UTC()
	if ev.CallbackAt != nil {
		due = *ev.CallbackAt
	}
	snapshot, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.store.CreateCallback(ctx, calls.Callback{
		ID:       uuid.NewString(),
		CallID:   rec.ID,
		OrgID:    rec.OrgID,
		AgentID:  rec.AgentID,
		ToNumber: rec.ToNumber,
		Snapshot: snapshot,
		DueAt:    due,
	})
}
