package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/queue"
	"voiceagent-platform/internal/telephony"
	"voiceagent-platform/internal/watchdog"

	"github.com/google/uuid"
)

// WorkerConfig carries the tunables the worker needs.
type WorkerConfig struct {
	// PublicBaseURL is where carriers reach the status-callback endpoint.
	PublicBaseURL string
	WatchdogDelay time.Duration
}

// Worker executes dial jobs. The same Process method runs under the
// queue pool and in-process when the queue is down, so nothing here may
// assume queue-only invocation.
type Worker struct {
	cfg     WorkerConfig
	store   calls.Store
	backend telephony.Provider // AI backend originate (carrier-direct path)
	sip     telephony.Provider // signaling originate (sip-trunk path)
	tokens  *telephony.CallbackTokens
	delayed queue.DelayQueue
	replier queue.Replier
	claimer Claimer
	limiter Limiter
	log     *slog.Logger
	clock   func() time.Time
}

func NewWorker(
	cfg WorkerConfig,
	store calls.Store,
	backend, sip telephony.Provider,
	tokens *telephony.CallbackTokens,
	delayed queue.DelayQueue,
	replier queue.Replier,
	claimer Claimer,
	limiter Limiter,
	log *slog.Logger,
) *Worker {
	if cfg.WatchdogDelay <= 0 {
		cfg.WatchdogDelay = 2 * time.Minute
	}
	return &Worker{
		cfg:     cfg,
		store:   store,
		backend: backend,
		sip:     sip,
		tokens:  tokens,
		delayed: delayed,
		replier: replier,
		claimer: claimer,
		limiter: limiter,
		log:     log,
		clock:   time.Now,
	}
}

// Handle adapts Process to the queue pool. Config errors do not retry:
// the call is already marked failed and re-running cannot fix a missing
// credential.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.log.Error("undecodable dial job dropped", "job_id", job.ID, "error", err)
		return nil
	}

	res, err := w.Process(ctx, payload)
	if err != nil {
		res.Error = err.Error()
	}
	if job.ReplyTo != "" && (err == nil || !retryable(err)) {
		raw, _ := json.Marshal(res)
		if rerr := w.replier.Reply(ctx, job.ReplyTo, raw); rerr != nil {
			w.log.Warn("dial reply failed", "call_id", payload.CallID, "error", rerr)
		}
	}
	if err != nil && !retryable(err) {
		return nil
	}
	return err
}

func retryable(err error) bool {
	return !errors.Is(err, ErrConfig)
}

// Process runs one dial end to end:
//  1. create the Call Record in queued status before any external call
//  2. originate per provider, recording external ids as soon as they exist
//  3. arm the timeout watchdog with an idempotent key
//
// On retry, external-id presence on the record fences the steps that
// already had a side effect.
func (w *Worker) Process(ctx context.Context, payload JobPayload) (Result, error) {
	res := Result{CallID: payload.CallID, Status: string(calls.StatusFailed)}

	if payload.CallID == "" {
		return res, fmt.Errorf("%w: missing call id", ErrConfig)
	}
	rec, err := w.ensureRecord(ctx, payload)
	if err != nil {
		return res, err
	}

	if err := w.validate(payload); err != nil {
		_ = w.store.MarkFailed(ctx, payload.CallID, err.Error(), nil)
		return res, err
	}

	release, ok, err := w.limiter.Acquire(ctx, payload.OrgID)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, fmt.Errorf("%w: org %s", ErrOrgBusy, payload.OrgID)
	}
	defer release()

	switch payload.Provider {
	case calls.ProviderSIPTrunk:
		rec, err = w.dialSIP(ctx, payload, rec)
	default:
		rec, err = w.dialCarrier(ctx, payload, rec)
	}
	if err != nil {
		return res, err
	}

	w.armWatchdog(ctx, rec)

	res.Status = string(rec.Status)
	res.ConversationID = rec.ConversationID
	return res, nil
}

func (w *Worker) validate(p JobPayload) error {
	switch {
	case p.CallID == "" || p.OrgID == "" || p.AgentID == "":
		return fmt.Errorf("%w: missing identifiers", ErrConfig)
	case p.ToNumber == "":
		return fmt.Errorf("%w: missing destination number", ErrConfig)
	case p.FromNumber == "":
		return fmt.Errorf("%w: agent has no phone number", ErrConfig)
	}
	switch p.Provider {
	case calls.ProviderSIPTrunk:
		if p.Credentials.TrunkURI == "" {
			return fmt.Errorf("%w: agent has no SIP trunk configured", ErrConfig)
		}
	default:
		if p.Credentials.AccountSID == "" || p.Credentials.AuthToken == "" {
			return fmt.Errorf("%w: agent has no carrier credentials", ErrConfig)
		}
	}
	return nil
}

func (w *Worker) ensureRecord(ctx context.Context, p JobPayload) (calls.CallRecord, error) {
	rec, err := w.store.Get(ctx, p.CallID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, calls.ErrNotFound) {
		return calls.CallRecord{}, err
	}

	provider := p.Provider
	if provider == "" {
		provider = calls.ProviderCarrierDirect
	}
	rec = calls.CallRecord{
		ID:         p.CallID,
		OrgID:      p.OrgID,
		AgentID:    p.AgentID,
		Direction:  calls.DirectionOutbound,
		Provider:   provider,
		FromNumber: p.FromNumber,
		ToNumber:   p.ToNumber,
		Status:     calls.StatusQueued,
	}
	if err := w.store.Create(ctx, rec); err != nil {
		return calls.CallRecord{}, err
	}
	return rec, nil
}

func (w *Worker) dialCarrier(ctx context.Context, p JobPayload, rec calls.CallRecord) (calls.CallRecord, error) {
	// Fence: a conversation id means a previous attempt already reached
	// the backend; never re-dial.
	if rec.ConversationID != "" {
		return rec, nil
	}

	req := telephony.DialRequest{
		CallID:      p.CallID,
		OrgID:       p.OrgID,
		AgentID:     p.AgentID,
		FromNumber:  p.FromNumber,
		ToNumber:    p.ToNumber,
		AgentConfig: p.Config,
		Credentials: p.Credentials,
		Variables:   p.Variables,
	}
	if w.tokens != nil && w.cfg.PublicBaseURL != "" {
		url, err := w.tokens.CallbackURL(w.cfg.PublicBaseURL, p.CallID, p.OrgID)
		if err != nil {
			return rec, err
		}
		req.StatusCallbackURL = url
	}

	out, err := w.backend.Dial(ctx, req)
	if err != nil {
		_ = w.store.MarkFailed(ctx, p.CallID, "originate failed: "+err.Error(), nil)
		return rec, err
	}

	// Record ids immediately: webhooks may beat the worker's return.
	if out.CarrierCallID != "" {
		if err := w.store.SetCarrierCallID(ctx, p.CallID, out.CarrierCallID); err != nil && !errors.Is(err, calls.ErrAlreadySet) {
			return rec, err
		}
		rec.CarrierCallID = out.CarrierCallID
	}
	if err := w.store.SetConversationID(ctx, p.CallID, out.ConversationID); err != nil && !errors.Is(err, calls.ErrAlreadySet) {
		return rec, err
	}
	rec.ConversationID = out.ConversationID
	return rec, nil
}

func (w *Worker) dialSIP(ctx context.Context, p JobPayload, rec calls.CallRecord) (calls.CallRecord, error) {
	// A placeholder id keeps the record resolvable before the backend
	// assigns the real conversation id.
	if rec.ConversationID == "" {
		placeholder := calls.SIPPlaceholderPrefix + uuid.NewString()
		if err := w.store.SetConversationID(ctx, p.CallID, placeholder); err != nil && !errors.Is(err, calls.ErrAlreadySet) {
			return rec, err
		}
		rec.ConversationID = placeholder
	}

	if isSIPPlaceholder(rec.ConversationID) {
		out, err := w.backend.Dial(ctx, telephony.DialRequest{
			CallID:      p.CallID,
			OrgID:       p.OrgID,
			AgentID:     p.AgentID,
			FromNumber:  p.FromNumber,
			ToNumber:    p.ToNumber,
			AgentConfig: p.Config,
			Variables:   p.Variables,
		})
		if err != nil {
			_ = w.store.MarkFailed(ctx, p.CallID, "backend session failed: "+err.Error(), nil)
			return rec, err
		}
		if err := w.store.SetConversationID(ctx, p.CallID, out.ConversationID); err != nil && !errors.Is(err, calls.ErrAlreadySet) {
			return rec, err
		}
		rec.ConversationID = out.ConversationID
	}

	// Originate over the trunk exactly once: the claim is the fence, so a
	// retried job cannot ring the callee twice.
	claimed, err := w.claimer.Claim(ctx, "sip-originate-"+p.CallID, p.CallID, time.Hour)
	if err != nil {
		return rec, err
	}
	if claimed {
		_, err := w.sip.Dial(ctx, telephony.DialRequest{
			CallID:         p.CallID,
			OrgID:          p.OrgID,
			AgentID:        p.AgentID,
			FromNumber:     p.FromNumber,
			ToNumber:       p.ToNumber,
			ConversationID: rec.ConversationID,
			Credentials:    p.Credentials,
		})
		if err != nil {
			// The trunk may already be ringing; the claim blocks a
			// re-originate, so this failure is terminal for the call.
			_ = w.store.MarkFailed(ctx, p.CallID, "sip originate failed: "+err.Error(), nil)
			return rec, fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	return rec, nil
}

func (w *Worker) armWatchdog(ctx context.Context, rec calls.CallRecord) {
	key := "timeout-check-" + rec.ID
	claimed, err := w.claimer.Claim(ctx, key, rec.ID, 2*w.cfg.WatchdogDelay)
	if err != nil {
		w.log.Warn("watchdog claim failed", "call_id", rec.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	job, err := queue.NewJob(watchdog.JobTypeCheck, watchdog.CheckPayload{
		CallID:     rec.ID,
		ExternalID: rec.ConversationID,
	})
	if err != nil {
		w.log.Error("watchdog job build failed", "call_id", rec.ID, "error", err)
		return
	}
	if err := w.delayed.PushWithDelay(ctx, queue.WatchdogQueue, w.cfg.WatchdogDelay, job); err != nil {
		// Best-effort: a missed watchdog means a stuck queued record, not
		// a wrong one.
		w.log.Error("watchdog arm failed", "call_id", rec.ID, "error", err)
	}
}

func isSIPPlaceholder(conversationID string) bool {
	return len(conversationID) > len(calls.SIPPlaceholderPrefix) &&
		conversationID[:len(calls.SIPPlaceholderPrefix)] == calls.SIPPlaceholderPrefix
}
