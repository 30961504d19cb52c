// Package watchdog closes out calls that never produced a connection
// signal. The dialer arms one check per call on the delay queue; when it
// fires, the checker either finds evidence the call progressed and does
// nothing, or folds a synthetic timeout event and fails the call.
package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/notify"
	"voiceagent-platform/internal/queue"
)

// JobTypeCheck is the job type the dialer enqueues on queue.WatchdogQueue.
const JobTypeCheck = "timeout-check"

// TimeoutReason is recorded on records failed by the watchdog.
const TimeoutReason = "no connection signal within timeout"

// CheckPayload identifies the call a fired check inspects.
type CheckPayload struct {
	CallID     string `json:"call_id"`
	ExternalID string `json:"external_id"`
}

// Checker consumes fired timeout checks.
type Checker struct {
	store    calls.Store
	notifier notify.Notifier
	log      *slog.Logger
	clock    func() time.Time
}

func NewChecker(store calls.Store, notifier notify.Notifier, log *slog.Logger) *Checker {
	return &Checker{
		store:    store,
		notifier: notifier,
		log:      log,
		clock:    time.Now,
	}
}

// Handle inspects one fired check. The check is satisfied — a no-op —
// when the record is already terminal or the event log holds a
// connection signal; a connected call is allowed to run however long it
// runs, the watchdog only covers the gap between originate and the first
// signal. Otherwise it folds the synthetic timeout event, which the
// status lattice makes a no-op if a real terminal event wins the race.
func (c *Checker) Handle(ctx context.Context, job queue.Job) error {
	var p CheckPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.CallID == "" {
		c.log.Error("undecodable timeout check dropped", "job_id", job.ID, "error", err)
		return nil
	}

	rec, err := c.store.Get(ctx, p.CallID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.log.Warn("timeout check for unknown call dropped", "call_id", p.CallID)
			return nil
		}
		return err
	}

	if rec.Status.Terminal() {
		return nil
	}
	if rec.HasEvent(calls.EventPhoneCallConnected) {
		c.log.Debug("timeout check satisfied", "call_id", p.CallID, "status", rec.Status)
		return nil
	}

	out, err := c.store.ApplyEventByID(ctx, p.CallID, calls.WebhookEvent{
		Type:        calls.EventCallTimeout,
		ExternalID:  p.ExternalID,
		ReceivedAt:  c.clock().UTC(),
		ErrorReason: TimeoutReason,
	})
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return nil
		}
		return err
	}
	if !out.StatusChanged {
		return nil
	}

	c.log.Info("call timed out", "call_id", p.CallID, "org_id", out.Record.OrgID)
	if c.notifier != nil {
		if nerr := c.notifier.Notify(ctx, notify.Notification{
			OrgID:   out.Record.OrgID,
			Kind:    notify.KindCallTimeout,
			Title:   "Call timed out",
			Message: "Call to " + out.Record.ToNumber + " got no connection signal and was marked failed.",
			CallID:  p.CallID,
		}); nerr != nil {
			c.log.Warn("timeout notification failed", "call_id", p.CallID, "error", nerr)
		}
	}
	return nil
}
