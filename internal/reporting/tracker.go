package reporting

import (
	"context"
	"sync"
	"time"

	"voiceagent-platform/internal/calls"
)

// LiveTracker keeps the last known status of every call per org. The
// webhook pipeline feeds it as its status sink, so the snapshot reflects
// folds the moment they land, without a database read.
type LiveTracker struct {
	mu    sync.Mutex
	byOrg map[string]map[string]trackedCall
	clock func() time.Time
}

type trackedCall struct {
	status    calls.CallStatus
	updatedAt time.Time
}

func NewLiveTracker() *LiveTracker {
	return &LiveTracker{
		byOrg: make(map[string]map[string]trackedCall),
		clock: time.Now,
	}
}

// OnCallUpdated records the call's current status. Redelivered events
// fold to the same status, so repeat calls are harmless.
func (t *LiveTracker) OnCallUpdated(ctx context.Context, rec calls.CallRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	org := t.byOrg[rec.OrgID]
	if org == nil {
		org = make(map[string]trackedCall)
		t.byOrg[rec.OrgID] = org
	}
	org[rec.ID] = trackedCall{status: rec.Status, updatedAt: t.clock().UTC()}
}

// Snapshot returns the org's current call counts by status.
func (t *LiveTracker) Snapshot(orgID string) LiveSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := LiveSnapshot{
		OrgID:    orgID,
		ByStatus: make(map[string]int),
		TakenAt:  t.clock().UTC(),
	}
	for _, tc := range t.byOrg[orgID] {
		snap.ByStatus[string(tc.status)]++
		if !tc.status.Terminal() {
			snap.ActiveCalls++
		}
	}
	return snap
}

// PruneLoop runs Prune on a ticker until ctx is cancelled. Retention is
// how long a finished call stays visible in the snapshot; without this
// loop the tracker grows with every call the process ever saw.
func (t *LiveTracker) PruneLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.Prune(retention)
	}
}

// Prune drops terminal calls that last changed before the cutoff so the
// tracker does not grow with call history. Live calls are never pruned.
func (t *LiveTracker) Prune(olderThan time.Duration) {
	cutoff := t.clock().UTC().Add(-olderThan)
	t.mu.Lock()
	defer t.mu.Unlock()
	for orgID, org := range t.byOrg {
		for id, tc := range org {
			if tc.status.Terminal() && tc.updatedAt.Before(cutoff) {
				delete(org, id)
			}
		}
		if len(org) == 0 {
			delete(t.byOrg, orgID)
		}
	}
}
