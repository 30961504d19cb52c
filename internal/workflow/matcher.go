package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/tasks"

	gocache "github.com/patrickmn/go-cache"
)

// Matcher finds the workflows a webhook event fires. It runs detached
// from the webhook response (the pipeline calls it on the task runner),
// so its own failures only ever cost workflow firings, never a 200.
type Matcher struct {
	store    calls.Store
	defs     DefinitionSource
	sessions SessionStore
	executor *Executor
	runner   *tasks.Runner
	cache    *gocache.Cache
	log      *slog.Logger
}

// defCacheTTL bounds how stale the per-agent workflow list may be. A
// freshly toggled workflow starts/stops firing within this window.
const defCacheTTL = 30 * time.Second

func NewMatcher(
	store calls.Store,
	defs DefinitionSource,
	sessions SessionStore,
	executor *Executor,
	runner *tasks.Runner,
	log *slog.Logger,
) *Matcher {
	return &Matcher{
		store:    store,
		defs:     defs,
		sessions: sessions,
		executor: executor,
		runner:   runner,
		cache:    gocache.New(defCacheTTL, 2*defCacheTTL),
		log:      log,
	}
}

// Match resolves the session and agent for callID and dispatches every
// active workflow whose trigger matches eventType, each firing
// independently and concurrently.
func (m *Matcher) Match(ctx context.Context, callID, eventType, orgID string) error {
	rec, err := m.store.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			m.log.Warn("trigger match for unknown call dropped", "call_id", callID)
			return nil
		}
		return err
	}

	sess, created, err := m.sessions.GetOrCreateSession(ctx, Session{
		CallID:     rec.ID,
		ExternalID: rec.ConversationID,
		OrgID:      rec.OrgID,
		AgentID:    rec.AgentID,
	})
	if err != nil {
		return err
	}
	if created {
		m.log.Debug("call session created", "call_id", rec.ID, "agent_id", rec.AgentID)
	}
	// Record the triggering payload on the session so node handlers can
	// look back at it alongside earlier events.
	if raw := latestPayload(rec, eventType); raw != nil {
		if updated, err := m.sessions.AppendPayload(ctx, rec.ID, raw); err != nil {
			m.log.Warn("session payload append failed", "call_id", rec.ID, "error", err)
		} else {
			sess = updated
		}
	}

	defs, err := m.agentWorkflows(ctx, rec.OrgID, rec.AgentID)
	if err != nil {
		return err
	}

	matched := 0
	for _, def := range defs {
		if !def.Active {
			continue
		}
		if _, ok := def.TriggerNode(eventType); !ok {
			continue
		}
		matched++
		def := def
		m.runner.Go("workflow-"+def.ID, func(ctx context.Context) error {
			return m.executor.Execute(ctx, def, rec, sess, eventType)
		})
	}
	if matched > 0 {
		m.log.Info("workflows matched",
			"call_id", rec.ID, "event_type", eventType, "agent_id", rec.AgentID, "count", matched)
	}
	return nil
}

func (m *Matcher) agentWorkflows(ctx context.Context, orgID, agentID string) ([]Definition, error) {
	key := orgID + "/" + agentID
	if cached, ok := m.cache.Get(key); ok {
		return cached.([]Definition), nil
	}
	defs, err := m.defs.ListAgentWorkflows(ctx, orgID, agentID)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, defs, gocache.DefaultExpiration)
	return defs, nil
}

// latestPayload finds the newest logged event of the triggering type.
func latestPayload(rec calls.CallRecord, eventType string) []byte {
	for i := len(rec.Events) - 1; i >= 0; i-- {
		if rec.Events[i].Type == eventType {
			return rec.Events[i].Payload
		}
	}
	return nil
}
