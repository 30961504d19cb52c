package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Notification is an org-scoped operational message (call timed out,
// credits exhausted). Delivery is best-effort; nothing in the call
// pipeline waits on it or fails because of it.
type Notification struct {
	OrgID   string
	Kind    string
	Title   string
	Message string
	CallID  string
}

const (
	KindCallTimeout    = "call_timeout"
	KindCreditsLow     = "credits_low"
	KindWorkflowFailed = "workflow_failed"
)

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the
// default sink until a push/webhook channel is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.Log.Info("notification",
		"org_id", n.OrgID,
		"kind", n.Kind,
		"title", n.Title,
		"message", n.Message,
		"call_id", n.CallID,
	)
	return nil
}

// MemoryNotifier collects notifications for tests.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (m *MemoryNotifier) Notify(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

func (m *MemoryNotifier) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}
