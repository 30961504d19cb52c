package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner executes fire-and-forget background tasks. It exists so nothing
// in the codebase spawns a bare goroutine for side work: every task is
// named, panic-safe, bounded by a timeout, and waited on at shutdown.
type Runner struct {
	log     *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewRunner(log *slog.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{log: log, timeout: timeout}
}

// Go runs fn on its own goroutine. Errors and panics are captured and
// logged; they never reach the caller, which is the point: webhook
// acknowledgement must not depend on trigger matching finishing.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Warn("task rejected, runner closed", "task", name)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("task panicked", "task", name, "panic", fmt.Sprint(rec))
			}
		}()

		start := time.Now()
		if err := fn(ctx); err != nil {
			r.log.Error("task failed", "task", name, "duration", time.Since(start), "error", err)
			return
		}
		r.log.Debug("task finished", "task", name, "duration", time.Since(start))
	}()
}

// Close stops accepting tasks and waits for in-flight ones.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
