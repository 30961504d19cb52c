package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"voiceagent-platform/internal/calls"
	"voiceagent-platform/internal/notify"

	"github.com/google/uuid"
)

// NodeHandler runs one node. exitHandle selects the outgoing edge;
// output lands in the execution's output map under the node's id and
// alias. An error fails the whole firing at this node.
type NodeHandler interface {
	Execute(ctx context.Context, node Node, ec *ExecContext) (exitHandle string, output map[string]any, err error)
}

// Executor walks one matched workflow depth-first, one node at a time.
// Handlers are a closed registry built at construction; there are no
// package-level registrations.
type Executor struct {
	executions ExecutionStore
	handlers   map[NodeType]NodeHandler
	notifier   notify.Notifier
	log        *slog.Logger
	clock      func() time.Time
}

func NewExecutor(executions ExecutionStore, handlers map[NodeType]NodeHandler, notifier notify.Notifier, log *slog.Logger) *Executor {
	return &Executor{
		executions: executions,
		handlers:   handlers,
		notifier:   notifier,
		log:        log,
		clock:      time.Now,
	}
}

// Execute runs one firing of def for rec, starting at the trigger node
// matching eventType. A node failure marks this execution failed and
// stops it; sibling firings for the same event are independent and
// unaffected.
func (e *Executor) Execute(ctx context.Context, def Definition, rec calls.CallRecord, sess Session, eventType string) error {
	trigger, ok := def.TriggerNode(eventType)
	if !ok {
		return nil
	}

	ec := newExecContext(rec, sess, eventType)
	ex := Execution{
		ID:          uuid.NewString(),
		WorkflowID:  def.ID,
		CallID:      rec.ID,
		OrgID:       rec.OrgID,
		EventType:   eventType,
		CurrentNode: trigger.ID,
		Outputs:     ec.Outputs,
		Status:      ExecutionRunning,
		StartedAt:   e.clock().UTC(),
	}
	if err := e.executions.CreateExecution(ctx, ex); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}

	current := trigger
	for {
		handler, ok := e.handlers[current.Type]
		if !ok {
			return e.fail(ctx, ex, fmt.Errorf("no handler for node type %q", current.Type))
		}
		ex.CurrentNode = current.ID

		handle, output, err := handler.Execute(ctx, current, ec)
		if err != nil {
			return e.fail(ctx, ex, fmt.Errorf("node %s (%s): %w", current.ID, current.Type, err))
		}
		if output != nil {
			ec.Outputs[current.ID] = output
			if current.Alias != "" {
				ec.Outputs[current.Alias] = output
			}
		}
		if err := e.executions.UpdateExecution(ctx, ex); err != nil {
			// Progress writes are detail; the walk continues.
			e.log.Warn("execution progress write failed", "execution_id", ex.ID, "error", err)
		}

		next, ok := e.nextNode(def, current.ID, handle)
		if !ok {
			break
		}
		current = next
	}

	now := e.clock().UTC()
	ex.Status = ExecutionCompleted
	ex.FinishedAt = &now
	if err := e.executions.UpdateExecution(ctx, ex); err != nil {
		e.log.Warn("execution close write failed", "execution_id", ex.ID, "error", err)
	}
	e.log.Info("workflow completed",
		"workflow_id", def.ID, "execution_id", ex.ID, "call_id", rec.ID, "event_type", eventType)
	return nil
}

// nextNode picks the outgoing edge for handle: exact sourceHandle match
// first; an empty handle also accepts the edge labeled "default" or one
// with no label. No usable edge ends the path, which is not an error.
func (e *Executor) nextNode(def Definition, sourceID, handle string) (Node, bool) {
	var fallback *Edge
	for i, edge := range def.Edges {
		if edge.Source != sourceID {
			continue
		}
		if edge.SourceHandle == handle {
			return def.NodeByID(edge.Target)
		}
		if handle == "" && edge.SourceHandle == "default" && fallback == nil {
			fallback = &def.Edges[i]
		}
	}
	if fallback != nil {
		return def.NodeByID(fallback.Target)
	}
	return Node{}, false
}

func (e *Executor) fail(ctx context.Context, ex Execution, cause error) error {
	now := e.clock().UTC()
	ex.Status = ExecutionFailed
	ex.Error = cause.Error()
	ex.FinishedAt = &now
	if err := e.executions.UpdateExecution(ctx, ex); err != nil {
		e.log.Error("failed-execution write failed", "execution_id", ex.ID, "error", err)
	}
	e.log.Error("workflow failed",
		"workflow_id", ex.WorkflowID, "execution_id", ex.ID, "call_id", ex.CallID,
		"node", ex.CurrentNode, "error", cause)

	if e.notifier != nil {
		_ = e.notifier.Notify(ctx, notify.Notification{
			OrgID:   ex.OrgID,
			Kind:    notify.KindWorkflowFailed,
			Title:   "Workflow failed",
			Message: cause.Error(),
			CallID:  ex.CallID,
		})
	}
	return cause
}
