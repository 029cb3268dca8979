package dispatch

import (
	"context"
	"log/slog"

	"github.com/taskforge/taskforge/internal/audit"
	"github.com/taskforge/taskforge/internal/eventbus"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/worker"
)

// Dispatcher hands tasks to workers. A successful dispatch reaches the
// worker, moves the record to InProgress with the assignee set in one
// versioned update, and appends a delegation event.
type Dispatcher struct {
	store    *task.Store
	executor Executor
	audit    audit.Repository
	bus      *eventbus.EventBus
}

func NewDispatcher(store *task.Store, executor Executor, auditRepo audit.Repository, bus *eventbus.EventBus) *Dispatcher {
	return &Dispatcher{
		store:    store,
		executor: executor,
		audit:    auditRepo,
		bus:      bus,
	}
}

// Dispatch sends the task reference to the worker and records the
// delegation. The reason string explains the routing choice in the audit
// trail; from names the delegating party.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Task, w *worker.Descriptor, mode task.Mode, from, reason string) (*audit.Event, error) {
	if err := d.executor.Execute(ctx, w, t.ID); err != nil {
		return nil, err
	}

	updated, err := d.store.Update(ctx, t.ID, t.Version, func(rec *task.Task) error {
		rec.Status = task.StatusInProgress
		rec.Assignee = w.Slug
		rec.Mode = mode
		return nil
	})
	if err != nil {
		return nil, err
	}

	event := audit.NewDelegation(t.ID, from, w.Slug, reason, string(mode))
	if err := d.audit.Append(ctx, event); err != nil {
		return nil, err
	}
	if d.bus != nil {
		if err := d.bus.Publish(ctx, "dispatcher", &eventbus.TaskDispatchedData{
			TaskID: updated.ID,
			Worker: w.Slug,
		}); err != nil {
			slog.WarnContext(ctx, "failed to publish dispatch event", "task_id", updated.ID, "error", err)
		}
	}
	return event, nil
}
