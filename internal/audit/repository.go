package audit

import "context"

type Repository interface {
	// Append adds an event to a task's trail. Events are append-only.
	Append(ctx context.Context, e *Event) error
	// ListByTask returns a task's events ordered by timestamp, ULID as
	// tiebreaker.
	ListByTask(ctx context.Context, taskID string) ([]*Event, error)
}
