package confirmation

import "context"

type Repository interface {
	Create(ctx context.Context, c *Confirmation) error
	Get(ctx context.Context, id string) (*Confirmation, error)
	// GetPendingByTask returns the task's pending confirmation, NotFound
	// if there is none. A task has at most one pending confirmation.
	GetPendingByTask(ctx context.Context, taskID string) (*Confirmation, error)
	Update(ctx context.Context, c *Confirmation) error
	// CancelPendingByTask cancels all pending confirmations for the task
	// and returns how many were cancelled.
	CancelPendingByTask(ctx context.Context, taskID string) (int, error)
}
