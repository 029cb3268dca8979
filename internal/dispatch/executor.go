package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/taskforge/taskforge/internal/worker"
	"github.com/taskforge/taskforge/pkg/cerr"
)

// Executor hands a task reference to a worker's execution interface. The
// worker pulls the full record from the task store by id, so only the id
// crosses the wire.
type Executor interface {
	Execute(ctx context.Context, w *worker.Descriptor, taskID string) error
}

// NewDispatchFailureError marks a transient failure to reach a worker. The
// escalation engine treats it as retryable.
func NewDispatchFailureError(slug string, err error) error {
	return cerr.NewError(
		cerr.Unavailable,
		fmt.Sprintf("failed to dispatch to worker %s", slug),
		err,
	)
}

func IsDispatchFailure(err error) bool {
	return cerr.IsCode(err, cerr.Unavailable)
}

// HTTPExecutor posts the task id to the worker's endpoint.
type HTTPExecutor struct {
	client *http.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type executeRequest struct {
	TaskID string `json:"task_id"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, w *worker.Descriptor, taskID string) error {
	if w.Endpoint == "" {
		return NewDispatchFailureError(w.Slug, fmt.Errorf("worker has no endpoint"))
	}
	body, err := json.Marshal(executeRequest{TaskID: taskID})
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal execute request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to build execute request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return NewDispatchFailureError(w.Slug, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewDispatchFailureError(w.Slug, fmt.Errorf("worker returned status %d", resp.StatusCode))
	}
	return nil
}
