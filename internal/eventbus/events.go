package eventbus

import (
	"encoding/json"
	"time"
)

// EventType identifies a lifecycle event on the bus.
type EventType string

const (
	TaskCreated           EventType = "task.created"
	TaskStatusChanged     EventType = "task.status_changed"
	TaskDispatched        EventType = "task.dispatched"
	TaskCompleted         EventType = "task.completed"
	TaskStalled           EventType = "task.stalled"
	TaskEscalated         EventType = "task.escalated"
	TaskCancelled         EventType = "task.cancelled"
	ConfirmationRequested EventType = "confirmation.requested"
	ConfirmationResolved  EventType = "confirmation.resolved"
)

// EventMessage is the serialized envelope published on the bus.
type EventMessage struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

type TaskCreatedData struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
	Mode   string `json:"mode"`
}

type TaskStatusChangedData struct {
	TaskID    string `json:"task_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason"`
}

type TaskDispatchedData struct {
	TaskID string `json:"task_id"`
	Worker string `json:"worker"`
}

type TaskCompletedData struct {
	TaskID     string   `json:"task_id"`
	Outcome    string   `json:"outcome"`
	Reason     string   `json:"reason"`
	ResultRefs []string `json:"result_refs,omitempty"`
}

type TaskStalledData struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

type TaskEscalatedData struct {
	TaskID     string `json:"task_id"`
	Decision   string `json:"decision"`
	Target     string `json:"target"`
	Confidence string `json:"confidence"`
}

type TaskCancelledData struct {
	TaskID string `json:"task_id"`
}

type ConfirmationRequestedData struct {
	TaskID         string `json:"task_id"`
	ConfirmationID string `json:"confirmation_id"`
}

type ConfirmationResolvedData struct {
	TaskID         string `json:"task_id"`
	ConfirmationID string `json:"confirmation_id"`
	Decision       string `json:"decision"`
}

// inferEventType maps a payload struct to its event type.
func inferEventType(data any) EventType {
	switch data.(type) {
	case TaskCreatedData, *TaskCreatedData:
		return TaskCreated
	case TaskStatusChangedData, *TaskStatusChangedData:
		return TaskStatusChanged
	case TaskDispatchedData, *TaskDispatchedData:
		return TaskDispatched
	case TaskCompletedData, *TaskCompletedData:
		return TaskCompleted
	case TaskStalledData, *TaskStalledData:
		return TaskStalled
	case TaskEscalatedData, *TaskEscalatedData:
		return TaskEscalated
	case TaskCancelledData, *TaskCancelledData:
		return TaskCancelled
	case ConfirmationRequestedData, *ConfirmationRequestedData:
		return ConfirmationRequested
	case ConfirmationResolvedData, *ConfirmationResolvedData:
		return ConfirmationResolved
	default:
		return ""
	}
}
