package confirmation

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Status tracks a confirmation request's lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusResolved  Status = "RESOLVED"
	StatusCancelled Status = "CANCELLED"
)

// Decision is the caller's answer to a pending confirmation.
type Decision string

const (
	// DecisionApprove accepts the proposed plan as is.
	DecisionApprove Decision = "approve"
	// DecisionRedirect routes the task to a caller-chosen target instead.
	DecisionRedirect Decision = "redirect"
	// DecisionAbort abandons the task.
	DecisionAbort Decision = "abort"
)

// Kind says what a confirmation is about: delegating a pending task or
// escalating a failed one.
type Kind string

const (
	KindDelegation Kind = "delegation"
	KindEscalation Kind = "escalation"
)

// Confirmation is a suspended ask_caller decision. The task stays parked
// until the caller resolves it or cancels the task.
type Confirmation struct {
	ID         string     `yaml:"id" json:"id"`
	TaskID     string     `yaml:"task_id" json:"task_id"`
	Kind       Kind       `yaml:"kind" json:"kind"`
	Proposal   string     `yaml:"proposal" json:"proposal"`
	Target     string     `yaml:"target" json:"target"`
	// Mode is the proposed delegation mode for delegation confirmations.
	Mode       string     `yaml:"mode,omitempty" json:"mode,omitempty"`
	Confidence string     `yaml:"confidence" json:"confidence"`
	Status     Status     `yaml:"status" json:"status"`
	Decision   Decision   `yaml:"decision,omitempty" json:"decision,omitempty"`
	// RedirectTo is the caller-chosen target when Decision is redirect.
	RedirectTo string     `yaml:"redirect_to,omitempty" json:"redirect_to,omitempty"`
	CreatedAt  time.Time  `yaml:"created_at" json:"created_at"`
	ResolvedAt *time.Time `yaml:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}

// New opens a pending confirmation for a task.
func New(taskID string, kind Kind, proposal, target, confidence string) *Confirmation {
	return &Confirmation{
		ID:         ulid.Make().String(),
		TaskID:     taskID,
		Kind:       kind,
		Proposal:   proposal,
		Target:     target,
		Confidence: confidence,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
}
