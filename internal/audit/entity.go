package audit

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind discriminates the two audit record types.
type Kind string

const (
	KindDelegation Kind = "delegation"
	KindEscalation Kind = "escalation"
)

// DelegationRecord captures one delegation decision.
type DelegationRecord struct {
	From   string `yaml:"from" json:"from"`
	To     string `yaml:"to" json:"to"`
	Reason string `yaml:"reason" json:"reason"`
	Mode   string `yaml:"mode" json:"mode"`
}

// EscalationRecord captures one escalation decision.
type EscalationRecord struct {
	CauseKind  string `yaml:"cause_kind" json:"cause_kind"`
	Confidence string `yaml:"confidence" json:"confidence"`
	Decision   string `yaml:"decision" json:"decision"`
	Target     string `yaml:"target" json:"target"`
}

// Event is one append-only audit entry for a task. Events are never
// mutated after creation; ULID ids break timestamp ties so the per-task
// order is total.
type Event struct {
	ID         string            `yaml:"id" json:"id"`
	TaskID     string            `yaml:"task_id" json:"task_id"`
	Kind       Kind              `yaml:"kind" json:"kind"`
	Timestamp  time.Time         `yaml:"timestamp" json:"timestamp"`
	Delegation *DelegationRecord `yaml:"delegation,omitempty" json:"delegation,omitempty"`
	Escalation *EscalationRecord `yaml:"escalation,omitempty" json:"escalation,omitempty"`
}

// NewDelegation builds a delegation audit event.
func NewDelegation(taskID, from, to, reason, mode string) *Event {
	return &Event{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Kind:      KindDelegation,
		Timestamp: time.Now(),
		Delegation: &DelegationRecord{
			From:   from,
			To:     to,
			Reason: reason,
			Mode:   mode,
		},
	}
}

// NewEscalation builds an escalation audit event.
func NewEscalation(taskID, causeKind, confidence, decision, target string) *Event {
	return &Event{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Kind:      KindEscalation,
		Timestamp: time.Now(),
		Escalation: &EscalationRecord{
			CauseKind:  causeKind,
			Confidence: confidence,
			Decision:   decision,
			Target:     target,
		},
	}
}
