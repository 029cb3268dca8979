package task

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
	StatusBlocked    Status = "BLOCKED"
)

// Mode is the delegation mode chosen for a task.
type Mode string

const (
	// ModeSimple is fire-and-forget delegation without lifecycle tracking.
	ModeSimple Mode = "simple"
	// ModeTracked is full checklist/status lifecycle tracking.
	ModeTracked Mode = "tracked"
)

// ChecklistStep is one ordered step of a tracked task's checklist.
type ChecklistStep struct {
	Title string `yaml:"title" json:"title"`
	Done  bool   `yaml:"done" json:"done"`
}

// Task is the unit of delegated work. Records are never deleted, only
// terminalized; Version implements optimistic locking.
type Task struct {
	ID                 string          `yaml:"id" json:"id"`
	Title              string          `yaml:"title" json:"title"`
	Objective          string          `yaml:"objective" json:"objective"`
	AcceptanceCriteria string          `yaml:"acceptance_criteria" json:"acceptance_criteria"`
	Status             Status          `yaml:"status" json:"status"`
	Mode               Mode            `yaml:"mode" json:"mode"`
	Assignee           string          `yaml:"assignee" json:"assignee"`
	CoordinatorRef     string          `yaml:"coordinator_ref" json:"coordinator_ref"`
	Checklist          []ChecklistStep `yaml:"checklist" json:"checklist"`
	ContextRefs        []string        `yaml:"context_refs" json:"context_refs"`
	RequiredTags       []string        `yaml:"required_tags" json:"required_tags"`
	HighRisk           bool            `yaml:"high_risk" json:"high_risk"`
	BlockedReason      string          `yaml:"blocked_reason,omitempty" json:"blocked_reason,omitempty"`
	// Terminal marks a Blocked task that exhausted its escalation paths
	// (or was cancelled); terminal tasks accept no further transitions.
	Terminal  bool      `yaml:"terminal" json:"terminal"`
	Retries   int       `yaml:"retries" json:"retries"`
	Stalls    int       `yaml:"stalls" json:"stalls"`
	Version   int64     `yaml:"version" json:"version"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// ChecklistComplete reports whether every checklist step is done. An empty
// checklist counts as complete.
func (t *Task) ChecklistComplete() bool {
	for _, step := range t.Checklist {
		if !step.Done {
			return false
		}
	}
	return true
}

// IsTerminal reports whether the task accepts no further transitions.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusDone || (t.Status == StatusBlocked && t.Terminal)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Checklist = make([]ChecklistStep, len(t.Checklist))
	copy(c.Checklist, t.Checklist)
	c.ContextRefs = append([]string(nil), t.ContextRefs...)
	c.RequiredTags = append([]string(nil), t.RequiredTags...)
	return &c
}
