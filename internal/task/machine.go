package task

import (
	"fmt"

	"github.com/taskforge/taskforge/pkg/cerr"
)

// transitions is the status transition table. Any transition not listed
// here is illegal. Done has no outgoing transitions; Blocked only leaves
// through resolution back to InProgress, and never once terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusReview, StatusBlocked},
	StatusReview:     {StatusDone, StatusInProgress},
	StatusBlocked:    {StatusInProgress},
	StatusDone:       {},
}

// CanTransition reports whether the transition table allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NewInvalidTransitionError builds the error returned when a status change
// violates the transition table.
func NewInvalidTransitionError(id string, from, to Status) error {
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("invalid transition %s -> %s for task %s", from, to, id), nil)
}

// IsInvalidTransition reports whether err is a transition table violation.
func IsInvalidTransition(err error) bool {
	return cerr.IsCode(err, cerr.FailedPrecondition)
}

// validateTransition checks a proposed status change against the table and
// the record-level invariants.
func validateTransition(current *Task, next *Task) error {
	if current.IsTerminal() {
		return NewInvalidTransitionError(current.ID, current.Status, next.Status)
	}
	if !CanTransition(current.Status, next.Status) {
		return NewInvalidTransitionError(current.ID, current.Status, next.Status)
	}
	if next.Status == StatusDone && !next.ChecklistComplete() {
		return cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %s cannot be done with incomplete checklist", current.ID), nil)
	}
	return nil
}

// validateRecord enforces invariants that must hold after every mutation.
func validateRecord(t *Task) error {
	if (t.Status == StatusInProgress || t.Status == StatusReview) && t.Assignee == "" {
		return cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %s in status %s requires an assignee", t.ID, t.Status), nil)
	}
	return nil
}
