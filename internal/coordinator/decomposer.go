package coordinator

import (
	"fmt"

	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/pkg/cerr"
)

// GoalSpec is the caller's description of what should get done. A goal
// without steps becomes a single task; each step becomes its own task.
type GoalSpec struct {
	Title              string     `json:"title"`
	Objective          string     `json:"objective"`
	AcceptanceCriteria string     `json:"acceptance_criteria"`
	Domain             string     `json:"domain"`
	RequiredTags       []string   `json:"required_tags"`
	HighRisk           bool       `json:"high_risk"`
	// TimeoutSeconds overrides the configured stall timeout; zero keeps
	// the default.
	TimeoutSeconds int        `json:"timeout_seconds"`
	Steps          []StepSpec `json:"steps"`
}

// StepSpec is one unit of a multi-step goal.
type StepSpec struct {
	Title        string   `json:"title"`
	Objective    string   `json:"objective"`
	RequiredTags []string `json:"required_tags"`
	Checklist    []string `json:"checklist"`
	HighRisk     bool     `json:"high_risk"`
	// DependsOnPrevious links the step to the one before it. The created
	// task references the previous task and inherits its tracking.
	DependsOnPrevious bool `json:"depends_on_previous"`
}

// plannedTask is one decomposed unit awaiting creation.
type plannedTask struct {
	spec              task.CreateSpec
	dependsOnPrevious bool
}

// decompose turns a goal into an ordered task plan. It is purely a
// mapping: no lookups, no io, same plan for the same goal.
func decompose(goal *GoalSpec) ([]plannedTask, error) {
	if goal.Title == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "goal title is required", nil)
	}

	if len(goal.Steps) == 0 {
		return []plannedTask{{
			spec: task.CreateSpec{
				Title:              goal.Title,
				Objective:          goal.Objective,
				AcceptanceCriteria: goal.AcceptanceCriteria,
				RequiredTags:       goal.RequiredTags,
				HighRisk:           goal.HighRisk,
			},
		}}, nil
	}

	planned := make([]plannedTask, 0, len(goal.Steps))
	for i, step := range goal.Steps {
		if step.Title == "" {
			return nil, cerr.NewError(cerr.InvalidArgument,
				fmt.Sprintf("step %d has no title", i+1), nil)
		}
		tags := step.RequiredTags
		if len(tags) == 0 {
			tags = goal.RequiredTags
		}
		planned = append(planned, plannedTask{
			spec: task.CreateSpec{
				Title:              step.Title,
				Objective:          step.Objective,
				AcceptanceCriteria: goal.AcceptanceCriteria,
				RequiredTags:       tags,
				Checklist:          step.Checklist,
				HighRisk:           goal.HighRisk || step.HighRisk,
			},
			dependsOnPrevious: step.DependsOnPrevious,
		})
	}
	return planned, nil
}
