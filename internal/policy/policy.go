package policy

import (
	"fmt"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/worker"
	"github.com/taskforge/taskforge/pkg/cerr"
)

// Confidence grades how sure the engine is about an automatic decision.
type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

// Context carries the caller-side signals Decide needs beyond the task
// record itself.
type Context struct {
	// Domain narrows the registry lookup; empty matches every domain.
	Domain string
	// PriorConfidence is the coordinator's assessment of the plan the
	// task belongs to. Low or Medium defers the decision to the caller.
	PriorConfidence Confidence
	// DependsOnTracked marks a task that consumes the output of another
	// tracked task.
	DependsOnTracked bool
}

// Decision is the outcome of Decide. When NeedsConfirmation is set the
// worker and mode are the proposed plan, not a committed one.
type Decision struct {
	Worker            *worker.Descriptor
	Mode              task.Mode
	NeedsConfirmation bool
	Confidence        Confidence
}

// Policy picks a worker and a delegation mode for a task. It is
// deterministic: the same task, context and registry snapshot always
// produce the same decision.
type Policy struct {
	registry            *worker.Registry
	trackedChecklistMin int
	confidenceTieCount  int
}

func New(registry *worker.Registry, env *config.OrchestrationEnv) *Policy {
	return &Policy{
		registry:            registry,
		trackedChecklistMin: env.TrackedChecklistMin,
		confidenceTieCount:  env.ConfidenceTieCount,
	}
}

// NewNoCapableWorkerError is returned when no registered worker carries any
// of a task's required tags. The work is surfaced, never dropped.
func NewNoCapableWorkerError(tags []string) error {
	return cerr.NewError(
		cerr.FailedPrecondition,
		fmt.Sprintf("no capable worker for tags %v", tags),
		nil,
	)
}

func IsNoCapableWorker(err error) bool {
	return cerr.IsCode(err, cerr.FailedPrecondition)
}

// Decide selects the top-ranked capable worker and classifies the task as
// tracked or simple. A Low or Medium prior confidence turns the result
// into a confirmation request instead of a committed decision.
func (p *Policy) Decide(t *task.Task, pctx Context) (*Decision, error) {
	candidates := p.registry.Lookup(t.RequiredTags, pctx.Domain)
	if len(candidates) == 0 {
		return nil, NewNoCapableWorkerError(t.RequiredTags)
	}

	mode := task.ModeSimple
	if p.classifyTracked(t, pctx) {
		mode = task.ModeTracked
	}

	d := &Decision{
		Worker:     candidates[0],
		Mode:       mode,
		Confidence: pctx.PriorConfidence,
	}
	if pctx.PriorConfidence == ConfidenceLow || pctx.PriorConfidence == ConfidenceMedium {
		d.NeedsConfirmation = true
	}
	return d, nil
}

func (p *Policy) classifyTracked(t *task.Task, pctx Context) bool {
	if len(t.Checklist) >= p.trackedChecklistMin {
		return true
	}
	if t.HighRisk {
		return true
	}
	return pctx.DependsOnTracked
}

// ScoreConfidence grades an escalation or plan decision from concrete
// signals. No known pattern or no candidate at all is Low; a tie among
// the top-ranked candidates is Medium; a single clear winner is High.
func (p *Policy) ScoreConfidence(tags []string, candidates []*worker.Descriptor, knownPattern bool) Confidence {
	if !knownPattern || len(candidates) == 0 {
		return ConfidenceLow
	}
	top := candidates[0]
	tied := 0
	for _, c := range candidates {
		if c.TagOverlap(tags) == top.TagOverlap(tags) && len(c.CapabilityTags) == len(top.CapabilityTags) {
			tied++
		}
	}
	if tied >= p.confidenceTieCount {
		return ConfidenceMedium
	}
	return ConfidenceHigh
}
