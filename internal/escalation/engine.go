package escalation

import (
	"context"
	"log/slog"
	"strings"

	"github.com/taskforge/taskforge/internal/audit"
	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/eventbus"
	"github.com/taskforge/taskforge/internal/policy"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/worker"
)

// CauseKind names the failure classes the engine handles.
type CauseKind string

const (
	CauseDispatchFailure   CauseKind = "DispatchFailure"
	CauseWorkerBlocker     CauseKind = "WorkerReportedBlocker"
	CauseStallDetected     CauseKind = "StallDetected"
	CauseInvalidTransition CauseKind = "InvalidTransitionAttempt"
	CauseSafetyViolation   CauseKind = "SafetyViolation"
)

// DecisionKind is what the engine decided to do about a failure.
type DecisionKind string

const (
	DecisionRetry     DecisionKind = "retry"
	DecisionEscalate  DecisionKind = "escalate"
	DecisionAskCaller DecisionKind = "ask_caller"
)

// Event is one failure signal routed to the engine.
type Event struct {
	Task   *task.Task
	Cause  CauseKind
	Reason string
}

// Decision is the engine's verdict. For ask_caller the target and
// confidence describe the proposed plan awaiting confirmation.
type Decision struct {
	Kind       DecisionKind      `json:"kind"`
	Target     string            `json:"target,omitempty"`
	Confidence policy.Confidence `json:"confidence"`
	Reason     string            `json:"reason,omitempty"`
}

// callerTarget is the fallback when a worker names no escalation target.
const callerTarget = "caller"

// knownBlockerPatterns are the blocker descriptions the engine recognizes
// well enough to escalate without asking. Matching is substring based and
// case insensitive.
var knownBlockerPatterns = []string{
	"permission",
	"credential",
	"missing dependency",
	"schema mismatch",
	"quota exceeded",
}

// Engine turns failure events into retry, escalate or ask_caller
// decisions. Every decision is recorded in the audit trail, and retry and
// escalate decisions update the task record.
type Engine struct {
	store      *task.Store
	registry   *worker.Registry
	audit      audit.Repository
	bus        *eventbus.EventBus
	maxRetries int
}

func NewEngine(store *task.Store, registry *worker.Registry, auditRepo audit.Repository, bus *eventbus.EventBus, env *config.OrchestrationEnv) *Engine {
	return &Engine{
		store:      store,
		registry:   registry,
		audit:      auditRepo,
		bus:        bus,
		maxRetries: env.MaxRetries,
	}
}

// Handle runs the decision tree, first match wins:
//  1. safety violations always escalate, never retry
//  2. mechanical causes retry up to the configured max, then escalate
//  3. ambiguous causes are graded and either escalate (High) or defer to
//     the caller (Medium, Low)
//  4. a stall retries once, a second stall escalates
func (e *Engine) Handle(ctx context.Context, ev *Event) (*Decision, error) {
	t := ev.Task
	var d *Decision

	switch ev.Cause {
	case CauseSafetyViolation:
		d = &Decision{
			Kind:       DecisionEscalate,
			Target:     e.topTarget(t),
			Confidence: policy.ConfidenceHigh,
			Reason:     ev.Reason,
		}
	case CauseDispatchFailure, CauseInvalidTransition:
		if t.Retries < e.maxRetries {
			d = &Decision{Kind: DecisionRetry, Confidence: policy.ConfidenceHigh, Reason: ev.Reason}
		} else {
			d = &Decision{
				Kind:       DecisionEscalate,
				Target:     e.topTarget(t),
				Confidence: policy.ConfidenceHigh,
				Reason:     ev.Reason,
			}
		}
	case CauseStallDetected:
		if t.Stalls < 1 {
			d = &Decision{Kind: DecisionRetry, Confidence: policy.ConfidenceHigh, Reason: ev.Reason}
		} else {
			d = &Decision{
				Kind:       DecisionEscalate,
				Target:     e.topTarget(t),
				Confidence: policy.ConfidenceHigh,
				Reason:     ev.Reason,
			}
		}
	default:
		d = e.grade(t, ev)
	}

	if err := e.audit.Append(ctx, audit.NewEscalation(
		t.ID, string(ev.Cause), string(d.Confidence), string(d.Kind), d.Target,
	)); err != nil {
		return nil, err
	}
	if err := e.applyTaskUpdate(ctx, t, ev, d); err != nil {
		return nil, err
	}
	if e.bus != nil {
		if err := e.bus.Publish(ctx, "escalation", &eventbus.TaskEscalatedData{
			TaskID:     t.ID,
			Decision:   string(d.Kind),
			Target:     d.Target,
			Confidence: string(d.Confidence),
		}); err != nil {
			slog.WarnContext(ctx, "failed to publish escalation event", "task_id", t.ID, "error", err)
		}
	}
	return d, nil
}

// grade handles causes that need judgment. A single clear target plus a
// recognized pattern escalates automatically; anything less certain asks
// the caller.
func (e *Engine) grade(t *task.Task, ev *Event) *Decision {
	targets := e.targets(t)
	known := matchesKnownPattern(ev.Reason)

	var confidence policy.Confidence
	switch {
	case !known:
		confidence = policy.ConfidenceLow
	case len(targets) == 1:
		confidence = policy.ConfidenceHigh
	default:
		confidence = policy.ConfidenceMedium
	}

	target := callerTarget
	if len(targets) > 0 {
		target = targets[0]
	}
	if confidence == policy.ConfidenceHigh {
		return &Decision{Kind: DecisionEscalate, Target: target, Confidence: confidence, Reason: ev.Reason}
	}
	return &Decision{Kind: DecisionAskCaller, Target: target, Confidence: confidence, Reason: ev.Reason}
}

func (e *Engine) applyTaskUpdate(ctx context.Context, t *task.Task, ev *Event, d *Decision) error {
	switch d.Kind {
	case DecisionRetry:
		current, err := e.store.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		_, err = e.store.Update(ctx, current.ID, current.Version, func(rec *task.Task) error {
			if ev.Cause == CauseStallDetected {
				rec.Stalls++
			} else {
				rec.Retries++
			}
			return nil
		})
		return err
	case DecisionEscalate:
		_, err := e.store.Terminalize(ctx, t.ID, "Escalated to "+d.Target)
		return err
	default:
		// ask_caller suspends the task; the coordinator opens a
		// confirmation instead of touching the record here.
		return nil
	}
}

func (e *Engine) targets(t *task.Task) []string {
	if t.Assignee == "" {
		return nil
	}
	w, err := e.registry.Get(t.Assignee)
	if err != nil {
		return nil
	}
	return w.EscalationTargets
}

func (e *Engine) topTarget(t *task.Task) string {
	if targets := e.targets(t); len(targets) > 0 {
		return targets[0]
	}
	return callerTarget
}

func matchesKnownPattern(reason string) bool {
	lower := strings.ToLower(reason)
	for _, p := range knownBlockerPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
