package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/confirmation"
	"github.com/taskforge/taskforge/internal/dispatch"
	"github.com/taskforge/taskforge/internal/escalation"
	"github.com/taskforge/taskforge/internal/eventbus"
	"github.com/taskforge/taskforge/internal/monitor"
	"github.com/taskforge/taskforge/internal/policy"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/worker"
	"github.com/taskforge/taskforge/pkg/cerr"
	"github.com/taskforge/taskforge/pkg/panicerr"
)

const source = "coordinator"

// Coordinator ties the pieces together: it decomposes goals into tasks,
// delegates them through the policy and dispatcher, and drives each
// tracked task's lifecycle in its own goroutine so one stalled worker
// never blocks the rest.
type Coordinator struct {
	store         *task.Store
	registry      *worker.Registry
	policy        *policy.Policy
	dispatcher    *dispatch.Dispatcher
	monitor       *monitor.Monitor
	engine        *escalation.Engine
	confirmations confirmation.Repository
	bus           *eventbus.EventBus
	timeout       time.Duration

	mu        sync.Mutex
	ctx       context.Context
	waitGroup *conc.WaitGroup
}

func New(
	store *task.Store,
	registry *worker.Registry,
	p *policy.Policy,
	dispatcher *dispatch.Dispatcher,
	mon *monitor.Monitor,
	engine *escalation.Engine,
	confirmations confirmation.Repository,
	bus *eventbus.EventBus,
	env *config.OrchestrationEnv,
) *Coordinator {
	return &Coordinator{
		store:         store,
		registry:      registry,
		policy:        p,
		dispatcher:    dispatcher,
		monitor:       mon,
		engine:        engine,
		confirmations: confirmations,
		bus:           bus,
		timeout:       env.DispatchTimeout,
		waitGroup:     conc.NewWaitGroup(),
	}
}

// Start binds the coordinator to its lifecycle context. Tracking
// goroutines stop when ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return fmt.Errorf("coordinator is already running")
	}
	c.ctx = ctx
	return nil
}

// Wait blocks until every tracking goroutine has finished.
func (c *Coordinator) Wait() {
	c.waitGroup.Wait()
}

func (c *Coordinator) lifecycleCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// SubmitGoal decomposes the goal, creates a task per unit and delegates
// each one. Tasks created before a failure are returned alongside the
// error so no work is silently dropped.
func (c *Coordinator) SubmitGoal(ctx context.Context, goal *GoalSpec) ([]string, error) {
	planned, err := decompose(goal)
	if err != nil {
		return nil, err
	}

	confidence := c.planConfidence(goal, planned)
	timeout := c.timeout
	if goal.TimeoutSeconds > 0 {
		timeout = time.Duration(goal.TimeoutSeconds) * time.Second
	}

	var (
		ids         []string
		prevID      string
		prevTracked bool
	)
	for _, p := range planned {
		spec := p.spec
		if p.dependsOnPrevious {
			spec.CoordinatorRef = prevID
		}
		rec, err := c.store.Create(ctx, spec)
		if err != nil {
			return ids, err
		}
		ids = append(ids, rec.ID)

		d, err := c.policy.Decide(rec, policy.Context{
			Domain:           goal.Domain,
			PriorConfidence:  confidence,
			DependsOnTracked: p.dependsOnPrevious && prevTracked,
		})
		if err != nil {
			return ids, err
		}
		prevID, prevTracked = rec.ID, d.Mode == task.ModeTracked

		if d.NeedsConfirmation {
			proposal := fmt.Sprintf("delegate to %s in %s mode", d.Worker.Slug, d.Mode)
			if err := c.openConfirmation(ctx, rec.ID, confirmation.KindDelegation,
				proposal, d.Worker.Slug, string(d.Mode), string(d.Confidence)); err != nil {
				return ids, err
			}
			continue
		}

		reason := fmt.Sprintf("top ranked for tags %v", rec.RequiredTags)
		if err := c.delegate(ctx, rec, d.Worker, d.Mode, reason, timeout); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// planConfidence grades a multi-step plan by its weakest step. Single
// task plans are always High; step 4 of the policy only applies to
// multi-step plans.
func (c *Coordinator) planConfidence(goal *GoalSpec, planned []plannedTask) policy.Confidence {
	if len(planned) <= 1 {
		return policy.ConfidenceHigh
	}
	lowest := policy.ConfidenceHigh
	for _, p := range planned {
		candidates := c.registry.Lookup(p.spec.RequiredTags, goal.Domain)
		score := c.policy.ScoreConfidence(p.spec.RequiredTags, candidates, true)
		if rank(score) < rank(lowest) {
			lowest = score
		}
	}
	return lowest
}

func rank(conf policy.Confidence) int {
	switch conf {
	case policy.ConfidenceHigh:
		return 2
	case policy.ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// delegate dispatches the task and, for tracked mode, spawns its
// lifecycle loop.
func (c *Coordinator) delegate(ctx context.Context, rec *task.Task, w *worker.Descriptor, mode task.Mode, reason string, timeout time.Duration) error {
	if err := c.dispatchWithRetry(ctx, rec, w, mode, reason); err != nil {
		return err
	}
	if mode == task.ModeTracked {
		c.spawnTracker(rec.ID, timeout)
	}
	return nil
}

// dispatchWithRetry routes dispatch failures through the escalation
// engine; retries are bounded by the engine's max-retry rule.
func (c *Coordinator) dispatchWithRetry(ctx context.Context, rec *task.Task, w *worker.Descriptor, mode task.Mode, reason string) error {
	for {
		_, err := c.dispatcher.Dispatch(ctx, rec, w, mode, source, reason)
		if err == nil {
			return nil
		}
		if !dispatch.IsDispatchFailure(err) {
			return err
		}
		d, herr := c.engine.Handle(ctx, &escalation.Event{
			Task:   rec,
			Cause:  escalation.CauseDispatchFailure,
			Reason: err.Error(),
		})
		if herr != nil {
			return herr
		}
		if d.Kind != escalation.DecisionRetry {
			return err
		}
		rec, err = c.store.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
	}
}

func (c *Coordinator) spawnTracker(taskID string, timeout time.Duration) {
	c.waitGroup.Go(func() {
		if err := panicerr.Safe(func() error {
			c.track(c.lifecycleCtx(), taskID, timeout)
			return nil
		})(); err != nil {
			slog.Error("tracking loop panicked", "task_id", taskID, "error", err)
		}
	})
}

// track drives one tracked task until it reaches a terminal state, the
// caller cancels it, or a decision defers to the caller.
func (c *Coordinator) track(ctx context.Context, taskID string, timeout time.Duration) {
	for {
		outcome := c.monitor.Await(ctx, taskID, timeout)

		rec, err := c.store.Get(ctx, taskID)
		if err != nil {
			slog.ErrorContext(ctx, "tracking loop lost its task", "task_id", taskID, "error", err)
			return
		}
		if rec.IsTerminal() || rec.Status == task.StatusDone {
			return
		}

		switch outcome.Kind {
		case monitor.OutcomeSuccess, monitor.OutcomeCancelled:
			return
		case monitor.OutcomeStalled:
			if c.bus != nil {
				if err := c.bus.Publish(ctx, source, &eventbus.TaskStalledData{
					TaskID:  taskID,
					Attempt: rec.Stalls + 1,
				}); err != nil {
					slog.WarnContext(ctx, "failed to publish stall event", "task_id", taskID, "error", err)
				}
			}
			if !c.handleFailure(ctx, rec, escalation.CauseStallDetected, "no completion signal before deadline") {
				return
			}
		case monitor.OutcomeBlocked, monitor.OutcomeFailure:
			if !c.handleFailure(ctx, rec, classifyCause(outcome.Reason), outcome.Reason) {
				return
			}
		}
	}
}

// classifyCause maps a worker-reported reason onto an engine cause.
// Safety violations are called out explicitly so they can never be
// retried by the grading path.
func classifyCause(reason string) escalation.CauseKind {
	if strings.Contains(strings.ToLower(reason), "safety violation") {
		return escalation.CauseSafetyViolation
	}
	return escalation.CauseWorkerBlocker
}

// handleFailure routes a failure through the engine and applies the
// decision. It reports whether tracking should continue.
func (c *Coordinator) handleFailure(ctx context.Context, rec *task.Task, cause escalation.CauseKind, reason string) bool {
	d, err := c.engine.Handle(ctx, &escalation.Event{Task: rec, Cause: cause, Reason: reason})
	if err != nil {
		slog.ErrorContext(ctx, "escalation handling failed", "task_id", rec.ID, "error", err)
		return false
	}

	switch d.Kind {
	case escalation.DecisionRetry:
		fresh, err := c.store.Get(ctx, rec.ID)
		if err != nil {
			slog.ErrorContext(ctx, "failed to reload task for retry", "task_id", rec.ID, "error", err)
			return false
		}
		w, err := c.registry.Get(fresh.Assignee)
		if err != nil {
			slog.ErrorContext(ctx, "assignee vanished from registry", "task_id", rec.ID, "assignee", fresh.Assignee, "error", err)
			return false
		}
		if err := c.dispatchWithRetry(ctx, fresh, w, fresh.Mode, "retry after "+string(cause)); err != nil {
			slog.ErrorContext(ctx, "retry dispatch failed", "task_id", rec.ID, "error", err)
			return false
		}
		return true
	case escalation.DecisionAskCaller:
		if err := c.openConfirmation(ctx, rec.ID, confirmation.KindEscalation,
			d.Reason, d.Target, string(rec.Mode), string(d.Confidence)); err != nil {
			slog.ErrorContext(ctx, "failed to open confirmation", "task_id", rec.ID, "error", err)
		}
		return false
	default:
		return false
	}
}

func (c *Coordinator) openConfirmation(ctx context.Context, taskID string, kind confirmation.Kind, proposal, target, mode, confidence string) error {
	conf := confirmation.New(taskID, kind, proposal, target, confidence)
	conf.Mode = mode
	if err := c.confirmations.Create(ctx, conf); err != nil {
		return err
	}
	if c.bus != nil {
		if err := c.bus.Publish(ctx, source, &eventbus.ConfirmationRequestedData{
			TaskID:         taskID,
			ConfirmationID: conf.ID,
		}); err != nil {
			slog.WarnContext(ctx, "failed to publish confirmation request", "task_id", taskID, "error", err)
		}
	}
	return nil
}

// GetStatus returns the current task record.
func (c *Coordinator) GetStatus(ctx context.Context, taskID string) (*task.Task, error) {
	return c.store.Get(ctx, taskID)
}

// Cancel terminates a task: the record goes to terminal Blocked, any
// pending wait is short-circuited and open confirmations are closed.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) error {
	if _, err := c.store.Cancel(ctx, taskID); err != nil {
		return err
	}
	c.monitor.Cancel(taskID)
	if _, err := c.confirmations.CancelPendingByTask(ctx, taskID); err != nil {
		slog.WarnContext(ctx, "failed to cancel pending confirmations", "task_id", taskID, "error", err)
	}
	return nil
}

// Complete is the worker completion callback. It advances the record and
// wakes any lifecycle loop waiting on the task.
func (c *Coordinator) Complete(ctx context.Context, taskID string, outcome monitor.Outcome) error {
	rec, err := c.store.Get(ctx, taskID)
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case monitor.OutcomeSuccess:
		if rec.Status == task.StatusInProgress {
			rec, err = c.store.Update(ctx, rec.ID, rec.Version, func(t *task.Task) error {
				t.Status = task.StatusReview
				for i := range t.Checklist {
					t.Checklist[i].Done = true
				}
				t.ContextRefs = append(t.ContextRefs, outcome.ResultRefs...)
				return nil
			})
			if err != nil {
				return err
			}
			if _, err := c.store.Update(ctx, rec.ID, rec.Version, func(t *task.Task) error {
				t.Status = task.StatusDone
				return nil
			}); err != nil {
				return err
			}
		}
	case monitor.OutcomeBlocked:
		if rec.Status == task.StatusInProgress {
			if _, err := c.store.Update(ctx, rec.ID, rec.Version, func(t *task.Task) error {
				t.Status = task.StatusBlocked
				t.BlockedReason = outcome.Reason
				return nil
			}); err != nil {
				return err
			}
		}
	case monitor.OutcomeFailure:
		// The record stays InProgress; the escalation engine decides.
	default:
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("invalid completion outcome %s", outcome.Kind), nil)
	}

	if c.bus != nil {
		if err := c.bus.Publish(ctx, source, &eventbus.TaskCompletedData{
			TaskID:     taskID,
			Outcome:    string(outcome.Kind),
			Reason:     outcome.Reason,
			ResultRefs: outcome.ResultRefs,
		}); err != nil {
			slog.WarnContext(ctx, "failed to publish completion event", "task_id", taskID, "error", err)
		}
	}

	c.monitor.Complete(taskID, outcome)

	// Simple mode tasks have no lifecycle loop, so failure signals are
	// routed to the engine right here.
	if rec.Mode == task.ModeSimple &&
		(outcome.Kind == monitor.OutcomeBlocked || outcome.Kind == monitor.OutcomeFailure) {
		fresh, err := c.store.Get(ctx, taskID)
		if err != nil {
			return err
		}
		c.handleFailure(ctx, fresh, classifyCause(outcome.Reason), outcome.Reason)
	}
	return nil
}

// ConfirmPlan resolves a pending ask_caller confirmation.
func (c *Coordinator) ConfirmPlan(ctx context.Context, taskID string, decision confirmation.Decision, redirectTo string) error {
	conf, err := c.confirmations.GetPendingByTask(ctx, taskID)
	if err != nil {
		return err
	}

	if decision == confirmation.DecisionRedirect && redirectTo == "" {
		return cerr.NewError(cerr.InvalidArgument, "redirect requires a target", nil)
	}

	now := time.Now()
	conf.Status = confirmation.StatusResolved
	conf.Decision = decision
	conf.RedirectTo = redirectTo
	conf.ResolvedAt = &now
	if err := c.confirmations.Update(ctx, conf); err != nil {
		return err
	}
	if c.bus != nil {
		if err := c.bus.Publish(ctx, source, &eventbus.ConfirmationResolvedData{
			TaskID:         taskID,
			ConfirmationID: conf.ID,
			Decision:       string(decision),
		}); err != nil {
			slog.WarnContext(ctx, "failed to publish confirmation resolution", "task_id", taskID, "error", err)
		}
	}

	target := conf.Target
	if decision == confirmation.DecisionRedirect {
		target = redirectTo
	}

	switch decision {
	case confirmation.DecisionAbort:
		return c.Cancel(ctx, taskID)
	case confirmation.DecisionApprove, confirmation.DecisionRedirect:
		if conf.Kind == confirmation.KindDelegation {
			return c.resumeDelegation(ctx, taskID, target, task.Mode(conf.Mode))
		}
		return c.applyEscalation(ctx, taskID, target, conf.Confidence)
	default:
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("invalid confirmation decision %s", decision), nil)
	}
}

func (c *Coordinator) resumeDelegation(ctx context.Context, taskID, slug string, mode task.Mode) error {
	w, err := c.registry.Get(slug)
	if err != nil {
		return err
	}
	rec, err := c.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return c.delegate(ctx, rec, w, mode, "confirmed by caller", c.timeout)
}

func (c *Coordinator) applyEscalation(ctx context.Context, taskID, target, confidence string) error {
	if _, err := c.store.Terminalize(ctx, taskID, "Escalated to "+target); err != nil {
		return err
	}
	c.monitor.Cancel(taskID)
	if c.bus != nil {
		if err := c.bus.Publish(ctx, source, &eventbus.TaskEscalatedData{
			TaskID:     taskID,
			Decision:   string(escalation.DecisionEscalate),
			Target:     target,
			Confidence: confidence,
		}); err != nil {
			slog.WarnContext(ctx, "failed to publish escalation event", "task_id", taskID, "error", err)
		}
	}
	return nil
}
