package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/audit"
	auditimpl "github.com/taskforge/taskforge/internal/audit/repositoryimpl"
	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/confirmation"
	confirmationimpl "github.com/taskforge/taskforge/internal/confirmation/repositoryimpl"
	"github.com/taskforge/taskforge/internal/dispatch"
	"github.com/taskforge/taskforge/internal/escalation"
	"github.com/taskforge/taskforge/internal/monitor"
	"github.com/taskforge/taskforge/internal/policy"
	"github.com/taskforge/taskforge/internal/task"
	taskimpl "github.com/taskforge/taskforge/internal/task/repositoryimpl"
	"github.com/taskforge/taskforge/internal/worker"
	"github.com/taskforge/taskforge/pkg/storage"
)

type stubExecutor struct {
	mu         sync.Mutex
	calls      []string
	failFirst  int
	dispatched chan string
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{dispatched: make(chan string, 16)}
}

func (e *stubExecutor) Execute(ctx context.Context, w *worker.Descriptor, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failFirst > 0 {
		e.failFirst--
		return dispatch.NewDispatchFailureError(w.Slug, errors.New("connection refused"))
	}
	e.calls = append(e.calls, w.Slug)
	select {
	case e.dispatched <- taskID:
	default:
	}
	return nil
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fixture struct {
	coordinator   *Coordinator
	store         *task.Store
	monitor       *monitor.Monitor
	audit         audit.Repository
	confirmations confirmation.Repository
	executor      *stubExecutor
}

func newFixture(t *testing.T, env *config.OrchestrationEnv, descriptors ...*worker.Descriptor) *fixture {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	store := task.NewStore(taskimpl.NewYAMLRepository(st), nil)
	registry, err := worker.NewRegistry(descriptors...)
	require.NoError(t, err)
	auditRepo := auditimpl.NewYAMLRepository(st)
	confirmations := confirmationimpl.NewYAMLRepository(st)
	executor := newStubExecutor()

	p := policy.New(registry, env)
	d := dispatch.NewDispatcher(store, executor, auditRepo, nil)
	mon := monitor.NewMonitor()
	engine := escalation.NewEngine(store, registry, auditRepo, nil, env)

	c := New(store, registry, p, d, mon, engine, confirmations, nil, env)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Wait)

	return &fixture{
		coordinator:   c,
		store:         store,
		monitor:       mon,
		audit:         auditRepo,
		confirmations: confirmations,
		executor:      executor,
	}
}

func defaultEnv() *config.OrchestrationEnv {
	return &config.OrchestrationEnv{
		DispatchTimeout:     5 * time.Second,
		MaxRetries:          2,
		TrackedChecklistMin: 2,
		ConfidenceTieCount:  2,
	}
}

func TestSubmitGoalSimpleDelegation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultEnv(), &worker.Descriptor{Slug: "backend-dev", CapabilityTags: []string{"backend"}})

	ids, err := f.coordinator.SubmitGoal(ctx, &GoalSpec{
		Title:        "fix bug X",
		RequiredTags: []string{"backend"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rec, err := f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, rec.Status)
	assert.Equal(t, "backend-dev", rec.Assignee)
	assert.Equal(t, task.ModeSimple, rec.Mode)

	events, err := f.audit.ListByTask(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.KindDelegation, events[0].Kind)
}

func TestSubmitGoalNoCapableWorker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultEnv(), &worker.Descriptor{Slug: "frontend-dev", CapabilityTags: []string{"frontend"}})

	ids, err := f.coordinator.SubmitGoal(ctx, &GoalSpec{
		Title:        "fix bug X",
		RequiredTags: []string{"backend"},
	})
	require.Error(t, err)
	assert.True(t, policy.IsNoCapableWorker(err))

	// The created task is surfaced to the caller, not silently dropped.
	require.Len(t, ids, 1)
	rec, err := f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, rec.Status)
}

func TestTrackedTaskHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultEnv(), &worker.Descriptor{Slug: "backend-dev", CapabilityTags: []string{"backend"}})

	ids, err := f.coordinator.SubmitGoal(ctx, &GoalSpec{
		Title: "ship feature",
		Steps: []StepSpec{{
			Title:        "implement endpoint",
			RequiredTags: []string{"backend"},
			Checklist:    []string{"write handler", "add tests"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rec, err := f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, task.ModeTracked, rec.Mode)
	assert.Equal(t, task.StatusInProgress, rec.Status)

	require.NoError(t, f.coordinator.Complete(ctx, ids[0], monitor.Outcome{
		Kind:       monitor.OutcomeSuccess,
		ResultRefs: []string{"pr/42"},
	}))

	rec, err = f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, rec.Status)
	assert.True(t, rec.ChecklistComplete())
	assert.Contains(t, rec.ContextRefs, "pr/42")
}

func TestDispatchFailureRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultEnv(), &worker.Descriptor{Slug: "backend-dev", CapabilityTags: []string{"backend"}})
	f.executor.failFirst = 1

	ids, err := f.coordinator.SubmitGoal(ctx, &GoalSpec{
		Title:        "flaky worker",
		RequiredTags: []string{"backend"},
	})
	require.NoError(t, err)

	rec, err := f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, rec.Status)
	assert.Equal(t, 1, rec.Retries)
	assert.Equal(t, 1, f.executor.callCount())
}

func TestStallRetriesOnceThenEscalates(t *testing.T) {
	ctx := context.Background()
	env := defaultEnv()
	env.DispatchTimeout = 50 * time.Millisecond
	f := newFixture(t, env, &worker.Descriptor{
		Slug:              "backend-dev",
		CapabilityTags:    []string{"backend"},
		EscalationTargets: []string{"tech-lead"},
	})

	ids, err := f.coordinator.SubmitGoal(ctx, &GoalSpec{
		Title: "slow job",
		Steps: []StepSpec{{
			Title:        "long migration",
			RequiredTags: []string{"backend"},
			Checklist:    []string{"dump", "restore"},
		}},
	})
	require.NoError(t, err)

	// First stall retries, second stall escalates to terminal Blocked.
	require.Eventually(t, func() bool {
		rec, err := f.store.Get(ctx, ids[0])
		return err == nil && rec.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, rec.Status)
	assert.Equal(t, 1, rec.Stalls)
	assert.Equal(t, 2, f.executor.callCount(), "one dispatch plus one stall retry")

	events, err := f.audit.ListByTask(ctx, ids[0])
	require.NoError(t, err)
	var escalations []*audit.Event
	for _, e := range events {
		if e.Kind == audit.KindEscalation {
			escalations = append(escalations, e)
		}
	}
	require.Len(t, escalations, 2)
	assert.Equal(t, string(escalation.DecisionRetry), escalations[0].Escalation.Decision)
	assert.Equal(t, string(escalation.DecisionEscalate), escalations[1].Escalation.Decision)
	assert.Equal(t, "tech-lead", escalations[1].Escalation.Target)
}

func TestSafetyViolationEscalatesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultEnv(), &worker.Descriptor{
		Slug:              "backend-dev",
		CapabilityTags:    []string{"backend"},
		EscalationTargets: []string{"security-lead"},
	})

	ids, err := f.coordinator.SubmitGoal(ctx, &GoalSpec{
		Title: "risky change",
		Steps: []StepSpec{{
			Title:        "rotate secrets",
			RequiredTags: []string{"backend"},
			Checklist:    []string{"rotate", "verify"},
		}},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Complete(ctx, ids[0], monitor.Outcome{
		Kind:   monitor.OutcomeFailure,
		Reason: "safety violation: attempted to drop production data",
	}))

	require.Eventually(t, func() bool {
		rec, err := f.store.Get(ctx, ids[0])
		return err == nil && rec.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, f.executor.callCount(), "safety violations are never retried")

	events, err := f.audit.ListByTask(ctx, ids[0])
	require.NoError(t, err)
	var last *audit.Event
	for _, e := range events {
		if e.Kind == audit.KindEscalation {
			last = e
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, string(escalation.CauseSafetyViolation), last.Escalation.CauseKind)
	assert.Equal(t, string(escalation.DecisionEscalate), last.Escalation.Decision)
	assert.Equal(t, "security-lead", last.Escalation.Target)
}

func TestAmbiguousPlanAsksCallerBeforeDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultEnv(),
		&worker.Descriptor{Slug: "dev-a", CapabilityTags: []string{"backend"}},
		&worker.Descriptor{Slug: "dev-b", CapabilityTags: []string{"backend"}},
	)

	// Two equally ranked workers drop the plan confidence to Medium, so
	// both steps park behind confirmations.
	ids, err := f.coordinator.SubmitGoal(ctx, &GoalSpec{
		Title:        "refactor service",
		RequiredTags: []string{"backend"},
		Steps: []StepSpec{
			{Title: "extract module"},
			{Title: "update callers"},
		},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, 0, f.executor.callCount())

	conf, err := f.confirmations.GetPendingByTask(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, confirmation.KindDelegation, conf.Kind)
	assert.Equal(t, "dev-a", conf.Target)
	assert.Equal(t, string(policy.ConfidenceMedium), conf.Confidence)

	require.NoError(t, f.coordinator.ConfirmPlan(ctx, ids[0], confirmation.DecisionApprove, ""))

	rec, err := f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, rec.Status)
	assert.Equal(t, "dev-a", rec.Assignee)

	// Redirect sends the second task elsewhere.
	require.NoError(t, f.coordinator.ConfirmPlan(ctx, ids[1], confirmation.DecisionRedirect, "dev-b"))
	rec, err = f.store.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "dev-b", rec.Assignee)
}

func TestCancelShortCircuitsTracking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultEnv(), &worker.Descriptor{Slug: "backend-dev", CapabilityTags: []string{"backend"}})

	ids, err := f.coordinator.SubmitGoal(ctx, &GoalSpec{
		Title: "abandoned work",
		Steps: []StepSpec{{
			Title:        "never finishes",
			RequiredTags: []string{"backend"},
			Checklist:    []string{"a", "b"},
		}},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Cancel(ctx, ids[0]))

	rec, err := f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, rec.Status)
	assert.True(t, rec.Terminal)
	assert.Equal(t, "Cancelled", rec.BlockedReason)

	// The tracking loop must exit well before the 5s stall timeout.
	done := make(chan struct{})
	go func() {
		f.coordinator.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tracking loop did not exit after cancel")
	}
}

func TestCancelDoneTaskIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultEnv(), &worker.Descriptor{Slug: "backend-dev", CapabilityTags: []string{"backend"}})

	ids, err := f.coordinator.SubmitGoal(ctx, &GoalSpec{
		Title:        "quick fix",
		RequiredTags: []string{"backend"},
	})
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Complete(ctx, ids[0], monitor.Outcome{Kind: monitor.OutcomeSuccess}))

	err = f.coordinator.Cancel(ctx, ids[0])
	require.Error(t, err)
	assert.True(t, task.IsInvalidTransition(err))
}

func TestWorkerBlockerRoutedThroughEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultEnv(), &worker.Descriptor{
		Slug:              "backend-dev",
		CapabilityTags:    []string{"backend"},
		EscalationTargets: []string{"tech-lead", "platform"},
	})

	ids, err := f.coordinator.SubmitGoal(ctx, &GoalSpec{
		Title: "blocked work",
		Steps: []StepSpec{{
			Title:        "deploy service",
			RequiredTags: []string{"backend"},
			Checklist:    []string{"build", "deploy"},
		}},
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Complete(ctx, ids[0], monitor.Outcome{
		Kind:   monitor.OutcomeBlocked,
		Reason: "missing credential for target cluster",
	}))

	// Known pattern, several plausible targets: Medium, ask the caller.
	require.Eventually(t, func() bool {
		_, err := f.confirmations.GetPendingByTask(ctx, ids[0])
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	conf, err := f.confirmations.GetPendingByTask(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, confirmation.KindEscalation, conf.Kind)
	assert.Equal(t, "tech-lead", conf.Target)
	assert.Equal(t, string(policy.ConfidenceMedium), conf.Confidence)

	rec, err := f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, rec.Status)
	assert.False(t, rec.Terminal, "awaiting the caller is not terminal")

	require.NoError(t, f.coordinator.ConfirmPlan(ctx, ids[0], confirmation.DecisionApprove, ""))

	rec, err = f.store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, rec.IsTerminal())
	assert.Equal(t, "Escalated to tech-lead", rec.BlockedReason)
}
