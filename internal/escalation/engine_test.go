package escalation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/audit"
	auditimpl "github.com/taskforge/taskforge/internal/audit/repositoryimpl"
	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/policy"
	"github.com/taskforge/taskforge/internal/task"
	taskimpl "github.com/taskforge/taskforge/internal/task/repositoryimpl"
	"github.com/taskforge/taskforge/internal/worker"
	"github.com/taskforge/taskforge/pkg/storage"
)

type engineFixture struct {
	engine *Engine
	store  *task.Store
	audit  audit.Repository
}

func newEngineFixture(t *testing.T, descriptors ...*worker.Descriptor) *engineFixture {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	store := task.NewStore(taskimpl.NewYAMLRepository(st), nil)
	registry, err := worker.NewRegistry(descriptors...)
	require.NoError(t, err)
	auditRepo := auditimpl.NewYAMLRepository(st)
	engine := NewEngine(store, registry, auditRepo, nil, &config.OrchestrationEnv{MaxRetries: 2})
	return &engineFixture{engine: engine, store: store, audit: auditRepo}
}

func (f *engineFixture) createInProgress(t *testing.T, assignee string) *task.Task {
	t.Helper()
	ctx := context.Background()
	created, err := f.store.Create(ctx, task.CreateSpec{Title: "migrate schema"})
	require.NoError(t, err)
	updated, err := f.store.Update(ctx, created.ID, created.Version, func(rec *task.Task) error {
		rec.Status = task.StatusInProgress
		rec.Assignee = assignee
		return nil
	})
	require.NoError(t, err)
	return updated
}

func TestEngineSafetyViolationAlwaysEscalates(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, &worker.Descriptor{
		Slug:              "dba",
		EscalationTargets: []string{"lead-dba"},
	})
	rec := f.createInProgress(t, "dba")

	d, err := f.engine.Handle(ctx, &Event{Task: rec, Cause: CauseSafetyViolation, Reason: "destructive statement"})
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalate, d.Kind)
	assert.Equal(t, "lead-dba", d.Target)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.True(t, got.Terminal)

	events, err := f.audit.ListByTask(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.KindEscalation, events[0].Kind)
	assert.Equal(t, string(CauseSafetyViolation), events[0].Escalation.CauseKind)
}

func TestEngineMechanicalRetryThenEscalate(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, &worker.Descriptor{Slug: "dba", EscalationTargets: []string{"lead-dba"}})
	rec := f.createInProgress(t, "dba")

	// MaxRetries is 2: the first two failures retry, the third escalates.
	for i := 0; i < 2; i++ {
		d, err := f.engine.Handle(ctx, &Event{Task: rec, Cause: CauseDispatchFailure, Reason: "connection refused"})
		require.NoError(t, err)
		assert.Equal(t, DecisionRetry, d.Kind)
		rec, err = f.store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, rec.Retries)
	}

	d, err := f.engine.Handle(ctx, &Event{Task: rec, Cause: CauseDispatchFailure, Reason: "connection refused"})
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalate, d.Kind)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsTerminal())
}

func TestEngineAmbiguousBlockerGrading(t *testing.T) {
	ctx := context.Background()

	t.Run("known pattern with single target escalates high", func(t *testing.T) {
		f := newEngineFixture(t, &worker.Descriptor{Slug: "dba", EscalationTargets: []string{"lead-dba"}})
		rec := f.createInProgress(t, "dba")
		d, err := f.engine.Handle(ctx, &Event{Task: rec, Cause: CauseWorkerBlocker, Reason: "missing credential for replica"})
		require.NoError(t, err)
		assert.Equal(t, DecisionEscalate, d.Kind)
		assert.Equal(t, policy.ConfidenceHigh, d.Confidence)
		assert.Equal(t, "lead-dba", d.Target)
	})

	t.Run("known pattern with several targets asks caller", func(t *testing.T) {
		f := newEngineFixture(t, &worker.Descriptor{Slug: "dba", EscalationTargets: []string{"lead-dba", "platform"}})
		rec := f.createInProgress(t, "dba")
		d, err := f.engine.Handle(ctx, &Event{Task: rec, Cause: CauseWorkerBlocker, Reason: "quota exceeded on staging"})
		require.NoError(t, err)
		assert.Equal(t, DecisionAskCaller, d.Kind)
		assert.Equal(t, policy.ConfidenceMedium, d.Confidence)
		assert.Equal(t, "lead-dba", d.Target, "proposed plan still names the top target")
	})

	t.Run("unrecognized blocker asks caller with low confidence", func(t *testing.T) {
		f := newEngineFixture(t, &worker.Descriptor{Slug: "dba", EscalationTargets: []string{"lead-dba"}})
		rec := f.createInProgress(t, "dba")
		d, err := f.engine.Handle(ctx, &Event{Task: rec, Cause: CauseWorkerBlocker, Reason: "it just feels wrong"})
		require.NoError(t, err)
		assert.Equal(t, DecisionAskCaller, d.Kind)
		assert.Equal(t, policy.ConfidenceLow, d.Confidence)

		got, err := f.store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Version, got.Version, "ask_caller must not touch the record")
	})
}

func TestEngineStallRetriesOnceThenEscalates(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, &worker.Descriptor{Slug: "dba", EscalationTargets: []string{"lead-dba"}})
	rec := f.createInProgress(t, "dba")

	d, err := f.engine.Handle(ctx, &Event{Task: rec, Cause: CauseStallDetected, Reason: "no signal before deadline"})
	require.NoError(t, err)
	assert.Equal(t, DecisionRetry, d.Kind)

	rec, err = f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Stalls)

	d, err = f.engine.Handle(ctx, &Event{Task: rec, Cause: CauseStallDetected, Reason: "no signal before deadline"})
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalate, d.Kind)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsTerminal())

	events, err := f.audit.ListByTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
