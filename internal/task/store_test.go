package task_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/task/repositoryimpl"
	"github.com/taskforge/taskforge/pkg/storage"
)

func newTestStore(t *testing.T) *task.Store {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return task.NewStore(repositoryimpl.NewYAMLRepository(st), nil)
}

func TestStoreCreate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.Create(ctx, task.CreateSpec{
		Title:     "write migration",
		Checklist: []string{"draft", "apply"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, int64(1), created.Version)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Title, got.Title)
	assert.Equal(t, created.Status, got.Status)
	assert.Equal(t, created.Checklist, got.Checklist)
	assert.Equal(t, created.Version, got.Version)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt), "created_at round-trips")
	assert.True(t, created.UpdatedAt.Equal(got.UpdatedAt), "updated_at round-trips")
}

func TestStoreCreateValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Create(ctx, task.CreateSpec{})
	require.Error(t, err)

	_, err = store.Create(ctx, task.CreateSpec{Title: "orphan", CoordinatorRef: "no-such-task"})
	require.Error(t, err)
	assert.True(t, task.IsInvalidReference(err))
}

func TestStoreTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.Create(ctx, task.CreateSpec{Title: "t"})
	require.NoError(t, err)

	// Pending cannot jump straight to Review.
	_, err = store.Update(ctx, rec.ID, rec.Version, func(rec *task.Task) error {
		rec.Status = task.StatusReview
		rec.Assignee = "w"
		return nil
	})
	require.Error(t, err)
	assert.True(t, task.IsInvalidTransition(err))

	// The failed update left the record unchanged.
	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Version, got.Version)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Empty(t, got.Assignee)

	// Happy path walks the full table.
	for _, next := range []task.Status{task.StatusInProgress, task.StatusReview, task.StatusDone} {
		got, err = store.Update(ctx, got.ID, got.Version, func(rec *task.Task) error {
			rec.Status = next
			rec.Assignee = "w"
			return nil
		})
		require.NoError(t, err, "transition to %s", next)
	}
	assert.Equal(t, task.StatusDone, got.Status)

	// Done is terminal.
	_, err = store.Update(ctx, got.ID, got.Version, func(rec *task.Task) error {
		rec.Status = task.StatusInProgress
		return nil
	})
	require.Error(t, err)
	assert.True(t, task.IsInvalidTransition(err))
}

func TestStoreAssigneeInvariant(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.Create(ctx, task.CreateSpec{Title: "t"})
	require.NoError(t, err)

	_, err = store.Update(ctx, rec.ID, rec.Version, func(rec *task.Task) error {
		rec.Status = task.StatusInProgress
		return nil
	})
	require.Error(t, err, "InProgress without assignee must be rejected")
}

func TestStoreDoneRequiresCompleteChecklist(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.Create(ctx, task.CreateSpec{
		Title:     "t",
		Checklist: []string{"one", "two", "three"},
	})
	require.NoError(t, err)

	rec, err = store.Update(ctx, rec.ID, rec.Version, func(rec *task.Task) error {
		rec.Status = task.StatusInProgress
		rec.Assignee = "w"
		return nil
	})
	require.NoError(t, err)
	rec, err = store.Update(ctx, rec.ID, rec.Version, func(rec *task.Task) error {
		rec.Status = task.StatusReview
		rec.Checklist[0].Done = true
		rec.Checklist[1].Done = true
		return nil
	})
	require.NoError(t, err)

	// Two of three steps done: Done is rejected.
	_, err = store.Update(ctx, rec.ID, rec.Version, func(rec *task.Task) error {
		rec.Status = task.StatusDone
		return nil
	})
	require.Error(t, err)
	assert.True(t, task.IsInvalidTransition(err))

	rec, err = store.Update(ctx, rec.ID, rec.Version, func(rec *task.Task) error {
		rec.Checklist[2].Done = true
		return nil
	})
	require.NoError(t, err)
	_, err = store.Update(ctx, rec.ID, rec.Version, func(rec *task.Task) error {
		rec.Status = task.StatusDone
		return nil
	})
	require.NoError(t, err)
}

func TestStoreConcurrentUpdateConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.Create(ctx, task.CreateSpec{Title: "contended"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Update(ctx, rec.ID, rec.Version, func(rec *task.Task) error {
				rec.Status = task.StatusInProgress
				rec.Assignee = "w"
				return nil
			})
		}(i)
	}
	wg.Wait()

	// Exactly one update wins; the loser sees Conflict.
	if errs[0] == nil {
		require.Error(t, errs[1])
		assert.True(t, task.IsConflict(errs[1]))
	} else {
		require.NoError(t, errs[1])
		assert.True(t, task.IsConflict(errs[0]))
	}
}

func TestStoreVersionAndUpdatedAtMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.Create(ctx, task.CreateSpec{Title: "t"})
	require.NoError(t, err)

	prev := rec
	for i := 0; i < 3; i++ {
		next, err := store.Update(ctx, prev.ID, prev.Version, func(rec *task.Task) error {
			rec.Objective = "pass " + string(rune('a'+i))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, prev.Version+1, next.Version)
		assert.True(t, next.UpdatedAt.After(prev.UpdatedAt), "updated_at must strictly increase")
		prev = next
	}
}

func TestStoreCancel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec, err := store.Create(ctx, task.CreateSpec{Title: "t"})
	require.NoError(t, err)

	cancelled, err := store.Cancel(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, cancelled.Status)
	assert.True(t, cancelled.Terminal)
	assert.Equal(t, "Cancelled", cancelled.BlockedReason)

	// Cancelling again is a no-op.
	again, err := store.Cancel(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)

	// A terminal record rejects further mutation.
	_, err = store.Update(ctx, rec.ID, again.Version, func(rec *task.Task) error {
		rec.Objective = "revive"
		return nil
	})
	require.Error(t, err)
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a, err := store.Create(ctx, task.CreateSpec{Title: "a"})
	require.NoError(t, err)
	_, err = store.Create(ctx, task.CreateSpec{Title: "b", CoordinatorRef: a.ID})
	require.NoError(t, err)

	all, err := store.List(ctx, task.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	children, err := store.List(ctx, task.Filter{CoordinatorRef: a.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "b", children[0].Title)
}

func TestStoreReferenceChain(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a, err := store.Create(ctx, task.CreateSpec{Title: "a"})
	require.NoError(t, err)
	b, err := store.Create(ctx, task.CreateSpec{Title: "b", CoordinatorRef: a.ID})
	require.NoError(t, err)

	// Deep but acyclic chains resolve fine.
	_, err = store.Create(ctx, task.CreateSpec{Title: "c", CoordinatorRef: b.ID})
	require.NoError(t, err)
}
