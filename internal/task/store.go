package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskforge/taskforge/internal/eventbus"
	"github.com/taskforge/taskforge/pkg/cerr"
)

const eventSource = "task-store"

// CreateSpec is the input for creating a task record.
type CreateSpec struct {
	Title              string
	Objective          string
	AcceptanceCriteria string
	CoordinatorRef     string
	Checklist          []string
	ContextRefs        []string
	RequiredTags       []string
	HighRisk           bool
	Mode               Mode
}

// Store owns task records: it validates status transitions, enforces
// optimistic versioning, and serializes writes per task id. Unrelated
// tasks update in parallel; there is no global write lock.
type Store struct {
	repo Repository
	bus  *eventbus.EventBus

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(repo Repository, bus *eventbus.EventBus) *Store {
	return &Store{
		repo:  repo,
		bus:   bus,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// NewInvalidReferenceError builds the error returned when coordinator_ref
// does not resolve or would introduce a cycle.
func NewInvalidReferenceError(ref string, reason string) error {
	return cerr.NewError(cerr.InvalidArgument,
		fmt.Sprintf("invalid coordinator reference %s: %s", ref, reason), nil)
}

// IsInvalidReference reports whether err is a coordinator reference error.
func IsInvalidReference(err error) bool {
	return cerr.IsCode(err, cerr.InvalidArgument)
}

// IsConflict reports whether err is an optimistic-lock failure. Callers
// must re-read and retry.
func IsConflict(err error) bool {
	return cerr.IsCode(err, cerr.Aborted)
}

// Create validates the spec and persists a new Pending task.
func (s *Store) Create(ctx context.Context, spec CreateSpec) (*Task, error) {
	if spec.Title == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "task title cannot be empty", nil)
	}
	if spec.CoordinatorRef != "" {
		if err := s.checkReference(ctx, spec.CoordinatorRef); err != nil {
			return nil, err
		}
	}

	mode := spec.Mode
	if mode == "" {
		mode = ModeSimple
	}

	checklist := make([]ChecklistStep, 0, len(spec.Checklist))
	for _, title := range spec.Checklist {
		checklist = append(checklist, ChecklistStep{Title: title})
	}

	now := time.Now()
	t := &Task{
		ID:                 ulid.Make().String(),
		Title:              spec.Title,
		Objective:          spec.Objective,
		AcceptanceCriteria: spec.AcceptanceCriteria,
		Status:             StatusPending,
		Mode:               mode,
		CoordinatorRef:     spec.CoordinatorRef,
		Checklist:          checklist,
		ContextRefs:        append([]string(nil), spec.ContextRefs...),
		RequiredTags:       append([]string(nil), spec.RequiredTags...),
		HighRisk:           spec.HighRisk,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, eventSource, &eventbus.TaskCreatedData{
			TaskID: t.ID,
			Title:  t.Title,
			Mode:   string(t.Mode),
		}); err != nil {
			return nil, fmt.Errorf("failed to publish task created event: %w", err)
		}
	}
	return t, nil
}

// checkReference verifies that ref resolves to an existing task and that
// the coordinator_ref chain above it is acyclic.
func (s *Store) checkReference(ctx context.Context, ref string) error {
	seen := map[string]bool{}
	cur := ref
	for cur != "" {
		if seen[cur] {
			return NewInvalidReferenceError(ref, "reference cycle")
		}
		seen[cur] = true
		parent, err := s.repo.Get(ctx, cur)
		if err != nil {
			if cerr.IsCode(err, cerr.NotFound) {
				return NewInvalidReferenceError(ref, "task does not exist")
			}
			return err
		}
		cur = parent.CoordinatorRef
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	if id == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "task ID cannot be empty", nil)
	}
	return s.repo.Get(ctx, id)
}

func (s *Store) List(ctx context.Context, filter Filter) ([]*Task, error) {
	return s.repo.List(ctx, filter)
}

// Update applies mutate to a copy of the record and persists it if the
// supplied version matches the stored one and the resulting transition is
// legal. A stale version fails with Conflict and leaves the record
// unchanged; an illegal transition fails with InvalidTransition.
func (s *Store) Update(ctx context.Context, id string, version int64, mutate func(*Task) error) (*Task, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != version {
		return nil, cerr.NewError(cerr.Aborted,
			fmt.Sprintf("version conflict on task %s: have %d, want %d", id, version, current.Version), nil)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.CoordinatorRef = current.CoordinatorRef
	next.CreatedAt = current.CreatedAt

	if next.Status != current.Status {
		if err := validateTransition(current, next); err != nil {
			return nil, err
		}
	} else if current.IsTerminal() {
		return nil, NewInvalidTransitionError(id, current.Status, next.Status)
	}
	if err := validateRecord(next); err != nil {
		return nil, err
	}

	next.Version = current.Version + 1
	next.UpdatedAt = monotonicNow(current.UpdatedAt)

	if err := s.repo.Update(ctx, next); err != nil {
		return nil, err
	}

	if s.bus != nil && next.Status != current.Status {
		_ = s.bus.Publish(ctx, eventSource, &eventbus.TaskStatusChangedData{
			TaskID:    next.ID,
			OldStatus: string(current.Status),
			NewStatus: string(next.Status),
			Reason:    next.BlockedReason,
		})
	}
	return next, nil
}

// Cancel forces a task to terminal Blocked with cause Cancelled. Allowed
// from any non-terminal status; cancelling a Done task is an invalid
// transition.
func (s *Store) Cancel(ctx context.Context, id string) (*Task, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusDone {
		return nil, NewInvalidTransitionError(id, current.Status, StatusBlocked)
	}
	if current.IsTerminal() {
		return current, nil
	}

	next := current.Clone()
	next.Status = StatusBlocked
	next.BlockedReason = "Cancelled"
	next.Terminal = true
	next.Version = current.Version + 1
	next.UpdatedAt = monotonicNow(current.UpdatedAt)

	if err := s.repo.Update(ctx, next); err != nil {
		return nil, err
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, eventSource, &eventbus.TaskCancelledData{TaskID: id})
	}
	return next, nil
}

// Terminalize forces a task to terminal Blocked with the given cause,
// bypassing the transition table. Used when escalation exhausts the
// automated options. Terminalizing a Done task is an invalid transition;
// an already terminal task is returned unchanged.
func (s *Store) Terminalize(ctx context.Context, id, reason string) (*Task, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusDone {
		return nil, NewInvalidTransitionError(id, current.Status, StatusBlocked)
	}
	if current.IsTerminal() {
		return current, nil
	}

	next := current.Clone()
	next.Status = StatusBlocked
	next.BlockedReason = reason
	next.Terminal = true
	next.Version = current.Version + 1
	next.UpdatedAt = monotonicNow(current.UpdatedAt)

	if err := s.repo.Update(ctx, next); err != nil {
		return nil, err
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, eventSource, &eventbus.TaskStatusChangedData{
			TaskID:    id,
			OldStatus: string(current.Status),
			NewStatus: string(next.Status),
			Reason:    reason,
		})
	}
	return next, nil
}

// monotonicNow guarantees updated_at strictly increases even when the
// wall clock does not.
func monotonicNow(prev time.Time) time.Time {
	now := time.Now()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}
