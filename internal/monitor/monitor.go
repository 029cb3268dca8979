package monitor

import (
	"context"
	"sync"
	"time"
)

// OutcomeKind classifies how a wait on a task ended.
type OutcomeKind string

const (
	// OutcomeSuccess is a worker completion callback with result refs.
	OutcomeSuccess OutcomeKind = "SUCCESS"
	// OutcomeBlocked is a worker reporting a blocker it cannot clear.
	OutcomeBlocked OutcomeKind = "BLOCKED"
	// OutcomeFailure is a worker reporting a hard error.
	OutcomeFailure OutcomeKind = "FAILURE"
	// OutcomeStalled means the timeout elapsed with no signal. The
	// monitor never decides the next step itself; the caller routes the
	// stall to the escalation engine.
	OutcomeStalled OutcomeKind = "STALLED"
	// OutcomeCancelled short-circuits a pending wait.
	OutcomeCancelled OutcomeKind = "CANCELLED"
)

// Outcome is the completion signal delivered to an Await call.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	Reason     string      `json:"reason,omitempty"`
	ResultRefs []string    `json:"result_refs,omitempty"`
}

// Monitor is the rendezvous between worker completion callbacks and the
// per-task lifecycle loops waiting on them. Waits suspend on a channel,
// never poll, and waits for unrelated tasks do not block each other.
type Monitor struct {
	mu      sync.Mutex
	waiters map[string][]chan Outcome
	// pending holds signals that arrived before anyone was waiting, so a
	// completion racing an Await registration is not lost.
	pending map[string]Outcome
}

func NewMonitor() *Monitor {
	return &Monitor{
		waiters: make(map[string][]chan Outcome),
		pending: make(map[string]Outcome),
	}
}

// Await blocks until a completion signal arrives for the task, the timeout
// elapses, or ctx is done. Timeout yields OutcomeStalled; ctx cancellation
// yields OutcomeCancelled.
func (m *Monitor) Await(ctx context.Context, taskID string, timeout time.Duration) Outcome {
	m.mu.Lock()
	if o, ok := m.pending[taskID]; ok {
		delete(m.pending, taskID)
		m.mu.Unlock()
		return o
	}
	ch := make(chan Outcome, 1)
	m.waiters[taskID] = append(m.waiters[taskID], ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		return o
	case <-timer.C:
		return m.abandon(taskID, ch, Outcome{Kind: OutcomeStalled})
	case <-ctx.Done():
		return m.abandon(taskID, ch, Outcome{Kind: OutcomeCancelled, Reason: ctx.Err().Error()})
	}
}

// abandon deregisters ch, preferring a signal that was delivered while the
// timer fired.
func (m *Monitor) abandon(taskID string, ch chan Outcome, fallback Outcome) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case o := <-ch:
		return o
	default:
	}
	remaining := m.waiters[taskID][:0]
	for _, w := range m.waiters[taskID] {
		if w != ch {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(m.waiters, taskID)
	} else {
		m.waiters[taskID] = remaining
	}
	return fallback
}

// Complete delivers a worker's completion signal. With no waiter the
// signal is held for the next Await.
func (m *Monitor) Complete(taskID string, o Outcome) {
	m.deliver(taskID, o)
}

// Cancel short-circuits any pending wait on the task.
func (m *Monitor) Cancel(taskID string) {
	m.deliver(taskID, Outcome{Kind: OutcomeCancelled, Reason: "Cancelled"})
}

func (m *Monitor) deliver(taskID string, o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chs, ok := m.waiters[taskID]
	if !ok {
		m.pending[taskID] = o
		return
	}
	for _, ch := range chs {
		ch <- o
	}
	delete(m.waiters, taskID)
}
