// Package engine turns "schedule N is due" signals into recorded
// executions: a deduplicating pending set, a single worker that drains it,
// and the per-run executor that dispatches a schedule's ordered actions.
package engine

import (
	"errors"
	"sync"
	"time"

	"pointsched/internal/schedule"
)

// Config controls the execution engine.
//
// The trigger layer is signal-only; everything about how runs execute
// belongs here.
type Config struct {
	Enabled bool

	// PollInterval is the worker cadence for draining the pending set.
	PollInterval time.Duration

	// DispatchTimeout bounds each call to the device command executor.
	// A timeout surfaces as an ordinary action failure.
	DispatchTimeout time.Duration

	// DispatchRate caps commands per second toward the field bus.
	// 0 disables pacing.
	DispatchRate float64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Second
	}
	return c
}

var (
	ErrDisabled       = errors.New("engine disabled")
	ErrAlreadyRunning = errors.New("schedule execution already in progress")
)

// Outcome is the synchronous answer of one schedule run, returned to manual
// callers and mirrored in the ledger.
type Outcome struct {
	ExecutionID     int64
	Status          schedule.ExecutionStatus
	ActionsExecuted int
	ActionsFailed   int
	Results         []schedule.ActionResult
}

// TriggerEvent is published on the bus when a due signal is accepted into
// the pending set.
type TriggerEvent struct {
	ScheduleID int64     `json:"schedule_id"`
	At         time.Time `json:"at"`
	Source     string    `json:"source"` // "timer", "sweep", "manual"
}

// ExecutionEvent is published for execution lifecycle transitions.
type ExecutionEvent struct {
	ScheduleID      int64                    `json:"schedule_id"`
	ExecutionID     int64                    `json:"execution_id"`
	Status          schedule.ExecutionStatus `json:"status"`
	ActionsExecuted int                      `json:"actions_executed"`
	ActionsFailed   int                      `json:"actions_failed"`
	Manual          bool                     `json:"manual"`
	Caller          string                   `json:"caller,omitempty"`
	Error           string                   `json:"error,omitempty"`
}

// runGate tracks whether a schedule run is in flight. The worker and the
// manual entrypoint share one gate per schedule, which is what enforces
// "at most one running execution per schedule".
type runGate struct {
	mu       sync.Mutex
	inflight bool
}

func (g *runGate) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight {
		return false
	}
	g.inflight = true
	return true
}

func (g *runGate) release() {
	g.mu.Lock()
	g.inflight = false
	g.mu.Unlock()
}
