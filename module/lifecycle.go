package module

import (
	"fmt"
	"sync/atomic"
	"time"
)

// State is a module lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	Running
	Paused
	Error
	Shutdown
)

var stateNames = map[State]string{
	Uninitialized: "uninitialized",
	Initializing:  "initializing",
	Ready:         "ready",
	Running:       "running",
	Paused:        "paused",
	Error:         "error",
	Shutdown:      "shutdown",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// validTransitions maps each state to the set of states it may transition to.
// Error is reachable from every non-terminal state and Shutdown from every
// state; Shutdown itself is terminal.
var validTransitions = map[State]map[State]bool{
	Uninitialized: {Initializing: true, Error: true, Shutdown: true},
	Initializing:  {Ready: true, Error: true, Shutdown: true},
	Ready:         {Running: true, Error: true, Shutdown: true},
	Running:       {Paused: true, Error: true, Shutdown: true},
	Paused:        {Running: true, Error: true, Shutdown: true},
	Error:         {Shutdown: true},
	Shutdown:      {},
}

// ValidTransition reports whether moving from one state to another is allowed.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ViolationError reports an illegal lifecycle transition attempt. The
// module's state is unchanged when this is returned.
type ViolationError struct {
	Module string
	From   State
	To     State
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("module %q: illegal transition %s -> %s", e.Module, e.From, e.To)
}

// Base supplies the lifecycle state machine and metrics bookkeeping shared
// by concrete modules. Embed it and override Initialize (and any other
// lifecycle hook that touches hardware), delegating state changes to
// Transition.
type Base struct {
	name    string
	version string
	state   atomic.Int32
	tracker Tracker
}

// NewBase creates lifecycle bookkeeping for a module. The initial state is
// Uninitialized.
func NewBase(name, version string) *Base {
	return &Base{name: name, version: version}
}

func (b *Base) Name() string    { return b.name }
func (b *Base) Version() string { return b.version }

func (b *Base) State() State {
	return State(b.state.Load())
}

// Healthy reports whether the module is Running.
func (b *Base) Healthy() bool {
	return b.State() == Running
}

// Transition moves the module to the target state if the transition table
// allows it. On an illegal attempt the state is left unchanged and a
// ViolationError is returned. Safe under concurrent callers.
func (b *Base) Transition(to State) error {
	for {
		cur := b.state.Load()
		from := State(cur)
		if from == to && to == Shutdown {
			// Shutdown is idempotent.
			return nil
		}
		if !ValidTransition(from, to) {
			return &ViolationError{Module: b.name, From: from, To: to}
		}
		if b.state.CompareAndSwap(cur, int32(to)) {
			return nil
		}
	}
}

// Initialize drives Uninitialized -> Initializing -> Ready. Modules with
// hardware setup override this, calling Transition around their own work.
func (b *Base) Initialize() error {
	if err := b.Transition(Initializing); err != nil {
		return err
	}
	return b.Transition(Ready)
}

// Start moves the module to Running. Legal only from Ready or Paused.
func (b *Base) Start() error {
	return b.Transition(Running)
}

// Stop moves the module from Running to Paused.
func (b *Base) Stop() error {
	return b.Transition(Paused)
}

// Shutdown moves the module to the terminal Shutdown state from any state.
// Calling it again is a no-op.
func (b *Base) Shutdown() error {
	for {
		cur := b.state.Load()
		if State(cur) == Shutdown {
			return nil
		}
		if b.state.CompareAndSwap(cur, int32(Shutdown)) {
			return nil
		}
	}
}

// Fail forces the module into Error and records the failure. A module
// already shut down stays shut down.
func (b *Base) Fail(err error) {
	for {
		cur := b.state.Load()
		if State(cur) == Shutdown || State(cur) == Error {
			return
		}
		if b.state.CompareAndSwap(cur, int32(Error)) {
			b.tracker.RecordError()
			return
		}
	}
}

// RecordProcessing notes one successful read/execute taking d. Concrete
// modules call this at the end of their hot path.
func (b *Base) RecordProcessing(d time.Duration) {
	b.tracker.Record(d)
}

// RecordError notes one failed read/execute.
func (b *Base) RecordError() {
	b.tracker.RecordError()
}

// LastActivity is the time of the last successful read/execute.
func (b *Base) LastActivity() time.Time {
	return b.tracker.LastActivity()
}

// Metrics returns a snapshot of the module's processing statistics.
func (b *Base) Metrics() Metrics {
	return b.tracker.Snapshot()
}
