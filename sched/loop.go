package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/dcs/module"
)

// ControlFunc maps one tick's full sensor reading set (in bind order) to
// zero or more actuator commands keyed by target name. One invocation per
// tick regardless of how many sensors are bound.
type ControlFunc func(readings []module.SensorData) ([]module.ActuatorCommand, error)

// LoopState is the run state of one control loop.
type LoopState int32

const (
	LoopStopped LoopState = iota
	LoopRunning
	LoopFaulted
)

func (s LoopState) String() string {
	switch s {
	case LoopStopped:
		return "stopped"
	case LoopRunning:
		return "running"
	case LoopFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Loop is a named periodic task binding sensors and actuators to a control
// function. Configuration is only mutable while the loop is stopped; the
// running loop goroutine reads it without further locking.
type Loop struct {
	name      string
	frequency float64
	period    time.Duration

	mu        sync.Mutex
	sensors   []string
	actuators []string
	fn        ControlFunc

	running  atomic.Bool
	state    atomic.Int32
	lastTick atomic.Int64 // unix nanos of the last completed tick

	// Goroutine-local tick bookkeeping.
	consecFailures int
	actuatorSet    map[string]bool
}

// LoopStatus is a read-only view of one loop.
type LoopStatus struct {
	Name        string    `json:"name"`
	FrequencyHz float64   `json:"frequency_hz"`
	State       string    `json:"state"`
	Sensors     []string  `json:"sensors"`
	Actuators   []string  `json:"actuators"`
	LastTick    time.Time `json:"last_tick,omitempty"`
}

func newLoop(name string, frequencyHz float64) *Loop {
	return &Loop{
		name:      name,
		frequency: frequencyHz,
		period:    time.Duration(float64(time.Second) / frequencyHz),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// State returns the loop's run state.
func (l *Loop) State() LoopState {
	return LoopState(l.state.Load())
}

// LastTick returns the completion time of the most recent tick, or the zero
// time before the first tick.
func (l *Loop) LastTick() time.Time {
	n := l.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (l *Loop) markTick() {
	l.lastTick.Store(time.Now().UnixNano())
}

// status snapshots the loop under its config lock.
func (l *Loop) status() LoopStatus {
	l.mu.Lock()
	sensors := append([]string(nil), l.sensors...)
	actuators := append([]string(nil), l.actuators...)
	l.mu.Unlock()

	return LoopStatus{
		Name:        l.name,
		FrequencyHz: l.frequency,
		State:       l.State().String(),
		Sensors:     sensors,
		Actuators:   actuators,
		LastTick:    l.LastTick(),
	}
}

// boundModules returns all module names referenced by the loop.
func (l *Loop) boundModules() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.sensors)+len(l.actuators))
	names = append(names, l.sensors...)
	names = append(names, l.actuators...)
	return names
}

// prepare freezes the loop configuration for a run.
func (l *Loop) prepare() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecFailures = 0
	l.actuatorSet = make(map[string]bool, len(l.actuators))
	for _, name := range l.actuators {
		l.actuatorSet[name] = true
	}
}
