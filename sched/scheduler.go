// Package sched owns the named control loops and their periodic execution:
// one goroutine per loop running read -> control -> interlock -> execute ->
// record on a fixed period with a skip-on-overrun policy.
package sched

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/dcs/internal/ipc"
	"github.com/seantiz/dcs/module"
	"github.com/seantiz/dcs/registry"
	"github.com/seantiz/dcs/safety"
	"github.com/seantiz/dcs/telemetry"
)

// DefaultMaxConsecutiveFailures halts a loop after this many control
// function failures in a row when no threshold is configured.
const DefaultMaxConsecutiveFailures = 10

// Scheduler errors.
var (
	ErrLoopExists     = errors.New("control loop already exists")
	ErrUnknownLoop    = errors.New("control loop not found")
	ErrLoopRunning    = errors.New("control loop is running")
	ErrBadFrequency   = errors.New("loop frequency must be positive")
	ErrAlreadyRunning = errors.New("scheduler already running")
)

// ShutdownTimeoutError reports loop goroutines that failed to join within
// the bound. The system is in an unclean state when this is returned.
type ShutdownTimeoutError struct {
	Timeout time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("loop goroutines did not exit within %v", e.Timeout)
}

// Config wires the scheduler's collaborators.
type Config struct {
	Registry   *registry.Registry
	Interlock  *safety.Interlock
	Aggregator *telemetry.Aggregator
	Collectors *telemetry.Collectors
	Broker     *telemetry.Broker
	Queue      *ipc.Queue        // optional tick telemetry sink
	Shared     *ipc.SharedBuffer // optional latest-reading board
	Logger     *slog.Logger

	// MaxConsecutiveFailures is the control-function failure threshold
	// that faults a loop. Zero selects the default.
	MaxConsecutiveFailures int
}

// Scheduler owns all control loops.
type Scheduler struct {
	cfg      Config
	maxFails int

	mu    sync.Mutex
	loops map[string]*Loop

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler with no loops.
func New(cfg Config) *Scheduler {
	maxFails := cfg.MaxConsecutiveFailures
	if maxFails <= 0 {
		maxFails = DefaultMaxConsecutiveFailures
	}
	return &Scheduler{
		cfg:      cfg,
		maxFails: maxFails,
		loops:    make(map[string]*Loop),
	}
}

// CreateLoop registers a new stopped loop.
func (s *Scheduler) CreateLoop(name string, frequencyHz float64) error {
	if frequencyHz <= 0 {
		return fmt.Errorf("loop %q: %w", name, ErrBadFrequency)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.loops[name]; exists {
		return fmt.Errorf("loop %q: %w", name, ErrLoopExists)
	}
	s.loops[name] = newLoop(name, frequencyHz)
	return nil
}

// SetControlFunction installs the loop's control function. The loop must be
// stopped.
func (s *Scheduler) SetControlFunction(name string, fn ControlFunc) error {
	l, err := s.stoppedLoop(name)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fn = fn
	return nil
}

// AddSensor binds a sensor module to a stopped loop, in call order.
func (s *Scheduler) AddSensor(loopName, moduleName string) error {
	l, err := s.stoppedLoop(loopName)
	if err != nil {
		return err
	}
	if _, err := s.cfg.Registry.Sensor(moduleName); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sensors = append(l.sensors, moduleName)
	return nil
}

// AddActuator binds an actuator module to a stopped loop, in call order.
func (s *Scheduler) AddActuator(loopName, moduleName string) error {
	l, err := s.stoppedLoop(loopName)
	if err != nil {
		return err
	}
	if _, err := s.cfg.Registry.Actuator(moduleName); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actuators = append(l.actuators, moduleName)
	return nil
}

func (s *Scheduler) stoppedLoop(name string) (*Loop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[name]
	if !ok {
		return nil, fmt.Errorf("loop %q: %w", name, ErrUnknownLoop)
	}
	if l.running.Load() {
		return nil, fmt.Errorf("loop %q: %w", name, ErrLoopRunning)
	}
	return l, nil
}

// Status returns a snapshot of every loop, sorted by name for stable output.
func (s *Scheduler) Status() []LoopStatus {
	s.mu.Lock()
	loops := make([]*Loop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	s.mu.Unlock()

	statuses := make([]LoopStatus, 0, len(loops))
	for _, l := range loops {
		statuses = append(statuses, l.status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Running reports whether the scheduler has been started.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start launches one goroutine per configured loop. Loops without a control
// function are left stopped. Bound modules are marked in the registry so
// they cannot be unloaded mid-run.
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.stopCh = make(chan struct{})

	s.mu.Lock()
	loops := make([]*Loop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	s.mu.Unlock()

	for _, l := range loops {
		l.mu.Lock()
		hasFn := l.fn != nil
		l.mu.Unlock()
		if !hasFn {
			if s.cfg.Logger != nil {
				s.cfg.Logger.Warn("loop has no control function, not started", "loop", l.name)
			}
			continue
		}

		l.prepare()
		s.cfg.Registry.Bind(l.boundModules()...)
		l.running.Store(true)
		l.state.Store(int32(LoopRunning))

		s.wg.Add(1)
		go s.runLoop(l, s.stopCh)

		if s.cfg.Logger != nil {
			s.cfg.Logger.Info("control loop started",
				"loop", l.name, "frequency_hz", l.frequency, "period", l.period)
		}
	}
	return nil
}

// Stop clears every loop's running flag and joins the goroutines within the
// bound. Exceeding the bound is fatal: a ShutdownTimeoutError is returned
// and published, and the system must be considered unclean.
func (s *Scheduler) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	loops := make([]*Loop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	s.mu.Unlock()

	for _, l := range loops {
		l.running.Store(false)
		if l.State() == LoopRunning {
			l.state.Store(int32(LoopStopped))
		}
	}
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		err := &ShutdownTimeoutError{Timeout: timeout}
		s.publish(telemetry.NewEvent(telemetry.KindShutdownTimeout, "scheduler", err))
		return err
	}

	for _, l := range loops {
		s.cfg.Registry.Unbind(l.boundModules()...)
	}
	return nil
}

// runLoop executes the fixed-period cycle on a monotonic clock. On overrun
// the next tick starts immediately; missed ticks are never queued or caught
// up, so sustained overrun cannot accumulate drift.
func (s *Scheduler) runLoop(l *Loop, stopCh <-chan struct{}) {
	defer s.wg.Done()

	// Seed the slew origin so the first tick sees one full period of dt.
	prev := time.Now().Add(-l.period)

	for l.running.Load() {
		tickStart := time.Now()
		dt := tickStart.Sub(prev)
		prev = tickStart

		s.tick(l, dt)

		elapsed := time.Since(tickStart)
		if s.cfg.Aggregator != nil {
			s.cfg.Aggregator.RecordTick(l.name, elapsed)
		}
		l.markTick()

		if elapsed >= l.period {
			if s.cfg.Collectors != nil {
				s.cfg.Collectors.Overruns.WithLabelValues(l.name).Inc()
			}
			s.publish(telemetry.NewEvent(telemetry.KindOverrun, l.name,
				fmt.Errorf("tick took %v, period %v", elapsed, l.period)))
			continue
		}

		select {
		case <-time.After(l.period - elapsed):
		case <-stopCh:
			return
		}
	}
}

// tick runs one strictly sequential read -> control -> validate -> execute
// -> record cycle.
func (s *Scheduler) tick(l *Loop, dt time.Duration) {
	readings := make([]module.SensorData, 0, len(l.sensors))
	for _, name := range l.sensors {
		sensor, err := s.cfg.Registry.Sensor(name)
		if err != nil {
			s.publish(telemetry.NewEvent(telemetry.KindSensorFailure, name, err))
			return
		}
		start := time.Now()
		data, err := sensor.Read()
		if err != nil {
			recordError(sensor)
			s.publish(telemetry.NewEvent(telemetry.KindSensorFailure, name, err))
			return
		}
		recordProcessing(sensor, time.Since(start))
		readings = append(readings, data)
		s.postReading(l.name, data)
	}

	commands, err := l.fn(readings)
	if err != nil {
		l.consecFailures++
		s.publish(telemetry.NewEvent(telemetry.KindControlFailure, l.name, err))
		if l.consecFailures >= s.maxFails {
			l.running.Store(false)
			l.state.Store(int32(LoopFaulted))
			s.publish(telemetry.NewEvent(telemetry.KindLoopHalted, l.name,
				fmt.Errorf("%d consecutive control function failures", l.consecFailures)))
			if s.cfg.Logger != nil {
				s.cfg.Logger.Error("control loop halted",
					"loop", l.name, "consecutive_failures", l.consecFailures)
			}
		}
		return
	}
	l.consecFailures = 0

	for _, cmd := range commands {
		s.dispatch(l, cmd, dt)
	}
}

// dispatch routes one command through the safety interlock and executes it
// on the bound actuator. Validation failures drop the command and the loop
// carries on.
func (s *Scheduler) dispatch(l *Loop, cmd module.ActuatorCommand, dt time.Duration) {
	if !l.actuatorSet[cmd.Target] {
		s.rejectCommand(l.name, fmt.Errorf("command target %q not bound to loop", cmd.Target))
		return
	}
	act, err := s.cfg.Registry.Actuator(cmd.Target)
	if err != nil {
		s.rejectCommand(l.name, err)
		return
	}

	applied, err := s.cfg.Interlock.Route(cmd, act.Limits(), act.Output(), safety.SafeValueFor(act), dt)
	if err != nil {
		s.rejectCommand(l.name, err)
		return
	}

	start := time.Now()
	if err := act.Execute(applied); err != nil {
		recordError(act)
		s.publish(telemetry.NewEvent(telemetry.KindExecuteFailure, cmd.Target, err))
		return
	}
	recordProcessing(act, time.Since(start))
	s.postDispatch(l.name, applied)
}

func (s *Scheduler) rejectCommand(loop string, err error) {
	if s.cfg.Collectors != nil {
		s.cfg.Collectors.CommandRejects.Inc()
	}
	s.publish(telemetry.NewEvent(telemetry.KindCommandRejected, loop, err))
}

func (s *Scheduler) publish(ev telemetry.Event) {
	if s.cfg.Broker != nil {
		s.cfg.Broker.Publish(ev)
	}
}

// postReading writes the latest sensor value to the shared-memory board.
func (s *Scheduler) postReading(loop string, data module.SensorData) {
	if s.cfg.Shared == nil {
		return
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(data.Value))
	if err := s.cfg.Shared.Put(loop+"/"+data.Name, buf[:]); err != nil && s.cfg.Logger != nil {
		s.cfg.Logger.Warn("shared buffer write failed", "loop", loop, "sensor", data.Name, "error", err)
	}
}

// postDispatch publishes one applied command to the message queue; a full
// queue drops the record and counts it.
func (s *Scheduler) postDispatch(loop string, cmd module.ActuatorCommand) {
	if s.cfg.Queue == nil {
		return
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(cmd.Value))
	s.cfg.Queue.Push(ipc.Message{
		Topic:   "dispatch/" + loop + "/" + cmd.Target,
		Payload: buf[:],
		Time:    time.Now(),
	})
}

func recordProcessing(m module.Module, d time.Duration) {
	if r, ok := m.(interface{ RecordProcessing(time.Duration) }); ok {
		r.RecordProcessing(d)
	}
}

func recordError(m module.Module) {
	if r, ok := m.(interface{ RecordError() }); ok {
		r.RecordError()
	}
}
