package dcs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/dcs/internal/httpapi"
	"github.com/seantiz/dcs/internal/ipc"
	"github.com/seantiz/dcs/internal/sysinfo"
	"github.com/seantiz/dcs/module"
	"github.com/seantiz/dcs/registry"
	"github.com/seantiz/dcs/safety"
	"github.com/seantiz/dcs/sched"
	"github.com/seantiz/dcs/telemetry"
	"github.com/seantiz/dcs/watchdog"
)

// ErrNotRunning is returned by Stop when the system was never started.
var ErrNotRunning = errors.New("control system is not running")

// ControlFunc is re-exported so embedders only import the root package for
// the common path.
type ControlFunc = sched.ControlFunc

// SystemMetrics is the metrics snapshot type handed to the metrics callback.
type SystemMetrics = telemetry.SystemMetrics

// ErrorCallback receives the identity of the offending module or loop and
// the error, for every non-fatal in-loop failure and every watchdog or
// shutdown fault.
type ErrorCallback func(source string, err error)

// ControlSystem is the orchestration facade: it owns the module registry,
// the control loop scheduler, the safety interlock, the watchdog, and the
// metrics aggregator.
type ControlSystem struct {
	cfg    Config
	logger *slog.Logger

	registry   *registry.Registry
	interlock  *safety.Interlock
	scheduler  *sched.Scheduler
	dog        *watchdog.Watchdog
	aggregator *telemetry.Aggregator
	collectors *telemetry.Collectors
	broker     *telemetry.Broker
	queue      *ipc.Queue
	shared     *ipc.SharedBuffer
	ops        *httpapi.Server

	errorCB atomic.Value // ErrorCallback
	pumpOne sync.Once

	running atomic.Bool
	closed  atomic.Bool
}

// New builds a control system from cfg with a JSON logger on stdout.
func New(cfg Config) *ControlSystem {
	cfg = cfg.normalized()
	return NewWithLogger(cfg, NewLogger(os.Stdout, cfg.LogLevel))
}

// NewWithLogger is New with a caller-supplied logger.
func NewWithLogger(cfg Config, logger *slog.Logger) *ControlSystem {
	cfg = cfg.normalized()

	s := &ControlSystem{
		cfg:        cfg,
		logger:     logger,
		interlock:  safety.NewInterlock(),
		collectors: telemetry.NewCollectors(),
		broker:     telemetry.NewBroker(),
		queue:      ipc.NewQueue(cfg.MessageQueueSize),
		shared:     ipc.NewSharedBuffer(cfg.SharedMemorySize),
	}
	s.registry = registry.New(registry.GoPluginLoader{}, logger)

	sampler, err := sysinfo.NewSampler()
	if err != nil {
		logger.Warn("resource sampling unavailable", "error", err)
		s.aggregator = telemetry.NewAggregator(cfg.MetricsInterval, nil, s.queue, s.collectors, logger)
	} else {
		s.aggregator = telemetry.NewAggregator(cfg.MetricsInterval, sampler, s.queue, s.collectors, logger)
	}

	s.scheduler = sched.New(sched.Config{
		Registry:               s.registry,
		Interlock:              s.interlock,
		Aggregator:             s.aggregator,
		Collectors:             s.collectors,
		Broker:                 s.broker,
		Queue:                  s.queue,
		Shared:                 s.shared,
		Logger:                 logger,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
	})

	policy := watchdog.PolicyReport
	if cfg.WatchdogPolicy == WatchdogPolicyEmergencyStop {
		policy = watchdog.PolicyEmergencyStop
	}
	s.dog = watchdog.New(watchdog.Config{
		Interval:      cfg.WatchdogInterval,
		Timeout:       cfg.WatchdogTimeout,
		Policy:        policy,
		Registry:      s.registry,
		Loops:         s.scheduler,
		Broker:        s.broker,
		Collectors:    s.collectors,
		Logger:        logger,
		EmergencyStop: s.EmergencyStop,
	})

	if cfg.HTTPAddr != "" {
		s.ops = httpapi.New(cfg.HTTPAddr, s, s.collectors.Registry(), logger)
	}
	return s
}

// RegisterModule adds a directly constructed (built-in) module.
func (s *ControlSystem) RegisterModule(m module.Module) error {
	return s.registry.Register(m)
}

// LoadModule loads a module from a shared plugin at path and returns its
// registered name.
func (s *ControlSystem) LoadModule(path string) (string, error) {
	return s.registry.Load(path)
}

// LoadBuiltinModule instantiates and registers a module from the link-time
// builtin table.
func (s *ControlSystem) LoadBuiltinModule(name string) error {
	return s.registry.LoadBuiltin(name)
}

// UnloadModule shuts a module down and removes it. Fails while the module
// is bound to a running loop.
func (s *ControlSystem) UnloadModule(name string) error {
	return s.registry.Unload(name)
}

// GetLoadedModules returns a sorted snapshot of registered module names.
func (s *ControlSystem) GetLoadedModules() []string {
	return s.registry.Names()
}

// GetModule returns the module registered under name. Callers type-assert
// to module.Sensor or module.Actuator for capability access.
func (s *ControlSystem) GetModule(name string) (module.Module, bool) {
	return s.registry.Get(name)
}

// CreateControlLoop registers a new stopped loop at the given frequency.
func (s *ControlSystem) CreateControlLoop(name string, frequencyHz float64) error {
	return s.scheduler.CreateLoop(name, frequencyHz)
}

// SetControlFunction installs fn on a stopped loop.
func (s *ControlSystem) SetControlFunction(loopName string, fn ControlFunc) error {
	return s.scheduler.SetControlFunction(loopName, fn)
}

// AddSensorToLoop binds a sensor to a stopped loop.
func (s *ControlSystem) AddSensorToLoop(loopName, moduleName string) error {
	return s.scheduler.AddSensor(loopName, moduleName)
}

// AddActuatorToLoop binds an actuator to a stopped loop.
func (s *ControlSystem) AddActuatorToLoop(loopName, moduleName string) error {
	return s.scheduler.AddActuator(loopName, moduleName)
}

// Start drives every bound module to Running, then launches the loop,
// watchdog, and metrics goroutines and the ops API.
func (s *ControlSystem) Start() error {
	if s.closed.Load() {
		return errors.New("control system is closed")
	}
	if !s.running.CompareAndSwap(false, true) {
		return sched.ErrAlreadyRunning
	}

	if err := s.startBoundModules(); err != nil {
		s.running.Store(false)
		return err
	}
	if err := s.scheduler.Start(); err != nil {
		s.running.Store(false)
		return err
	}
	s.dog.Start()
	if s.cfg.EnableMetrics {
		s.aggregator.Start()
	}
	if s.ops != nil {
		s.ops.Start()
	}

	s.logger.Info("control system started",
		"loops", len(s.scheduler.Status()),
		"modules", len(s.registry.Names()),
		"metrics", s.cfg.EnableMetrics,
	)
	return nil
}

// startBoundModules brings every module referenced by a loop to Running.
func (s *ControlSystem) startBoundModules() error {
	for _, st := range s.scheduler.Status() {
		names := append(append([]string(nil), st.Sensors...), st.Actuators...)
		for _, name := range names {
			m, ok := s.registry.Get(name)
			if !ok {
				return fmt.Errorf("loop %q: module %q: %w", st.Name, name, registry.ErrUnknownModule)
			}
			switch m.State() {
			case module.Running:
				continue
			case module.Uninitialized:
				if err := m.Initialize(); err != nil {
					return fmt.Errorf("initialize module %q: %w", name, err)
				}
			}
			if err := m.Start(); err != nil {
				return fmt.Errorf("start module %q: %w", name, err)
			}
		}
	}
	return nil
}

// Stop halts loops, watchdog, metrics, and the ops API, then pauses the
// bound modules. A loop goroutine missing the shutdown bound is fatal: the
// ShutdownTimeoutError is returned and the system must be considered
// unclean.
func (s *ControlSystem) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}

	joinErr := s.scheduler.Stop(s.cfg.ShutdownTimeout)
	s.dog.Stop()
	if s.cfg.EnableMetrics {
		s.aggregator.Stop()
	}
	if s.ops != nil {
		s.ops.Shutdown()
	}

	for _, name := range s.registry.Names() {
		if m, ok := s.registry.Get(name); ok && m.State() == module.Running {
			if err := m.Stop(); err != nil {
				s.logger.Warn("pause module on stop", "module", name, "error", err)
			}
		}
	}

	if joinErr != nil {
		s.logger.Error("unclean shutdown", "error", joinErr)
		return joinErr
	}
	s.logger.Info("control system stopped")
	return nil
}

// Close stops the system if needed, shuts every module down, and closes
// the event broker. The system cannot be restarted afterwards.
func (s *ControlSystem) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.running.Load() {
		_ = s.Stop()
	}
	s.registry.ShutdownAll()
	s.broker.Close()
}

// IsRunning reports whether Start has succeeded without a matching Stop.
func (s *ControlSystem) IsRunning() bool {
	return s.running.Load()
}

// EmergencyStop raises the system-wide emergency stop: every actuator
// output is forced to its safe value within one tick. Scheduling continues.
func (s *ControlSystem) EmergencyStop() {
	if s.interlock.EmergencyStopped() {
		return
	}
	s.interlock.SetEmergencyStop(true)
	s.collectors.EmergencyStop.Set(1)
	s.broker.Publish(telemetry.NewEvent(telemetry.KindEmergencyStop, "system",
		errors.New("emergency stop engaged")))
	s.logger.Error("emergency stop engaged")
}

// ClearEmergencyStop releases the emergency stop.
func (s *ControlSystem) ClearEmergencyStop() {
	s.interlock.SetEmergencyStop(false)
	s.collectors.EmergencyStop.Set(0)
	s.logger.Info("emergency stop cleared")
}

// EmergencyStopped reports the flag.
func (s *ControlSystem) EmergencyStopped() bool {
	return s.interlock.EmergencyStopped()
}

// SetMetricsCallback registers fn to receive each aggregator snapshot.
func (s *ControlSystem) SetMetricsCallback(fn func(SystemMetrics)) {
	s.aggregator.SetCallback(fn)
}

// GetMetrics returns the current system-wide metrics snapshot.
func (s *ControlSystem) GetMetrics() SystemMetrics {
	return s.aggregator.Snapshot()
}

// SetErrorCallback registers fn for runtime failure reports. The callback
// runs on a dedicated goroutine; slow callbacks drop events rather than
// blocking loop execution.
func (s *ControlSystem) SetErrorCallback(fn ErrorCallback) {
	s.errorCB.Store(fn)
	s.pumpOne.Do(func() {
		ch, _ := s.broker.Subscribe()
		go func() {
			for ev := range ch {
				cb, _ := s.errorCB.Load().(ErrorCallback)
				if cb != nil && ev.Err != nil {
					cb(ev.Source, ev.Err)
				}
			}
		}()
	})
}

// Events returns a subscription to the raw runtime event stream, for
// embedders that want more than the error callback.
func (s *ControlSystem) Events() (<-chan telemetry.Event, func()) {
	return s.broker.Subscribe()
}

// Modules implements the ops API source: a snapshot of registry entries.
func (s *ControlSystem) Modules() []registry.ModuleInfo {
	return s.registry.List()
}

// Loops implements the ops API source: a snapshot of loop statuses.
func (s *ControlSystem) Loops() []sched.LoopStatus {
	return s.scheduler.Status()
}

// Metrics implements the ops API source.
func (s *ControlSystem) Metrics() SystemMetrics {
	return s.GetMetrics()
}

// Running implements the ops API source.
func (s *ControlSystem) Running() bool {
	return s.IsRunning()
}

// SharedValue reads the latest value a loop posted for the named sensor
// from the shared board.
func (s *ControlSystem) SharedValue(loop, sensor string) (float64, bool) {
	raw, ok := s.shared.Get(loop + "/" + sensor)
	if !ok || len(raw) != 8 {
		return 0, false
	}
	return float64FromBits(raw), true
}

// Uptime reports how long the aggregator has been alive, which matches the
// system's construction time.
func (s *ControlSystem) Uptime() time.Duration {
	return s.GetMetrics().Uptime
}

func float64FromBits(raw []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(raw))
}
