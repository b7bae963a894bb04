// Package watchdog supervises module and loop liveness: it polls health and
// activity timestamps on its own schedule and declares a timeout episode
// when anything goes silent past the configured bound.
package watchdog

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/dcs/module"
	"github.com/seantiz/dcs/registry"
	"github.com/seantiz/dcs/sched"
	"github.com/seantiz/dcs/telemetry"
)

// Policy selects what happens beyond reporting when a timeout episode is
// declared.
type Policy int

const (
	// PolicyReport reports the episode and marks the offender failed.
	PolicyReport Policy = iota
	// PolicyEmergencyStop additionally trips the system-wide emergency stop.
	PolicyEmergencyStop
)

// TimeoutError identifies a silent module or loop.
type TimeoutError struct {
	Target  string
	Silence time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timeout, silent for %v", e.Target, e.Silence)
}

// LoopSource exposes the loop views the watchdog polls.
type LoopSource interface {
	Status() []sched.LoopStatus
}

// Config wires the watchdog's collaborators.
type Config struct {
	// Interval between supervision cycles.
	Interval time.Duration
	// Timeout is the silence bound before an episode is declared.
	Timeout time.Duration
	Policy  Policy

	Registry   *registry.Registry
	Loops      LoopSource
	Broker     *telemetry.Broker
	Collectors *telemetry.Collectors
	Logger     *slog.Logger

	// EmergencyStop trips the system-wide stop under PolicyEmergencyStop.
	EmergencyStop func()
}

// Watchdog polls module and loop health on its own goroutine.
//
// Each offender gets exactly one report per timeout episode: the episode is
// armed when the silence bound is first exceeded and resets only once the
// offender shows fresh activity again.
type Watchdog struct {
	cfg      Config
	episodes map[string]bool // offender -> episode in progress

	stopCh chan struct{}
	done   chan struct{}
}

// New creates a watchdog. Interval defaults to a tenth of the timeout.
func New(cfg Config) *Watchdog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Timeout / 10
	}
	return &Watchdog{
		cfg:      cfg,
		episodes: make(map[string]bool),
	}
}

// Start launches the supervision goroutine.
func (w *Watchdog) Start() {
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.stopCh, w.done)
}

// Stop halts supervision and waits for the goroutine to exit.
func (w *Watchdog) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.done
	w.stopCh = nil
}

func (w *Watchdog) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.Check(time.Now())
		}
	}
}

// Check runs one supervision cycle against the given clock reading. It is
// exported so tests can drive cycles deterministically.
func (w *Watchdog) Check(now time.Time) {
	for _, m := range w.modules() {
		key := "module/" + m.Name()
		last := m.LastActivity()
		if !m.Healthy() || last.IsZero() {
			// Only running, previously active modules are supervised.
			w.clearEpisode(key)
			continue
		}
		silence := now.Sub(last)
		if silence <= w.cfg.Timeout {
			w.clearEpisode(key)
			continue
		}
		if w.episodes[key] {
			continue
		}
		w.episodes[key] = true
		m.Fail(&TimeoutError{Target: key, Silence: silence})
		w.report(key, silence)
	}

	if w.cfg.Loops == nil {
		return
	}
	for _, st := range w.cfg.Loops.Status() {
		key := "loop/" + st.Name
		if st.State != sched.LoopRunning.String() || st.LastTick.IsZero() {
			w.clearEpisode(key)
			continue
		}
		silence := now.Sub(st.LastTick)
		if silence <= w.cfg.Timeout {
			w.clearEpisode(key)
			continue
		}
		if w.episodes[key] {
			continue
		}
		w.episodes[key] = true
		w.report(key, silence)
	}
}

func (w *Watchdog) modules() []module.Module {
	names := w.cfg.Registry.Names()
	mods := make([]module.Module, 0, len(names))
	for _, name := range names {
		if m, ok := w.cfg.Registry.Get(name); ok {
			mods = append(mods, m)
		}
	}
	return mods
}

func (w *Watchdog) clearEpisode(key string) {
	delete(w.episodes, key)
}

func (w *Watchdog) report(target string, silence time.Duration) {
	err := &TimeoutError{Target: target, Silence: silence}
	if w.cfg.Collectors != nil {
		w.cfg.Collectors.WatchdogTimeouts.Inc()
	}
	if w.cfg.Broker != nil {
		w.cfg.Broker.Publish(telemetry.NewEvent(telemetry.KindWatchdogTimeout, target, err))
	}
	if w.cfg.Logger != nil {
		w.cfg.Logger.Error("watchdog timeout", "target", target, "silence", silence)
	}
	if w.cfg.Policy == PolicyEmergencyStop && w.cfg.EmergencyStop != nil {
		w.cfg.EmergencyStop()
	}
}
