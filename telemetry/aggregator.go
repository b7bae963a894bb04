package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SystemMetrics is the snapshot handed to the registered metrics callback.
type SystemMetrics struct {
	CPUPercent      float64       `json:"cpu_percent"`
	MemoryBytes     uint64        `json:"memory_bytes"`
	AvgLatency      time.Duration `json:"avg_latency"`
	MaxLatency      time.Duration `json:"max_latency"`
	TotalMessages   uint64        `json:"total_messages"`
	DroppedMessages uint64        `json:"dropped_messages"`
	StartTime       time.Time     `json:"start_time"`
	Uptime          time.Duration `json:"uptime"`
}

// ResourceSampler supplies process-wide CPU and memory usage.
type ResourceSampler interface {
	Sample() (cpuPercent float64, rssBytes uint64, err error)
}

// QueueStats exposes the message-queue collaborator's lifetime counters.
type QueueStats interface {
	Stats() (total, dropped uint64)
}

// Collectors bundles the prometheus instruments for one control system,
// registered on a private registry so multiple systems (and tests) never
// collide.
type Collectors struct {
	registry *prometheus.Registry

	TickDuration     *prometheus.HistogramVec
	Overruns         *prometheus.CounterVec
	CommandRejects   prometheus.Counter
	WatchdogTimeouts prometheus.Counter
	EmergencyStop    prometheus.Gauge
}

// NewCollectors creates and registers the instrument set.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dcs_tick_duration_seconds",
				Help:    "Control loop tick duration in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
			},
			[]string{"loop"},
		),
		Overruns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcs_tick_overruns_total",
				Help: "Ticks whose execution exceeded the loop period.",
			},
			[]string{"loop"},
		),
		CommandRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcs_command_rejects_total",
			Help: "Actuator commands dropped by the safety interlock.",
		}),
		WatchdogTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcs_watchdog_timeouts_total",
			Help: "Watchdog timeout episodes declared.",
		}),
		EmergencyStop: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcs_emergency_stop",
			Help: "1 while the system-wide emergency stop is raised.",
		}),
	}
	c.registry.MustRegister(
		c.TickDuration,
		c.Overruns,
		c.CommandRejects,
		c.WatchdogTimeouts,
		c.EmergencyStop,
	)
	return c
}

// Registry returns the prometheus registry backing the instruments, for
// exposition via promhttp.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Aggregator samples resource usage and per-loop latency out-of-band and
// invokes the registered metrics callback. It never blocks loop execution:
// loops only touch lock-protected counters via RecordTick.
type Aggregator struct {
	interval   time.Duration
	sampler    ResourceSampler // may be nil (no procfs)
	queue      QueueStats      // may be nil
	stats      *LatencyStats
	collectors *Collectors
	logger     *slog.Logger
	start      time.Time

	mu      sync.Mutex
	cb      func(SystemMetrics)
	lastCPU float64
	lastMem uint64

	stopCh chan struct{}
	done   chan struct{}
}

// NewAggregator wires the aggregator. A nil sampler or queue leaves the
// corresponding snapshot fields at zero.
func NewAggregator(interval time.Duration, sampler ResourceSampler, queue QueueStats, collectors *Collectors, logger *slog.Logger) *Aggregator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Aggregator{
		interval:   interval,
		sampler:    sampler,
		queue:      queue,
		stats:      NewLatencyStats(),
		collectors: collectors,
		logger:     logger,
		start:      time.Now(),
	}
}

// SetCallback registers the function invoked with each metrics snapshot.
func (a *Aggregator) SetCallback(fn func(SystemMetrics)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = fn
}

// RecordTick notes one completed tick for the named loop. Called from loop
// goroutines on every tick.
func (a *Aggregator) RecordTick(loop string, d time.Duration) {
	a.stats.Record(loop, d)
	if a.collectors != nil {
		a.collectors.TickDuration.WithLabelValues(loop).Observe(d.Seconds())
	}
}

// Stats exposes the latency accumulator for direct queries.
func (a *Aggregator) Stats() *LatencyStats {
	return a.stats
}

// Start launches the sampling goroutine.
func (a *Aggregator) Start() {
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	go a.run(a.stopCh, a.done)
}

// Stop halts sampling and waits for the goroutine to exit.
func (a *Aggregator) Stop() {
	if a.stopCh == nil {
		return
	}
	close(a.stopCh)
	<-a.done
	a.stopCh = nil
}

func (a *Aggregator) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			a.sample()
		}
	}
}

func (a *Aggregator) sample() {
	if a.sampler != nil {
		cpu, mem, err := a.sampler.Sample()
		if err != nil {
			if a.logger != nil {
				a.logger.Warn("resource sample failed", "error", err)
			}
		} else {
			a.mu.Lock()
			a.lastCPU, a.lastMem = cpu, mem
			a.mu.Unlock()
		}
	}

	snap := a.Snapshot()

	a.mu.Lock()
	cb := a.cb
	a.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}

// Snapshot assembles the current SystemMetrics.
func (a *Aggregator) Snapshot() SystemMetrics {
	avg, max := a.stats.Snapshot()

	a.mu.Lock()
	cpu, mem := a.lastCPU, a.lastMem
	a.mu.Unlock()

	m := SystemMetrics{
		CPUPercent:  cpu,
		MemoryBytes: mem,
		AvgLatency:  avg,
		MaxLatency:  max,
		StartTime:   a.start,
		Uptime:      time.Since(a.start),
	}
	if a.queue != nil {
		m.TotalMessages, m.DroppedMessages = a.queue.Stats()
	}
	return m
}
