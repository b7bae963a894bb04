// Package dcs is a real-time process-control runtime: it hosts pluggable
// sensor and actuator modules, runs periodic control loops that read
// sensors, compute commands, and dispatch them through a safety interlock,
// and supervises the whole system for liveness.
package dcs

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults mirror the runtime's conventional deployment.
const (
	defaultSharedMemorySize = 100 * 1024 * 1024
	defaultMessageQueueSize = 10000
	defaultWatchdogTimeout  = 5 * time.Second
	defaultMetricsInterval  = time.Second
	defaultShutdownTimeout  = 10 * time.Second

	envLogLevel        = "DCS_LOG_LEVEL"
	envHTTPAddr        = "DCS_HTTP_ADDR"
	envWatchdogTimeout = "DCS_WATCHDOG_TIMEOUT"
	envQueueSize       = "DCS_MESSAGE_QUEUE_SIZE"
)

// WatchdogPolicy mirrors watchdog.Policy at the configuration surface.
type WatchdogPolicy string

const (
	WatchdogPolicyReport        WatchdogPolicy = "report"
	WatchdogPolicyEmergencyStop WatchdogPolicy = "emergency_stop"
)

// Config holds the runtime configuration passed to New.
type Config struct {
	// SharedMemorySize is the capacity in bytes of the shared latest-value
	// board loops publish readings to.
	SharedMemorySize int
	// MessageQueueSize is the maximum number of queued telemetry messages
	// before new ones are dropped.
	MessageQueueSize int
	// EnableRedundancy is reserved.
	EnableRedundancy bool
	// EnableMetrics gates the metrics aggregator goroutine.
	EnableMetrics bool
	// LogLevel is debug, info, warn, or error.
	LogLevel string
	// WatchdogTimeout is the silence bound before a module or loop is
	// declared failed.
	WatchdogTimeout time.Duration
	// WatchdogInterval is the supervision cadence; zero derives it from
	// the timeout.
	WatchdogInterval time.Duration
	// WatchdogPolicy selects what a timeout episode triggers beyond the
	// report.
	WatchdogPolicy WatchdogPolicy
	// MetricsInterval is the aggregator sampling cadence.
	MetricsInterval time.Duration
	// MaxConsecutiveFailures faults a loop after this many control
	// function failures in a row; zero selects the scheduler default.
	MaxConsecutiveFailures int
	// ShutdownTimeout bounds the join wait in Stop.
	ShutdownTimeout time.Duration
	// HTTPAddr enables the ops API when non-empty, e.g. ":9600".
	HTTPAddr string
}

// DefaultConfig returns the conventional configuration.
func DefaultConfig() Config {
	return Config{
		SharedMemorySize: defaultSharedMemorySize,
		MessageQueueSize: defaultMessageQueueSize,
		EnableMetrics:    true,
		LogLevel:         "info",
		WatchdogTimeout:  defaultWatchdogTimeout,
		WatchdogPolicy:   WatchdogPolicyReport,
		MetricsInterval:  defaultMetricsInterval,
		ShutdownTimeout:  defaultShutdownTimeout,
	}
}

// LoadConfig returns DefaultConfig with DCS_* environment overrides applied.
func LoadConfig() Config {
	cfg := DefaultConfig()

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envHTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv(envWatchdogTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.WatchdogTimeout = d
		}
	}
	if v := os.Getenv(envQueueSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MessageQueueSize = n
		}
	}
	return cfg
}

// normalized fills zero fields with defaults so New accepts sparse configs.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.SharedMemorySize <= 0 {
		c.SharedMemorySize = def.SharedMemorySize
	}
	if c.MessageQueueSize <= 0 {
		c.MessageQueueSize = def.MessageQueueSize
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = def.WatchdogTimeout
	}
	if c.WatchdogPolicy == "" {
		c.WatchdogPolicy = def.WatchdogPolicy
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = def.MetricsInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}
