package module

import (
	"sync"
	"time"
)

// Metrics is a snapshot of a module's processing statistics.
type Metrics struct {
	ProcessedCount uint64        `json:"processed_count"`
	AvgProcessing  time.Duration `json:"avg_processing"`
	MaxProcessing  time.Duration `json:"max_processing"`
	ErrorCount     uint64        `json:"error_count"`
	Uptime         time.Duration `json:"uptime"`
}

// Tracker accumulates per-module processing statistics. The zero value is
// ready to use. Loop goroutines write, the metrics aggregator and watchdog
// read; everything is guarded by one small mutex since updates are a few
// field writes.
type Tracker struct {
	mu           sync.Mutex
	started      time.Time
	processed    uint64
	totalTime    time.Duration
	maxTime      time.Duration
	errorCount   uint64
	lastActivity time.Time
}

// Record notes one successful operation taking d.
func (t *Tracker) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		t.started = time.Now()
	}
	t.processed++
	t.totalTime += d
	if d > t.maxTime {
		t.maxTime = d
	}
	t.lastActivity = time.Now()
}

// RecordError notes one failed operation.
func (t *Tracker) RecordError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorCount++
}

// LastActivity returns the time of the last successful operation, or the
// zero time if nothing has been recorded.
func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// Snapshot returns the current statistics.
func (t *Tracker) Snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := Metrics{
		ProcessedCount: t.processed,
		MaxProcessing:  t.maxTime,
		ErrorCount:     t.errorCount,
	}
	if t.processed > 0 {
		m.AvgProcessing = t.totalTime / time.Duration(t.processed)
	}
	if !t.started.IsZero() {
		m.Uptime = time.Since(t.started)
	}
	return m
}
