package telemetry

import (
	"sync"
	"time"
)

// latencyWindow is the number of recent tick durations kept per loop for the
// rolling average.
const latencyWindow = 256

// LatencyStats accumulates per-loop tick durations. Loop goroutines write,
// the aggregator reads; one small mutex guards the whole structure since a
// record is a few field writes.
type LatencyStats struct {
	mu    sync.Mutex
	loops map[string]*loopWindow
}

type loopWindow struct {
	samples [latencyWindow]time.Duration
	count   int // total recorded, may exceed len(samples)
	next    int
	max     time.Duration
}

// NewLatencyStats creates empty statistics.
func NewLatencyStats() *LatencyStats {
	return &LatencyStats{loops: make(map[string]*loopWindow)}
}

// Record adds one tick duration for the named loop.
func (s *LatencyStats) Record(loop string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.loops[loop]
	if !ok {
		w = &loopWindow{}
		s.loops[loop] = w
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % latencyWindow
	w.count++
	if d > w.max {
		w.max = d
	}
}

// Snapshot returns the rolling average and lifetime maximum across all loops.
func (s *LatencyStats) Snapshot() (avg, max time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total time.Duration
	var n int
	for _, w := range s.loops {
		window := w.count
		if window > latencyWindow {
			window = latencyWindow
		}
		for i := 0; i < window; i++ {
			total += w.samples[i]
		}
		n += window
		if w.max > max {
			max = w.max
		}
	}
	if n > 0 {
		avg = total / time.Duration(n)
	}
	return avg, max
}

// Loop returns the rolling average and maximum for one loop.
func (s *LatencyStats) Loop(name string) (avg, max time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, found := s.loops[name]
	if !found || w.count == 0 {
		return 0, 0, false
	}
	window := w.count
	if window > latencyWindow {
		window = latencyWindow
	}
	var total time.Duration
	for i := 0; i < window; i++ {
		total += w.samples[i]
	}
	return total / time.Duration(window), w.max, true
}
