// Package sysinfo samples process-wide resource usage from /proc.
package sysinfo

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// Sampler reads the current process's CPU and memory usage. CPU percent is
// derived from the CPU-time delta between consecutive Sample calls, so the
// first call always reports 0.
type Sampler struct {
	proc        procfs.Proc
	lastCPUTime float64
	lastSample  time.Time
}

// NewSampler binds to the current process. Fails on systems without procfs.
func NewSampler() (*Sampler, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &Sampler{proc: proc}, nil
}

// Sample returns the CPU usage in percent since the previous call and the
// current resident set size in bytes.
func (s *Sampler) Sample() (cpuPercent float64, rssBytes uint64, err error) {
	stat, err := s.proc.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("read proc stat: %w", err)
	}

	now := time.Now()
	cpuTime := stat.CPUTime()
	if !s.lastSample.IsZero() {
		wall := now.Sub(s.lastSample).Seconds()
		if wall > 0 {
			cpuPercent = (cpuTime - s.lastCPUTime) / wall * 100
		}
	}
	s.lastCPUTime = cpuTime
	s.lastSample = now

	rss := stat.ResidentMemory()
	if rss > 0 {
		rssBytes = uint64(rss)
	}
	return cpuPercent, rssBytes, nil
}
