package publish

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// SelfHealth periodically samples the governor's own process CPU% and RSS,
// so an operator can tell "a session source is degraded" apart from "the
// governor itself is resource-starved." Surfaced on /health; the
// governor_process_* gauges in Metrics are not updated from these samples.
type SelfHealth struct {
	mu         sync.RWMutex
	cpuPercent float64
	rssBytes   uint64
	proc       *process.Process
	log        *logrus.Logger
}

func NewSelfHealth(log *logrus.Logger) *SelfHealth {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.WithError(err).Warn("self-health: could not open own process handle")
	}
	return &SelfHealth{proc: proc, log: log}
}

// Run samples at the given interval until ctx is cancelled.
func (h *SelfHealth) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sample()
		}
	}
}

func (h *SelfHealth) sample() {
	if h.proc == nil {
		return
	}
	pct, err := h.proc.CPUPercent()
	if err != nil {
		pct = 0
	}
	mem, err := h.proc.MemoryInfo()
	var rss uint64
	if err == nil && mem != nil {
		rss = mem.RSS
	}
	h.mu.Lock()
	h.cpuPercent = pct
	h.rssBytes = rss
	h.mu.Unlock()
}

// Snapshot returns the most recent sample.
func (h *SelfHealth) Snapshot() (cpuPercent float64, rssBytes uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cpuPercent, h.rssBytes
}

// SystemCPUPercent reports the host's overall CPU utilization. The /health
// payload does not include it.
func SystemCPUPercent() float64 {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0
	}
	return pcts[0]
}
