package membership

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/atomic"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

// responseWeight is the weight of the newest sample in the response time
// moving average.
const responseWeight = 0.1

// PerformanceTracker accumulates the advisory load figures embedded in every
// heartbeat. All methods are safe for concurrent use.
type PerformanceTracker struct {
	requests      atomic.Int64
	failures      atomic.Int64
	avgResponseMs atomic.Float64
	activeBattles atomic.Int64
	queuedPlayers atomic.Int64

	sampleSystem bool
}

// NewPerformanceTracker returns a tracker. When sampleSystem is false CPU and
// memory figures are left at zero.
func NewPerformanceTracker(sampleSystem bool) *PerformanceTracker {
	return &PerformanceTracker{sampleSystem: sampleSystem}
}

// RecordRequest adds one handled request to the averages.
func (p *PerformanceTracker) RecordRequest(elapsed time.Duration, err error) {
	n := p.requests.Inc()
	if err != nil {
		p.failures.Inc()
	}

	ms := float64(elapsed.Microseconds()) / 1000
	for {
		old := p.avgResponseMs.Load()
		next := ms
		if n > 1 {
			next = old*(1-responseWeight) + ms*responseWeight
		}
		if p.avgResponseMs.CompareAndSwap(old, next) {
			return
		}
	}
}

func (p *PerformanceTracker) SetActiveBattles(n int) { p.activeBattles.Store(int64(n)) }

func (p *PerformanceTracker) SetQueuedPlayers(n int) { p.queuedPlayers.Store(int64(n)) }

func (p *PerformanceTracker) ActiveBattles() int { return int(p.activeBattles.Load()) }

// Snapshot samples the system and returns the current figures.
func (p *PerformanceTracker) Snapshot(ctx context.Context) cluster.PerformanceSnapshot {
	snap := cluster.PerformanceSnapshot{
		ActiveBattles:     int(p.activeBattles.Load()),
		QueuedPlayers:     int(p.queuedPlayers.Load()),
		AvgResponseTimeMs: p.avgResponseMs.Load(),
		UpdatedAt:         time.Now().UTC(),
	}
	if requests := p.requests.Load(); requests > 0 {
		snap.ErrorRate = float64(p.failures.Load()) / float64(requests)
	}

	if !p.sampleSystem {
		return snap
	}
	if usage, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(usage) > 0 {
		snap.CPUUsage = usage[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsage = vm.UsedPercent
		snap.MemoryUsedMB = float64(vm.Used) / (1 << 20)
		snap.MemoryTotalMB = float64(vm.Total) / (1 << 20)
	}
	return snap
}
