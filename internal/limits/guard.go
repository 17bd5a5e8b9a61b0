// Package limits protects the process from overload: a resource guard that
// turns inbound callbacks away when CPU, memory or goroutine ceilings are
// breached, and token-bucket rate limiting of callback intake per peer.
package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/monitoring"
)

// GuardConfig carries the static ceilings the guard enforces.
type GuardConfig struct {
	MemoryLimit        int64   // bytes; 0 disables the memory check
	CPURejectThreshold float64 // reject inbound work above this CPU %
	CPUPauseThreshold  float64 // pause deferred dispatch above this CPU %
	MaxGoroutines      int     // 0 disables the goroutine check
}

// Guard enforces configured resource limits. It never calculates capacity or
// auto-tunes; the configuration is authoritative so behavior stays
// predictable under load.
type Guard struct {
	cfg    GuardConfig
	cpuMon *CPUMonitor
	logger zerolog.Logger

	currentCPU    atomic.Value // float64
	currentMemory atomic.Int64
}

// NewGuard builds a guard around the container-aware CPU monitor.
func NewGuard(cfg GuardConfig, logger zerolog.Logger) *Guard {
	g := &Guard{
		cfg:    cfg,
		cpuMon: NewCPUMonitor(logger),
		logger: logger.With().Str("component", "resource_guard").Logger(),
	}
	g.currentCPU.Store(0.0)

	g.logger.Info().
		Str("cpu_mode", g.cpuMon.Mode()).
		Float64("cpu_allocation", g.cpuMon.Allocation()).
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Float64("cpu_pause_threshold", cfg.CPUPauseThreshold).
		Int64("memory_limit", cfg.MemoryLimit).
		Int("max_goroutines", cfg.MaxGoroutines).
		Msg("Resource guard initialized")
	return g
}

// AllowIntake reports whether new inbound work should be accepted. The
// rejection reason is machine-stable and doubles as the metric label.
func (g *Guard) AllowIntake() (bool, string) {
	cpuNow := g.currentCPU.Load().(float64)
	if g.cfg.CPURejectThreshold > 0 && cpuNow > g.cfg.CPURejectThreshold {
		monitoring.RecordGuardRejection("cpu_overload")
		g.logger.Debug().
			Float64("cpu", cpuNow).
			Float64("threshold", g.cfg.CPURejectThreshold).
			Msg("Intake rejected: CPU overload")
		return false, "cpu_overload"
	}

	if g.cfg.MemoryLimit > 0 && g.currentMemory.Load() > g.cfg.MemoryLimit {
		monitoring.RecordGuardRejection("memory_limit")
		g.logger.Debug().
			Int64("memory_mb", g.currentMemory.Load()/(1024*1024)).
			Int64("limit_mb", g.cfg.MemoryLimit/(1024*1024)).
			Msg("Intake rejected: memory limit exceeded")
		return false, "memory_limit"
	}

	if g.cfg.MaxGoroutines > 0 && runtime.NumGoroutine() > g.cfg.MaxGoroutines {
		monitoring.RecordGuardRejection("goroutine_limit")
		g.logger.Debug().
			Int("goroutines", runtime.NumGoroutine()).
			Int("max", g.cfg.MaxGoroutines).
			Msg("Intake rejected: goroutine limit exceeded")
		return false, "goroutine_limit"
	}

	return true, ""
}

// ShouldPauseDispatch reports whether deferred fan-out should hold off. The
// pause threshold sits above the reject threshold: shedding new inbound work
// comes first, pausing our own outbound work is the stronger lever.
func (g *Guard) ShouldPauseDispatch() bool {
	return g.cfg.CPUPauseThreshold > 0 &&
		g.currentCPU.Load().(float64) > g.cfg.CPUPauseThreshold
}

// CPUPercent returns the last sampled CPU usage. Satisfies the monitoring
// collector's sampler interface.
func (g *Guard) CPUPercent() float64 {
	return g.currentCPU.Load().(float64)
}

// Update samples CPU and memory once. Called from the monitoring loop.
func (g *Guard) Update() {
	percent, err := g.cpuMon.Percent()
	if err != nil {
		g.logger.Debug().Err(err).Msg("CPU sample failed")
		percent = 0
	}
	g.currentCPU.Store(percent)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))
}

// StartMonitoring samples resources every interval until ctx is cancelled.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Update()
			case <-ctx.Done():
				g.logger.Info().Msg("Resource guard monitoring stopped")
				return
			}
		}
	}()
	g.logger.Info().Dur("interval", interval).Msg("Resource guard monitoring started")
}

// Stats snapshots the guard state for health endpoints.
func (g *Guard) Stats() map[string]any {
	return map[string]any{
		"cpu_mode":             g.cpuMon.Mode(),
		"cpu_allocation":       g.cpuMon.Allocation(),
		"cpu_percent":          g.currentCPU.Load().(float64),
		"cpu_reject_threshold": g.cfg.CPURejectThreshold,
		"cpu_pause_threshold":  g.cfg.CPUPauseThreshold,
		"memory_bytes":         g.currentMemory.Load(),
		"memory_limit_bytes":   g.cfg.MemoryLimit,
		"goroutines":           runtime.NumGoroutine(),
		"goroutines_limit":     g.cfg.MaxGoroutines,
	}
}

// String implements fmt.Stringer for debug logging.
func (g *Guard) String() string {
	return fmt.Sprintf("guard{cpu=%.1f%% mem=%dMB}",
		g.currentCPU.Load().(float64), g.currentMemory.Load()/(1024*1024))
}
