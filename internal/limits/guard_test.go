package limits

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestGuardAllowsWithinLimits(t *testing.T) {
	g := NewGuard(GuardConfig{
		MemoryLimit:        1 << 40, // far above anything a test allocates
		CPURejectThreshold: 99,
		CPUPauseThreshold:  99,
		MaxGoroutines:      100000,
	}, zerolog.Nop())
	g.Update()

	ok, reason := g.AllowIntake()
	assert.True(t, ok)
	assert.Empty(t, reason)
	assert.False(t, g.ShouldPauseDispatch())
}

func TestGuardRejectsOnCPU(t *testing.T) {
	g := NewGuard(GuardConfig{CPURejectThreshold: 75, CPUPauseThreshold: 80}, zerolog.Nop())
	g.currentCPU.Store(90.0)

	ok, reason := g.AllowIntake()
	assert.False(t, ok)
	assert.Equal(t, "cpu_overload", reason)
	assert.True(t, g.ShouldPauseDispatch())

	// Between the thresholds: intake sheds, dispatch keeps running.
	g.currentCPU.Store(78.0)
	ok, reason = g.AllowIntake()
	assert.False(t, ok)
	assert.Equal(t, "cpu_overload", reason)
	assert.False(t, g.ShouldPauseDispatch())
}

func TestGuardRejectsOnMemory(t *testing.T) {
	g := NewGuard(GuardConfig{MemoryLimit: 1}, zerolog.Nop())
	g.currentMemory.Store(2)

	ok, reason := g.AllowIntake()
	assert.False(t, ok)
	assert.Equal(t, "memory_limit", reason)
}

func TestGuardRejectsOnGoroutines(t *testing.T) {
	g := NewGuard(GuardConfig{MaxGoroutines: 1}, zerolog.Nop())

	ok, reason := g.AllowIntake()
	assert.False(t, ok)
	assert.Equal(t, "goroutine_limit", reason)
}

func TestGuardZeroConfigDisablesChecks(t *testing.T) {
	g := NewGuard(GuardConfig{}, zerolog.Nop())
	g.currentCPU.Store(100.0)
	g.currentMemory.Store(1 << 40)

	ok, _ := g.AllowIntake()
	assert.True(t, ok)
	assert.False(t, g.ShouldPauseDispatch())
}

func TestGuardStats(t *testing.T) {
	g := NewGuard(GuardConfig{MemoryLimit: 1024, CPURejectThreshold: 75}, zerolog.Nop())
	g.Update()

	stats := g.Stats()
	assert.Contains(t, stats, "cpu_mode")
	assert.Contains(t, stats, "cpu_percent")
	assert.Equal(t, int64(1024), stats["memory_limit_bytes"])
	assert.Equal(t, 75.0, stats["cpu_reject_threshold"])
	assert.Greater(t, stats["goroutines"], 0)
}
