package limits

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// CPUMonitor samples CPU usage relative to the container's allocation when
// cgroup limits are visible, and falls back to host-wide usage via gopsutil
// otherwise. Running at 90% of a 0.5-CPU quota must read as 90%, not 45% of
// one host core, or the guard thresholds are meaningless in a container.
type CPUMonitor struct {
	mu sync.Mutex

	cgroup     bool
	usageFile  string
	allocation float64 // CPUs granted by quota, or NumCPU without a quota

	lastUsec   uint64
	lastSample time.Time

	logger zerolog.Logger
}

// NewCPUMonitor probes the cgroup hierarchy once at startup.
func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	m := &CPUMonitor{
		allocation: float64(runtime.NumCPU()),
		logger:     logger.With().Str("component", "cpu_monitor").Logger(),
	}

	if usageFile, alloc, err := detectCgroup(); err == nil {
		m.cgroup = true
		m.usageFile = usageFile
		if alloc > 0 {
			m.allocation = alloc
		}
		if usec, err := readCPUUsec(usageFile); err == nil {
			m.lastUsec = usec
			m.lastSample = time.Now()
		} else {
			m.cgroup = false
		}
	}

	m.logger.Info().
		Bool("cgroup", m.cgroup).
		Float64("allocation", m.allocation).
		Msg("CPU monitor initialized")
	return m
}

// Mode reports which sampling path is active: "cgroup" or "host".
func (m *CPUMonitor) Mode() string {
	if m.cgroup {
		return "cgroup"
	}
	return "host"
}

// Allocation returns the number of CPUs this process may use.
func (m *CPUMonitor) Allocation() float64 {
	return m.allocation
}

// Percent returns CPU usage as a percentage of the allocation (0-100, can
// exceed 100 briefly when throttling lags).
func (m *CPUMonitor) Percent() (float64, error) {
	if !m.cgroup {
		// Host fallback: non-blocking since last call.
		percents, err := cpu.Percent(0, false)
		if err != nil || len(percents) == 0 {
			return 0, fmt.Errorf("host cpu sample: %w", err)
		}
		return percents[0], nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	usec, err := readCPUUsec(m.usageFile)
	if err != nil {
		return 0, err
	}
	elapsed := now.Sub(m.lastSample).Microseconds()
	if elapsed <= 0 {
		return 0, fmt.Errorf("sample interval too small")
	}

	used := usec - m.lastUsec
	m.lastUsec = usec
	m.lastSample = now

	raw := float64(used) / float64(elapsed) * 100.0
	return raw / m.allocation, nil
}

// detectCgroup finds the CPU usage accounting file and quota. Supports
// cgroup v2 (unified hierarchy) and v1.
func detectCgroup() (usageFile string, allocation float64, err error) {
	// v2: cpu.max holds "<quota> <period>" or "max <period>".
	if raw, rerr := os.ReadFile("/sys/fs/cgroup/cpu.max"); rerr == nil {
		fields := strings.Fields(string(raw))
		if len(fields) == 2 && fields[0] != "max" {
			quota, _ := strconv.ParseFloat(fields[0], 64)
			period, _ := strconv.ParseFloat(fields[1], 64)
			if quota > 0 && period > 0 {
				allocation = quota / period
			}
		}
		return "/sys/fs/cgroup/cpu.stat", allocation, nil
	}

	// v1: separate quota and period files.
	quotaRaw, qerr := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_quota_us")
	periodRaw, perr := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_period_us")
	if qerr == nil && perr == nil {
		quota, _ := strconv.ParseFloat(strings.TrimSpace(string(quotaRaw)), 64)
		period, _ := strconv.ParseFloat(strings.TrimSpace(string(periodRaw)), 64)
		if quota > 0 && period > 0 {
			allocation = quota / period
		}
		return "/sys/fs/cgroup/cpuacct/cpuacct.usage", allocation, nil
	}

	return "", 0, fmt.Errorf("no cgroup cpu accounting found")
}

// readCPUUsec reads cumulative CPU time in microseconds from either the v2
// cpu.stat (usage_usec line) or the v1 cpuacct.usage (nanoseconds) file.
func readCPUUsec(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	content := string(raw)

	if strings.Contains(content, "usage_usec") {
		for _, line := range strings.Split(content, "\n") {
			if rest, ok := strings.CutPrefix(line, "usage_usec "); ok {
				return strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
			}
		}
		return 0, fmt.Errorf("usage_usec not present in %s", path)
	}

	nsec, err := strconv.ParseUint(strings.TrimSpace(content), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}
