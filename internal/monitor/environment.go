package monitor

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// EnvironmentInfo is a point-in-time snapshot of the host running the
// orchestrator, attached to reports so a failure can be correlated with
// host-level resource pressure.
type EnvironmentInfo struct {
	Timestamp   time.Time
	Hostname    string
	OS          string
	Platform    string
	CPUPercent  float64
	CPUCount    int
	MemUsedPct  float64
	MemTotalMB  uint64
	MemUsedMB   uint64
	UptimeHours float64
}

// CollectEnvironmentInfo gathers a single environment snapshot. Any
// individual collector failure is folded into an otherwise-complete
// snapshot rather than aborting the whole call, since this data is
// diagnostic, not load-bearing.
func CollectEnvironmentInfo() EnvironmentInfo {
	info := EnvironmentInfo{
		Timestamp: time.Now(),
		OS:        runtime.GOOS,
		CPUCount:  runtime.NumCPU(),
	}

	if hostInfo, err := host.Info(); err == nil {
		info.Hostname = hostInfo.Hostname
		info.Platform = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
		info.UptimeHours = float64(hostInfo.Uptime) / 3600
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemUsedPct = vm.UsedPercent
		info.MemTotalMB = vm.Total / (1024 * 1024)
		info.MemUsedMB = vm.Used / (1024 * 1024)
	}

	return info
}

// performanceView flattens an environment snapshot into the key/value form
// a SystemSnapshot carries, so reports can pick it up without coupling to
// this package's types.
func performanceView(env EnvironmentInfo) map[string]any {
	return map[string]any{
		"host_cpu_percent":  env.CPUPercent,
		"host_mem_used_pct": env.MemUsedPct,
		"host_mem_used_mb":  env.MemUsedMB,
		"host_mem_total_mb": env.MemTotalMB,
		"host_uptime_hours": env.UptimeHours,
	}
}
