package budget

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemLoad is a point-in-time snapshot of host resource pressure. It is
// reported alongside budget status so operators can correlate deferrals
// with host load; it does not gate dispatch decisions.
type SystemLoad struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
}

// ProbeSystemLoad samples CPU and memory usage.
func ProbeSystemLoad() (SystemLoad, error) {
	var load SystemLoad

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return load, err
	}
	if len(cpuPercent) > 0 {
		load.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		return load, err
	}
	load.MemoryPercent = memStat.UsedPercent
	load.MemoryUsedMB = memStat.Used / 1024 / 1024

	return load, nil
}
