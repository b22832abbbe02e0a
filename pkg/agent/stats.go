package agent

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats is a snapshot of the host resources advertised in heartbeats
type Stats struct {
	MemoryTotal int64
	MemoryUsed  int64
	CPUUsage    float64
}

// StatsFunc produces a host stats snapshot. The default reads the live
// host; tests substitute a fixed snapshot.
type StatsFunc func() (Stats, error)

// systemStats samples the host with gopsutil. CPU usage is the
// instantaneous (since last call) busy percentage across all cores.
func systemStats() (Stats, error) {
	var stats Stats

	vm, err := mem.VirtualMemory()
	if err != nil {
		return stats, err
	}
	stats.MemoryTotal = int64(vm.Total)
	stats.MemoryUsed = int64(vm.Used)

	percents, err := cpu.Percent(0, false)
	if err != nil {
		return stats, err
	}
	if len(percents) > 0 {
		stats.CPUUsage = percents[0]
	}
	return stats, nil
}
