// Package sysstats samples host metrics for the broker's self-stats
// variables.
package sysstats

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one snapshot of host load.
type Sample struct {
	CPUPercent float64
	MemUsed    uint64
}

// Collect takes a best-effort snapshot. Fields that cannot be read stay
// zero; the broker publishes whatever it gets.
func Collect() Sample {
	var s Sample
	// Interval 0 measures against the previous call, which suits a periodic
	// sampler.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemUsed = vm.Used
	}
	return s
}
