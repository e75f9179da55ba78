package serviceman

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceUsage is one node's current load, as reported to the
// placement evaluator: either gathered locally via gopsutil or
// received from a peer's "serviceman.resource_usage" query reply.
type ResourceUsage struct {
	NodeUniqueID   string  `json:"nodeUniqueId"`
	UsedMemoryMiB  int     `json:"usedMemoryMiB"`
	MaxMemoryMiB   int     `json:"maxMemoryMiB"`
	ServiceCount   int     `json:"serviceCount"`
	CPUPercent     float64 `json:"cpuPercent"` // -1 if unavailable
}

// weightedLoad combines memory pressure, service density, and CPU
// into one comparable score (lower is better); ties are broken by the
// caller per §4.7 ("head first, then smallest uniqueId").
func (u ResourceUsage) weightedLoad() float64 {
	memRatio := 0.0
	if u.MaxMemoryMiB > 0 {
		memRatio = float64(u.UsedMemoryMiB) / float64(u.MaxMemoryMiB)
	}
	cpuRatio := 0.0
	if u.CPUPercent >= 0 {
		cpuRatio = u.CPUPercent / 100
	}
	return memRatio*0.6 + cpuRatio*0.3 + float64(u.ServiceCount)*0.01
}

// LocalResourceUsage gathers this node's current load via gopsutil.
// serviceCount and maxMemoryMiB come from the caller (the manager
// knows its own service table and configured ceiling; gopsutil only
// sees host-wide numbers).
func LocalResourceUsage(nodeUniqueID string, maxMemoryMiB, serviceCount int) ResourceUsage {
	usedMiB := 0
	if vm, err := mem.VirtualMemory(); err == nil {
		usedMiB = int(vm.Used / (1024 * 1024))
	}

	cpuPercent := -1.0
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	return ResourceUsage{
		NodeUniqueID:  nodeUniqueID,
		UsedMemoryMiB: usedMiB,
		MaxMemoryMiB:  maxMemoryMiB,
		ServiceCount:  serviceCount,
		CPUPercent:    cpuPercent,
	}
}
