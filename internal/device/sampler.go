package device

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Usage is a point-in-time utilization reading in percent.
type Usage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Sampler reports current machine utilization.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// SystemSampler reads utilization from the host.
type SystemSampler struct{}

// Sample returns CPU usage since the previous call and current memory usage.
func (SystemSampler) Sample(ctx context.Context) (Usage, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample memory: %w", err)
	}

	u := Usage{MemoryPercent: vm.UsedPercent}
	if len(percents) > 0 {
		u.CPUPercent = percents[0]
	}
	return u, nil
}

// StaticSampler always reports the same usage.
type StaticSampler Usage

// Sample returns the fixed reading.
func (s StaticSampler) Sample(context.Context) (Usage, error) {
	return Usage(s), nil
}
