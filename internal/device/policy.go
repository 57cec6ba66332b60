package device

import "time"

// SaturationPercent forces a batch of one on either axis.
const SaturationPercent = 90.0

// BatchSize returns how many evidence items to process this cycle.
// base is used when the profile does not set a size.
func BatchSize(p Profile, base int, u Usage) int {
	size := p.BatchSize
	if size < 1 {
		size = base
	}
	if size < 1 {
		size = 1
	}

	switch {
	case u.CPUPercent > SaturationPercent || u.MemoryPercent > SaturationPercent:
		return 1
	case p.overloaded(u):
		return max(size/2, 1)
	default:
		return size
	}
}

// NextSleep adapts the idle interval between cycles. Idle cycles and high
// utilization double it up to ceiling; low utilization halves it down to floor.
func NextSleep(current, floor, ceiling time.Duration, processed int, p Profile, u Usage) time.Duration {
	if current <= 0 {
		current = floor
	}

	switch {
	case processed == 0:
		return min(current*2, ceiling)
	case p.relaxed(u):
		return max(current/2, floor)
	case p.overloaded(u):
		return min(current*2, ceiling)
	default:
		return current
	}
}

func (p Profile) overloaded(u Usage) bool {
	return u.CPUPercent > p.MaxCPUPercent || u.MemoryPercent > p.MaxMemoryPercent
}

func (p Profile) relaxed(u Usage) bool {
	return u.CPUPercent < p.MaxCPUPercent/2 && u.MemoryPercent < p.MaxMemoryPercent/2
}
