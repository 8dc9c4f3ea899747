// Package model holds validation logic layered over the dap wire codec.
// Nothing here touches bytes; it operates on already-decoded values.
package model

import "dapnode.dev/aggregator/dap"

// TaskConfig is the subset of a task's configuration that interval
// validation needs. The store package holds the full task record;
// this is deliberately narrower so this package doesn't import it.
type TaskConfig struct {
	TimePrecision dap.Duration
}

// IsValidForTask reports whether iv is a well-formed batch interval for
// task: both start and duration must be multiples of the task's time
// precision (a start of 0 is allowed), and duration must be at least one
// time-precision unit. A zero time precision makes every interval invalid.
func IsValidForTask(iv dap.Interval, task TaskConfig) bool {
	precision := uint64(task.TimePrecision)
	if precision == 0 {
		return false
	}
	start := uint64(iv.Start)
	duration := uint64(iv.Duration)
	if start%precision != 0 {
		return false
	}
	if duration%precision != 0 {
		return false
	}
	if duration < precision {
		return false
	}
	return true
}
