package model

import (
	"testing"

	"dapnode.dev/aggregator/dap"
)

func TestIsValidForTask(t *testing.T) {
	task := TaskConfig{TimePrecision: 3600}

	cases := []struct {
		name string
		iv   dap.Interval
		want bool
	}{
		{"aligned", dap.Interval{Start: 0, Duration: 3600}, true},
		{"short duration", dap.Interval{Start: 0, Duration: 1800}, false},
		{"misaligned start", dap.Interval{Start: 1800, Duration: 3600}, false},
		{"multiple of precision", dap.Interval{Start: 7200, Duration: 7200}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsValidForTask(c.iv, task); got != c.want {
				t.Fatalf("IsValidForTask(%+v) = %v, want %v", c.iv, got, c.want)
			}
		})
	}
}

func TestIsValidForTaskZeroPrecision(t *testing.T) {
	if IsValidForTask(dap.Interval{Start: 0, Duration: 0}, TaskConfig{TimePrecision: 0}) {
		t.Fatalf("zero time precision must never validate")
	}
}
