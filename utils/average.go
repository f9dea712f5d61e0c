package utils

import "time"

// RollingAverage keeps the mean of the last N durations added.
type RollingAverage struct {
	data  []time.Duration
	pos   int
	count int
}

// NewRollingAverage returns an average over the last numSamples values.
func NewRollingAverage(numSamples int) *RollingAverage {
	if numSamples < 1 {
		numSamples = 1
	}
	return &RollingAverage{data: make([]time.Duration, numSamples)}
}

// Add records a sample, overwriting the oldest once the window is full.
func (ra *RollingAverage) Add(x time.Duration) {
	ra.data[ra.pos] = x
	ra.pos++
	if ra.pos >= len(ra.data) {
		ra.pos = 0
	}
	if ra.count < len(ra.data) {
		ra.count++
	}
}

// Average returns the mean of the recorded samples, or zero when empty.
func (ra *RollingAverage) Average() time.Duration {
	if ra.count == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < ra.count; i++ {
		sum += ra.data[i]
	}
	return sum / time.Duration(ra.count)
}
