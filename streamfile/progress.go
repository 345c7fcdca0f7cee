package streamfile

import (
	"time"
)

// TimeProvider abstracts the clock for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ProgressTracker turns byte counts into rate-limited progress callbacks.
// It is driven from a single session and is not safe for concurrent use.
type ProgressTracker struct {
	name       string
	written    int64
	total      int64
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64

	callback func(string, int64, int64, float64)
	interval time.Duration
	clock    TimeProvider
}

// NewProgressTracker creates a tracker that reports at most once per interval.
func NewProgressTracker(callback func(string, int64, int64, float64), interval time.Duration) *ProgressTracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &ProgressTracker{
		callback: callback,
		interval: interval,
		clock:    systemClock{},
	}
}

// SetClock replaces the clock. Call before Start.
func (pt *ProgressTracker) SetClock(clock TimeProvider) {
	pt.clock = clock
}

// Start begins tracking a new file.
func (pt *ProgressTracker) Start(name string, total int64) {
	pt.name = name
	pt.total = total
	pt.written = 0
	pt.startTime = pt.clock.Now()
	pt.lastUpdate = pt.startTime
	pt.lastBytes = 0
}

// Update records the byte count and reports if the interval has elapsed.
func (pt *ProgressTracker) Update(written int64) {
	pt.written = written

	now := pt.clock.Now()
	elapsed := now.Sub(pt.lastUpdate)
	if elapsed < pt.interval {
		return
	}
	var rate float64
	if s := elapsed.Seconds(); s > 0 {
		rate = float64(written-pt.lastBytes) / s
	}
	if pt.callback != nil {
		pt.callback(pt.name, written, pt.total, rate)
	}
	pt.lastUpdate = now
	pt.lastBytes = written
}

// Complete reports the final count and returns the transfer duration.
func (pt *ProgressTracker) Complete() time.Duration {
	d := pt.clock.Now().Sub(pt.startTime)
	if pt.callback != nil {
		pt.callback(pt.name, pt.written, pt.total, 0)
	}
	return d
}

// Stats returns the current totals and average rate.
func (pt *ProgressTracker) Stats() (name string, written, total int64, rate float64, duration time.Duration) {
	duration = pt.clock.Now().Sub(pt.startTime)
	if duration.Seconds() > 0 {
		rate = float64(pt.written) / duration.Seconds()
	}
	return pt.name, pt.written, pt.total, rate, duration
}
