// Package clock provides wall time, market-hours, holiday, and weekly entry
// window gating. Calendar data is externally sourced; when it is unavailable
// the package returns errors and callers must abort, never assume open.
package clock

import "time"

// Clock provides current wall time. Injected so tests and replay can control time.
type Clock interface {
	Now() time.Time
}

// SystemClock returns real wall time
type SystemClock struct{}

// Now returns the current wall time
func (SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock returns a fixed time; used in tests
type FixedClock struct {
	T time.Time
}

// Now returns the fixed time
func (c FixedClock) Now() time.Time {
	return c.T
}
