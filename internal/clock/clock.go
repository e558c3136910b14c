package clock

import "time"

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from the system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock returns one preset timestamp on every read.
// Params: preset timestamp value.
// Returns: deterministic clock for reconciliation tests.
type FixedClock struct {
	At time.Time
}

// Now returns the preset timestamp.
// Params: none.
// Returns: fixed timestamp.
func (c FixedClock) Now() time.Time {
	return c.At
}
