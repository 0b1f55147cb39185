package clock

import "time"

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Func adapts a plain time source function into a Clock.
// Params: closure producing the current time.
// Returns: Clock implementation for tests driving time manually.
type Func func() time.Time

// Now invokes the wrapped time source.
// Params: none.
// Returns: timestamp produced by the closure.
func (f Func) Now() time.Time {
	return f()
}
