package tokensmith

import "time"

// Clock is the time source used by validators, stores, and the cleanup
// process. Production code uses SystemClock; tests substitute a controllable
// implementation.
type Clock interface {
	// Now returns the current time
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time {
	return time.Now()
}
