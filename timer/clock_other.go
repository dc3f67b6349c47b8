//go:build !linux

package timer

import "time"

// SystemClock returns the runtime monotonic clock.
func SystemClock() Clock {
	return runtimeClock{epoch: time.Now()}
}
