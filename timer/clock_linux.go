//go:build linux

package timer

import (
	"time"

	"golang.org/x/sys/unix"
)

type rawClock struct{}

func (rawClock) Now() time.Duration {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts)
	return time.Duration(ts.Nano())
}

// SystemClock returns CLOCK_MONOTONIC_RAW, which is not slewed by NTP, or
// the runtime monotonic clock when the raw clock is unavailable.
func SystemClock() Clock {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return runtimeClock{epoch: time.Now()}
	}
	return rawClock{}
}
