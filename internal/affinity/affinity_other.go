//go:build !linux

// Package affinity pins the calling OS thread to a CPU.
package affinity

import "errors"

// ErrUnsupported is returned on platforms without thread affinity.
var ErrUnsupported = errors.New("affinity: not supported on this platform")

// Pin is unsupported on this platform.
func Pin(int) error { return ErrUnsupported }

// Current is unsupported on this platform.
func Current() ([]int, error) { return nil, ErrUnsupported }
