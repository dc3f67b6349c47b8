//go:build linux

// Package affinity pins the calling OS thread to a CPU.
package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Pin restricts the calling thread to cpu. Callers must hold the thread with
// runtime.LockOSThread for the pin to mean anything.
func Pin(cpu int) error {
	if cpu < 0 {
		return fmt.Errorf("affinity: invalid cpu %d", cpu)
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: pin to cpu %d: %w", cpu, err)
	}
	return nil
}

// Current returns the CPUs the calling thread may run on.
func Current() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("affinity: query: %w", err)
	}
	cpus := make([]int, 0, set.Count())
	for cpu := 0; len(cpus) < set.Count(); cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}
