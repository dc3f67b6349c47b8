//go:build amd64

package timer

import "github.com/klauspost/cpuid/v2"

func rdtscp() uint64

func rdtscpStrong() uint64

type tscSource struct{}

func (tscSource) Start() uint64     { return rdtscp() }
func (tscSource) EndWeak() uint64   { return rdtscp() }
func (tscSource) EndStrong() uint64 { return rdtscpStrong() }

// TSCSource returns the RDTSCP time-stamp counter.
func TSCSource() (Source, error) {
	if !cpuid.CPU.Supports(cpuid.RDTSCP) {
		return nil, ErrNoRDTSCP
	}
	return tscSource{}, nil
}
