// Package stats reduces nanosecond latency samples to microsecond figures.
//
// Min, Max and Percentile expect samples sorted ascending; call Sort first.
package stats

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	// ErrNoSamples is returned for empty sample sets.
	ErrNoSamples = errors.New("stats: no samples")
	// ErrPercentileRange is returned for percentiles outside [0, 1].
	ErrPercentileRange = errors.New("stats: percentile out of range")
)

// Sort orders samples ascending in place.
func Sort(samples []uint64) {
	slices.Sort(samples)
}

// Total returns the sum of samples.
func Total(samples []uint64) uint64 {
	var sum uint64
	for _, s := range samples {
		sum += s
	}
	return sum
}

// AverageMicros returns the mean in microseconds. Each sample is scaled
// before summing so large sets do not overflow.
func AverageMicros(samples []uint64) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrNoSamples
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) / 1000
	}
	return sum / float64(len(samples)), nil
}

// MinMicros returns the first sorted sample in microseconds.
func MinMicros(sorted []uint64) (float64, error) {
	if len(sorted) == 0 {
		return 0, ErrNoSamples
	}
	return float64(sorted[0]) / 1000, nil
}

// MaxMicros returns the last sorted sample in microseconds.
func MaxMicros(sorted []uint64) (float64, error) {
	if len(sorted) == 0 {
		return 0, ErrNoSamples
	}
	return float64(sorted[len(sorted)-1]) / 1000, nil
}

// PercentileMicros returns the nearest-rank percentile p (0.95 for the
// 95th) of sorted samples in microseconds. p = 0 yields the minimum.
func PercentileMicros(sorted []uint64, p float64) (float64, error) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: %v", ErrPercentileRange, p)
	}
	if len(sorted) == 0 {
		return 0, ErrNoSamples
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return float64(sorted[rank-1]) / 1000, nil
}

// Summary holds the usual latency figures in microseconds.
type Summary struct {
	Count   int
	TotalNS uint64
	Avg     float64
	Min     float64
	Max     float64
	P50     float64
	P90     float64
	P95     float64
	P99     float64
	P999    float64
}

// Percentiles lists the percentiles Summarize computes, in field order.
var Percentiles = []float64{0.5, 0.9, 0.95, 0.99, 0.999}

// Summarize sorts samples in place and reduces them.
func Summarize(samples []uint64) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrNoSamples
	}
	Sort(samples)

	s := Summary{Count: len(samples), TotalNS: Total(samples)}
	s.Avg, _ = AverageMicros(samples)
	s.Min, _ = MinMicros(samples)
	s.Max, _ = MaxMicros(samples)
	dst := []*float64{&s.P50, &s.P90, &s.P95, &s.P99, &s.P999}
	for i, p := range Percentiles {
		v, err := PercentileMicros(samples, p)
		if err != nil {
			return Summary{}, err
		}
		*dst[i] = v
	}
	return s, nil
}
