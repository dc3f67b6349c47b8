// Package timer converts a free-running cycle counter into wall-clock units.
//
// Calibrate measures the minimal cost of a Start/EndStrong pair and the
// counter frequency once at startup. Deltas below the measured overhead are
// reported as zero.
package timer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoRDTSCP indicates the CPU lacks the RDTSCP instruction.
	ErrNoRDTSCP = errors.New("timer: CPU does not support RDTSCP")
	// ErrNonMonotonic indicates an end reading that preceded its start reading.
	ErrNonMonotonic = errors.New("timer: cycle counter went backwards")
	// ErrCalibrationDiverged indicates consecutive frequency estimates never agreed.
	ErrCalibrationDiverged = errors.New("timer: cycles per second estimate did not converge")
)

// Source reads a free-running cycle counter. EndWeak is cheaper than
// EndStrong; EndStrong serializes execution after the read so later
// instructions cannot be reordered before it.
type Source interface {
	Start() uint64
	EndWeak() uint64
	EndStrong() uint64
}

// Clock reports monotonic elapsed time from an arbitrary origin.
type Clock interface {
	Now() time.Duration
}

const (
	defaultOverheadSamples = 1000000
	defaultWindow          = 10 * time.Millisecond
	defaultMaxRounds       = 1000
)

type options struct {
	source    Source
	clock     Clock
	samples   int
	window    time.Duration
	maxRounds int
}

// Option configures Calibrate.
type Option func(*options)

// WithSource overrides the cycle counter.
func WithSource(src Source) Option {
	return func(o *options) { o.source = src }
}

// WithClock overrides the wall clock the counter is raced against.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithOverheadSamples sets how many Start/EndStrong pairs the overhead
// measurement takes.
func WithOverheadSamples(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.samples = n
		}
	}
}

// WithWindow sets the minimum wall-clock window per frequency estimate.
func WithWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.window = d
		}
	}
}

// WithMaxRounds bounds the number of frequency estimates.
func WithMaxRounds(n int) Option {
	return func(o *options) {
		if n > 1 {
			o.maxRounds = n
		}
	}
}

// Timer converts cycle readings taken from its Source.
type Timer struct {
	src            Source
	kind           string
	overhead       uint64
	cyclesPerSec   float64
	cyclesPerNanos float64
}

// New returns a Timer with known calibration values.
func New(src Source, overheadCycles uint64, cyclesPerSecond float64) (*Timer, error) {
	if src == nil {
		return nil, errors.New("timer: nil source")
	}
	if cyclesPerSecond <= 0 {
		return nil, fmt.Errorf("timer: invalid cycles per second %f", cyclesPerSecond)
	}
	return &Timer{
		src:            src,
		kind:           sourceKind(src),
		overhead:       overheadCycles,
		cyclesPerSec:   cyclesPerSecond,
		cyclesPerNanos: cyclesPerSecond / 1e9,
	}, nil
}

// Calibrate measures the counter overhead and frequency.
func Calibrate(opts ...Option) (*Timer, error) {
	o := options{
		samples:   defaultOverheadSamples,
		window:    defaultWindow,
		maxRounds: defaultMaxRounds,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = SystemClock()
	}
	if o.source == nil {
		o.source = DefaultSource()
	}

	overhead, err := measureOverhead(o.source, o.samples)
	if err != nil {
		return nil, err
	}
	cps, err := cyclesPerSecond(o.source, o.clock, overhead, o.window, o.maxRounds)
	if err != nil {
		return nil, err
	}
	return New(o.source, overhead, cps)
}

// measureOverhead returns the minimum Start/EndStrong delta over samples
// pairs after warming the instruction cache.
func measureOverhead(src Source, samples int) (uint64, error) {
	src.Start()
	src.EndStrong()
	src.Start()
	src.EndStrong()

	var min uint64
	for i := 0; i < samples; i++ {
		start := src.Start()
		end := src.EndStrong()
		if end < start {
			return 0, ErrNonMonotonic
		}
		if d := end - start; i == 0 || d < min {
			min = d
		}
	}
	return min, nil
}

// cyclesPerSecond races src against clock over windows longer than window
// until two consecutive estimates are within 0.1% of each other.
func cyclesPerSecond(src Source, clock Clock, overhead uint64, window time.Duration, maxRounds int) (float64, error) {
	var old float64
	for round := 0; round < maxRounds; round++ {
		startTime := clock.Now()
		startCycles := src.Start()

		var cps float64
		for {
			stopTime := clock.Now()
			stopCycles := src.EndStrong()
			elapsed := stopTime - startTime
			if elapsed <= window {
				continue
			}
			if stopCycles < startCycles+overhead {
				return 0, ErrNonMonotonic
			}
			cps = float64(stopCycles-startCycles-overhead) * 1e9 / float64(elapsed)
			break
		}

		delta := cps / 1000
		if old > cps-delta && old < cps+delta {
			return cps, nil
		}
		old = cps
	}
	return 0, fmt.Errorf("%w after %d rounds (last %.0f)", ErrCalibrationDiverged, maxRounds, old)
}

// Kind names the cycle source: "rdtscp" or "monotonic".
func (t *Timer) Kind() string { return t.kind }

// Overhead returns the measured overhead of a Start/EndStrong pair in cycles.
func (t *Timer) Overhead() uint64 { return t.overhead }

// CyclesPerSecond returns the calibrated counter frequency.
func (t *Timer) CyclesPerSecond() float64 { return t.cyclesPerSec }

// Start reads the counter at the beginning of a measurement.
func (t *Timer) Start() uint64 { return t.src.Start() }

// EndWeak reads the counter without a trailing barrier.
func (t *Timer) EndWeak() uint64 { return t.src.EndWeak() }

// EndStrong reads the counter followed by a serializing barrier.
func (t *Timer) EndStrong() uint64 { return t.src.EndStrong() }

// DeltaNS converts the span between two readings to nanoseconds after
// subtracting the measurement overhead. Spans at or below the overhead, and
// end readings that precede start, yield 0.
func (t *Timer) DeltaNS(start, end uint64) uint64 {
	if end < start {
		return 0
	}
	d := end - start
	if d < t.overhead {
		return 0
	}
	return t.CyclesToNS(d - t.overhead)
}

// DeltaUS is DeltaNS in microseconds.
func (t *Timer) DeltaUS(start, end uint64) uint64 { return t.DeltaNS(start, end) / 1000 }

// DeltaMS is DeltaNS in milliseconds.
func (t *Timer) DeltaMS(start, end uint64) uint64 { return t.DeltaNS(start, end) / 1000 / 1000 }

// DeltaSec is DeltaNS in seconds.
func (t *Timer) DeltaSec(start, end uint64) uint64 { return t.DeltaNS(start, end) / 1000 / 1000 / 1000 }

// Delta is DeltaNS as a time.Duration.
func (t *Timer) Delta(start, end uint64) time.Duration {
	return time.Duration(t.DeltaNS(start, end))
}

// CyclesToNS converts a cycle count to nanoseconds.
func (t *Timer) CyclesToNS(cycles uint64) uint64 {
	return uint64(float64(cycles) / t.cyclesPerNanos)
}

// CyclesToUS converts a cycle count to microseconds.
func (t *Timer) CyclesToUS(cycles uint64) uint64 {
	return uint64(float64(cycles) / (t.cyclesPerSec / 1e6))
}

// CyclesToMS converts a cycle count to milliseconds.
func (t *Timer) CyclesToMS(cycles uint64) uint64 {
	return uint64(float64(cycles) / (t.cyclesPerSec / 1e3))
}

// CyclesToSec converts a cycle count to seconds.
func (t *Timer) CyclesToSec(cycles uint64) uint64 {
	return uint64(float64(cycles) / t.cyclesPerSec)
}

// DefaultSource returns the RDTSCP counter when the CPU has one and a
// nanosecond monotonic clock otherwise.
func DefaultSource() Source {
	if src, err := TSCSource(); err == nil {
		return src
	}
	return MonotonicSource(SystemClock())
}

// MonotonicSource adapts a Clock to a Source counting nanoseconds.
func MonotonicSource(c Clock) Source {
	return monotonicSource{clock: c}
}

type monotonicSource struct {
	clock Clock
}

func (m monotonicSource) Start() uint64     { return uint64(m.clock.Now()) }
func (m monotonicSource) EndWeak() uint64   { return uint64(m.clock.Now()) }
func (m monotonicSource) EndStrong() uint64 { return uint64(m.clock.Now()) }

func sourceKind(src Source) string {
	switch src.(type) {
	case tscSource, *tscSource:
		return "rdtscp"
	case monotonicSource:
		return "monotonic"
	default:
		return fmt.Sprintf("%T", src)
	}
}

type runtimeClock struct {
	epoch time.Time
}

func (c runtimeClock) Now() time.Duration { return time.Since(c.epoch) }
