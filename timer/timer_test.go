package timer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now  time.Duration
	step time.Duration
}

func (c *fakeClock) Now() time.Duration {
	c.now += c.step
	return c.now
}

// rateSource counts cycles at a rate that changes every time a new
// measurement starts. EndStrong costs a fixed number of cycles.
type rateSource struct {
	clock    *fakeClock
	rates    []float64
	cost     uint64
	starts   int
	base     uint64
	baseTime time.Duration
	rate     float64
}

func (s *rateSource) read() uint64 {
	return s.base + uint64(float64(s.clock.now-s.baseTime)*s.rate/1e9)
}

func (s *rateSource) Start() uint64 {
	if s.rate != 0 {
		s.base = s.read()
	}
	s.baseTime = s.clock.now
	idx := s.starts
	if idx >= len(s.rates) {
		idx = len(s.rates) - 1
	}
	s.rate = s.rates[idx]
	s.starts++
	return s.base
}

func (s *rateSource) EndWeak() uint64   { return s.read() }
func (s *rateSource) EndStrong() uint64 { return s.read() + s.cost }

type backwardsSource struct{ n uint64 }

func (b *backwardsSource) Start() uint64     { b.n += 10; return b.n }
func (b *backwardsSource) EndWeak() uint64   { return b.n - 5 }
func (b *backwardsSource) EndStrong() uint64 { return b.n - 5 }

func TestMeasureOverheadTakesMinimum(t *testing.T) {
	clock := &fakeClock{step: time.Microsecond}
	src := &rateSource{clock: clock, rates: []float64{3e9}, cost: 42}

	overhead, err := measureOverhead(src, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), overhead)
}

func TestMeasureOverheadRejectsBackwardsCounter(t *testing.T) {
	_, err := measureOverhead(&backwardsSource{n: 100}, 10)
	assert.ErrorIs(t, err, ErrNonMonotonic)
}

func TestCalibrateConvergesOnStableRate(t *testing.T) {
	clock := &fakeClock{step: time.Millisecond}
	src := &rateSource{clock: clock, rates: []float64{2.4e9}, cost: 30}

	tm, err := Calibrate(WithSource(src), WithClock(clock), WithOverheadSamples(16))
	require.NoError(t, err)
	assert.Equal(t, uint64(30), tm.Overhead())
	assert.InEpsilon(t, 2.4e9, tm.CyclesPerSecond(), 1e-6)
	// Two overhead warm-ups plus the samples, then exactly two rounds.
	assert.Equal(t, 2+16+2, src.starts)
}

func TestCalibrateWaitsForAgreeingEstimates(t *testing.T) {
	clock := &fakeClock{step: time.Millisecond}
	src := &rateSource{clock: clock, cost: 10}

	overhead, err := measureOverhead(src.withRates(3e9), 4)
	require.NoError(t, err)

	src.withRates(3.0e9, 3.5e9, 3.0e9, 3.001e9)
	cps, err := cyclesPerSecond(src, clock, overhead, 10*time.Millisecond, 100)
	require.NoError(t, err)
	assert.InEpsilon(t, 3.001e9, cps, 1e-6)
	assert.Equal(t, 4, src.starts)
}

func TestCalibrateDiverges(t *testing.T) {
	clock := &fakeClock{step: time.Millisecond}
	rates := make([]float64, 0, 10)
	for i := 0; i < 10; i++ {
		rates = append(rates, 3e9+float64(i%2)*1e9)
	}
	src := &rateSource{clock: clock, rates: rates, cost: 10}

	_, err := cyclesPerSecond(src, clock, 10, 10*time.Millisecond, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCalibrationDiverged))
}

func TestCalibrationWindowExceedsMinimum(t *testing.T) {
	clock := &fakeClock{step: 3 * time.Millisecond}
	src := &rateSource{clock: clock, rates: []float64{1e9}, cost: 0}

	startNow := clock.now
	_, err := cyclesPerSecond(src, clock, 0, 10*time.Millisecond, 10)
	require.NoError(t, err)
	// Each round needs at least four 3ms steps to exceed 10ms.
	assert.GreaterOrEqual(t, clock.now-startNow, 2*12*time.Millisecond)
}

func TestDeltaClampsToOverhead(t *testing.T) {
	tm, err := New(MonotonicSource(&fakeClock{}), 100, 1e9)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), tm.DeltaNS(0, 50))
	assert.Equal(t, uint64(0), tm.DeltaNS(0, 100))
	assert.Equal(t, uint64(1000), tm.DeltaNS(0, 1100))
	assert.Equal(t, uint64(0), tm.DeltaNS(500, 100))
	assert.Equal(t, time.Microsecond, tm.Delta(0, 1100))
}

func TestUnitConversions(t *testing.T) {
	tm, err := New(MonotonicSource(&fakeClock{}), 0, 2e9)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), tm.CyclesToNS(2))
	assert.Equal(t, uint64(5), tm.CyclesToUS(10000))
	assert.Equal(t, uint64(3), tm.CyclesToMS(6e6))
	assert.Equal(t, uint64(2), tm.CyclesToSec(4e9))

	assert.Equal(t, uint64(4000000), tm.DeltaNS(0, 8e6))
	assert.Equal(t, uint64(4000), tm.DeltaUS(0, 8e6))
	assert.Equal(t, uint64(4), tm.DeltaMS(0, 8e6))
	assert.Equal(t, uint64(1), tm.DeltaSec(0, 2e9))
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, 0, 1e9)
	assert.Error(t, err)
	_, err = New(MonotonicSource(&fakeClock{}), 0, 0)
	assert.Error(t, err)
}

func TestMonotonicSourceKind(t *testing.T) {
	tm, err := New(MonotonicSource(SystemClock()), 0, 1e9)
	require.NoError(t, err)
	assert.Equal(t, "monotonic", tm.Kind())
}

func TestSystemCalibration(t *testing.T) {
	if testing.Short() {
		t.Skip("calibration races the wall clock")
	}
	tm, err := Calibrate(WithOverheadSamples(1000))
	require.NoError(t, err)
	assert.Greater(t, tm.CyclesPerSecond(), 0.0)

	start := tm.Start()
	time.Sleep(2 * time.Millisecond)
	end := tm.EndStrong()
	assert.GreaterOrEqual(t, tm.Delta(start, end), time.Millisecond)
}

func (s *rateSource) withRates(rates ...float64) *rateSource {
	s.rates = rates
	s.starts = 0
	s.rate = 0
	s.base = 0
	s.baseTime = s.clock.now
	return s
}
