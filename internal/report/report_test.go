package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/verbsbench/bench"
	"github.com/rocketbitz/verbsbench/internal/perfcounter"
	"github.com/rocketbitz/verbsbench/stats"
)

func TestComputeThroughput(t *testing.T) {
	tp := ComputeThroughput(1000, 1024, uint64(500*time.Millisecond), 0, nil)
	assert.InDelta(t, 0.5, tp.TotalSeconds, 1e-12)
	assert.Equal(t, uint64(1024000), tp.TotalBytes)
	assert.InDelta(t, 2.0, tp.SendKPPS, 1e-9)
	assert.InDelta(t, 1.953125, tp.SendMiBps, 1e-9)
	assert.InDelta(t, 2.048, tp.SendMBps, 1e-9)
	assert.InDelta(t, 500.0, tp.SendLatencyUS, 1e-9)
	assert.Zero(t, tp.RecvKPPS)
	assert.Zero(t, tp.RecvMiBps)
	assert.Nil(t, tp.Raw)
}

func TestComputeThroughputWithCounters(t *testing.T) {
	counters := &perfcounter.Counters{XmitPackets: 1200, XmitBytes: 1100000, RcvPackets: 900, RcvBytes: 10000}
	tp := ComputeThroughput(1000, 1024, uint64(time.Second), 0, counters)
	require.NotNil(t, tp.Raw)
	assert.Equal(t, uint64(76000), tp.Raw.SendOverhead)
	assert.InDelta(t, 7.421875, tp.Raw.SendOverheadPct, 1e-9)
	assert.Zero(t, tp.Raw.RecvOverhead)
	assert.InDelta(t, 1.1, tp.Raw.SendMBps, 1e-9)
	// A unidirectional run measures raw receive traffic over the send window.
	assert.InDelta(t, 0.01, tp.Raw.RecvMBps, 1e-9)
}

func TestComputeThroughputBidirectional(t *testing.T) {
	tp := ComputeThroughput(2000, 64, uint64(time.Second), uint64(2*time.Second), nil)
	assert.InDelta(t, 2.0, tp.SendKPPS, 1e-9)
	assert.InDelta(t, 1.0, tp.RecvKPPS, 1e-9)
}

func TestComputePingPong(t *testing.T) {
	pp := ComputePingPong(4, 10000, nil)
	assert.InDelta(t, 2.5, pp.AvgLatencyUS, 1e-9)
	assert.InDelta(t, 1e-5, pp.TotalSeconds, 1e-15)
	assert.Zero(t, ComputePingPong(0, 10, nil).AvgLatencyUS)
}

func throughputResult() bench.Result {
	return bench.Result{
		Role:        bench.RoleServer,
		Benchmark:   bench.BenchmarkUnidirectional,
		Transport:   bench.TransportMsg,
		MessageSize: 1024,
		Count:       1000,
		Send:        &bench.WorkerResult{Elapsed: 500 * time.Millisecond},
	}
}

func TestWriteThroughput(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, throughputResult(), Options{Verbosity: 4}))
	out := buf.String()
	for _, want := range []string{
		"Results:\n",
		"  Messages: 1,000 x 1.0 KiB (unidirectional over msg)\n",
		"  Total time: 0.50 s\n",
		"  Total data: 0.98 MiB (1.02 MB)\n",
		"  Average sent packets per second:     2.00 kPkts/s\n",
		"  Average recv packets per second:     0.00 kPkts/s\n",
		"  Average send throughput:     1.95 MiB/s (2.05 MB/s)\n",
		"  Average send latency: 500.00 us\n",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "Raw statistics")
}

func TestWriteThroughputRawCounters(t *testing.T) {
	var buf bytes.Buffer
	counters := &perfcounter.Counters{XmitPackets: 12, XmitBytes: 1100000, RcvPackets: 9, RcvBytes: 10000}
	require.NoError(t, Write(&buf, throughputResult(), Options{Verbosity: 1, Counters: counters}))
	out := buf.String()
	assert.Contains(t, out, "\nRaw statistics:\n")
	assert.Contains(t, out, "  Total packets sent: 12\n")
	assert.Contains(t, out, "  Total packets received 9\n")
}

func TestWriteRawValues(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, throughputResult(), Options{Verbosity: 0}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 9)
	assert.Equal(t, "0.500000", lines[0])
	assert.Equal(t, "500.000000", lines[8])

	buf.Reset()
	counters := &perfcounter.Counters{XmitPackets: 12, XmitBytes: 2048, RcvPackets: 9, RcvBytes: 1024}
	require.NoError(t, Write(&buf, throughputResult(), Options{Counters: counters}))
	lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 20)
	assert.Equal(t, "12", lines[9])
	assert.Equal(t, "9", lines[10])
}

func TestWritePingPong(t *testing.T) {
	samples := []uint64{1000, 2000, 3000, 4000}
	summary, err := stats.Summarize(samples)
	require.NoError(t, err)
	res := bench.Result{
		Role:      bench.RoleServer,
		Benchmark: bench.BenchmarkPingPong,
		Count:     4,
		Send:      &bench.WorkerResult{Elapsed: 10 * time.Microsecond, Samples: samples},
		Latency:   &summary,
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, res, Options{Verbosity: 3}))
	out := buf.String()
	assert.Contains(t, out, "  Total time: 0.00 s\n")
	assert.Contains(t, out, "  Average request response latency: 2.50 us\n")
	assert.Contains(t, out, "Latency distribution (4 samples):")
	assert.Contains(t, out, "  max:   4.00 us\n")

	buf.Reset()
	require.NoError(t, Write(&buf, res, Options{}))
	assert.Equal(t, "0.000010\n2.500000\n", buf.String())
}

func TestWriteClientNotice(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, bench.Result{Role: bench.RoleClient}, Options{Verbosity: 4}))
	assert.Equal(t, "See results on server!\n", buf.String())
}

func TestWriteRequiresSendTiming(t *testing.T) {
	err := Write(&bytes.Buffer{}, bench.Result{Role: bench.RoleServer}, Options{})
	assert.Error(t, err)
}
