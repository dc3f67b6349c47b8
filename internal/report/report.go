// Package report renders benchmark results the way operators read them:
// a formatted block at verbosity 1 and above, or one raw value per line at
// verbosity 0 for scripts.
package report

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rocketbitz/verbsbench/bench"
	"github.com/rocketbitz/verbsbench/internal/perfcounter"
	"github.com/rocketbitz/verbsbench/stats"
)

// ClientNotice is printed by the client, which has no timings worth reporting.
const ClientNotice = "See results on server!"

const (
	mib = 1024 * 1024
	mb  = 1000 * 1000
)

// Options tunes Write.
type Options struct {
	// Verbosity 0 prints raw values, one per line.
	Verbosity int
	// Counters are the port counter deltas of the run; nil when sampling is off.
	Counters *perfcounter.Counters
}

// Throughput holds the figures derived from a throughput or RDMA-write run.
type Throughput struct {
	TotalSeconds  float64
	TotalBytes    uint64
	SendKPPS      float64
	RecvKPPS      float64
	SendMiBps     float64
	SendMBps      float64
	RecvMiBps     float64
	RecvMBps      float64
	SendLatencyUS float64
	// Raw is set when port counters were sampled.
	Raw *RawThroughput
}

// RawThroughput compares what crossed the port with the payload.
type RawThroughput struct {
	XmitPackets     uint64
	RcvPackets      uint64
	XmitBytes       uint64
	RcvBytes        uint64
	SendOverhead    uint64
	RecvOverhead    uint64
	SendOverheadPct float64
	RecvOverheadPct float64
	SendMiBps       float64
	SendMBps        float64
	RecvMiBps       float64
	RecvMBps        float64
}

// PingPong holds the figures derived from a ping-pong run.
type PingPong struct {
	TotalSeconds float64
	AvgLatencyUS float64
	Summary      *stats.Summary
}

// ComputeThroughput derives rates from count messages of size bytes. A
// zero receive time (unidirectional run) yields zero receive rates; for the
// raw receive rate it is replaced by the send time, since a sender still
// receives acknowledgements.
func ComputeThroughput(count uint64, size int, sendNS, recvNS uint64, counters *perfcounter.Counters) Throughput {
	total := count * uint64(size)
	t := Throughput{
		TotalSeconds: seconds(sendNS),
		TotalBytes:   total,
		SendKPPS:     rate(count, sendNS) / 1000,
		RecvKPPS:     rate(count, recvNS) / 1000,
		SendMiBps:    rate(total, sendNS) / mib,
		SendMBps:     rate(total, sendNS) / mb,
		RecvMiBps:    rate(total, recvNS) / mib,
		RecvMBps:     rate(total, recvNS) / mb,
	}
	if count > 0 {
		t.SendLatencyUS = float64(sendNS) / float64(count) / 1000
	}
	if counters == nil {
		return t
	}

	rawRecvNS := recvNS
	if rawRecvNS == 0 {
		rawRecvNS = sendNS
	}
	raw := &RawThroughput{
		XmitPackets: counters.XmitPackets,
		RcvPackets:  counters.RcvPackets,
		XmitBytes:   counters.XmitBytes,
		RcvBytes:    counters.RcvBytes,
		SendMiBps:   rate(counters.XmitBytes, sendNS) / mib,
		SendMBps:    rate(counters.XmitBytes, sendNS) / mb,
		RecvMiBps:   rate(counters.RcvBytes, rawRecvNS) / mib,
		RecvMBps:    rate(counters.RcvBytes, rawRecvNS) / mb,
	}
	if counters.XmitBytes > total {
		raw.SendOverhead = counters.XmitBytes - total
	}
	if counters.RcvBytes > total {
		raw.RecvOverhead = counters.RcvBytes - total
	}
	if total > 0 {
		raw.SendOverheadPct = float64(raw.SendOverhead) / float64(total) * 100
		raw.RecvOverheadPct = float64(raw.RecvOverhead) / float64(total) * 100
	}
	t.Raw = raw
	return t
}

// ComputePingPong derives the ping-pong figures from the server's result.
func ComputePingPong(count uint64, totalNS uint64, summary *stats.Summary) PingPong {
	p := PingPong{TotalSeconds: seconds(totalNS), Summary: summary}
	if count > 0 {
		p.AvgLatencyUS = float64(totalNS/count) / 1000
	}
	return p
}

// Write prints res to w.
func Write(w io.Writer, res bench.Result, opts Options) error {
	if res.Role == bench.RoleClient {
		_, err := fmt.Fprintln(w, ClientNotice)
		return err
	}
	if res.Send == nil {
		return errors.New("report: result carries no send timing")
	}
	if res.Benchmark == bench.BenchmarkPingPong {
		pp := ComputePingPong(res.Count, uint64(res.Send.Elapsed), res.Latency)
		if opts.Verbosity <= 0 {
			return writeRawPingPong(w, pp)
		}
		return writePingPong(w, pp)
	}

	var recvNS uint64
	if res.Benchmark != bench.BenchmarkUnidirectional && res.Recv != nil {
		recvNS = uint64(res.Recv.Elapsed)
	}
	tp := ComputeThroughput(res.Count, res.MessageSize, uint64(res.Send.Elapsed), recvNS, opts.Counters)
	if opts.Verbosity <= 0 {
		return writeRawThroughput(w, tp)
	}
	return writeThroughput(w, res, tp)
}

// errWriter remembers the first write error so the report reads top to bottom.
type errWriter struct {
	p   *message.Printer
	w   io.Writer
	err error
}

func newErrWriter(w io.Writer) *errWriter {
	return &errWriter{p: message.NewPrinter(language.English), w: w}
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = e.p.Fprintf(e.w, format, args...)
}

func writePingPong(w io.Writer, pp PingPong) error {
	e := newErrWriter(w)
	e.printf("Results:\n")
	e.printf("  Total time: %.2f s\n", pp.TotalSeconds)
	e.printf("  Average request response latency: %.2f us\n", pp.AvgLatencyUS)
	if s := pp.Summary; s != nil {
		e.printf("\nLatency distribution (%d samples):\n", s.Count)
		e.printf("  min:   %.2f us\n", s.Min)
		e.printf("  avg:   %.2f us\n", s.Avg)
		e.printf("  p50:   %.2f us\n", s.P50)
		e.printf("  p90:   %.2f us\n", s.P90)
		e.printf("  p95:   %.2f us\n", s.P95)
		e.printf("  p99:   %.2f us\n", s.P99)
		e.printf("  p99.9: %.2f us\n", s.P999)
		e.printf("  max:   %.2f us\n", s.Max)
	}
	return e.err
}

func writeRawPingPong(w io.Writer, pp PingPong) error {
	_, err := fmt.Fprintf(w, "%f\n%f\n", pp.TotalSeconds, pp.AvgLatencyUS)
	return err
}

func writeThroughput(w io.Writer, res bench.Result, tp Throughput) error {
	e := newErrWriter(w)
	e.printf("Results:\n")
	e.printf("  Messages: %s x %s (%s over %s)\n",
		humanize.Comma(int64(res.Count)), humanize.IBytes(uint64(res.MessageSize)), res.Benchmark, res.Transport)
	e.printf("  Total time: %.2f s\n", tp.TotalSeconds)
	e.printf("  Total data: %.2f MiB (%.2f MB)\n", float64(tp.TotalBytes)/mib, float64(tp.TotalBytes)/mb)
	e.printf("  Average sent packets per second:     %.2f kPkts/s\n", tp.SendKPPS)
	e.printf("  Average recv packets per second:     %.2f kPkts/s\n", tp.RecvKPPS)
	e.printf("  Average combined packets per second: %.2f kPkts/s\n", tp.SendKPPS+tp.RecvKPPS)
	e.printf("  Average send throughput:     %.2f MiB/s (%.2f MB/s)\n", tp.SendMiBps, tp.SendMBps)
	e.printf("  Average recv throughput:     %.2f MiB/s (%.2f MB/s)\n", tp.RecvMiBps, tp.RecvMBps)
	e.printf("  Average combined throughput: %.2f MiB/s (%.2f MB/s)\n", tp.SendMiBps+tp.RecvMiBps, tp.SendMBps+tp.RecvMBps)
	e.printf("  Average send latency: %.2f us\n", tp.SendLatencyUS)

	if r := tp.Raw; r != nil {
		e.printf("\nRaw statistics:\n")
		e.printf("  Total packets sent: %d\n", r.XmitPackets)
		e.printf("  Total packets received %d\n", r.RcvPackets)
		e.printf("  Total data sent: %.2f MiB (%.2f MB)\n", float64(r.XmitBytes)/mib, float64(r.XmitBytes)/mb)
		e.printf("  Total data received: %.2f MiB (%.2f MB)\n", float64(r.RcvBytes)/mib, float64(r.RcvBytes)/mb)
		e.printf("  Send overhead: %.2f MiB (%.2f MB), %.2f%%\n", float64(r.SendOverhead)/mib, float64(r.SendOverhead)/mb, r.SendOverheadPct)
		e.printf("  Receive overhead: %.2f MiB (%.2f MB), %.2f%%\n", float64(r.RecvOverhead)/mib, float64(r.RecvOverhead)/mb, r.RecvOverheadPct)
		e.printf("  Average send throughput:     %.2f MiB/s (%.2f MB/s)\n", r.SendMiBps, r.SendMBps)
		e.printf("  Average recv throughput:     %.2f MiB/s (%.2f MB/s)\n", r.RecvMiBps, r.RecvMBps)
		e.printf("  Average combined throughput: %.2f MiB/s (%.2f MB/s)\n", r.SendMiBps+r.RecvMiBps, r.SendMBps+r.RecvMBps)
	}
	return e.err
}

func writeRawThroughput(w io.Writer, tp Throughput) error {
	values := []any{
		tp.TotalSeconds,
		float64(tp.TotalBytes) / mib,
		tp.SendKPPS,
		tp.RecvKPPS,
		tp.SendKPPS + tp.RecvKPPS,
		tp.SendMBps,
		tp.RecvMBps,
		tp.SendMBps + tp.RecvMBps,
		tp.SendLatencyUS,
	}
	if r := tp.Raw; r != nil {
		values = append(values,
			r.XmitPackets,
			r.RcvPackets,
			float64(r.XmitBytes)/mib,
			float64(r.RcvBytes)/mib,
			float64(r.SendOverhead)/mib,
			r.SendOverheadPct,
			float64(r.RecvOverhead)/mib,
			r.RecvOverheadPct,
			r.SendMBps,
			r.RecvMBps,
			r.SendMBps+r.RecvMBps,
		)
	}
	for _, v := range values {
		var err error
		switch v := v.(type) {
		case uint64:
			_, err = fmt.Fprintf(w, "%d\n", v)
		default:
			_, err = fmt.Fprintf(w, "%f\n", v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func seconds(ns uint64) float64 {
	return float64(ns) / 1e9
}

// rate returns n per second over ns, or zero for an empty window.
func rate(n, ns uint64) float64 {
	if ns == 0 {
		return 0
	}
	return float64(n) / seconds(ns)
}
