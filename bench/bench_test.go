package bench

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rocketbitz/verbsbench/timer"
	"github.com/rocketbitz/verbsbench/verbs"
	"github.com/rocketbitz/verbsbench/verbs/loopback"
)

type testPair struct {
	fabric *loopback.Fabric
	server *Connection
	client *Connection
}

func newTestPair(t *testing.T, capacity, size int, hooks Hooks) *testPair {
	t.Helper()
	f := loopback.New()
	var ids verbs.RegionIDs

	open := func() (*Resources, *Connection) {
		res, err := OpenResources(f.Provider(), ResourceConfig{Capacity: capacity})
		if err != nil {
			t.Fatalf("OpenResources: %v", err)
		}
		conn, err := NewConnection(res, ConnectionConfig{MessageSize: size, Capacity: capacity, Regions: &ids, Hooks: hooks})
		if err != nil {
			t.Fatalf("NewConnection: %v", err)
		}
		return res, conn
	}
	srvRes, srv := open()
	cliRes, cli := open()
	t.Cleanup(func() {
		for _, c := range []interface{ Close() error }{srv, cli, srvRes, cliRes} {
			if err := c.Close(); err != nil {
				t.Errorf("close: %v", err)
			}
		}
		if live := f.Live(); live != 0 {
			t.Errorf("fabric still holds %d objects", live)
		}
	})

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback listener unavailable: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		rv, err := acceptOnce(ctx, ln)
		if err != nil {
			errc <- err
			return
		}
		errc <- srv.Establish(ctx, rv)
	}()
	if err := cli.Dial(ctx, "127.0.0.1", port, ""); err != nil {
		t.Fatalf("client Dial: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server Establish: %v", err)
	}
	return &testPair{fabric: f, server: srv, client: cli}
}

func baseConfig(role Role, b Benchmark, tr Transport, count uint64) Config {
	return Config{
		Role:      role,
		Benchmark: b,
		Transport: tr,
		Count:     count,
		SendCPU:   -1,
		RecvCPU:   -1,
	}
}

// testTimer skips calibration: a monotonic source counts nanoseconds.
func testTimer(t *testing.T) *timer.Timer {
	t.Helper()
	tm, err := timer.New(timer.MonotonicSource(timer.SystemClock()), 0, 1e9)
	if err != nil {
		t.Fatalf("timer.New: %v", err)
	}
	return tm
}

func runBoth(t *testing.T, p *testPair, srvCfg, cliCfg Config) (Result, Result) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	srvC := make(chan outcome, 1)
	go func() {
		res, err := Run(ctx, p.server, srvCfg)
		srvC <- outcome{res, err}
	}()
	cliRes, cliErr := Run(ctx, p.client, cliCfg)
	srv := <-srvC
	if srv.err != nil {
		t.Fatalf("server Run: %v", srv.err)
	}
	if cliErr != nil {
		t.Fatalf("client Run: %v", cliErr)
	}
	return srv.res, cliRes
}

func TestConnectionReachesRTS(t *testing.T) {
	p := newTestPair(t, 16, 64, Hooks{})
	for name, c := range map[string]*Connection{"server": p.server, "client": p.client} {
		if got := c.QueuePair().State(); got != verbs.QPStateRTS {
			t.Fatalf("%s state = %s, want RTS", name, got)
		}
	}
	if p.server.Remote() != p.client.Local() {
		t.Fatalf("server learned %v, client advertised %v", p.server.Remote(), p.client.Local())
	}
	if p.client.Remote() != p.server.Local() {
		t.Fatalf("client learned %v, server advertised %v", p.client.Remote(), p.server.Local())
	}
	if p.server.Local().RKey != p.server.RecvRegion().RKey() || p.server.Local().Addr != p.server.RecvRegion().Addr() {
		t.Fatalf("advertised region does not match receive region")
	}
}

func TestMessageThroughputScenario(t *testing.T) {
	count := uint64(1000000)
	if testing.Short() {
		count = 20000
	}
	const capacity, size = 100, 1024
	p := newTestPair(t, capacity, size, Hooks{})

	srv, cli := runBoth(t, p,
		baseConfig(RoleServer, BenchmarkUnidirectional, TransportMsg, count),
		baseConfig(RoleClient, BenchmarkUnidirectional, TransportMsg, count),
	)

	if srv.Send == nil || srv.Recv != nil {
		t.Fatalf("server should report only a send worker: %+v", srv)
	}
	if cli.Recv == nil || cli.Send != nil {
		t.Fatalf("client should report only a receive worker: %+v", cli)
	}
	for name, fl := range map[string]FlowStats{"send": srv.Send.Flow, "receive": cli.Recv.Flow} {
		if fl.Posted != count || fl.Completed != count {
			t.Fatalf("%s flow posted=%d completed=%d, want %d", name, fl.Posted, fl.Completed, count)
		}
		if fl.MaxPending > capacity || fl.MaxPending == 0 {
			t.Fatalf("%s flow max pending %d outside (0, %d]", name, fl.MaxPending, capacity)
		}
	}
	if srv.Send.Elapsed <= 0 || cli.Recv.Elapsed <= 0 {
		t.Fatalf("elapsed not recorded: send=%v recv=%v", srv.Send.Elapsed, cli.Recv.Elapsed)
	}
	if got := p.fabric.Counters().Sends; got != count {
		t.Fatalf("fabric delivered %d sends, want %d", got, count)
	}
	if srv.RunID == "" || srv.RunID == cli.RunID {
		t.Fatalf("run ids should be unique: %q %q", srv.RunID, cli.RunID)
	}
}

func TestRDMAWriteScenario(t *testing.T) {
	const count, capacity, size = 500, 100, 4096
	p := newTestPair(t, capacity, size, Hooks{})
	pattern := bytes.Repeat([]byte{0xA5, 0x5A}, size/2)
	copy(p.server.SendRegion().Bytes(), pattern)

	srv, cli := runBoth(t, p,
		baseConfig(RoleServer, BenchmarkUnidirectional, TransportRDMA, count),
		baseConfig(RoleClient, BenchmarkUnidirectional, TransportRDMA, count),
	)

	if srv.Send.Flow.Completed != count {
		t.Fatalf("writes completed = %d, want %d", srv.Send.Flow.Completed, count)
	}
	if cli.Recv.Flow != (FlowStats{}) {
		t.Fatalf("rdma receiver should not post or poll: %+v", cli.Recv.Flow)
	}
	if cli.Recv.Elapsed <= 0 {
		t.Fatalf("receiver window not recorded")
	}
	c := p.fabric.Counters()
	if c.Writes != count || c.WriteBytes != count*size {
		t.Fatalf("fabric writes=%d bytes=%d", c.Writes, c.WriteBytes)
	}
	if c.Receives != 0 {
		t.Fatalf("rdma writes produced %d receive completions", c.Receives)
	}
	if n, err := p.client.PollRecv(); err != nil || n != 0 {
		t.Fatalf("client receive queue: n=%d err=%v", n, err)
	}
	if !bytes.Equal(p.client.RecvRegion().Bytes(), pattern) {
		t.Fatalf("client receive region does not hold the written pattern")
	}
}

func TestPingPongScenario(t *testing.T) {
	const count = 1000
	p := newTestPair(t, 10, 64, Hooks{})
	srvCfg := baseConfig(RoleServer, BenchmarkPingPong, TransportMsg, count)
	srvCfg.Timer = testTimer(t)
	srv, cli := runBoth(t, p, srvCfg, baseConfig(RoleClient, BenchmarkPingPong, TransportMsg, count))

	if len(srv.Send.Samples) != count {
		t.Fatalf("samples = %d, want %d", len(srv.Send.Samples), count)
	}
	s := srv.Latency
	if s == nil {
		t.Fatalf("server should summarize latency")
	}
	if !(s.Min <= s.P50 && s.P50 <= s.P99 && s.P99 <= s.Max) {
		t.Fatalf("percentiles out of order: %+v", s)
	}
	avg := float64(s.TotalNS) / 1000 / float64(s.Count)
	if diff := avg - s.Avg; diff > 1e-6*avg || diff < -1e-6*avg {
		t.Fatalf("total/count = %f, avg = %f", avg, s.Avg)
	}
	if cli.Latency != nil {
		t.Fatalf("client should not summarize latency")
	}
	if got := p.fabric.Counters().Sends; got != 2*count {
		t.Fatalf("fabric delivered %d sends, want %d", got, 2*count)
	}
	// Each side prefills capacity receives, then posts one send and one
	// receive per iteration and reaps both completions.
	for name, flow := range map[string]FlowStats{"server": srv.Send.Flow, "client": cli.Send.Flow} {
		if flow.Posted != 10+2*count {
			t.Fatalf("%s posted %d, want %d", name, flow.Posted, 10+2*count)
		}
		if flow.Completed != 2*count {
			t.Fatalf("%s completed %d, want %d", name, flow.Completed, 2*count)
		}
		if flow.Polls < flow.Completed || flow.MaxPending != 10 {
			t.Fatalf("%s flow stats: %+v", name, flow)
		}
	}
}

func TestBidirectionalMessages(t *testing.T) {
	const count, capacity = 5000, 32
	p := newTestPair(t, capacity, 256, Hooks{})
	srv, cli := runBoth(t, p,
		baseConfig(RoleServer, BenchmarkBidirectional, TransportMsg, count),
		baseConfig(RoleClient, BenchmarkBidirectional, TransportMsg, count),
	)
	for name, r := range map[string]Result{"server": srv, "client": cli} {
		if r.Send == nil || r.Recv == nil {
			t.Fatalf("%s missing a worker result: %+v", name, r)
		}
		if r.Send.Flow.Completed != count || r.Recv.Flow.Completed != count {
			t.Fatalf("%s completed send=%d recv=%d", name, r.Send.Flow.Completed, r.Recv.Flow.Completed)
		}
	}
}

func TestBidirectionalRDMAWrites(t *testing.T) {
	const count, capacity = 300, 16
	p := newTestPair(t, capacity, 512, Hooks{})
	srv, cli := runBoth(t, p,
		baseConfig(RoleServer, BenchmarkBidirectional, TransportRDMA, count),
		baseConfig(RoleClient, BenchmarkBidirectional, TransportRDMA, count),
	)
	if srv.Send.Flow.Completed != count || cli.Send.Flow.Completed != count {
		t.Fatalf("writes completed server=%d client=%d", srv.Send.Flow.Completed, cli.Send.Flow.Completed)
	}
	if got := p.fabric.Counters().Writes; got != 2*count {
		t.Fatalf("fabric writes = %d, want %d", got, 2*count)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	p := newTestPair(t, 4, 64, Hooks{})
	cases := map[string]Config{
		"pingpong over rdma": baseConfig(RoleServer, BenchmarkPingPong, TransportRDMA, 10),
		"zero count":         baseConfig(RoleServer, BenchmarkUnidirectional, TransportMsg, 0),
		"missing role":       baseConfig(0, BenchmarkUnidirectional, TransportMsg, 10),
	}
	for name, cfg := range cases {
		if _, err := Run(context.Background(), p.server, cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	_, err := Run(context.Background(), p.server, cases["pingpong over rdma"])
	if !errors.Is(err, ErrUnsupportedCombination) {
		t.Fatalf("expected ErrUnsupportedCombination, got %v", err)
	}
}

func TestRunRequiresEstablishedConnection(t *testing.T) {
	f := loopback.New()
	res, err := OpenResources(f.Provider(), ResourceConfig{Capacity: 4})
	if err != nil {
		t.Fatalf("OpenResources: %v", err)
	}
	defer res.Close()
	conn, err := NewConnection(res, ConnectionConfig{MessageSize: 64, Capacity: 4})
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	defer conn.Close()
	if _, err := Run(context.Background(), conn, baseConfig(RoleServer, BenchmarkUnidirectional, TransportMsg, 1)); err == nil {
		t.Fatalf("expected error for unestablished connection")
	}
}

func TestRunSurfacesCompletionError(t *testing.T) {
	p := newTestPair(t, 8, 64, Hooks{})
	p.fabric.InjectCompletion(p.server.QueuePair().QPN(), verbs.WCRemoteAccessErr)

	_, err := Run(context.Background(), p.server, baseConfig(RoleServer, BenchmarkUnidirectional, TransportMsg, 100))
	var ce *verbs.CompletionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompletionError, got %v", err)
	}
	if ce.Status != verbs.WCRemoteAccessErr {
		t.Fatalf("status = %s, want %s", ce.Status, verbs.WCRemoteAccessErr)
	}
	if !errors.Is(err, verbs.WCRemoteAccessErr) {
		t.Fatalf("error should match the status: %v", err)
	}
	if got := p.fabric.Counters().Errors; got == 0 {
		t.Fatalf("fabric should record the failed queue pair")
	}
}

// workerLog records which workers have returned from their loop.
type workerLog struct {
	mu       sync.Mutex
	returned map[string]bool
}

func (l *workerLog) Debugw(string, ...any) {}
func (l *workerLog) Infow(msg string, kv ...any) { l.record(msg, kv) }
func (l *workerLog) Warnw(msg string, kv ...any) { l.record(msg, kv) }

func (l *workerLog) record(_ string, kv []any) {
	var event, worker string
	for i := 0; i+1 < len(kv); i += 2 {
		switch kv[i] {
		case "event":
			event, _ = kv[i+1].(string)
		case labelWorker:
			worker, _ = kv[i+1].(string)
		}
	}
	if event != "worker_finished" && event != "worker_failed" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.returned == nil {
		l.returned = map[string]bool{}
	}
	l.returned[worker] = true
}

func (l *workerLog) has(worker string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.returned[worker]
}

func TestBidirectionalFailureWaitsForBothWorkers(t *testing.T) {
	p := newTestPair(t, 8, 64, Hooks{})
	p.fabric.InjectCompletion(p.server.QueuePair().QPN(), verbs.WCRemoteAccessErr)

	// The client never runs, so the server receive worker sits in its
	// start marker wait until the failed sender releases it.
	log := &workerLog{}
	cfg := baseConfig(RoleServer, BenchmarkBidirectional, TransportMsg, 100)
	cfg.Hooks = Hooks{StructuredLogger: log}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := Run(ctx, p.server, cfg)
	if !errors.Is(err, verbs.WCRemoteAccessErr) {
		t.Fatalf("expected remote access error, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("run returned only after the deadline: %v", err)
	}
	for _, w := range []string{workerSend, workerRecv} {
		if !log.has(w) {
			t.Fatalf("%s worker still running when Run returned", w)
		}
	}
	if res.Send == nil || res.Recv == nil {
		t.Fatalf("missing worker results: %+v", res)
	}
}

func TestOpenResourcesReleasesOnFailure(t *testing.T) {
	f := loopback.New()
	f.FailNext(loopback.OpCreateCQ, errors.New("no memory"))
	if _, err := OpenResources(f.Provider(), ResourceConfig{Capacity: 4}); err == nil {
		t.Fatalf("expected failure")
	}
	if live := f.Live(); live != 0 {
		t.Fatalf("leaked %d objects", live)
	}

	f.FailNext(loopback.OpCreateSRQ, errors.New("no memory"))
	if _, err := OpenResources(f.Provider(), ResourceConfig{Capacity: 4, SharedReceiveQueue: true}); err == nil {
		t.Fatalf("expected SRQ failure")
	}
	if live := f.Live(); live != 0 {
		t.Fatalf("leaked %d objects after SRQ failure", live)
	}
}

func TestNewConnectionReleasesOnFailure(t *testing.T) {
	f := loopback.New()
	res, err := OpenResources(f.Provider(), ResourceConfig{Capacity: 4})
	if err != nil {
		t.Fatalf("OpenResources: %v", err)
	}
	f.FailNext(loopback.OpCreateQP, errors.New("no queue pairs"))
	if _, err := NewConnection(res, ConnectionConfig{MessageSize: 64, Capacity: 4}); err == nil {
		t.Fatalf("expected failure")
	}
	if got := res.PD.Regions(); got != 0 {
		t.Fatalf("regions left registered: %d", got)
	}
	if err := res.Close(); err != nil {
		t.Fatalf("close resources: %v", err)
	}
	if live := f.Live(); live != 0 {
		t.Fatalf("leaked %d objects", live)
	}
}

func TestNewConnectionRejectsUnboundedRetry(t *testing.T) {
	f := loopback.New()
	res, err := OpenResources(f.Provider(), ResourceConfig{Capacity: 4})
	if err != nil {
		t.Fatalf("OpenResources: %v", err)
	}
	defer res.Close()
	rts := verbs.DefaultRTSAttr()
	rts.RNRRetry = 7
	_, err = NewConnection(res, ConnectionConfig{MessageSize: 64, Capacity: 4, RTS: &rts})
	if !errors.Is(err, verbs.ErrUnboundedRetry) {
		t.Fatalf("expected ErrUnboundedRetry, got %v", err)
	}
	if got := res.PD.Regions(); got != 0 {
		t.Fatalf("regions registered before validation: %d", got)
	}
}

func TestSharedReceiveQueueConnection(t *testing.T) {
	f := loopback.New()
	var ids verbs.RegionIDs
	build := func(srq bool) *Connection {
		res, err := OpenResources(f.Provider(), ResourceConfig{Capacity: 8, SharedReceiveQueue: srq})
		if err != nil {
			t.Fatalf("OpenResources: %v", err)
		}
		conn, err := NewConnection(res, ConnectionConfig{MessageSize: 32, Capacity: 8, Regions: &ids})
		if err != nil {
			t.Fatalf("NewConnection: %v", err)
		}
		t.Cleanup(func() {
			_ = conn.Close()
			_ = res.Close()
		})
		return conn
	}
	a, b := build(false), build(true)
	if err := a.QueuePair().Connect(b.Local().LID, b.Local().QPN); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if err := b.QueuePair().Connect(a.Local().LID, a.Local().QPN); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if err := b.PostRecvs(2); err != nil {
		t.Fatalf("post receives on srq: %v", err)
	}
	if err := a.PostSends(2, verbs.OpSend); err != nil {
		t.Fatalf("post sends: %v", err)
	}
	total := 0
	for total < 2 {
		n, err := b.PollRecv()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		total += n
	}
}

func TestPostBatchBounds(t *testing.T) {
	p := newTestPair(t, 4, 64, Hooks{})
	for _, n := range []int{0, 5} {
		err := p.server.PostSends(n, verbs.OpSend)
		var pe *verbs.PostError
		if !errors.As(err, &pe) || !errors.Is(err, verbs.ErrChainLength) {
			t.Fatalf("PostSends(%d): expected chain length error, got %v", n, err)
		}
		if err := p.server.PostRecvs(n); !errors.Is(err, verbs.ErrChainLength) {
			t.Fatalf("PostRecvs(%d): expected chain length error, got %v", n, err)
		}
	}
}

func TestWorkerFutureHonoursContext(t *testing.T) {
	release := make(chan struct{})
	f := startWorker("blocked", -1, nil, func() (WorkerResult, error) {
		<-release
		return WorkerResult{Worker: "blocked", Elapsed: time.Second}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	close(release)
	res, err := f.Await(context.Background())
	if err != nil || res.Elapsed != time.Second {
		t.Fatalf("await after release: %+v %v", res, err)
	}
	select {
	case <-f.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
}
