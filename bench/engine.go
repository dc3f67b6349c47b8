package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rocketbitz/verbsbench/timer"
	"github.com/rocketbitz/verbsbench/verbs"
)

// ErrCompletionOverrun indicates a poll reported more completions than
// requests were outstanding.
var ErrCompletionOverrun = errors.New("verbsbench: more completions than outstanding requests")

// FlowStats summarizes one batched transfer loop.
type FlowStats struct {
	Posted     uint64
	Completed  uint64
	Polls      uint64
	MaxPending int
}

// flow drives a bounded work queue: submit posts a chain of n requests and
// poll reaps whatever completions are ready without blocking.
type flow struct {
	capacity int
	submit   func(n int) error
	poll     func() (int, error)

	pending int
	stats   FlowStats
}

func (f *flow) pollOnce() error {
	n, err := f.poll()
	f.stats.Polls++
	if n > f.pending {
		return fmt.Errorf("%w: %d completions with %d pending", ErrCompletionOverrun, n, f.pending)
	}
	f.pending -= n
	f.stats.Completed += uint64(n)
	return err
}

// run posts remaining requests, keeping at most capacity in flight and
// polling exactly once per iteration, then drains what is still pending.
func (f *flow) run(remaining uint64) error {
	for remaining > 0 {
		batch := f.capacity - f.pending
		if uint64(batch) > remaining {
			batch = int(remaining)
		}
		if batch > 0 {
			if err := f.submit(batch); err != nil {
				return err
			}
			f.pending += batch
			remaining -= uint64(batch)
			f.stats.Posted += uint64(batch)
			if f.pending > f.stats.MaxPending {
				f.stats.MaxPending = f.pending
			}
		}
		if err := f.pollOnce(); err != nil {
			return err
		}
	}
	return f.drain()
}

func (f *flow) drain() error {
	for f.pending > 0 {
		if err := f.pollOnce(); err != nil {
			return err
		}
	}
	return nil
}

// prefill posts min(capacity, count) requests and returns how many are left.
func (f *flow) prefill(count uint64) (uint64, error) {
	n := f.capacity
	if uint64(n) > count {
		n = int(count)
	}
	if n == 0 {
		return count, nil
	}
	if err := f.submit(n); err != nil {
		return count, err
	}
	f.pending = n
	f.stats.Posted += uint64(n)
	f.stats.MaxPending = n
	return count - uint64(n), nil
}

// WorkerResult is what a worker reports through its future.
type WorkerResult struct {
	Worker string
	// Elapsed is the timed window. For the RDMA-write receiver it spans the
	// start and close markers and so includes the side-channel latency.
	Elapsed time.Duration
	Flow    FlowStats
	// Samples holds per-iteration round trip times in nanoseconds for the
	// ping-pong server.
	Samples []uint64
}

const (
	workerSend           = "send"
	workerRecv           = "receive"
	workerPingPongServer = "pingpong_server"
	workerPingPongClient = "pingpong_client"
)

func (c *Connection) sendFlow(op verbs.Opcode) *flow {
	return &flow{
		capacity: c.Capacity(),
		submit:   func(n int) error { return c.PostSends(n, op) },
		poll:     c.PollSend,
	}
}

func (c *Connection) recvFlow() *flow {
	return &flow{
		capacity: c.Capacity(),
		submit:   c.PostRecvs,
		poll:     c.PollRecv,
	}
}

// sendMessages signals start and times count sends (or RDMA writes, which
// are followed by the close marker).
func sendMessages(ctx context.Context, c *Connection, clock timer.Clock, count uint64, op verbs.Opcode) (WorkerResult, error) {
	res := WorkerResult{Worker: workerSend}
	if err := c.rv.Signal(ctx, MarkerStart); err != nil {
		return res, err
	}
	f := c.sendFlow(op)
	start := clock.Now()
	err := f.run(count)
	res.Elapsed = clock.Now() - start
	res.Flow = f.stats
	if err != nil {
		return res, err
	}
	if op == verbs.OpRDMAWrite {
		if err := c.rv.Signal(ctx, MarkerClose); err != nil {
			return res, err
		}
	}
	return res, nil
}

// receiveMessages pre-fills the receive queue, waits for start, and times
// the poll, post, and drain of count receives.
func receiveMessages(ctx context.Context, c *Connection, clock timer.Clock, count uint64) (WorkerResult, error) {
	res := WorkerResult{Worker: workerRecv}
	f := c.recvFlow()
	remaining, err := f.prefill(count)
	if err != nil {
		return res, err
	}
	if err := c.rv.Await(ctx, MarkerStart); err != nil {
		return res, err
	}
	start := clock.Now()
	err = f.pollOnce()
	if err == nil {
		err = f.run(remaining)
	}
	res.Elapsed = clock.Now() - start
	res.Flow = f.stats
	return res, err
}

// receiveWrites posts nothing; the peer writes straight into the receive
// region. The window between the start and close markers is reported.
func receiveWrites(ctx context.Context, c *Connection, clock timer.Clock) (WorkerResult, error) {
	res := WorkerResult{Worker: workerRecv}
	if err := c.rv.Await(ctx, MarkerStart); err != nil {
		return res, err
	}
	start := clock.Now()
	if err := c.rv.Await(ctx, MarkerClose); err != nil {
		return res, err
	}
	res.Elapsed = clock.Now() - start
	return res, nil
}

// busyPoll spins on poll until it reports at least one completion, counting
// every poll and completion into s.
func (s *FlowStats) busyPoll(poll func() (int, error)) error {
	for {
		n, err := poll()
		s.Polls++
		s.Completed += uint64(n)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// pingPongServer records the round trip of count single-message exchanges
// with the calibrated timer.
func pingPongServer(ctx context.Context, c *Connection, tm *timer.Timer, count uint64) (WorkerResult, error) {
	res := WorkerResult{Worker: workerPingPongServer}
	f := c.recvFlow()
	fail := func(err error) (WorkerResult, error) {
		res.Flow = f.stats
		return res, err
	}
	if _, err := f.prefill(count); err != nil {
		return fail(err)
	}
	if err := c.rv.Signal(ctx, MarkerStart); err != nil {
		return fail(err)
	}

	samples := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		t0 := tm.Start()
		if err := c.PostSends(1, verbs.OpSend); err != nil {
			return fail(err)
		}
		f.stats.Posted++
		if err := f.stats.busyPoll(c.PollSend); err != nil {
			return fail(err)
		}
		if err := f.stats.busyPoll(c.PollRecv); err != nil {
			return fail(err)
		}
		if err := c.PostRecvs(1); err != nil {
			return fail(err)
		}
		f.stats.Posted++
		t1 := tm.EndStrong()
		samples = append(samples, tm.DeltaNS(t0, t1))
	}
	res.Samples = samples
	var total uint64
	for _, s := range samples {
		total += s
	}
	res.Elapsed = time.Duration(total)
	res.Flow = f.stats
	return res, nil
}

// pingPongClient answers every message the server sends.
func pingPongClient(ctx context.Context, c *Connection, clock timer.Clock, count uint64) (WorkerResult, error) {
	res := WorkerResult{Worker: workerPingPongClient}
	f := c.recvFlow()
	fail := func(err error) (WorkerResult, error) {
		res.Flow = f.stats
		return res, err
	}
	if _, err := f.prefill(count); err != nil {
		return fail(err)
	}
	if err := c.rv.Await(ctx, MarkerStart); err != nil {
		return fail(err)
	}

	start := clock.Now()
	for i := uint64(0); i < count; i++ {
		if err := f.stats.busyPoll(c.PollRecv); err != nil {
			return fail(err)
		}
		if err := c.PostSends(1, verbs.OpSend); err != nil {
			return fail(err)
		}
		f.stats.Posted++
		if err := c.PostRecvs(1); err != nil {
			return fail(err)
		}
		f.stats.Posted++
		if err := f.stats.busyPoll(c.PollSend); err != nil {
			return fail(err)
		}
	}
	res.Elapsed = clock.Now() - start
	res.Flow = f.stats
	return res, nil
}
