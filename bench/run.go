package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rocketbitz/verbsbench/stats"
	"github.com/rocketbitz/verbsbench/timer"
	"github.com/rocketbitz/verbsbench/verbs"
)

// Default CPUs for the send and receive workers.
const (
	DefaultSendCPU = 0
	DefaultRecvCPU = 1
)

// Config selects what Run executes on an established Connection.
type Config struct {
	Role      Role
	Benchmark Benchmark
	Transport Transport
	// Count is the number of messages (or ping-pong iterations).
	Count uint64
	// SendCPU and RecvCPU pin the workers; negative disables pinning.
	SendCPU int
	RecvCPU int
	// Timer measures ping-pong round trips. Run calibrates one when nil.
	Timer *timer.Timer
	// Clock times the throughput loops. Defaults to timer.SystemClock.
	Clock timer.Clock
	Hooks
}

// Validate checks the combination before any resources are touched.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.Role != RoleServer && cfg.Role != RoleClient {
		errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownRole, cfg.Role))
	}
	if cfg.Count == 0 {
		errs = append(errs, errors.New("verbsbench: message count must be positive"))
	}
	if err := CheckCombination(cfg.Benchmark, cfg.Transport); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Result is the outcome of Run on one side of the connection.
type Result struct {
	RunID       string
	Role        Role
	Benchmark   Benchmark
	Transport   Transport
	MessageSize int
	Count       uint64
	Send        *WorkerResult
	Recv        *WorkerResult
	// Latency summarizes ping-pong samples on the server.
	Latency *stats.Summary
}

// Run executes the configured benchmark on conn, which must be established.
// Workers run on dedicated OS threads and report through futures.
func Run(ctx context.Context, conn *Connection, cfg Config) (Result, error) {
	if conn == nil || conn.Rendezvous() == nil {
		return Result{}, errors.New("verbsbench: connection not established")
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if cfg.Clock == nil {
		cfg.Clock = timer.SystemClock()
	}

	res := Result{
		RunID:       uuid.NewString(),
		Role:        cfg.Role,
		Benchmark:   cfg.Benchmark,
		Transport:   cfg.Transport,
		MessageSize: conn.MessageSize(),
		Count:       cfg.Count,
	}
	tel := newTelemetry(cfg.Hooks,
		logKV(labelRunID, res.RunID),
		logKV(labelBenchmark, cfg.Benchmark),
		logKV(labelTransport, cfg.Transport),
		logKV(labelRole, cfg.Role),
		logKV(labelProvider, conn.res.Device.Provider().Name()),
	)
	span := tel.startSpan("verbsbench-run",
		logKV("count", cfg.Count),
		logKV("message_size", conn.MessageSize()),
		logKV("capacity", conn.Capacity()),
	)
	tel.info("run_started", logKV("count", cfg.Count), logKV("remote", conn.Remote()))
	tel.metricRunStarted()

	started := time.Now()
	err := dispatch(ctx, conn, cfg, tel, span, &res)
	elapsed := time.Since(started)

	if err != nil {
		tel.metricRunFailed(err)
		spanRecordError(span, err)
		spanEnd(span, err)
		tel.warn("run_failed", logKV("error", err))
		return res, err
	}
	tel.metricRunCompleted(elapsed)
	spanEnd(span, nil)
	tel.info("run_finished", logKV("elapsed", elapsed))
	return res, nil
}

func dispatch(ctx context.Context, conn *Connection, cfg Config, tel *telemetry, span Span, res *Result) error {
	op := verbs.OpSend
	if cfg.Transport == TransportRDMA {
		op = verbs.OpRDMAWrite
	}
	sender := func(ctx context.Context) func() (WorkerResult, error) {
		return func() (WorkerResult, error) {
			return sendMessages(ctx, conn, cfg.Clock, cfg.Count, op)
		}
	}
	receiver := func(ctx context.Context) func() (WorkerResult, error) {
		return func() (WorkerResult, error) {
			if cfg.Transport == TransportRDMA {
				return receiveWrites(ctx, conn, cfg.Clock)
			}
			return receiveMessages(ctx, conn, cfg.Clock, cfg.Count)
		}
	}

	switch {
	case cfg.Benchmark == BenchmarkUnidirectional && cfg.Role == RoleServer:
		w, err := awaitWorker(ctx, startWorker(workerSend, cfg.SendCPU, tel, sender(ctx)), tel, span)
		res.Send = w
		return err

	case cfg.Benchmark == BenchmarkUnidirectional && cfg.Role == RoleClient:
		w, err := awaitWorker(ctx, startWorker(workerRecv, cfg.RecvCPU, tel, receiver(ctx)), tel, span)
		res.Recv = w
		return err

	case cfg.Benchmark == BenchmarkBidirectional:
		// A failing worker cancels wctx so its sibling leaves any marker
		// wait. Both futures are awaited before the connection may be
		// released.
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		sendF := startWorker(workerSend, cfg.SendCPU, tel, cancelOnError(cancel, sender(wctx)))
		recvF := startWorker(workerRecv, cfg.RecvCPU, tel, cancelOnError(cancel, receiver(wctx)))
		var sendErr, recvErr error
		res.Send, sendErr = awaitWorker(ctx, sendF, tel, span)
		res.Recv, recvErr = awaitWorker(ctx, recvF, tel, span)
		return errors.Join(sendErr, recvErr)

	case cfg.Benchmark == BenchmarkPingPong && cfg.Role == RoleServer:
		tm := cfg.Timer
		if tm == nil {
			var err error
			tel.debug("timer_calibrating")
			if tm, err = timer.Calibrate(); err != nil {
				return fmt.Errorf("verbsbench: calibrate timer: %w", err)
			}
			tel.info("timer_calibrated",
				logKV("source", tm.Kind()),
				logKV("overhead_cycles", tm.Overhead()),
				logKV("cycles_per_second", tm.CyclesPerSecond()),
			)
		}
		w, err := awaitWorker(ctx, startWorker(workerPingPongServer, cfg.SendCPU, tel, func() (WorkerResult, error) {
			return pingPongServer(ctx, conn, tm, cfg.Count)
		}), tel, span)
		res.Send = w
		if err != nil {
			return err
		}
		samples := append([]uint64(nil), w.Samples...)
		summary, err := stats.Summarize(samples)
		if err != nil {
			return err
		}
		res.Latency = &summary
		tel.metricLatency(w.Samples)
		return nil

	case cfg.Benchmark == BenchmarkPingPong && cfg.Role == RoleClient:
		w, err := awaitWorker(ctx, startWorker(workerPingPongClient, cfg.SendCPU, tel, func() (WorkerResult, error) {
			return pingPongClient(ctx, conn, cfg.Clock, cfg.Count)
		}), tel, span)
		res.Send = w
		return err

	default:
		return fmt.Errorf("%w: %s as %s", ErrUnsupportedCombination, cfg.Benchmark, cfg.Role)
	}
}

func cancelOnError(cancel context.CancelFunc, fn func() (WorkerResult, error)) func() (WorkerResult, error) {
	return func() (WorkerResult, error) {
		w, err := fn()
		if err != nil {
			cancel()
		}
		return w, err
	}
}

// awaitWorker resolves a future and reports its flow to the hooks.
func awaitWorker(ctx context.Context, f *WorkerFuture, tel *telemetry, span Span) (*WorkerResult, error) {
	w, err := f.Await(ctx)
	if err != nil {
		var ce *verbs.CompletionError
		if errors.As(err, &ce) {
			tel.metricCompletionFailed(f.Name(), err)
		}
		spanAddEvent(span, "worker_failed", logKV(labelWorker, f.Name()), logKV("error", err))
		return &w, fmt.Errorf("verbsbench: %s worker: %w", f.Name(), err)
	}
	tel.metricFlow(f.Name(), w.Flow)
	spanAddEvent(span, "worker_finished",
		logKV(labelWorker, f.Name()),
		logKV("elapsed_ns", w.Elapsed.Nanoseconds()),
		logKV("posted", w.Flow.Posted),
		logKV("completed", w.Flow.Completed),
		logKV("polls", w.Flow.Polls),
		logKV("max_pending", w.Flow.MaxPending),
	)
	return &w, nil
}
