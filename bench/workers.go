package bench

import (
	"context"
	"errors"
	"runtime"

	"github.com/rocketbitz/verbsbench/internal/affinity"
)

// WorkerFuture resolves when a worker goroutine returns.
type WorkerFuture struct {
	name string
	done chan struct{}
	res  WorkerResult
	err  error
}

// Await blocks until the worker finishes or ctx is cancelled. Cancellation
// does not stop the worker; a timed loop always runs to completion.
func (f *WorkerFuture) Await(ctx context.Context) (WorkerResult, error) {
	if f == nil || f.done == nil {
		return WorkerResult{}, errors.New("verbsbench: nil worker future")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		select {
		case <-f.done:
			return f.res, f.err
		default:
		}
		return WorkerResult{}, ctx.Err()
	case <-f.done:
		return f.res, f.err
	}
}

// Done exposes a channel that closes when the worker returns.
func (f *WorkerFuture) Done() <-chan struct{} {
	if f == nil {
		return nil
	}
	return f.done
}

// Name returns the worker name.
func (f *WorkerFuture) Name() string {
	if f == nil {
		return ""
	}
	return f.name
}

// startWorker runs fn on its own OS thread pinned to cpu. A negative cpu
// leaves the thread unpinned; a failed pin is logged and ignored.
func startWorker(name string, cpu int, tel *telemetry, fn func() (WorkerResult, error)) *WorkerFuture {
	f := &WorkerFuture{name: name, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		// Never unlocked: the thread exits with the goroutine and its CPU
		// mask never reaches other goroutines.
		runtime.LockOSThread()

		if cpu >= 0 {
			if err := affinity.Pin(cpu); err != nil {
				tel.warn("pin_failed", logKV(labelWorker, name), logKV("cpu", cpu), logKV("error", err))
			} else {
				tel.debug("pinned", logKV(labelWorker, name), logKV("cpu", cpu))
			}
		}
		tel.info("worker_started", logKV(labelWorker, name))
		f.res, f.err = fn()
		if f.err != nil {
			tel.warn("worker_failed", logKV(labelWorker, name), logKV("error", f.err))
			return
		}
		tel.info("worker_finished", logKV(labelWorker, name), logKV("elapsed", f.res.Elapsed))
	}()
	return f
}
