package bench

import (
	"errors"

	"github.com/rocketbitz/verbsbench/verbs"
)

const (
	labelRunID     = "run_id"
	labelBenchmark = "benchmark"
	labelTransport = "transport"
	labelRole      = "role"
	labelProvider  = "provider"
	labelWorker    = "worker"
	labelStatus    = "status"
)

// completionStatus names the work completion status carried by err, or
// "error" when err is not a completion failure.
func completionStatus(err error) string {
	var ce *verbs.CompletionError
	if errors.As(err, &ce) {
		return ce.Status.String()
	}
	return "error"
}
