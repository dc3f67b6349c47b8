package verbs

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable indicates the binary was built without hardware verbs support.
	ErrProviderUnavailable = errors.New("verbs: hardware provider not available (build with -tags rdma_hw)")
	// ErrNoDevice indicates that no RDMA device matched the request.
	ErrNoDevice = errors.New("verbs: no RDMA device found")
	// ErrInvalidTransition indicates a queue pair state change out of order.
	ErrInvalidTransition = errors.New("verbs: invalid queue pair state transition")
	// ErrUnboundedRetry indicates RTS retry settings that would never give up on a dead peer.
	ErrUnboundedRetry = errors.New("verbs: retry settings must be finite")
	// ErrChainLength indicates a work request chain that is empty or exceeds queue capacity.
	ErrChainLength = errors.New("verbs: invalid work request chain length")
	// ErrNotReady indicates a post on a queue pair that has not reached the required state.
	ErrNotReady = errors.New("verbs: queue pair not ready")
	// ErrRegionInvalid indicates use of a deregistered memory region.
	ErrRegionInvalid = errors.New("verbs: memory region is not registered")
	// ErrClosed indicates use of a released handle.
	ErrClosed = errors.New("verbs: handle closed")
)

// ResourceError reports a failed resource allocation.
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("verbs: allocate %s: %v", e.Resource, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// StateError reports a failed queue pair state transition. The queue pair is
// left in QPStateError.
type StateError struct {
	QPN  uint32
	From QPState
	To   QPState
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("verbs: qp 0x%08x %s -> %s: %v", e.QPN, e.From, e.To, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// PostError reports a work request chain rejected by the provider.
type PostError struct {
	Queue string
	QPN   uint32
	Count int
	Err   error
}

func (e *PostError) Error() string {
	return fmt.Sprintf("verbs: post %d %s work requests on qp 0x%08x: %v", e.Count, e.Queue, e.QPN, e.Err)
}

func (e *PostError) Unwrap() error {
	return e.Err
}

// CompletionError exposes a non-successful work completion.
type CompletionError struct {
	Queue     string
	Status    WCStatus
	WRID      uint64
	QPN       uint32
	VendorErr uint32
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("verbs: failed %s work completion (qp 0x%08x vendor=0x%x): %s - %s",
		e.Queue, e.QPN, e.VendorErr, e.Status.String(), e.Status.Description())
}

// Unwrap allows errors.Is to match against the underlying WCStatus.
func (e *CompletionError) Unwrap() error {
	return e.Status
}
