package verbs

import (
	"fmt"
	"sync/atomic"
)

// QPState is the state of a reliable-connected queue pair.
type QPState int32

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateError:
		return "ERROR"
	default:
		return fmt.Sprintf("QPState(%d)", int32(s))
	}
}

// Port is the device port every queue pair is bound to.
const Port uint8 = 1

// DefaultInitAttr returns the RESET -> INIT attributes: pkey index 0, port 1,
// local-write, remote-write and remote-read access.
func DefaultInitAttr() QPAttr {
	return QPAttr{
		State:     QPStateInit,
		PortNum:   Port,
		PKeyIndex: 0,
		Access:    AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead,
	}
}

// DefaultRTRAttr returns the INIT -> RTR attributes addressing the peer
// identified by lid and qpn.
func DefaultRTRAttr(lid uint16, qpn uint32) QPAttr {
	return QPAttr{
		State:           QPStateRTR,
		PortNum:         Port,
		PathMTU:         MTU4096,
		DestQPN:         qpn,
		DestLID:         lid,
		RQPSN:           0,
		MaxDestRdAtomic: 1,
		MinRNRTimer:     1,
		ServiceLevel:    1,
	}
}

// DefaultRTSAttr returns the RTR -> RTS attributes. Timeout 1 is roughly
// 8 microseconds of local ACK timeout; 3 retries and 6 RNR retries.
func DefaultRTSAttr() QPAttr {
	return QPAttr{
		State:       QPStateRTS,
		SQPSN:       0,
		Timeout:     1,
		RetryCount:  3,
		RNRRetry:    6,
		MaxRdAtomic: 1,
	}
}

// ValidateRTSAttr rejects retry settings under which a dead peer would
// never produce a completion error: timeout 0 and RNR retry 7 both mean
// "infinite", and the retry counter is three bits wide.
func ValidateRTSAttr(attr QPAttr) error {
	switch {
	case attr.Timeout == 0:
		return fmt.Errorf("%w: ack timeout 0 waits forever", ErrUnboundedRetry)
	case attr.RNRRetry >= 7:
		return fmt.Errorf("%w: rnr retry %d retries forever", ErrUnboundedRetry, attr.RNRRetry)
	case attr.RetryCount > 7:
		return fmt.Errorf("%w: retry count %d exceeds 7", ErrUnboundedRetry, attr.RetryCount)
	}
	return nil
}

// QPConfig describes the completion queues and capacity of a queue pair.
type QPConfig struct {
	SendCQ *CompletionQueue
	RecvCQ *CompletionQueue
	// SRQ, when set, supplies receive buffers instead of the queue pair's own
	// receive queue.
	SRQ *SharedReceiveQueue
	// Capacity bounds outstanding requests on both the send and receive queue.
	Capacity int
}

// QueuePair is a reliable-connected queue pair. State transitions are driven
// by the owning goroutine during setup; after RTS the send side and receive
// side may be used from separate goroutines.
type QueuePair struct {
	pd       *ProtectionDomain
	sendCQ   *CompletionQueue
	recvCQ   *CompletionQueue
	srq      *SharedReceiveQueue
	handle   Handle
	qpn      uint32
	capacity int
	state    atomic.Int32
	closed   atomic.Bool
}

// CreateQueuePair creates a queue pair on pd and moves it to INIT.
func CreateQueuePair(pd *ProtectionDomain, cfg QPConfig) (*QueuePair, error) {
	if pd == nil || pd.handle == 0 {
		return nil, &ResourceError{Resource: "queue pair", Err: ErrClosed}
	}
	if cfg.SendCQ == nil || cfg.RecvCQ == nil {
		return nil, &ResourceError{Resource: "queue pair", Err: fmt.Errorf("send and receive completion queues are required")}
	}
	if cfg.Capacity <= 0 {
		return nil, &ResourceError{Resource: "queue pair", Err: fmt.Errorf("invalid capacity %d", cfg.Capacity)}
	}

	p := pd.device.provider
	info, err := p.CreateQP(pd.handle, QPInitAttr{
		SendCQ:   cfg.SendCQ.handle,
		RecvCQ:   cfg.RecvCQ.handle,
		SRQ:      cfg.SRQ.Handle(),
		Capacity: cfg.Capacity,
		MaxSGE:   1,
	})
	if err != nil {
		return nil, &ResourceError{Resource: fmt.Sprintf("queue pair with size %d", cfg.Capacity), Err: err}
	}

	qp := &QueuePair{
		pd:       pd,
		sendCQ:   cfg.SendCQ,
		recvCQ:   cfg.RecvCQ,
		srq:      cfg.SRQ,
		handle:   info.Handle,
		qpn:      info.QPN,
		capacity: cfg.Capacity,
	}
	if err := qp.ToInit(DefaultInitAttr()); err != nil {
		_ = qp.Close()
		return nil, err
	}
	return qp, nil
}

// QPN returns the queue pair number advertised to the peer.
func (qp *QueuePair) QPN() uint32 {
	if qp == nil {
		return 0
	}
	return qp.qpn
}

// Capacity returns the maximum number of outstanding requests per queue.
func (qp *QueuePair) Capacity() int {
	if qp == nil {
		return 0
	}
	return qp.capacity
}

// State returns the current state.
func (qp *QueuePair) State() QPState {
	if qp == nil {
		return QPStateError
	}
	return QPState(qp.state.Load())
}

// SendCQ returns the completion queue for send-side work requests.
func (qp *QueuePair) SendCQ() *CompletionQueue {
	if qp == nil {
		return nil
	}
	return qp.sendCQ
}

// RecvCQ returns the completion queue for receive work requests.
func (qp *QueuePair) RecvCQ() *CompletionQueue {
	if qp == nil {
		return nil
	}
	return qp.recvCQ
}

// ToInit moves the queue pair from RESET to INIT.
func (qp *QueuePair) ToInit(attr QPAttr) error {
	attr.State = QPStateInit
	return qp.transition(QPStateReset, attr)
}

// ToRTR moves the queue pair from INIT to RTR. attr must address the peer
// learned during the rendezvous.
func (qp *QueuePair) ToRTR(attr QPAttr) error {
	attr.State = QPStateRTR
	return qp.transition(QPStateInit, attr)
}

// ToRTS moves the queue pair from RTR to RTS after validating that the retry
// budget is finite.
func (qp *QueuePair) ToRTS(attr QPAttr) error {
	attr.State = QPStateRTS
	if err := ValidateRTSAttr(attr); err != nil {
		return &StateError{QPN: qp.QPN(), From: qp.State(), To: QPStateRTS, Err: err}
	}
	return qp.transition(QPStateRTR, attr)
}

// Connect drives INIT -> RTR -> RTS with the default attributes toward the
// peer identified by lid and qpn.
func (qp *QueuePair) Connect(lid uint16, qpn uint32) error {
	if err := qp.ToRTR(DefaultRTRAttr(lid, qpn)); err != nil {
		return err
	}
	return qp.ToRTS(DefaultRTSAttr())
}

func (qp *QueuePair) transition(from QPState, attr QPAttr) error {
	if qp == nil || qp.closed.Load() {
		return &StateError{From: QPStateError, To: attr.State, Err: ErrClosed}
	}
	cur := QPState(qp.state.Load())
	if cur != from {
		return &StateError{QPN: qp.qpn, From: cur, To: attr.State, Err: ErrInvalidTransition}
	}
	if err := qp.pd.device.provider.ModifyQP(qp.handle, attr); err != nil {
		qp.state.Store(int32(QPStateError))
		return &StateError{QPN: qp.qpn, From: cur, To: attr.State, Err: err}
	}
	qp.state.Store(int32(attr.State))
	return nil
}

// PostSend posts chain as one linked list of send work requests. The chain
// length must be between 1 and Capacity and the queue pair must be in RTS.
func (qp *QueuePair) PostSend(chain []SendWR) error {
	if err := qp.checkPost("send", len(chain), QPStateRTS); err != nil {
		return err
	}
	if err := qp.pd.device.provider.PostSend(qp.handle, chain); err != nil {
		return &PostError{Queue: "send", QPN: qp.qpn, Count: len(chain), Err: err}
	}
	return nil
}

// PostRecv posts chain as one linked list of receive work requests, on the
// shared receive queue when one is bound. Receives may be posted from INIT on.
func (qp *QueuePair) PostRecv(chain []RecvWR) error {
	if err := qp.checkPost("receive", len(chain), QPStateInit); err != nil {
		return err
	}
	target := qp.handle
	if qp.srq != nil {
		target = qp.srq.handle
	}
	if err := qp.pd.device.provider.PostRecv(target, chain); err != nil {
		return &PostError{Queue: "receive", QPN: qp.qpn, Count: len(chain), Err: err}
	}
	return nil
}

func (qp *QueuePair) checkPost(queue string, n int, minState QPState) error {
	if qp == nil || qp.closed.Load() {
		return &PostError{Queue: queue, Count: n, Err: ErrClosed}
	}
	if n < 1 || n > qp.capacity {
		return &PostError{Queue: queue, QPN: qp.qpn, Count: n, Err: fmt.Errorf("%w: %d not in [1, %d]", ErrChainLength, n, qp.capacity)}
	}
	if st := qp.State(); st < minState || st == QPStateError {
		return &PostError{Queue: queue, QPN: qp.qpn, Count: n, Err: fmt.Errorf("%w: state %s", ErrNotReady, st)}
	}
	return nil
}

// Close destroys the queue pair from whatever state it is in.
func (qp *QueuePair) Close() error {
	if qp == nil || !qp.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := qp.pd.device.provider.DestroyQP(qp.handle); err != nil {
		qp.closed.Store(false)
		return fmt.Errorf("destroy queue pair 0x%08x: %w", qp.qpn, err)
	}
	qp.handle = 0
	return nil
}
