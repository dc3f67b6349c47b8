// Package loopback implements verbs.Provider as an in-process fabric. Every
// provider obtained from the same Fabric can reach every other one, so two
// benchmark endpoints in one process behave like two hosts on a switch.
//
// The fabric follows reliable-connected semantics closely enough for the
// benchmark engine: queue capacities are enforced, sends are matched against
// posted receives in order, sends that find no receive wait for one (RNR),
// RDMA writes are checked against the target region's remote key, bounds and
// access flags, and failures surface as work completions with the matching
// ibv_wc_status.
package loopback

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/rocketbitz/verbsbench/verbs"
)

var (
	// ErrUnknownHandle indicates a handle that was never issued or is already released.
	ErrUnknownHandle = errors.New("loopback: unknown handle")
	// ErrQueueFull indicates a post that would exceed the queue capacity.
	ErrQueueFull = errors.New("loopback: queue full")
	// ErrInvalidState indicates an operation the queue pair state does not allow.
	ErrInvalidState = errors.New("loopback: invalid queue pair state")
	// ErrInvalidAttr indicates rejected queue pair attributes.
	ErrInvalidAttr = errors.New("loopback: invalid attribute")
	// ErrBusy indicates a resource released while dependents still reference it.
	ErrBusy = errors.New("loopback: resource busy")
	// ErrCQOverrun indicates more completions were generated than the queue holds.
	ErrCQOverrun = errors.New("loopback: completion queue overrun")
)

// Op names a provider call that can be made to fail with FailNext.
type Op string

const (
	OpOpenDevice     Op = "open_device"
	OpAllocPD        Op = "alloc_pd"
	OpRegisterMemory Op = "register_memory"
	OpCreateCQ       Op = "create_cq"
	OpCreateSRQ      Op = "create_srq"
	OpCreateQP       Op = "create_qp"
	OpModifyQP       Op = "modify_qp"
	OpPostSend       Op = "post_send"
	OpPostRecv       Op = "post_recv"
)

// Counters summarizes fabric activity.
type Counters struct {
	Sends      uint64
	Receives   uint64
	Writes     uint64
	WriteBytes uint64
	SendBytes  uint64
	RNRWaits   uint64
	Errors     uint64
}

type endpoint struct {
	lid uint16
	qpn uint32
}

// Fabric is the shared medium connecting loopback providers.
type Fabric struct {
	mu       sync.Mutex
	next     verbs.Handle
	nextLID  uint16
	nextQPN  uint32
	nextKey  uint32
	objects  map[verbs.Handle]any
	qps      map[endpoint]*queuePair
	lkeys    map[uint32]*region
	rkeys    map[uint32]*region
	failOps  map[Op]error
	injected map[uint32][]verbs.WCStatus
	counters Counters
}

// New returns an empty fabric.
func New() *Fabric {
	return &Fabric{
		nextLID:  1,
		nextQPN:  0x100,
		nextKey:  0x1000,
		objects:  make(map[verbs.Handle]any),
		qps:      make(map[endpoint]*queuePair),
		lkeys:    make(map[uint32]*region),
		rkeys:    make(map[uint32]*region),
		failOps:  make(map[Op]error),
		injected: make(map[uint32][]verbs.WCStatus),
	}
}

// Provider returns a verbs.Provider attached to the fabric.
func (f *Fabric) Provider() verbs.Provider {
	return &provider{f: f}
}

// FailNext makes the next call of op fail with err.
func (f *Fabric) FailNext(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOps[op] = err
}

// InjectCompletion makes the next send work request posted on the queue pair
// numbered qpn complete with status instead of executing.
func (f *Fabric) InjectCompletion(qpn uint32, status verbs.WCStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected[qpn] = append(f.injected[qpn], status)
}

// Counters returns a snapshot of fabric activity.
func (f *Fabric) Counters() Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters
}

// Live reports the number of handles that have not been released.
func (f *Fabric) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *Fabric) failure(op Op) error {
	if err, ok := f.failOps[op]; ok {
		delete(f.failOps, op)
		return fmt.Errorf("loopback %s: %w", op, err)
	}
	return nil
}

func (f *Fabric) put(obj any) verbs.Handle {
	f.next++
	f.objects[f.next] = obj
	return f.next
}

func get[T any](f *Fabric, h verbs.Handle) (T, error) {
	obj, ok := f.objects[h].(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return obj, nil
}

type device struct {
	name string
	lid  uint16
	refs int
}

type protectionDomain struct {
	dev  *device
	refs int
}

type region struct {
	handle verbs.Handle
	pd     *protectionDomain
	buf    []byte
	base   uint64
	lkey   uint32
	rkey   uint32
	access verbs.Access
}

func (r *region) slice(addr uint64, length uint32) ([]byte, bool) {
	if addr < r.base {
		return nil, false
	}
	off := addr - r.base
	end := off + uint64(length)
	if end > uint64(len(r.buf)) {
		return nil, false
	}
	return r.buf[off:end], true
}

type entry struct {
	wc    verbs.WorkCompletion
	owner *int
}

type completionQueue struct {
	dev      *device
	capacity int
	entries  []entry
	overrun  bool
	refs     int
}

func (cq *completionQueue) push(wc verbs.WorkCompletion, owner *int) {
	if len(cq.entries) >= cq.capacity {
		cq.overrun = true
	}
	cq.entries = append(cq.entries, entry{wc: wc, owner: owner})
}

type recvRequest struct {
	id    uint64
	sge   verbs.SGE
	owner *int
}

type receiveQueue struct {
	capacity    int
	outstanding int
	posted      []recvRequest
}

type sharedQueue struct {
	pd  *protectionDomain
	rq  receiveQueue
	qps []*queuePair
}

type pendingSend struct {
	src      *queuePair
	id       uint64
	sge      verbs.SGE
	signaled bool
}

type queuePair struct {
	handle   verbs.Handle
	pd       *protectionDomain
	addr     endpoint
	state    verbs.QPState
	capacity int
	sendCQ   *completionQueue
	recvCQ   *completionQueue
	srq      *sharedQueue
	rq       receiveQueue
	peer     endpoint

	sendOutstanding int
	waiting         []pendingSend
	// held are requests that reached this queue pair before it left INIT.
	held []heldSend
}

type heldSend struct {
	src *queuePair
	wr  verbs.SendWR
}

func (qp *queuePair) receiveQueue() *receiveQueue {
	if qp.srq != nil {
		return &qp.srq.rq
	}
	return &qp.rq
}

// fail moves qp to ERROR and flushes its own posted receives.
func (f *Fabric) fail(qp *queuePair) {
	if qp.state == verbs.QPStateError {
		return
	}
	qp.state = verbs.QPStateError
	f.counters.Errors++
	if qp.srq == nil {
		f.flushRecv(qp)
	}
	f.abandonInbound(qp)
}

// abandonInbound completes every send still waiting on dst with a
// transport retry error, as a peer's adapter would after giving up.
func (f *Fabric) abandonInbound(dst *queuePair) {
	waiting, held := dst.waiting, dst.held
	dst.waiting, dst.held = nil, nil
	for _, ps := range waiting {
		f.abandon(ps.src, ps.id, verbs.WCOpSend)
	}
	for _, h := range held {
		op := verbs.WCOpSend
		if h.wr.Opcode == verbs.OpRDMAWrite {
			op = verbs.WCOpRDMAWrite
		}
		f.abandon(h.src, h.wr.ID, op)
	}
}

func (f *Fabric) abandon(src *queuePair, id uint64, op verbs.WCOpcode) {
	status := verbs.WCRetryExcErr
	if src.state == verbs.QPStateError {
		status = verbs.WCWRFlushErr
	}
	f.completeSend(src, id, op, status, 0, true)
}

// releaseHeld replays requests that arrived while dst was in INIT.
func (f *Fabric) releaseHeld(dst *queuePair) {
	held := dst.held
	dst.held = nil
	for _, h := range held {
		f.executeSend(h.src, h.wr)
	}
}

func (f *Fabric) completeSend(qp *queuePair, id uint64, op verbs.WCOpcode, status verbs.WCStatus, n uint32, signaled bool) {
	if !signaled && status == verbs.WCSuccess {
		qp.sendOutstanding--
		return
	}
	qp.sendCQ.push(verbs.WorkCompletion{ID: id, Status: status, Opcode: op, ByteLen: n, QPN: qp.addr.qpn}, &qp.sendOutstanding)
	if status != verbs.WCSuccess {
		f.fail(qp)
	}
}

func (f *Fabric) localSlice(qp *queuePair, sge verbs.SGE) ([]byte, bool) {
	r, ok := f.lkeys[sge.LKey]
	if !ok || r.pd != qp.pd {
		return nil, false
	}
	return r.slice(sge.Addr, sge.Length)
}

func (f *Fabric) executeSend(qp *queuePair, wr verbs.SendWR) {
	signaled := wr.Flags&verbs.SendSignaled != 0
	op := verbs.WCOpSend
	if wr.Opcode == verbs.OpRDMAWrite {
		op = verbs.WCOpRDMAWrite
	}

	if qp.state == verbs.QPStateError {
		f.completeSend(qp, wr.ID, op, verbs.WCWRFlushErr, 0, true)
		return
	}
	if pending := f.injected[qp.addr.qpn]; len(pending) > 0 {
		f.injected[qp.addr.qpn] = pending[1:]
		f.completeSend(qp, wr.ID, op, pending[0], 0, true)
		return
	}
	if len(wr.SGList) != 1 {
		f.completeSend(qp, wr.ID, op, verbs.WCLocalQPOpErr, 0, true)
		return
	}
	sge := wr.SGList[0]
	if _, ok := f.localSlice(qp, sge); !ok {
		f.completeSend(qp, wr.ID, op, verbs.WCLocalProtErr, 0, true)
		return
	}
	peer := f.qps[qp.peer]
	if peer != nil && peer.state == verbs.QPStateInit {
		f.counters.RNRWaits++
		peer.held = append(peer.held, heldSend{src: qp, wr: wr})
		return
	}
	if peer == nil || peer.state < verbs.QPStateRTR || peer.state == verbs.QPStateError || peer.peer != qp.addr {
		f.completeSend(qp, wr.ID, op, verbs.WCRetryExcErr, 0, true)
		return
	}

	switch wr.Opcode {
	case verbs.OpRDMAWrite:
		target, ok := f.rkeys[wr.RKey]
		if !ok || target.pd != peer.pd || !target.access.Has(verbs.AccessRemoteWrite) {
			f.completeSend(qp, wr.ID, op, verbs.WCRemoteAccessErr, 0, true)
			return
		}
		dst, ok := target.slice(wr.RemoteAddr, sge.Length)
		if !ok {
			f.completeSend(qp, wr.ID, op, verbs.WCRemoteAccessErr, 0, true)
			return
		}
		src, _ := f.localSlice(qp, sge)
		copy(dst, src)
		f.counters.Writes++
		f.counters.WriteBytes += uint64(sge.Length)
		f.completeSend(qp, wr.ID, op, verbs.WCSuccess, sge.Length, signaled)
	default:
		ps := pendingSend{src: qp, id: wr.ID, sge: sge, signaled: signaled}
		if rq := peer.receiveQueue(); len(rq.posted) == 0 || len(peer.waiting) > 0 {
			f.counters.RNRWaits++
			peer.waiting = append(peer.waiting, ps)
			return
		}
		f.deliver(peer, ps)
	}
}

// deliver matches ps against the oldest receive posted for dst. The caller
// guarantees one is available.
func (f *Fabric) deliver(dst *queuePair, ps pendingSend) {
	rq := dst.receiveQueue()
	r := rq.posted[0]
	rq.posted = rq.posted[1:]
	if len(rq.posted) == 0 {
		rq.posted = nil
	}
	target := dst

	src, _ := f.localSlice(ps.src, ps.sge)
	buf, ok := f.localSlice(target, r.sge)
	if !ok || len(buf) < len(src) {
		status := verbs.WCLocalLenErr
		if !ok {
			status = verbs.WCLocalProtErr
		}
		target.recvCQ.push(verbs.WorkCompletion{ID: r.id, Status: status, Opcode: verbs.WCOpRecv, QPN: target.addr.qpn}, r.owner)
		f.fail(target)
		f.completeSend(ps.src, ps.id, verbs.WCOpSend, verbs.WCRemoteInvalidReqErr, 0, true)
		return
	}
	copy(buf, src)
	f.counters.Sends++
	f.counters.Receives++
	f.counters.SendBytes += uint64(len(src))
	target.recvCQ.push(verbs.WorkCompletion{
		ID:      r.id,
		Status:  verbs.WCSuccess,
		Opcode:  verbs.WCOpRecv,
		ByteLen: uint32(len(src)),
		QPN:     target.addr.qpn,
	}, r.owner)
	f.completeSend(ps.src, ps.id, verbs.WCOpSend, verbs.WCSuccess, uint32(len(src)), ps.signaled)
}

// drainWaiting delivers sends that were waiting for receives on dst.
func (f *Fabric) drainWaiting(dst *queuePair) {
	rq := dst.receiveQueue()
	for len(dst.waiting) > 0 && len(rq.posted) > 0 {
		ps := dst.waiting[0]
		dst.waiting = dst.waiting[1:]
		if ps.src.state == verbs.QPStateError {
			f.completeSend(ps.src, ps.id, verbs.WCOpSend, verbs.WCWRFlushErr, 0, true)
			continue
		}
		f.deliver(dst, ps)
	}
	if len(dst.waiting) == 0 {
		dst.waiting = nil
	}
}

// yield lets a busy-polling goroutine give up its processor when the fabric
// has nothing for it.
func yield() {
	runtime.Gosched()
}
