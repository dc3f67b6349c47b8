package loopback

import (
	"fmt"
	"unsafe"

	"github.com/rocketbitz/verbsbench/verbs"
)

type provider struct {
	f *Fabric
}

var _ verbs.Provider = (*provider)(nil)

func (p *provider) Name() string { return "loopback" }

func (p *provider) OpenDevice(name string) (verbs.DeviceInfo, error) {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(OpOpenDevice); err != nil {
		return verbs.DeviceInfo{}, err
	}
	lid := f.nextLID
	f.nextLID++
	if name == "" {
		name = fmt.Sprintf("loop%d", lid-1)
	}
	dev := &device{name: name, lid: lid}
	return verbs.DeviceInfo{Handle: f.put(dev), Name: name, LID: lid}, nil
}

func (p *provider) CloseDevice(h verbs.Handle) error {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, err := get[*device](f, h)
	if err != nil {
		return err
	}
	if dev.refs > 0 {
		return fmt.Errorf("%w: device %s has %d dependents", ErrBusy, dev.name, dev.refs)
	}
	delete(f.objects, h)
	return nil
}

func (p *provider) AllocPD(h verbs.Handle) (verbs.Handle, error) {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(OpAllocPD); err != nil {
		return 0, err
	}
	dev, err := get[*device](f, h)
	if err != nil {
		return 0, err
	}
	dev.refs++
	return f.put(&protectionDomain{dev: dev}), nil
}

func (p *provider) DeallocPD(h verbs.Handle) error {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	pd, err := get[*protectionDomain](f, h)
	if err != nil {
		return err
	}
	if pd.refs > 0 {
		return fmt.Errorf("%w: protection domain has %d dependents", ErrBusy, pd.refs)
	}
	pd.dev.refs--
	delete(f.objects, h)
	return nil
}

func (p *provider) AllocBuffer(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", ErrInvalidAttr, size)
	}
	return make([]byte, size), nil
}

func (p *provider) FreeBuffer([]byte) error { return nil }

func (p *provider) RegisterMemory(h verbs.Handle, buf []byte, access verbs.Access) (verbs.RegionKeys, error) {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(OpRegisterMemory); err != nil {
		return verbs.RegionKeys{}, err
	}
	pd, err := get[*protectionDomain](f, h)
	if err != nil {
		return verbs.RegionKeys{}, err
	}
	if len(buf) == 0 {
		return verbs.RegionKeys{}, fmt.Errorf("%w: empty buffer", ErrInvalidAttr)
	}
	r := &region{
		pd:     pd,
		buf:    buf,
		base:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		lkey:   f.nextKey,
		rkey:   f.nextKey + 1,
		access: access,
	}
	f.nextKey += 2
	r.handle = f.put(r)
	f.lkeys[r.lkey] = r
	if access&(verbs.AccessRemoteWrite|verbs.AccessRemoteRead) != 0 {
		f.rkeys[r.rkey] = r
	}
	pd.refs++
	return verbs.RegionKeys{Handle: r.handle, LKey: r.lkey, RKey: r.rkey}, nil
}

func (p *provider) DeregisterMemory(h verbs.Handle) error {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := get[*region](f, h)
	if err != nil {
		return err
	}
	delete(f.lkeys, r.lkey)
	delete(f.rkeys, r.rkey)
	delete(f.objects, h)
	r.pd.refs--
	r.buf = nil
	return nil
}

func (p *provider) CreateCQ(h verbs.Handle, capacity int) (verbs.Handle, error) {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(OpCreateCQ); err != nil {
		return 0, err
	}
	dev, err := get[*device](f, h)
	if err != nil {
		return 0, err
	}
	if capacity <= 0 {
		return 0, fmt.Errorf("%w: completion queue size %d", ErrInvalidAttr, capacity)
	}
	dev.refs++
	return f.put(&completionQueue{dev: dev, capacity: capacity, entries: make([]entry, 0, capacity)}), nil
}

func (p *provider) DestroyCQ(h verbs.Handle) error {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	cq, err := get[*completionQueue](f, h)
	if err != nil {
		return err
	}
	if cq.refs > 0 {
		return fmt.Errorf("%w: completion queue has %d queue pairs", ErrBusy, cq.refs)
	}
	cq.dev.refs--
	delete(f.objects, h)
	return nil
}

func (p *provider) PollCQ(h verbs.Handle, wcs []verbs.WorkCompletion) (int, error) {
	f := p.f
	f.mu.Lock()
	cq, err := get[*completionQueue](f, h)
	if err != nil {
		f.mu.Unlock()
		return 0, err
	}
	if cq.overrun {
		f.mu.Unlock()
		return 0, ErrCQOverrun
	}
	n := len(cq.entries)
	if n > len(wcs) {
		n = len(wcs)
	}
	for i := 0; i < n; i++ {
		e := cq.entries[i]
		wcs[i] = e.wc
		if e.owner != nil {
			*e.owner--
		}
	}
	rest := copy(cq.entries, cq.entries[n:])
	cq.entries = cq.entries[:rest]
	f.mu.Unlock()

	if n == 0 {
		yield()
	}
	return n, nil
}

func (p *provider) CreateSRQ(h verbs.Handle, capacity int) (verbs.Handle, error) {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(OpCreateSRQ); err != nil {
		return 0, err
	}
	pd, err := get[*protectionDomain](f, h)
	if err != nil {
		return 0, err
	}
	if capacity <= 0 {
		return 0, fmt.Errorf("%w: shared receive queue size %d", ErrInvalidAttr, capacity)
	}
	pd.refs++
	return f.put(&sharedQueue{pd: pd, rq: receiveQueue{capacity: capacity}}), nil
}

func (p *provider) DestroySRQ(h verbs.Handle) error {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	srq, err := get[*sharedQueue](f, h)
	if err != nil {
		return err
	}
	if len(srq.qps) > 0 {
		return fmt.Errorf("%w: shared receive queue has %d queue pairs", ErrBusy, len(srq.qps))
	}
	srq.pd.refs--
	delete(f.objects, h)
	return nil
}

func (p *provider) CreateQP(h verbs.Handle, attr verbs.QPInitAttr) (verbs.QPInfo, error) {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(OpCreateQP); err != nil {
		return verbs.QPInfo{}, err
	}
	pd, err := get[*protectionDomain](f, h)
	if err != nil {
		return verbs.QPInfo{}, err
	}
	scq, err := get[*completionQueue](f, attr.SendCQ)
	if err != nil {
		return verbs.QPInfo{}, err
	}
	rcq, err := get[*completionQueue](f, attr.RecvCQ)
	if err != nil {
		return verbs.QPInfo{}, err
	}
	var srq *sharedQueue
	if attr.SRQ != 0 {
		if srq, err = get[*sharedQueue](f, attr.SRQ); err != nil {
			return verbs.QPInfo{}, err
		}
		if srq.pd != pd {
			return verbs.QPInfo{}, fmt.Errorf("%w: shared receive queue belongs to another protection domain", ErrInvalidAttr)
		}
	}
	if attr.Capacity <= 0 || attr.Capacity > scq.capacity || attr.Capacity > rcq.capacity {
		return verbs.QPInfo{}, fmt.Errorf("%w: queue pair size %d with completion queues of %d and %d",
			ErrInvalidAttr, attr.Capacity, scq.capacity, rcq.capacity)
	}

	qp := &queuePair{
		pd:       pd,
		addr:     endpoint{lid: pd.dev.lid, qpn: f.nextQPN},
		state:    verbs.QPStateReset,
		capacity: attr.Capacity,
		sendCQ:   scq,
		recvCQ:   rcq,
		srq:      srq,
		rq:       receiveQueue{capacity: attr.Capacity},
	}
	f.nextQPN++
	qp.handle = f.put(qp)
	f.qps[qp.addr] = qp
	pd.refs++
	scq.refs++
	rcq.refs++
	if srq != nil {
		srq.qps = append(srq.qps, qp)
	}
	return verbs.QPInfo{Handle: qp.handle, QPN: qp.addr.qpn}, nil
}

func (p *provider) ModifyQP(h verbs.Handle, attr verbs.QPAttr) error {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(OpModifyQP); err != nil {
		return err
	}
	qp, err := get[*queuePair](f, h)
	if err != nil {
		return err
	}
	switch attr.State {
	case verbs.QPStateInit:
		if qp.state != verbs.QPStateReset {
			return fmt.Errorf("%w: %s -> INIT", ErrInvalidState, qp.state)
		}
		if attr.PortNum != verbs.Port {
			return fmt.Errorf("%w: port %d", ErrInvalidAttr, attr.PortNum)
		}
	case verbs.QPStateRTR:
		if qp.state != verbs.QPStateInit {
			return fmt.Errorf("%w: %s -> RTR", ErrInvalidState, qp.state)
		}
		if attr.PathMTU.Bytes() == 0 || attr.DestQPN == 0 || attr.DestLID == 0 {
			return fmt.Errorf("%w: rtr mtu=%d dest=%d/0x%x", ErrInvalidAttr, attr.PathMTU, attr.DestLID, attr.DestQPN)
		}
		qp.peer = endpoint{lid: attr.DestLID, qpn: attr.DestQPN}
	case verbs.QPStateRTS:
		if qp.state != verbs.QPStateRTR {
			return fmt.Errorf("%w: %s -> RTS", ErrInvalidState, qp.state)
		}
	case verbs.QPStateError:
		f.fail(qp)
		return nil
	default:
		return fmt.Errorf("%w: target state %s", ErrInvalidAttr, attr.State)
	}
	qp.state = attr.State
	if qp.state == verbs.QPStateRTR {
		f.releaseHeld(qp)
	}
	return nil
}

func (p *provider) DestroyQP(h verbs.Handle) error {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	qp, err := get[*queuePair](f, h)
	if err != nil {
		return err
	}
	delete(f.qps, qp.addr)
	delete(f.objects, h)
	qp.state = verbs.QPStateError
	f.abandonInbound(qp)
	qp.pd.refs--
	qp.sendCQ.refs--
	qp.recvCQ.refs--
	if qp.srq != nil {
		for i, other := range qp.srq.qps {
			if other == qp {
				qp.srq.qps = append(qp.srq.qps[:i], qp.srq.qps[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (p *provider) PostSend(h verbs.Handle, chain []verbs.SendWR) error {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(OpPostSend); err != nil {
		return err
	}
	qp, err := get[*queuePair](f, h)
	if err != nil {
		return err
	}
	if qp.state != verbs.QPStateRTS && qp.state != verbs.QPStateError {
		return fmt.Errorf("%w: post send in %s", ErrInvalidState, qp.state)
	}
	if qp.sendOutstanding+len(chain) > qp.capacity {
		return fmt.Errorf("%w: %d outstanding + %d posted > %d", ErrQueueFull, qp.sendOutstanding, len(chain), qp.capacity)
	}
	qp.sendOutstanding += len(chain)
	for _, wr := range chain {
		f.executeSend(qp, wr)
	}
	return nil
}

func (p *provider) PostRecv(h verbs.Handle, chain []verbs.RecvWR) error {
	f := p.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(OpPostRecv); err != nil {
		return err
	}
	switch target := f.objects[h].(type) {
	case *queuePair:
		if target.srq != nil {
			return fmt.Errorf("%w: queue pair receives come from its shared receive queue", ErrInvalidState)
		}
		if target.state == verbs.QPStateReset {
			return fmt.Errorf("%w: post receive in %s", ErrInvalidState, target.state)
		}
		if err := f.enqueueRecv(&target.rq, chain); err != nil {
			return err
		}
		if target.state == verbs.QPStateError {
			f.flushRecv(target)
			return nil
		}
		f.drainWaiting(target)
	case *sharedQueue:
		if err := f.enqueueRecv(&target.rq, chain); err != nil {
			return err
		}
		for _, qp := range target.qps {
			f.drainWaiting(qp)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return nil
}

func (f *Fabric) enqueueRecv(rq *receiveQueue, chain []verbs.RecvWR) error {
	if rq.outstanding+len(chain) > rq.capacity {
		return fmt.Errorf("%w: %d outstanding + %d posted > %d", ErrQueueFull, rq.outstanding, len(chain), rq.capacity)
	}
	for _, wr := range chain {
		if len(wr.SGList) != 1 {
			return fmt.Errorf("%w: receive request with %d scatter/gather entries", ErrInvalidAttr, len(wr.SGList))
		}
	}
	rq.outstanding += len(chain)
	for _, wr := range chain {
		rq.posted = append(rq.posted, recvRequest{id: wr.ID, sge: wr.SGList[0], owner: &rq.outstanding})
	}
	return nil
}

func (f *Fabric) flushRecv(qp *queuePair) {
	for _, r := range qp.rq.posted {
		qp.recvCQ.push(verbs.WorkCompletion{ID: r.id, Status: verbs.WCWRFlushErr, Opcode: verbs.WCOpRecv, QPN: qp.addr.qpn}, r.owner)
	}
	qp.rq.posted = nil
}
