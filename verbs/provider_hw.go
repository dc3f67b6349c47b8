//go:build linux && cgo && rdma_hw

package verbs

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/rocketbitz/verbsbench/internal/ibv"
)

// HardwareAvailable reports whether the binary includes the libibverbs provider.
const HardwareAvailable = true

// NewHardwareProvider returns a Provider backed by libibverbs.
func NewHardwareProvider() (Provider, error) {
	return &hardwareProvider{objects: make(map[Handle]any)}, nil
}

type hardwareProvider struct {
	mu      sync.Mutex
	next    Handle
	objects map[Handle]any
}

func (p *hardwareProvider) Name() string { return "ibverbs" }

func (p *hardwareProvider) put(obj any) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.objects[p.next] = obj
	return p.next
}

func lookup[T any](p *hardwareProvider, h Handle) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[h].(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: handle %d", ErrClosed, h)
	}
	return obj, nil
}

type hwCQ struct {
	cq  *ibv.CQ
	raw []ibv.WC
}

type hwQP struct {
	qp   *ibv.QP
	send []ibv.WR
	recv []ibv.WR
}

type hwSRQ struct {
	srq  *ibv.SRQ
	recv []ibv.WR
}

func (p *hardwareProvider) drop(h Handle) {
	p.mu.Lock()
	delete(p.objects, h)
	p.mu.Unlock()
}

func (p *hardwareProvider) OpenDevice(name string) (DeviceInfo, error) {
	ctx, err := ibv.Open(name, Port)
	if err != nil {
		if errors.Is(err, ibv.ErrNoDevice) {
			return DeviceInfo{}, fmt.Errorf("%w: %q", ErrNoDevice, name)
		}
		return DeviceInfo{}, err
	}
	return DeviceInfo{Handle: p.put(ctx), Name: ctx.Name, LID: ctx.LID}, nil
}

func (p *hardwareProvider) CloseDevice(dev Handle) error {
	ctx, err := lookup[*ibv.Context](p, dev)
	if err != nil {
		return err
	}
	p.drop(dev)
	return ctx.Close()
}

func (p *hardwareProvider) AllocPD(dev Handle) (Handle, error) {
	ctx, err := lookup[*ibv.Context](p, dev)
	if err != nil {
		return 0, err
	}
	pd, err := ctx.AllocPD()
	if err != nil {
		return 0, err
	}
	return p.put(pd), nil
}

func (p *hardwareProvider) DeallocPD(h Handle) error {
	pd, err := lookup[*ibv.PD](p, h)
	if err != nil {
		return err
	}
	p.drop(h)
	return pd.Close()
}

func (p *hardwareProvider) AllocBuffer(size int) ([]byte, error) {
	ptr, err := ibv.AllocBytes(size)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(ptr), size), nil
}

func (p *hardwareProvider) FreeBuffer(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	ibv.FreeBytes(unsafe.Pointer(&buf[0]))
	return nil
}

func (p *hardwareProvider) RegisterMemory(h Handle, buf []byte, access Access) (RegionKeys, error) {
	pd, err := lookup[*ibv.PD](p, h)
	if err != nil {
		return RegionKeys{}, err
	}
	mr, err := pd.Register(unsafe.Pointer(&buf[0]), len(buf), ibvAccess(access))
	if err != nil {
		return RegionKeys{}, err
	}
	return RegionKeys{Handle: p.put(mr), LKey: mr.LKey(), RKey: mr.RKey()}, nil
}

func (p *hardwareProvider) DeregisterMemory(h Handle) error {
	mr, err := lookup[*ibv.MR](p, h)
	if err != nil {
		return err
	}
	p.drop(h)
	return mr.Close()
}

func (p *hardwareProvider) CreateCQ(dev Handle, capacity int) (Handle, error) {
	ctx, err := lookup[*ibv.Context](p, dev)
	if err != nil {
		return 0, err
	}
	cq, err := ctx.CreateCQ(capacity)
	if err != nil {
		return 0, err
	}
	return p.put(&hwCQ{cq: cq, raw: make([]ibv.WC, capacity)}), nil
}

func (p *hardwareProvider) DestroyCQ(h Handle) error {
	cq, err := lookup[*hwCQ](p, h)
	if err != nil {
		return err
	}
	p.drop(h)
	return cq.cq.Close()
}

func (p *hardwareProvider) PollCQ(h Handle, wcs []WorkCompletion) (int, error) {
	cq, err := lookup[*hwCQ](p, h)
	if err != nil {
		return 0, err
	}
	raw := cq.raw
	if len(wcs) < len(raw) {
		raw = raw[:len(wcs)]
	}
	n, err := cq.cq.Poll(raw)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		wcs[i] = WorkCompletion{
			ID:        raw[i].ID,
			Status:    WCStatus(raw[i].Status),
			Opcode:    wcOpcode(raw[i].Opcode),
			ByteLen:   raw[i].ByteLen,
			QPN:       raw[i].QPN,
			VendorErr: raw[i].VendorErr,
		}
	}
	return n, nil
}

func (p *hardwareProvider) CreateSRQ(h Handle, capacity int) (Handle, error) {
	pd, err := lookup[*ibv.PD](p, h)
	if err != nil {
		return 0, err
	}
	srq, err := pd.CreateSRQ(capacity)
	if err != nil {
		return 0, err
	}
	return p.put(&hwSRQ{srq: srq, recv: make([]ibv.WR, capacity)}), nil
}

func (p *hardwareProvider) DestroySRQ(h Handle) error {
	srq, err := lookup[*hwSRQ](p, h)
	if err != nil {
		return err
	}
	p.drop(h)
	return srq.srq.Close()
}

func (p *hardwareProvider) CreateQP(h Handle, attr QPInitAttr) (QPInfo, error) {
	pd, err := lookup[*ibv.PD](p, h)
	if err != nil {
		return QPInfo{}, err
	}
	scq, err := lookup[*hwCQ](p, attr.SendCQ)
	if err != nil {
		return QPInfo{}, err
	}
	rcq, err := lookup[*hwCQ](p, attr.RecvCQ)
	if err != nil {
		return QPInfo{}, err
	}
	var srq *ibv.SRQ
	if attr.SRQ != 0 {
		s, err := lookup[*hwSRQ](p, attr.SRQ)
		if err != nil {
			return QPInfo{}, err
		}
		srq = s.srq
	}
	qp, err := pd.CreateQP(scq.cq, rcq.cq, srq, attr.Capacity)
	if err != nil {
		return QPInfo{}, err
	}
	h = p.put(&hwQP{qp: qp, send: make([]ibv.WR, attr.Capacity), recv: make([]ibv.WR, attr.Capacity)})
	return QPInfo{Handle: h, QPN: qp.Num()}, nil
}

func (p *hardwareProvider) ModifyQP(h Handle, attr QPAttr) error {
	qp, err := lookup[*hwQP](p, h)
	if err != nil {
		return err
	}
	return qp.qp.Modify(ibv.Attr{
		State:           ibvState(attr.State),
		Port:            attr.PortNum,
		PKeyIndex:       attr.PKeyIndex,
		Access:          ibvAccess(attr.Access),
		MTU:             int(attr.PathMTU),
		DestQPN:         attr.DestQPN,
		DLID:            attr.DestLID,
		RQPSN:           attr.RQPSN,
		MaxDestRdAtomic: attr.MaxDestRdAtomic,
		MinRNRTimer:     attr.MinRNRTimer,
		SL:              attr.ServiceLevel,
		SQPSN:           attr.SQPSN,
		Timeout:         attr.Timeout,
		RetryCount:      attr.RetryCount,
		RNRRetry:        attr.RNRRetry,
		MaxRdAtomic:     attr.MaxRdAtomic,
	})
}

func (p *hardwareProvider) DestroyQP(h Handle) error {
	qp, err := lookup[*hwQP](p, h)
	if err != nil {
		return err
	}
	p.drop(h)
	return qp.qp.Close()
}

func (p *hardwareProvider) PostSend(h Handle, chain []SendWR) error {
	qp, err := lookup[*hwQP](p, h)
	if err != nil {
		return err
	}
	if len(chain) > len(qp.send) {
		return fmt.Errorf("%w: %d exceeds %d", ErrChainLength, len(chain), len(qp.send))
	}
	wrs := qp.send[:len(chain)]
	for i, wr := range chain {
		if len(wr.SGList) != 1 {
			return fmt.Errorf("verbs: send request %d carries %d scatter/gather entries, want 1", i, len(wr.SGList))
		}
		sge := wr.SGList[0]
		wrs[i] = ibv.WR{
			ID:         wr.ID,
			Addr:       sge.Addr,
			Length:     sge.Length,
			LKey:       sge.LKey,
			RDMAWrite:  wr.Opcode == OpRDMAWrite,
			Signaled:   wr.Flags&SendSignaled != 0,
			RemoteAddr: wr.RemoteAddr,
			RKey:       wr.RKey,
		}
	}
	return qp.qp.PostSend(wrs)
}

func (p *hardwareProvider) PostRecv(h Handle, chain []RecvWR) error {
	p.mu.Lock()
	obj := p.objects[h]
	p.mu.Unlock()

	var scratch []ibv.WR
	var post func([]ibv.WR) error
	switch target := obj.(type) {
	case *hwQP:
		scratch, post = target.recv, target.qp.PostRecv
	case *hwSRQ:
		scratch, post = target.recv, target.srq.PostRecv
	default:
		return fmt.Errorf("%w: handle %d", ErrClosed, h)
	}
	if len(chain) > len(scratch) {
		return fmt.Errorf("%w: %d exceeds %d", ErrChainLength, len(chain), len(scratch))
	}
	wrs := scratch[:len(chain)]
	for i, wr := range chain {
		if len(wr.SGList) != 1 {
			return fmt.Errorf("verbs: receive request %d carries %d scatter/gather entries, want 1", i, len(wr.SGList))
		}
		sge := wr.SGList[0]
		wrs[i] = ibv.WR{ID: wr.ID, Addr: sge.Addr, Length: sge.Length, LKey: sge.LKey}
	}
	return post(wrs)
}

func ibvAccess(a Access) int {
	var out int
	if a.Has(AccessLocalWrite) {
		out |= ibv.AccessLocalWrite
	}
	if a.Has(AccessRemoteWrite) {
		out |= ibv.AccessRemoteWrite
	}
	if a.Has(AccessRemoteRead) {
		out |= ibv.AccessRemoteRead
	}
	return out
}

func ibvState(s QPState) int {
	switch s {
	case QPStateInit:
		return ibv.StateInit
	case QPStateRTR:
		return ibv.StateRTR
	case QPStateRTS:
		return ibv.StateRTS
	case QPStateError:
		return ibv.StateError
	default:
		return ibv.StateReset
	}
}

func wcOpcode(op int) WCOpcode {
	switch op {
	case ibv.WCRDMAWrite:
		return WCOpRDMAWrite
	case ibv.WCRecv:
		return WCOpRecv
	default:
		return WCOpSend
	}
}
