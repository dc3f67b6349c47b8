//go:build linux && cgo && rdma_hw

// Package ibv is a thin cgo layer over libibverbs covering the objects a
// reliable-connected benchmark uses. It performs no bookkeeping; callers own
// every handle and must close them in reverse order of creation.
package ibv

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <errno.h>
#include <infiniband/verbs.h>

struct vb_wr {
	uint64_t id;
	uint64_t addr;
	uint64_t raddr;
	uint32_t len;
	uint32_t lkey;
	uint32_t rkey;
	int      rdma_write;
	int      signaled;
};

struct vb_wc {
	uint64_t id;
	int      status;
	int      opcode;
	uint32_t byte_len;
	uint32_t qp_num;
	uint32_t vendor_err;
};

struct vb_qp_attr {
	int      state;
	uint8_t  port;
	uint16_t pkey_index;
	int      access;
	int      mtu;
	uint32_t dest_qpn;
	uint16_t dlid;
	uint32_t rq_psn;
	uint8_t  max_dest_rd_atomic;
	uint8_t  min_rnr_timer;
	uint8_t  sl;
	uint32_t sq_psn;
	uint8_t  timeout;
	uint8_t  retry_cnt;
	uint8_t  rnr_retry;
	uint8_t  max_rd_atomic;
};

static int vb_query_lid(struct ibv_context *ctx, uint8_t port, uint16_t *lid) {
	struct ibv_port_attr attr;
	int rc = ibv_query_port(ctx, port, &attr);
	if (rc) {
		return rc;
	}
	*lid = attr.lid;
	return 0;
}

static struct ibv_qp *vb_create_qp(struct ibv_pd *pd, struct ibv_cq *scq, struct ibv_cq *rcq, struct ibv_srq *srq, int size) {
	struct ibv_qp_init_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.send_cq = scq;
	attr.recv_cq = rcq;
	attr.srq = srq;
	attr.qp_type = IBV_QPT_RC;
	attr.cap.max_send_wr = size;
	attr.cap.max_recv_wr = size;
	attr.cap.max_send_sge = 1;
	attr.cap.max_recv_sge = 1;
	return ibv_create_qp(pd, &attr);
}

static int vb_modify_qp(struct ibv_qp *qp, const struct vb_qp_attr *in) {
	struct ibv_qp_attr attr;
	int mask = IBV_QP_STATE;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = in->state;
	switch (in->state) {
	case IBV_QPS_INIT:
		attr.pkey_index = in->pkey_index;
		attr.port_num = in->port;
		attr.qp_access_flags = in->access;
		mask |= IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS;
		break;
	case IBV_QPS_RTR:
		attr.path_mtu = in->mtu;
		attr.dest_qp_num = in->dest_qpn;
		attr.rq_psn = in->rq_psn;
		attr.max_dest_rd_atomic = in->max_dest_rd_atomic;
		attr.min_rnr_timer = in->min_rnr_timer;
		attr.ah_attr.is_global = 0;
		attr.ah_attr.dlid = in->dlid;
		attr.ah_attr.sl = in->sl;
		attr.ah_attr.src_path_bits = 0;
		attr.ah_attr.port_num = in->port;
		mask |= IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN | IBV_QP_RQ_PSN |
			IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER;
		break;
	case IBV_QPS_RTS:
		attr.sq_psn = in->sq_psn;
		attr.timeout = in->timeout;
		attr.retry_cnt = in->retry_cnt;
		attr.rnr_retry = in->rnr_retry;
		attr.max_rd_atomic = in->max_rd_atomic;
		mask |= IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT | IBV_QP_RNR_RETRY |
			IBV_QP_SQ_PSN | IBV_QP_MAX_QP_RD_ATOMIC;
		break;
	default:
		break;
	}
	return ibv_modify_qp(qp, &attr, mask);
}

static int vb_post_send(struct ibv_qp *qp, struct ibv_send_wr *wrs, struct ibv_sge *sges, const struct vb_wr *in, int n) {
	struct ibv_send_wr *bad = NULL;
	for (int i = 0; i < n; i++) {
		memset(&wrs[i], 0, sizeof(wrs[i]));
		sges[i].addr = in[i].addr;
		sges[i].length = in[i].len;
		sges[i].lkey = in[i].lkey;
		wrs[i].wr_id = in[i].id;
		wrs[i].sg_list = &sges[i];
		wrs[i].num_sge = 1;
		wrs[i].opcode = in[i].rdma_write ? IBV_WR_RDMA_WRITE : IBV_WR_SEND;
		wrs[i].send_flags = in[i].signaled ? IBV_SEND_SIGNALED : 0;
		wrs[i].wr.rdma.remote_addr = in[i].raddr;
		wrs[i].wr.rdma.rkey = in[i].rkey;
		wrs[i].next = (i + 1 < n) ? &wrs[i + 1] : NULL;
	}
	return ibv_post_send(qp, wrs, &bad);
}

static void vb_link_recv(struct ibv_recv_wr *wrs, struct ibv_sge *sges, const struct vb_wr *in, int n) {
	for (int i = 0; i < n; i++) {
		memset(&wrs[i], 0, sizeof(wrs[i]));
		sges[i].addr = in[i].addr;
		sges[i].length = in[i].len;
		sges[i].lkey = in[i].lkey;
		wrs[i].wr_id = in[i].id;
		wrs[i].sg_list = &sges[i];
		wrs[i].num_sge = 1;
		wrs[i].next = (i + 1 < n) ? &wrs[i + 1] : NULL;
	}
}

static int vb_post_recv(struct ibv_qp *qp, struct ibv_recv_wr *wrs, struct ibv_sge *sges, const struct vb_wr *in, int n) {
	struct ibv_recv_wr *bad = NULL;
	vb_link_recv(wrs, sges, in, n);
	return ibv_post_recv(qp, wrs, &bad);
}

static int vb_post_srq_recv(struct ibv_srq *srq, struct ibv_recv_wr *wrs, struct ibv_sge *sges, const struct vb_wr *in, int n) {
	struct ibv_recv_wr *bad = NULL;
	vb_link_recv(wrs, sges, in, n);
	return ibv_post_srq_recv(srq, wrs, &bad);
}

static int vb_poll_cq(struct ibv_cq *cq, struct ibv_wc *scratch, struct vb_wc *out, int n) {
	int got = ibv_poll_cq(cq, n, scratch);
	for (int i = 0; i < got; i++) {
		out[i].id = scratch[i].wr_id;
		out[i].status = scratch[i].status;
		out[i].opcode = scratch[i].opcode;
		out[i].byte_len = scratch[i].byte_len;
		out[i].qp_num = scratch[i].qp_num;
		out[i].vendor_err = scratch[i].vendor_err;
	}
	return got;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"
)

// ErrNoDevice is returned when no device matches the requested name.
var ErrNoDevice = errors.New("ibv: no matching device")

// Access flags mirrored from enum ibv_access_flags.
const (
	AccessLocalWrite  = int(C.IBV_ACCESS_LOCAL_WRITE)
	AccessRemoteWrite = int(C.IBV_ACCESS_REMOTE_WRITE)
	AccessRemoteRead  = int(C.IBV_ACCESS_REMOTE_READ)
)

// Queue pair states mirrored from enum ibv_qp_state.
const (
	StateReset = int(C.IBV_QPS_RESET)
	StateInit  = int(C.IBV_QPS_INIT)
	StateRTR   = int(C.IBV_QPS_RTR)
	StateRTS   = int(C.IBV_QPS_RTS)
	StateError = int(C.IBV_QPS_ERR)
)

// Work completion opcodes mirrored from enum ibv_wc_opcode.
const (
	WCSend      = int(C.IBV_WC_SEND)
	WCRDMAWrite = int(C.IBV_WC_RDMA_WRITE)
	WCRecv      = int(C.IBV_WC_RECV)
)

func errno(op string, rc C.int) error {
	if rc == 0 {
		return nil
	}
	return fmt.Errorf("%s: %w", op, syscall.Errno(rc))
}

func wrapErr(op string, err error) error {
	if err == nil {
		err = syscall.EINVAL
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Context wraps an opened ibv_context.
type Context struct {
	ptr  *C.struct_ibv_context
	Name string
	LID  uint16
}

// Open opens the device called name, or the first device when name is empty,
// and queries the LID of port.
func Open(name string, port uint8) (*Context, error) {
	var num C.int
	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		return nil, wrapErr("ibv_get_device_list", err)
	}
	defer C.ibv_free_device_list(list)

	devices := unsafe.Slice(list, int(num))
	var dev *C.struct_ibv_device
	for _, d := range devices {
		if d == nil {
			continue
		}
		if name == "" || C.GoString(C.ibv_get_device_name(d)) == name {
			dev = d
			break
		}
	}
	if dev == nil {
		return nil, ErrNoDevice
	}

	ctx, err := C.ibv_open_device(dev)
	if ctx == nil {
		return nil, wrapErr("ibv_open_device", err)
	}
	var lid C.uint16_t
	if rc := C.vb_query_lid(ctx, C.uint8_t(port), &lid); rc != 0 {
		C.ibv_close_device(ctx)
		return nil, errno("ibv_query_port", rc)
	}
	return &Context{ptr: ctx, Name: C.GoString(C.ibv_get_device_name(dev)), LID: uint16(lid)}, nil
}

// Close closes the device context.
func (c *Context) Close() error {
	if c == nil || c.ptr == nil {
		return nil
	}
	if rc := C.ibv_close_device(c.ptr); rc != 0 {
		return errno("ibv_close_device", rc)
	}
	c.ptr = nil
	return nil
}

// PD wraps an ibv_pd.
type PD struct {
	ptr *C.struct_ibv_pd
}

// AllocPD allocates a protection domain.
func (c *Context) AllocPD() (*PD, error) {
	pd, err := C.ibv_alloc_pd(c.ptr)
	if pd == nil {
		return nil, wrapErr("ibv_alloc_pd", err)
	}
	return &PD{ptr: pd}, nil
}

// Close deallocates the protection domain.
func (p *PD) Close() error {
	if p == nil || p.ptr == nil {
		return nil
	}
	if rc := C.ibv_dealloc_pd(p.ptr); rc != 0 {
		return errno("ibv_dealloc_pd", rc)
	}
	p.ptr = nil
	return nil
}

// AllocBytes returns page-aligned C memory of size bytes.
func AllocBytes(size int) (unsafe.Pointer, error) {
	var ptr unsafe.Pointer
	if rc := C.posix_memalign(&ptr, C.size_t(syscall.Getpagesize()), C.size_t(size)); rc != 0 {
		return nil, errno("posix_memalign", rc)
	}
	C.memset(ptr, 0, C.size_t(size))
	return ptr, nil
}

// FreeBytes releases memory returned by AllocBytes.
func FreeBytes(ptr unsafe.Pointer) {
	if ptr != nil {
		C.free(ptr)
	}
}

// MR wraps an ibv_mr.
type MR struct {
	ptr *C.struct_ibv_mr
}

// Register registers length bytes at ptr with the given access flags.
func (p *PD) Register(ptr unsafe.Pointer, length int, access int) (*MR, error) {
	mr, err := C.ibv_reg_mr(p.ptr, ptr, C.size_t(length), C.int(access))
	if mr == nil {
		return nil, wrapErr("ibv_reg_mr", err)
	}
	return &MR{ptr: mr}, nil
}

// LKey returns the local key.
func (m *MR) LKey() uint32 { return uint32(m.ptr.lkey) }

// RKey returns the remote key.
func (m *MR) RKey() uint32 { return uint32(m.ptr.rkey) }

// Close deregisters the region.
func (m *MR) Close() error {
	if m == nil || m.ptr == nil {
		return nil
	}
	if rc := C.ibv_dereg_mr(m.ptr); rc != 0 {
		return errno("ibv_dereg_mr", rc)
	}
	m.ptr = nil
	return nil
}

// WC is a single work completion.
type WC struct {
	ID        uint64
	Status    int
	Opcode    int
	ByteLen   uint32
	QPN       uint32
	VendorErr uint32
}

// CQ wraps an ibv_cq together with C scratch space for polling.
type CQ struct {
	ptr     *C.struct_ibv_cq
	size    int
	scratch *C.struct_ibv_wc
	out     []C.struct_vb_wc
}

// CreateCQ creates a completion queue with size entries.
func (c *Context) CreateCQ(size int) (*CQ, error) {
	cq, err := C.ibv_create_cq(c.ptr, C.int(size), nil, nil, 0)
	if cq == nil {
		return nil, wrapErr("ibv_create_cq", err)
	}
	scratch := (*C.struct_ibv_wc)(C.calloc(C.size_t(size), C.size_t(unsafe.Sizeof(C.struct_ibv_wc{}))))
	if scratch == nil {
		C.ibv_destroy_cq(cq)
		return nil, wrapErr("calloc", syscall.ENOMEM)
	}
	return &CQ{ptr: cq, size: size, scratch: scratch, out: make([]C.struct_vb_wc, size)}, nil
}

// Poll reads up to len(wcs) completions without blocking.
func (q *CQ) Poll(wcs []WC) (int, error) {
	n := len(wcs)
	if n > q.size {
		n = q.size
	}
	if n == 0 {
		return 0, nil
	}
	got := int(C.vb_poll_cq(q.ptr, q.scratch, &q.out[0], C.int(n)))
	if got < 0 {
		return 0, fmt.Errorf("ibv_poll_cq: %w", syscall.EIO)
	}
	for i := 0; i < got; i++ {
		o := q.out[i]
		wcs[i] = WC{
			ID:        uint64(o.id),
			Status:    int(o.status),
			Opcode:    int(o.opcode),
			ByteLen:   uint32(o.byte_len),
			QPN:       uint32(o.qp_num),
			VendorErr: uint32(o.vendor_err),
		}
	}
	return got, nil
}

// Close destroys the completion queue.
func (q *CQ) Close() error {
	if q == nil || q.ptr == nil {
		return nil
	}
	if rc := C.ibv_destroy_cq(q.ptr); rc != 0 {
		return errno("ibv_destroy_cq", rc)
	}
	C.free(unsafe.Pointer(q.scratch))
	q.ptr = nil
	q.scratch = nil
	return nil
}

// chain holds C-allocated work request and scatter/gather arrays that are
// re-linked on every post.
type chain struct {
	send *C.struct_ibv_send_wr
	recv *C.struct_ibv_recv_wr
	sges *C.struct_ibv_sge
	in   []C.struct_vb_wr
}

func newChain(size int, withSend bool) (*chain, error) {
	c := &chain{in: make([]C.struct_vb_wr, size)}
	c.sges = (*C.struct_ibv_sge)(C.calloc(C.size_t(size), C.size_t(unsafe.Sizeof(C.struct_ibv_sge{}))))
	c.recv = (*C.struct_ibv_recv_wr)(C.calloc(C.size_t(size), C.size_t(unsafe.Sizeof(C.struct_ibv_recv_wr{}))))
	if withSend {
		c.send = (*C.struct_ibv_send_wr)(C.calloc(C.size_t(size), C.size_t(unsafe.Sizeof(C.struct_ibv_send_wr{}))))
	}
	if c.sges == nil || c.recv == nil || (withSend && c.send == nil) {
		c.free()
		return nil, wrapErr("calloc", syscall.ENOMEM)
	}
	return c, nil
}

func (c *chain) free() {
	C.free(unsafe.Pointer(c.send))
	C.free(unsafe.Pointer(c.recv))
	C.free(unsafe.Pointer(c.sges))
	c.send, c.recv, c.sges = nil, nil, nil
}

// WR is a flattened work request with a single scatter/gather entry.
type WR struct {
	ID         uint64
	Addr       uint64
	Length     uint32
	LKey       uint32
	RDMAWrite  bool
	Signaled   bool
	RemoteAddr uint64
	RKey       uint32
}

func (c *chain) fill(wrs []WR) (int, error) {
	if len(wrs) == 0 || len(wrs) > len(c.in) {
		return 0, fmt.Errorf("ibv: chain of %d exceeds %d slots: %w", len(wrs), len(c.in), syscall.EINVAL)
	}
	for i, wr := range wrs {
		in := &c.in[i]
		in.id = C.uint64_t(wr.ID)
		in.addr = C.uint64_t(wr.Addr)
		in.len = C.uint32_t(wr.Length)
		in.lkey = C.uint32_t(wr.LKey)
		in.raddr = C.uint64_t(wr.RemoteAddr)
		in.rkey = C.uint32_t(wr.RKey)
		in.rdma_write = 0
		if wr.RDMAWrite {
			in.rdma_write = 1
		}
		in.signaled = 0
		if wr.Signaled {
			in.signaled = 1
		}
	}
	return len(wrs), nil
}

// SRQ wraps an ibv_srq.
type SRQ struct {
	ptr   *C.struct_ibv_srq
	chain *chain
}

// CreateSRQ creates a shared receive queue with size entries.
func (p *PD) CreateSRQ(size int) (*SRQ, error) {
	var attr C.struct_ibv_srq_init_attr
	attr.attr.max_wr = C.uint32_t(size)
	attr.attr.max_sge = 1
	srq, err := C.ibv_create_srq(p.ptr, &attr)
	if srq == nil {
		return nil, wrapErr("ibv_create_srq", err)
	}
	c, err := newChain(size, false)
	if err != nil {
		C.ibv_destroy_srq(srq)
		return nil, err
	}
	return &SRQ{ptr: srq, chain: c}, nil
}

// PostRecv posts wrs as one linked receive chain.
func (s *SRQ) PostRecv(wrs []WR) error {
	n, err := s.chain.fill(wrs)
	if err != nil {
		return err
	}
	return errno("ibv_post_srq_recv", C.vb_post_srq_recv(s.ptr, s.chain.recv, s.chain.sges, &s.chain.in[0], C.int(n)))
}

// Close destroys the shared receive queue.
func (s *SRQ) Close() error {
	if s == nil || s.ptr == nil {
		return nil
	}
	if rc := C.ibv_destroy_srq(s.ptr); rc != 0 {
		return errno("ibv_destroy_srq", rc)
	}
	s.chain.free()
	s.ptr = nil
	return nil
}

// QP wraps a reliable-connected ibv_qp.
type QP struct {
	ptr       *C.struct_ibv_qp
	sendChain *chain
	recvChain *chain
}

// CreateQP creates an RC queue pair with size send and receive slots. srq may be nil.
func (p *PD) CreateQP(send, recv *CQ, srq *SRQ, size int) (*QP, error) {
	var srqPtr *C.struct_ibv_srq
	if srq != nil {
		srqPtr = srq.ptr
	}
	qp, err := C.vb_create_qp(p.ptr, send.ptr, recv.ptr, srqPtr, C.int(size))
	if qp == nil {
		return nil, wrapErr("ibv_create_qp", err)
	}
	sc, err := newChain(size, true)
	if err != nil {
		C.ibv_destroy_qp(qp)
		return nil, err
	}
	rc, err := newChain(size, false)
	if err != nil {
		sc.free()
		C.ibv_destroy_qp(qp)
		return nil, err
	}
	return &QP{ptr: qp, sendChain: sc, recvChain: rc}, nil
}

// Num returns the queue pair number.
func (q *QP) Num() uint32 { return uint32(q.ptr.qp_num) }

// Attr carries the attributes for one state transition.
type Attr struct {
	State           int
	Port            uint8
	PKeyIndex       uint16
	Access          int
	MTU             int
	DestQPN         uint32
	DLID            uint16
	RQPSN           uint32
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	SL              uint8
	SQPSN           uint32
	Timeout         uint8
	RetryCount      uint8
	RNRRetry        uint8
	MaxRdAtomic     uint8
}

// Modify applies one state transition.
func (q *QP) Modify(a Attr) error {
	in := C.struct_vb_qp_attr{
		state:              C.int(a.State),
		port:               C.uint8_t(a.Port),
		pkey_index:         C.uint16_t(a.PKeyIndex),
		access:             C.int(a.Access),
		mtu:                C.int(a.MTU),
		dest_qpn:           C.uint32_t(a.DestQPN),
		dlid:               C.uint16_t(a.DLID),
		rq_psn:             C.uint32_t(a.RQPSN),
		max_dest_rd_atomic: C.uint8_t(a.MaxDestRdAtomic),
		min_rnr_timer:      C.uint8_t(a.MinRNRTimer),
		sl:                 C.uint8_t(a.SL),
		sq_psn:             C.uint32_t(a.SQPSN),
		timeout:            C.uint8_t(a.Timeout),
		retry_cnt:          C.uint8_t(a.RetryCount),
		rnr_retry:          C.uint8_t(a.RNRRetry),
		max_rd_atomic:      C.uint8_t(a.MaxRdAtomic),
	}
	return errno("ibv_modify_qp", C.vb_modify_qp(q.ptr, &in))
}

// PostSend posts wrs as one linked send chain.
func (q *QP) PostSend(wrs []WR) error {
	n, err := q.sendChain.fill(wrs)
	if err != nil {
		return err
	}
	return errno("ibv_post_send", C.vb_post_send(q.ptr, q.sendChain.send, q.sendChain.sges, &q.sendChain.in[0], C.int(n)))
}

// PostRecv posts wrs as one linked receive chain.
func (q *QP) PostRecv(wrs []WR) error {
	n, err := q.recvChain.fill(wrs)
	if err != nil {
		return err
	}
	return errno("ibv_post_recv", C.vb_post_recv(q.ptr, q.recvChain.recv, q.recvChain.sges, &q.recvChain.in[0], C.int(n)))
}

// Close destroys the queue pair.
func (q *QP) Close() error {
	if q == nil || q.ptr == nil {
		return nil
	}
	if rc := C.ibv_destroy_qp(q.ptr); rc != 0 {
		return errno("ibv_destroy_qp", rc)
	}
	q.sendChain.free()
	q.recvChain.free()
	q.ptr = nil
	return nil
}
