package bench

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/verbsbench/verbs"
)

// ResourceConfig describes the verbs objects shared by a run.
type ResourceConfig struct {
	// Device names the adapter to open; empty selects the first one.
	Device string
	// Capacity sizes both completion queues.
	Capacity int
	// SharedReceiveQueue binds receives to an SRQ of the same capacity.
	SharedReceiveQueue bool
}

// Resources owns the device-level objects a Connection borrows.
type Resources struct {
	Device *verbs.Device
	PD     *verbs.ProtectionDomain
	SendCQ *verbs.CompletionQueue
	RecvCQ *verbs.CompletionQueue
	SRQ    *verbs.SharedReceiveQueue
}

// OpenResources opens the device, protection domain, and completion queues
// (and the shared receive queue when requested). On failure everything
// acquired so far is released in reverse order.
func OpenResources(p verbs.Provider, cfg ResourceConfig) (*Resources, error) {
	dev, err := verbs.OpenDevice(p, cfg.Device)
	if err != nil {
		return nil, err
	}
	pd, err := verbs.AllocProtectionDomain(dev, "BenchProtDom")
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	sendCQ, err := verbs.CreateCompletionQueue(dev, cfg.Capacity)
	if err != nil {
		_ = pd.Close()
		_ = dev.Close()
		return nil, err
	}
	recvCQ, err := verbs.CreateCompletionQueue(dev, cfg.Capacity)
	if err != nil {
		_ = sendCQ.Close()
		_ = pd.Close()
		_ = dev.Close()
		return nil, err
	}
	res := &Resources{Device: dev, PD: pd, SendCQ: sendCQ, RecvCQ: recvCQ}
	if cfg.SharedReceiveQueue {
		srq, err := verbs.CreateSharedReceiveQueue(pd, cfg.Capacity)
		if err != nil {
			_ = res.Close()
			return nil, err
		}
		res.SRQ = srq
	}
	return res, nil
}

// Close releases the resources in reverse order of creation.
func (r *Resources) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.SRQ != nil {
		errs = append(errs, r.SRQ.Close())
	}
	errs = append(errs,
		r.RecvCQ.Close(),
		r.SendCQ.Close(),
		r.PD.Close(),
		r.Device.Close(),
	)
	return errors.Join(errs...)
}

// ConnectionConfig controls NewConnection.
type ConnectionConfig struct {
	// MessageSize is the size of the send and receive regions in bytes.
	MessageSize int
	// Capacity bounds outstanding work requests per queue.
	Capacity int
	// Regions issues memory region ids; nil uses a connection-local allocator.
	Regions *verbs.RegionIDs
	// RTS overrides the retry attributes applied on RTR -> RTS; nil uses
	// verbs.DefaultRTSAttr.
	RTS *verbs.QPAttr
	Hooks
}

// Connection is one reliable queue pair plus its registered buffers and
// reusable work request arrays. The send worker touches only the send side
// and the receive worker only the receive side.
type Connection struct {
	res    *Resources
	qp     *verbs.QueuePair
	sendMR *verbs.MemoryRegion
	recvMR *verbs.MemoryRegion
	rv     *Rendezvous

	sendSGE [1]verbs.SGE
	recvSGE [1]verbs.SGE
	sendWRs []verbs.SendWR
	recvWRs []verbs.RecvWR

	local  EndpointInfo
	remote EndpointInfo
	rts    verbs.QPAttr
	size   int
	tel    *telemetry
}

// NewConnection registers the send and receive regions and creates a queue
// pair in INIT on res.
func NewConnection(res *Resources, cfg ConnectionConfig) (*Connection, error) {
	if res == nil {
		return nil, errors.New("verbsbench: nil resources")
	}
	if cfg.MessageSize <= 0 {
		return nil, fmt.Errorf("verbsbench: invalid message size %d", cfg.MessageSize)
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("verbsbench: invalid queue capacity %d", cfg.Capacity)
	}
	rts := verbs.DefaultRTSAttr()
	if cfg.RTS != nil {
		rts = *cfg.RTS
		if err := verbs.ValidateRTSAttr(rts); err != nil {
			return nil, err
		}
	}
	ids := cfg.Regions
	if ids == nil {
		ids = new(verbs.RegionIDs)
	}
	tel := newTelemetry(cfg.Hooks, logKV(labelProvider, res.Device.Provider().Name()))

	access := verbs.AccessLocalWrite | verbs.AccessRemoteWrite
	sendMR, err := verbs.RegisterMemory(res.PD, ids, cfg.MessageSize, access)
	if err != nil {
		return nil, err
	}
	recvMR, err := verbs.RegisterMemory(res.PD, ids, cfg.MessageSize, access)
	if err != nil {
		_ = sendMR.Close()
		return nil, err
	}
	qp, err := verbs.CreateQueuePair(res.PD, verbs.QPConfig{
		SendCQ:   res.SendCQ,
		RecvCQ:   res.RecvCQ,
		SRQ:      res.SRQ,
		Capacity: cfg.Capacity,
	})
	if err != nil {
		_ = recvMR.Close()
		_ = sendMR.Close()
		return nil, err
	}

	c := &Connection{
		res:     res,
		qp:      qp,
		sendMR:  sendMR,
		recvMR:  recvMR,
		sendWRs: make([]verbs.SendWR, cfg.Capacity),
		recvWRs: make([]verbs.RecvWR, cfg.Capacity),
		rts:     rts,
		size:    cfg.MessageSize,
		tel:     tel,
	}
	c.sendSGE[0] = verbs.SGE{Addr: sendMR.Addr(), Length: uint32(sendMR.Size()), LKey: sendMR.LKey()}
	c.recvSGE[0] = verbs.SGE{Addr: recvMR.Addr(), Length: uint32(recvMR.Size()), LKey: recvMR.LKey()}
	c.local = EndpointInfo{
		LID:  res.Device.LID(),
		QPN:  qp.QPN(),
		RKey: recvMR.RKey(),
		Addr: recvMR.Addr(),
	}
	tel.debug("connection_created",
		logKV("local", c.local),
		logKV("capacity", cfg.Capacity),
		logKV("message_size", cfg.MessageSize),
		logKV("send_region", sendMR.ID()),
		logKV("recv_region", recvMR.ID()),
	)
	return c, nil
}

// Accept waits for one client on bindAddr:port and connects to it.
func (c *Connection) Accept(ctx context.Context, bindAddr string, port int) error {
	c.tel.info("rendezvous_listen", logKV("address", bindAddr), logKV("port", port))
	rv, err := AcceptRendezvous(ctx, bindAddr, port)
	if err != nil {
		return err
	}
	if err := c.Establish(ctx, rv); err != nil {
		_ = rv.Close()
		return err
	}
	return nil
}

// Dial connects to a server at host:port.
func (c *Connection) Dial(ctx context.Context, host string, port int, bindAddr string) error {
	c.tel.info("rendezvous_dial", logKV("remote", host), logKV("port", port))
	rv, err := DialRendezvous(ctx, host, port, bindAddr)
	if err != nil {
		return err
	}
	if err := c.Establish(ctx, rv); err != nil {
		_ = rv.Close()
		return err
	}
	return nil
}

// Establish exchanges endpoint records over rv and moves the queue pair to
// RTS. The connection takes ownership of rv on success.
func (c *Connection) Establish(ctx context.Context, rv *Rendezvous) error {
	span := c.tel.startSpan("verbsbench-connect", logKV("local", c.local.String()))
	remote, err := rv.Exchange(ctx, c.local)
	if err != nil {
		spanEnd(span, err)
		return err
	}
	spanAddEvent(span, "exchanged", logKV("remote", remote.String()))
	if err := c.qp.ToRTR(verbs.DefaultRTRAttr(remote.LID, remote.QPN)); err != nil {
		spanEnd(span, err)
		return err
	}
	if err := c.qp.ToRTS(c.rts); err != nil {
		spanEnd(span, err)
		return err
	}
	c.remote = remote
	c.rv = rv
	c.tel.info("connected", logKV("peer", rv.RemoteAddr()), logKV("remote", remote))
	spanEnd(span, nil)
	return nil
}

// Local returns the endpoint record advertised to the peer.
func (c *Connection) Local() EndpointInfo { return c.local }

// Remote returns the peer's endpoint record; zero before Establish.
func (c *Connection) Remote() EndpointInfo { return c.remote }

// QueuePair returns the connection's queue pair.
func (c *Connection) QueuePair() *verbs.QueuePair { return c.qp }

// Capacity returns the per-queue work request bound.
func (c *Connection) Capacity() int { return c.qp.Capacity() }

// MessageSize returns the payload size of each request.
func (c *Connection) MessageSize() int { return c.size }

// SendRegion returns the registered send buffer.
func (c *Connection) SendRegion() *verbs.MemoryRegion { return c.sendMR }

// RecvRegion returns the registered receive buffer, the target of peer RDMA writes.
func (c *Connection) RecvRegion() *verbs.MemoryRegion { return c.recvMR }

// Rendezvous returns the side channel; nil before Establish.
func (c *Connection) Rendezvous() *Rendezvous { return c.rv }

// PostSends posts amount signaled sends (or RDMA writes to the peer's
// receive region) as one chain. Every request references the same buffer.
func (c *Connection) PostSends(amount int, op verbs.Opcode) error {
	if amount < 1 || amount > len(c.sendWRs) {
		return &verbs.PostError{Queue: "send", QPN: c.qp.QPN(), Count: amount, Err: verbs.ErrChainLength}
	}
	for i := 0; i < amount; i++ {
		wr := &c.sendWRs[i]
		wr.ID = uint64(i)
		wr.SGList = c.sendSGE[:]
		wr.Opcode = op
		wr.Flags = verbs.SendSignaled
		if op == verbs.OpRDMAWrite {
			wr.RemoteAddr = c.remote.Addr
			wr.RKey = c.remote.RKey
		} else {
			wr.RemoteAddr = 0
			wr.RKey = 0
		}
	}
	return c.qp.PostSend(c.sendWRs[:amount])
}

// PostRecvs posts amount receives into the receive buffer as one chain.
func (c *Connection) PostRecvs(amount int) error {
	if amount < 1 || amount > len(c.recvWRs) {
		return &verbs.PostError{Queue: "receive", QPN: c.qp.QPN(), Count: amount, Err: verbs.ErrChainLength}
	}
	for i := 0; i < amount; i++ {
		wr := &c.recvWRs[i]
		wr.ID = uint64(i)
		wr.SGList = c.recvSGE[:]
	}
	return c.qp.PostRecv(c.recvWRs[:amount])
}

// PollSend polls the send completion queue once.
func (c *Connection) PollSend() (int, error) {
	return c.res.SendCQ.Poll("send")
}

// PollRecv polls the receive completion queue once.
func (c *Connection) PollRecv() (int, error) {
	return c.res.RecvCQ.Poll("receive")
}

// Close deregisters the regions, destroys the queue pair, and closes the
// rendezvous socket. The borrowed Resources stay open.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	errs = append(errs, c.sendMR.Close(), c.recvMR.Close(), c.qp.Close())
	if c.rv != nil {
		errs = append(errs, c.rv.Close())
		c.rv = nil
	}
	err := errors.Join(errs...)
	if err != nil {
		c.tel.warn("connection_close_failed", logKV("error", err))
	}
	return err
}
