package bench

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// InfoRecordSize is the fixed wire size of an endpoint record, including the
// trailing NUL.
const InfoRecordSize = len("0000:00000000:00000000:0000000000000000") + 1

// MarkerSize is the wire size of a control marker.
const MarkerSize = 6

// Marker is a fixed-size control frame exchanged over the rendezvous socket.
type Marker string

const (
	// MarkerStart announces that the sender is about to transfer.
	MarkerStart Marker = "start\x00"
	// MarkerClose announces that the sender finished its RDMA writes.
	MarkerClose Marker = "close\x00"
)

func (m Marker) String() string {
	return strings.TrimRight(string(m), "\x00")
}

var (
	// ErrMalformedRecord indicates an endpoint record that does not parse.
	ErrMalformedRecord = errors.New("verbsbench: malformed endpoint record")
	// ErrShortTransfer indicates a rendezvous read or write that moved fewer bytes than a full frame.
	ErrShortTransfer = errors.New("verbsbench: short rendezvous transfer")
	// ErrUnexpectedMarker indicates a control frame that is not a known marker.
	ErrUnexpectedMarker = errors.New("verbsbench: unexpected control marker")
)

// RendezvousError reports a failed out-of-band operation.
type RendezvousError struct {
	Op  string
	Err error
}

func (e *RendezvousError) Error() string {
	return fmt.Sprintf("verbsbench: rendezvous %s: %v", e.Op, e.Err)
}

func (e *RendezvousError) Unwrap() error {
	return e.Err
}

// EndpointInfo is what each side advertises to its peer: the port LID, the
// queue pair number, and the remote key and address of its receive region.
type EndpointInfo struct {
	LID  uint16
	QPN  uint32
	RKey uint32
	Addr uint64
}

func (e EndpointInfo) String() string {
	return fmt.Sprintf("lid=0x%04x qpn=0x%08x rkey=0x%08x addr=0x%016x", e.LID, e.QPN, e.RKey, e.Addr)
}

// EncodeInfo renders info as a NUL-terminated fixed-width hex record.
func EncodeInfo(info EndpointInfo) [InfoRecordSize]byte {
	var rec [InfoRecordSize]byte
	copy(rec[:], fmt.Sprintf("%04x:%08x:%08x:%016x", info.LID, info.QPN, info.RKey, info.Addr))
	return rec
}

// DecodeInfo parses a record produced by EncodeInfo.
func DecodeInfo(rec []byte) (EndpointInfo, error) {
	if len(rec) != InfoRecordSize {
		return EndpointInfo{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedRecord, len(rec), InfoRecordSize)
	}
	if i := bytes.IndexByte(rec, 0); i >= 0 {
		rec = rec[:i]
	}
	fields := strings.Split(string(rec), ":")
	if len(fields) != 4 {
		return EndpointInfo{}, fmt.Errorf("%w: %d fields", ErrMalformedRecord, len(fields))
	}
	widths := [4]int{16, 32, 32, 64}
	var vals [4]uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 16, widths[i])
		if err != nil {
			return EndpointInfo{}, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, i, err)
		}
		vals[i] = v
	}
	return EndpointInfo{
		LID:  uint16(vals[0]),
		QPN:  uint32(vals[1]),
		RKey: uint32(vals[2]),
		Addr: vals[3],
	}, nil
}

// Rendezvous is the TCP side channel used to exchange endpoint records and
// control markers. The sender worker writes and the receiver worker reads,
// so Signal and Await may run concurrently.
type Rendezvous struct {
	conn net.Conn
}

// NewRendezvous wraps an established stream.
func NewRendezvous(conn net.Conn) *Rendezvous {
	return &Rendezvous{conn: conn}
}

// AcceptRendezvous listens on bindAddr:port (all interfaces when bindAddr is
// empty), accepts exactly one peer, and closes the listener.
func AcceptRendezvous(ctx context.Context, bindAddr string, port int) (*Rendezvous, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", net.JoinHostPort(bindAddr, strconv.Itoa(port)))
	if err != nil {
		return nil, &RendezvousError{Op: "listen", Err: err}
	}
	return acceptOnce(ctx, ln)
}

// AcceptListener accepts exactly one peer on an already bound listener and
// closes it. Callers that need the port before the peer dials (port 0)
// bind the listener themselves.
func AcceptListener(ctx context.Context, ln net.Listener) (*Rendezvous, error) {
	return acceptOnce(ctx, ln)
}

func acceptOnce(ctx context.Context, ln net.Listener) (*Rendezvous, error) {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &RendezvousError{Op: "accept", Err: err}
	}
	return NewRendezvous(conn), nil
}

// DialRendezvous resolves host to an IPv4 address and connects to it,
// binding the local socket to bindAddr when it is set.
func DialRendezvous(ctx context.Context, host string, port int, bindAddr string) (*Rendezvous, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, &RendezvousError{Op: "resolve " + host, Err: err}
	}
	if len(ips) == 0 {
		return nil, &RendezvousError{Op: "resolve " + host, Err: fmt.Errorf("no IPv4 address")}
	}

	var d net.Dialer
	if bindAddr != "" {
		local, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(bindAddr, "0"))
		if err != nil {
			return nil, &RendezvousError{Op: "bind " + bindAddr, Err: err}
		}
		d.LocalAddr = local
	}
	addr := net.JoinHostPort(ips[0].String(), strconv.Itoa(port))
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, &RendezvousError{Op: "connect " + addr, Err: err}
	}
	return NewRendezvous(conn), nil
}

// RemoteAddr returns the peer's socket address.
func (r *Rendezvous) RemoteAddr() string {
	if r == nil || r.conn == nil {
		return ""
	}
	return r.conn.RemoteAddr().String()
}

// Exchange writes the local record and then reads exactly one peer record.
func (r *Rendezvous) Exchange(ctx context.Context, local EndpointInfo) (EndpointInfo, error) {
	stop := r.interruptOn(ctx)
	defer stop()

	rec := EncodeInfo(local)
	if err := r.writeFull(rec[:]); err != nil {
		return EndpointInfo{}, &RendezvousError{Op: "send endpoint record", Err: r.ctxErr(ctx, err)}
	}
	var peer [InfoRecordSize]byte
	if err := r.readFull(peer[:]); err != nil {
		return EndpointInfo{}, &RendezvousError{Op: "receive endpoint record", Err: r.ctxErr(ctx, err)}
	}
	info, err := DecodeInfo(peer[:])
	if err != nil {
		return EndpointInfo{}, &RendezvousError{Op: "decode endpoint record", Err: err}
	}
	return info, nil
}

// Signal writes marker m.
func (r *Rendezvous) Signal(ctx context.Context, m Marker) error {
	if len(m) != MarkerSize {
		return &RendezvousError{Op: "signal", Err: fmt.Errorf("%w: %q", ErrUnexpectedMarker, string(m))}
	}
	stop := r.interruptOn(ctx)
	defer stop()
	if err := r.writeFull([]byte(m)); err != nil {
		return &RendezvousError{Op: "signal " + m.String(), Err: r.ctxErr(ctx, err)}
	}
	return nil
}

// Await reads control frames until m arrives. Other known markers are
// skipped; anything else is ErrUnexpectedMarker.
func (r *Rendezvous) Await(ctx context.Context, m Marker) error {
	stop := r.interruptOn(ctx)
	defer stop()

	var frame [MarkerSize]byte
	for {
		if err := r.readFull(frame[:]); err != nil {
			return &RendezvousError{Op: "await " + m.String(), Err: r.ctxErr(ctx, err)}
		}
		switch got := Marker(frame[:]); got {
		case m:
			return nil
		case MarkerStart, MarkerClose:
			continue
		default:
			return &RendezvousError{Op: "await " + m.String(), Err: fmt.Errorf("%w: %q", ErrUnexpectedMarker, string(frame[:]))}
		}
	}
}

// Close closes the socket.
func (r *Rendezvous) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Rendezvous) writeFull(p []byte) error {
	n, err := r.conn.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortTransfer, n, len(p))
	}
	return nil
}

func (r *Rendezvous) readFull(p []byte) error {
	n, err := io.ReadFull(r.conn, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: read %d of %d bytes", ErrShortTransfer, n, len(p))
	}
	return err
}

// interruptOn unblocks pending socket I/O when ctx is done.
func (r *Rendezvous) interruptOn(ctx context.Context) func() bool {
	if ctx == nil {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() {
		_ = r.conn.SetDeadline(time.Unix(1, 0))
	})
}

func (r *Rendezvous) ctxErr(ctx context.Context, err error) error {
	if ctx != nil && ctx.Err() != nil {
		return fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return err
}
