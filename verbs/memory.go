package verbs

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// RegionIDs issues process-unique memory region identifiers. The zero value
// is ready to use; the first id issued is 1.
type RegionIDs struct {
	next atomic.Uint64
}

// Next returns a fresh identifier.
func (r *RegionIDs) Next() uint64 {
	return r.next.Add(1)
}

// MemoryRegion is a buffer registered with a protection domain.
type MemoryRegion struct {
	pd     *ProtectionDomain
	id     uint64
	handle Handle
	buf    []byte
	addr   uint64
	lkey   uint32
	rkey   uint32
	access Access
}

// RegisterMemory allocates a provider buffer of size bytes and registers it
// with pd. The region id is drawn from ids.
func RegisterMemory(pd *ProtectionDomain, ids *RegionIDs, size int, access Access) (*MemoryRegion, error) {
	if pd == nil || pd.handle == 0 {
		return nil, &ResourceError{Resource: "memory region", Err: ErrClosed}
	}
	if ids == nil {
		return nil, &ResourceError{Resource: "memory region", Err: fmt.Errorf("nil region id allocator")}
	}
	if size <= 0 {
		return nil, &ResourceError{Resource: "memory region", Err: fmt.Errorf("invalid size %d", size)}
	}
	if access == 0 {
		access = AccessLocalWrite
	}

	p := pd.device.provider
	buf, err := p.AllocBuffer(size)
	if err != nil {
		return nil, &ResourceError{Resource: fmt.Sprintf("buffer of %d bytes", size), Err: err}
	}
	keys, err := p.RegisterMemory(pd.handle, buf, access)
	if err != nil {
		_ = p.FreeBuffer(buf)
		return nil, &ResourceError{Resource: fmt.Sprintf("memory region of %d bytes", size), Err: err}
	}
	pd.regions.Add(1)

	return &MemoryRegion{
		pd:     pd,
		id:     ids.Next(),
		handle: keys.Handle,
		buf:    buf,
		addr:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		lkey:   keys.LKey,
		rkey:   keys.RKey,
		access: access,
	}, nil
}

// ID returns the process-unique region id.
func (m *MemoryRegion) ID() uint64 {
	if m == nil {
		return 0
	}
	return m.id
}

// Bytes returns the registered buffer. It is nil after Close.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.buf
}

// Addr returns the virtual address of the first byte of the region.
func (m *MemoryRegion) Addr() uint64 {
	if m == nil {
		return 0
	}
	return m.addr
}

// Size returns the registered length in bytes.
func (m *MemoryRegion) Size() int {
	if m == nil {
		return 0
	}
	return len(m.buf)
}

// LKey returns the local key.
func (m *MemoryRegion) LKey() uint32 {
	if m == nil {
		return 0
	}
	return m.lkey
}

// RKey returns the remote key a peer uses for RDMA access.
func (m *MemoryRegion) RKey() uint32 {
	if m == nil {
		return 0
	}
	return m.rkey
}

// Access reports the access flags the region was registered with.
func (m *MemoryRegion) Access() Access {
	if m == nil {
		return 0
	}
	return m.access
}

// Valid reports whether the region is still registered.
func (m *MemoryRegion) Valid() bool {
	return m != nil && m.handle != 0
}

// SGE returns a scatter/gather entry covering the whole region.
func (m *MemoryRegion) SGE() (SGE, error) {
	if !m.Valid() {
		return SGE{}, ErrRegionInvalid
	}
	return SGE{Addr: m.addr, Length: uint32(len(m.buf)), LKey: m.lkey}, nil
}

// Close deregisters the region and then frees its buffer. The region is
// invalidated and never reused.
func (m *MemoryRegion) Close() error {
	if m == nil || m.handle == 0 {
		return nil
	}
	p := m.pd.device.provider
	if err := p.DeregisterMemory(m.handle); err != nil {
		return fmt.Errorf("deregister memory region %d: %w", m.id, err)
	}
	m.pd.regions.Add(-1)
	buf := m.buf
	m.handle = 0
	m.buf = nil
	m.addr = 0
	m.lkey = 0
	m.rkey = 0
	if err := p.FreeBuffer(buf); err != nil {
		return fmt.Errorf("free memory region %d buffer: %w", m.id, err)
	}
	return nil
}
