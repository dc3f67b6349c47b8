package verbs

import (
	"fmt"
	"sync/atomic"
)

// Device is an opened RDMA device context.
type Device struct {
	provider Provider
	handle   Handle
	name     string
	lid      uint16
	closed   atomic.Bool
}

// OpenDevice opens the named device, or the first available one when name is empty.
func OpenDevice(p Provider, name string) (*Device, error) {
	if p == nil {
		return nil, &ResourceError{Resource: "device", Err: ErrProviderUnavailable}
	}
	info, err := p.OpenDevice(name)
	if err != nil {
		return nil, &ResourceError{Resource: "device", Err: err}
	}
	return &Device{provider: p, handle: info.Handle, name: info.Name, lid: info.LID}, nil
}

// Provider returns the provider the device was opened with.
func (d *Device) Provider() Provider {
	if d == nil {
		return nil
	}
	return d.provider
}

// Handle returns the provider handle.
func (d *Device) Handle() Handle {
	if d == nil {
		return 0
	}
	return d.handle
}

// Name returns the device name (for example mlx5_0).
func (d *Device) Name() string {
	if d == nil {
		return ""
	}
	return d.name
}

// LID returns the local identifier of the device's first port.
func (d *Device) LID() uint16 {
	if d == nil {
		return 0
	}
	return d.lid
}

// Close releases the device context.
func (d *Device) Close() error {
	if d == nil || !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := d.provider.CloseDevice(d.handle); err != nil {
		d.closed.Store(false)
		return fmt.Errorf("close device %s: %w", d.name, err)
	}
	d.handle = 0
	return nil
}

// ProtectionDomain groups memory regions and queue pairs that may be used together.
type ProtectionDomain struct {
	device  *Device
	handle  Handle
	name    string
	regions atomic.Int32
	closed  atomic.Bool
}

// AllocProtectionDomain allocates a protection domain on dev.
func AllocProtectionDomain(dev *Device, name string) (*ProtectionDomain, error) {
	if dev == nil || dev.handle == 0 {
		return nil, &ResourceError{Resource: "protection domain", Err: ErrClosed}
	}
	h, err := dev.provider.AllocPD(dev.handle)
	if err != nil {
		return nil, &ResourceError{Resource: fmt.Sprintf("protection domain %q", name), Err: err}
	}
	return &ProtectionDomain{device: dev, handle: h, name: name}, nil
}

// Name returns the label the domain was allocated with.
func (pd *ProtectionDomain) Name() string {
	if pd == nil {
		return ""
	}
	return pd.name
}

// Device returns the owning device.
func (pd *ProtectionDomain) Device() *Device {
	if pd == nil {
		return nil
	}
	return pd.device
}

// Handle returns the provider handle.
func (pd *ProtectionDomain) Handle() Handle {
	if pd == nil {
		return 0
	}
	return pd.handle
}

// Regions reports how many memory regions are currently registered in the domain.
func (pd *ProtectionDomain) Regions() int {
	if pd == nil {
		return 0
	}
	return int(pd.regions.Load())
}

// Close deallocates the protection domain. All regions and queue pairs must
// have been released first.
func (pd *ProtectionDomain) Close() error {
	if pd == nil || !pd.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := pd.device.provider.DeallocPD(pd.handle); err != nil {
		pd.closed.Store(false)
		return fmt.Errorf("deallocate protection domain %q: %w", pd.name, err)
	}
	pd.handle = 0
	pd.regions.Store(0)
	return nil
}

// CompletionQueue receives work completions for one or more queue pairs.
type CompletionQueue struct {
	device   *Device
	handle   Handle
	capacity int
	wcs      []WorkCompletion
	closed   atomic.Bool
}

// CreateCompletionQueue creates a completion queue with room for capacity entries.
func CreateCompletionQueue(dev *Device, capacity int) (*CompletionQueue, error) {
	if dev == nil || dev.handle == 0 {
		return nil, &ResourceError{Resource: "completion queue", Err: ErrClosed}
	}
	if capacity <= 0 {
		return nil, &ResourceError{Resource: "completion queue", Err: fmt.Errorf("invalid capacity %d", capacity)}
	}
	h, err := dev.provider.CreateCQ(dev.handle, capacity)
	if err != nil {
		return nil, &ResourceError{Resource: fmt.Sprintf("completion queue with size %d", capacity), Err: err}
	}
	return &CompletionQueue{
		device:   dev,
		handle:   h,
		capacity: capacity,
		wcs:      make([]WorkCompletion, capacity),
	}, nil
}

// Capacity returns the number of entries the queue was created with.
func (cq *CompletionQueue) Capacity() int {
	if cq == nil {
		return 0
	}
	return cq.capacity
}

// Handle returns the provider handle.
func (cq *CompletionQueue) Handle() Handle {
	if cq == nil {
		return 0
	}
	return cq.handle
}

// Poll drains up to Capacity completions in a single provider call. Any
// non-successful completion is returned as a *CompletionError naming the
// status; the count of entries examined so far is returned alongside it.
//
// Poll reuses an internal scratch array and must only be called from one
// goroutine at a time.
func (cq *CompletionQueue) Poll(queue string) (int, error) {
	if cq == nil || cq.closed.Load() {
		return 0, ErrClosed
	}
	n, err := cq.device.provider.PollCQ(cq.handle, cq.wcs)
	if err != nil {
		return 0, fmt.Errorf("verbs: poll %s completion queue: %w", queue, err)
	}
	for i := 0; i < n; i++ {
		wc := cq.wcs[i]
		if wc.Status != WCSuccess {
			return i, &CompletionError{
				Queue:     queue,
				Status:    wc.Status,
				WRID:      wc.ID,
				QPN:       wc.QPN,
				VendorErr: wc.VendorErr,
			}
		}
	}
	return n, nil
}

// Completions returns the entries filled by the most recent Poll.
func (cq *CompletionQueue) Completions(n int) []WorkCompletion {
	if cq == nil || n <= 0 {
		return nil
	}
	if n > len(cq.wcs) {
		n = len(cq.wcs)
	}
	return cq.wcs[:n]
}

// Close destroys the completion queue.
func (cq *CompletionQueue) Close() error {
	if cq == nil || !cq.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := cq.device.provider.DestroyCQ(cq.handle); err != nil {
		cq.closed.Store(false)
		return fmt.Errorf("destroy completion queue with size %d: %w", cq.capacity, err)
	}
	cq.handle = 0
	cq.wcs = nil
	return nil
}

// SharedReceiveQueue is a receive queue shared between queue pairs of a domain.
type SharedReceiveQueue struct {
	pd       *ProtectionDomain
	handle   Handle
	capacity int
	closed   atomic.Bool
}

// CreateSharedReceiveQueue creates a shared receive queue with room for capacity requests.
func CreateSharedReceiveQueue(pd *ProtectionDomain, capacity int) (*SharedReceiveQueue, error) {
	if pd == nil || pd.handle == 0 {
		return nil, &ResourceError{Resource: "shared receive queue", Err: ErrClosed}
	}
	h, err := pd.device.provider.CreateSRQ(pd.handle, capacity)
	if err != nil {
		return nil, &ResourceError{Resource: fmt.Sprintf("shared receive queue with size %d", capacity), Err: err}
	}
	return &SharedReceiveQueue{pd: pd, handle: h, capacity: capacity}, nil
}

// Handle returns the provider handle.
func (s *SharedReceiveQueue) Handle() Handle {
	if s == nil {
		return 0
	}
	return s.handle
}

// Capacity returns the number of requests the queue was created with.
func (s *SharedReceiveQueue) Capacity() int {
	if s == nil {
		return 0
	}
	return s.capacity
}

// Close destroys the shared receive queue.
func (s *SharedReceiveQueue) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.pd.device.provider.DestroySRQ(s.handle); err != nil {
		s.closed.Store(false)
		return fmt.Errorf("destroy shared receive queue with size %d: %w", s.capacity, err)
	}
	s.handle = 0
	return nil
}
