// Package verbs models the RDMA verbs resources a point-to-point benchmark
// needs: device context, protection domain, registered memory, completion
// queues, shared receive queues and reliable-connected queue pairs.
//
// Resources are obtained from a Provider. The loopback subpackage implements
// an in-process fabric; the hardware provider wraps libibverbs and is only
// compiled with the rdma_hw build tag.
package verbs

// Provider is the capability interface to an RDMA implementation. Providers
// perform no bookkeeping beyond what the hardware does; state tracking and
// validation live in the wrapper types of this package.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	OpenDevice(name string) (DeviceInfo, error)
	CloseDevice(dev Handle) error

	AllocPD(dev Handle) (Handle, error)
	DeallocPD(pd Handle) error

	// AllocBuffer returns memory suitable for registration. Hardware
	// providers allocate outside the Go heap.
	AllocBuffer(size int) ([]byte, error)
	FreeBuffer(buf []byte) error
	RegisterMemory(pd Handle, buf []byte, access Access) (RegionKeys, error)
	DeregisterMemory(mr Handle) error

	CreateCQ(dev Handle, capacity int) (Handle, error)
	DestroyCQ(cq Handle) error
	// PollCQ fills wcs with up to len(wcs) completions and returns the count.
	PollCQ(cq Handle, wcs []WorkCompletion) (int, error)

	CreateSRQ(pd Handle, capacity int) (Handle, error)
	DestroySRQ(srq Handle) error

	CreateQP(pd Handle, attr QPInitAttr) (QPInfo, error)
	ModifyQP(qp Handle, attr QPAttr) error
	DestroyQP(qp Handle) error

	// PostSend posts chain as a single linked list of work requests.
	PostSend(qp Handle, chain []SendWR) error
	// PostRecv posts chain as a single linked list of receive requests.
	PostRecv(qp Handle, chain []RecvWR) error
}
