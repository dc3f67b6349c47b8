package verbs

// Handle identifies a provider-owned object (context, PD, CQ, SRQ, QP, MR).
// The zero Handle is never valid.
type Handle uintptr

// Access represents memory and queue pair access permissions.
type Access uint32

const (
	// AccessLocalWrite allows the local adapter to write into the region.
	AccessLocalWrite Access = 1 << 0
	// AccessRemoteWrite allows a peer to RDMA-write into the region.
	AccessRemoteWrite Access = 1 << 1
	// AccessRemoteRead allows a peer to RDMA-read from the region.
	AccessRemoteRead Access = 1 << 2
)

// Has reports whether all bits in want are set.
func (a Access) Has(want Access) bool {
	return a&want == want
}

// MTU is the path MTU used by a reliable connection.
type MTU int

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU size in bytes.
func (m MTU) Bytes() int {
	switch m {
	case MTU256:
		return 256
	case MTU512:
		return 512
	case MTU1024:
		return 1024
	case MTU2048:
		return 2048
	case MTU4096:
		return 4096
	default:
		return 0
	}
}

// Opcode selects the operation performed by a send work request.
type Opcode int

const (
	OpSend Opcode = iota
	OpRDMAWrite
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpRDMAWrite:
		return "rdma_write"
	default:
		return "unknown"
	}
}

// SendFlags modify how a send work request is processed.
type SendFlags uint32

const (
	// SendSignaled requests a work completion for the request.
	SendSignaled SendFlags = 1 << 0
)

// SGE is a scatter/gather entry: a registered buffer segment.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// SendWR is a send queue work request. SGList usually aliases a single
// connection-owned entry so that every request in a batch references the
// same registered buffer.
type SendWR struct {
	ID         uint64
	SGList     []SGE
	Opcode     Opcode
	Flags      SendFlags
	RemoteAddr uint64
	RKey       uint32
}

// RecvWR is a receive queue work request.
type RecvWR struct {
	ID     uint64
	SGList []SGE
}

// WCOpcode reports which operation produced a work completion.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRecv
)

func (o WCOpcode) String() string {
	switch o {
	case WCOpSend:
		return "send"
	case WCOpRDMAWrite:
		return "rdma_write"
	case WCOpRecv:
		return "recv"
	default:
		return "unknown"
	}
}

// WorkCompletion is a single completion queue entry.
type WorkCompletion struct {
	ID        uint64
	Status    WCStatus
	Opcode    WCOpcode
	ByteLen   uint32
	QPN       uint32
	VendorErr uint32
}

// DeviceInfo describes an opened device context.
type DeviceInfo struct {
	Handle Handle
	Name   string
	// LID is the local identifier of port 1, used as the endpoint id in the
	// connection handshake.
	LID uint16
}

// RegionKeys are returned by a successful memory registration.
type RegionKeys struct {
	Handle Handle
	LKey   uint32
	RKey   uint32
}

// QPInitAttr describes a reliable-connected queue pair to create.
type QPInitAttr struct {
	SendCQ   Handle
	RecvCQ   Handle
	SRQ      Handle
	Capacity int
	MaxSGE   int
}

// QPInfo describes a created queue pair.
type QPInfo struct {
	Handle Handle
	QPN    uint32
}

// QPAttr carries the attributes for a single state transition. Only the
// fields relevant to State are consulted by providers.
type QPAttr struct {
	State QPState

	// INIT
	PortNum   uint8
	PKeyIndex uint16
	Access    Access

	// RTR
	PathMTU         MTU
	DestQPN         uint32
	DestLID         uint16
	RQPSN           uint32
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	ServiceLevel    uint8

	// RTS
	SQPSN       uint32
	Timeout     uint8
	RetryCount  uint8
	RNRRetry    uint8
	MaxRdAtomic uint8
}
