package bench

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownBenchmark indicates a benchmark name outside the supported set.
	ErrUnknownBenchmark = errors.New("verbsbench: unknown benchmark")
	// ErrUnknownTransport indicates a transport name outside the supported set.
	ErrUnknownTransport = errors.New("verbsbench: unknown transport")
	// ErrUnknownRole indicates a mode other than server or client.
	ErrUnknownRole = errors.New("verbsbench: unknown mode")
	// ErrUnsupportedCombination indicates a benchmark/transport pairing that cannot run.
	ErrUnsupportedCombination = errors.New("verbsbench: unsupported benchmark and transport combination")
)

// Benchmark selects the traffic pattern.
type Benchmark int

const (
	BenchmarkUnidirectional Benchmark = iota
	BenchmarkBidirectional
	BenchmarkPingPong
)

func (b Benchmark) String() string {
	switch b {
	case BenchmarkUnidirectional:
		return "unidirectional"
	case BenchmarkBidirectional:
		return "bidirectional"
	case BenchmarkPingPong:
		return "pingpong"
	default:
		return fmt.Sprintf("benchmark(%d)", int(b))
	}
}

// ParseBenchmark converts a CLI name to a Benchmark.
func ParseBenchmark(s string) (Benchmark, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unidirectional", "uni":
		return BenchmarkUnidirectional, nil
	case "bidirectional", "bi":
		return BenchmarkBidirectional, nil
	case "pingpong", "ping-pong":
		return BenchmarkPingPong, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownBenchmark, s)
	}
}

// Transport selects how payloads move between hosts.
type Transport int

const (
	// TransportMsg uses two-sided send/receive.
	TransportMsg Transport = iota
	// TransportRDMA uses one-sided RDMA writes into the peer's receive region.
	TransportRDMA
)

func (t Transport) String() string {
	switch t {
	case TransportMsg:
		return "msg"
	case TransportRDMA:
		return "rdma"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}

// ParseTransport converts a CLI name to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "msg":
		return TransportMsg, nil
	case "rdma":
		return TransportRDMA, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownTransport, s)
	}
}

// Role selects which side of the rendezvous a process plays.
type Role int

const (
	RoleServer Role = iota + 1
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unset"
	}
}

// ParseRole converts a CLI mode to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "server":
		return RoleServer, nil
	case "client":
		return RoleClient, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownRole, s)
	}
}

// CheckCombination reports whether benchmark b can run over transport t.
// Ping-pong relies on receive completions, which RDMA writes never produce.
func CheckCombination(b Benchmark, t Transport) error {
	if b == BenchmarkPingPong && t == TransportRDMA {
		return fmt.Errorf("%w: %s over %s", ErrUnsupportedCombination, b, t)
	}
	return nil
}
