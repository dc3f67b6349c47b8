package bench

import (
	"errors"
	"testing"
)

func TestParseNames(t *testing.T) {
	benchmarks := map[string]Benchmark{
		"uni": BenchmarkUnidirectional, "Unidirectional": BenchmarkUnidirectional,
		"bi": BenchmarkBidirectional, " bidirectional ": BenchmarkBidirectional,
		"pingpong": BenchmarkPingPong, "ping-pong": BenchmarkPingPong,
	}
	for in, want := range benchmarks {
		got, err := ParseBenchmark(in)
		if err != nil || got != want {
			t.Fatalf("ParseBenchmark(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseBenchmark("multicast"); !errors.Is(err, ErrUnknownBenchmark) {
		t.Fatalf("expected ErrUnknownBenchmark, got %v", err)
	}

	for in, want := range map[string]Transport{"msg": TransportMsg, "RDMA": TransportRDMA} {
		got, err := ParseTransport(in)
		if err != nil || got != want {
			t.Fatalf("ParseTransport(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseTransport("udp"); !errors.Is(err, ErrUnknownTransport) {
		t.Fatalf("expected ErrUnknownTransport, got %v", err)
	}

	for in, want := range map[string]Role{"server": RoleServer, "Client": RoleClient} {
		got, err := ParseRole(in)
		if err != nil || got != want {
			t.Fatalf("ParseRole(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseRole("proxy"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	if Role(0).String() != "unset" {
		t.Fatalf("zero role should print as unset")
	}
}

func TestConfigValidate(t *testing.T) {
	ok := Config{Role: RoleClient, Benchmark: BenchmarkPingPong, Transport: TransportMsg, Count: 1}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := Config{Benchmark: BenchmarkPingPong, Transport: TransportRDMA}
	err := bad.Validate()
	for _, want := range []error{ErrUnknownRole, ErrUnsupportedCombination} {
		if !errors.Is(err, want) {
			t.Fatalf("expected %v in %v", want, err)
		}
	}
}

func TestCheckCombination(t *testing.T) {
	for _, b := range []Benchmark{BenchmarkUnidirectional, BenchmarkBidirectional, BenchmarkPingPong} {
		for _, tr := range []Transport{TransportMsg, TransportRDMA} {
			err := CheckCombination(b, tr)
			if (b == BenchmarkPingPong && tr == TransportRDMA) != (err != nil) {
				t.Fatalf("CheckCombination(%s, %s) = %v", b, tr, err)
			}
		}
	}
}

func TestCompletionStatusLabel(t *testing.T) {
	if got := completionStatus(errors.New("plain")); got != "error" {
		t.Fatalf("plain error label = %q", got)
	}
}
