//go:build integration

package integration

import (
	"bytes"
	"context"
	"math/rand/v2"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHardwareServerClient runs the benchmark between two processes over a
// real adapter. VERBSBENCH_HW_DEVICE names the device, e.g. mlx5_0.
func TestHardwareServerClient(t *testing.T) {
	device := os.Getenv("VERBSBENCH_HW_DEVICE")
	if device == "" {
		t.Skip("set VERBSBENCH_HW_DEVICE to run the hardware end-to-end test")
	}
	root, err := detectRepoRoot()
	require.NoError(t, err)

	bin := filepath.Join(t.TempDir(), "verbsbench")
	build := exec.Command("go", "build", "-tags", "rdma_hw", "-o", bin, "./cmd/verbsbench")
	build.Dir = root
	out, err := build.CombinedOutput()
	require.NoErrorf(t, err, "build:\n%s", out)

	for _, tc := range []struct {
		name string
		args []string
	}{
		{name: "unidirectional msg", args: []string{"-b", "unidirectional", "-t", "msg"}},
		{name: "bidirectional rdma", args: []string{"-b", "bidirectional", "-t", "rdma"}},
		{name: "pingpong", args: []string{"-b", "pingpong", "-c", "10000"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			port := pickServicePort()
			common := append([]string{"--device", device, "-p", port, "-c", "100000", "-v", "1"}, tc.args...)

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			var serverOut bytes.Buffer
			server := exec.CommandContext(ctx, bin, append([]string{"-m", "server", "-a", "127.0.0.1"}, common...)...)
			server.Stdout = &serverOut
			server.Stderr = &serverOut
			require.NoError(t, server.Start())

			clientOut, err := runClient(ctx, bin, append([]string{"-m", "client", "-r", "127.0.0.1"}, common...))
			require.NoErrorf(t, err, "client:\n%s", clientOut)
			require.Contains(t, string(clientOut), "See results on server!")

			require.NoErrorf(t, server.Wait(), "server:\n%s", serverOut.String())
			require.Contains(t, serverOut.String(), "Results:")
		})
	}
}

// runClient retries while the server is still binding its rendezvous port.
// Probing the port would consume the server's single accept.
func runClient(ctx context.Context, bin string, args []string) ([]byte, error) {
	for {
		out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
		if err == nil || !bytes.Contains(out, []byte("connection refused")) || ctx.Err() != nil {
			return out, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func pickServicePort() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err == nil {
		defer ln.Close()
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			return strconv.Itoa(tcp.Port)
		}
	}
	return strconv.Itoa(40000 + rand.IntN(20000))
}
