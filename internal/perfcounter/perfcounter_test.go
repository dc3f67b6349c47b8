package perfcounter

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSysfs struct {
	root string
}

func newFakeSysfs(t *testing.T, devices ...string) *fakeSysfs {
	t.Helper()
	fs := &fakeSysfs{root: t.TempDir()}
	for _, dev := range devices {
		base := filepath.Join(fs.root, "class", "infiniband", dev)
		fs.write(t, filepath.Join(base, "fw_ver"), "16.35.2000")
		fs.write(t, filepath.Join(base, "board_id"), "MT_0000000010")
		fs.write(t, filepath.Join(base, "hca_type"), "MT4119")
		port := filepath.Join(base, "ports", "1")
		fs.write(t, filepath.Join(port, "state"), "4: ACTIVE")
		fs.write(t, filepath.Join(port, "phys_state"), "5: LinkUp")
		fs.write(t, filepath.Join(port, "rate"), "100 Gb/sec (4X EDR)")
		fs.set(t, dev, Counters{})
	}
	return fs
}

func (fs *fakeSysfs) write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o644))
}

// set writes raw sysfs values; data counters are in 4-octet words.
func (fs *fakeSysfs) set(t *testing.T, dev string, raw Counters) {
	t.Helper()
	dir := filepath.Join(fs.root, "class", "infiniband", dev, "ports", "1", "counters")
	for _, ctr := range []Counter{XmitPackets, XmitBytes, RcvPackets, RcvBytes} {
		fs.write(t, filepath.Join(dir, ctr.String()), strconv.FormatUint(raw.Get(ctr), 10))
	}
}

// addHwCounters gives dev the hw_counters directory mlx5 ports carry.
func (fs *fakeSysfs) addHwCounters(t *testing.T, dev string) {
	t.Helper()
	dir := filepath.Join(fs.root, "class", "infiniband", dev, "ports", "1", "hw_counters")
	fs.write(t, filepath.Join(dir, "out_of_buffer"), "0")
	fs.write(t, filepath.Join(dir, "rnr_nak_retry_err"), "0")
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeOff, "off": ModeOff, "Compat": ModeCompat, "mad": ModeMAD} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("snmp")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestSamplerDelta(t *testing.T) {
	fs := newFakeSysfs(t, "mlx5_0")
	fs.set(t, "mlx5_0", Counters{XmitPackets: 10, XmitBytes: 100, RcvPackets: 20, RcvBytes: 200})

	s, err := Open("mlx5_0", WithSysfs(fs.root))
	require.NoError(t, err)
	assert.Equal(t, Counters{XmitPackets: 10, XmitBytes: 400, RcvPackets: 20, RcvBytes: 800}, s.Baseline())

	fs.set(t, "mlx5_0", Counters{XmitPackets: 1010, XmitBytes: 1100, RcvPackets: 520, RcvBytes: 450})
	d, err := s.Delta()
	require.NoError(t, err)
	assert.Equal(t, Counters{XmitPackets: 1000, XmitBytes: 4000, RcvPackets: 500, RcvBytes: 1000}, d)

	require.NoError(t, s.Reset())
	d, err = s.Delta()
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestSamplerPicksFirstDevice(t *testing.T) {
	fs := newFakeSysfs(t, "mlx5_1", "mlx5_0")
	s, err := Open("", WithSysfs(fs.root))
	require.NoError(t, err)
	assert.Equal(t, "mlx5_0", s.Device())
	assert.Equal(t, uint(DefaultPort), s.Port())
}

func TestSamplerErrors(t *testing.T) {
	fs := newFakeSysfs(t, "mlx5_0")

	_, err := Open("mlx4_0", WithSysfs(fs.root))
	assert.ErrorIs(t, err, ErrNoDevice)

	_, err = Open("mlx5_0", WithSysfs(fs.root), WithPort(2))
	assert.ErrorIs(t, err, ErrNoPort)

	empty := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(empty, "class", "infiniband"), 0o755))
	_, err = Open("", WithSysfs(empty))
	assert.ErrorIs(t, err, ErrNoDevice)

	require.NoError(t, os.Remove(filepath.Join(fs.root, "class", "infiniband", "mlx5_0", "ports", "1", "counters", "port_rcv_data")))
	_, err = Open("mlx5_0", WithSysfs(fs.root))
	assert.ErrorIs(t, err, ErrMissingCounter)
}

func TestSamplerWithoutHwCounters(t *testing.T) {
	raw := Counters{XmitPackets: 7, XmitBytes: 25, RcvPackets: 3, RcvBytes: 50}
	want := Counters{XmitPackets: 7, XmitBytes: 100, RcvPackets: 3, RcvBytes: 200}

	// An mlx5 port without hw_counters, next to a device with the full layout.
	fs := newFakeSysfs(t, "mlx5_0", "mlx5_1")
	fs.addHwCounters(t, "mlx5_1")
	fs.set(t, "mlx5_0", raw)
	s, err := Open("mlx5_0", WithSysfs(fs.root))
	require.NoError(t, err)
	assert.Equal(t, want, s.Baseline())

	// mlx4 ports never have hw_counters.
	fs = newFakeSysfs(t, "mlx4_0")
	fs.set(t, "mlx4_0", raw)
	s, err = Open("", WithSysfs(fs.root))
	require.NoError(t, err)
	assert.Equal(t, "mlx4_0", s.Device())
	assert.Equal(t, want, s.Baseline())
}

func TestSamplerWithHwCounters(t *testing.T) {
	fs := newFakeSysfs(t, "mlx5_0")
	fs.addHwCounters(t, "mlx5_0")
	fs.set(t, "mlx5_0", Counters{XmitPackets: 1, XmitBytes: 2, RcvPackets: 3, RcvBytes: 4})

	s, err := Open("mlx5_0", WithSysfs(fs.root))
	require.NoError(t, err)
	assert.Equal(t, Counters{XmitPackets: 1, XmitBytes: 8, RcvPackets: 3, RcvBytes: 16}, s.Baseline())

	_, err = Open("mlx5_0", WithSysfs(fs.root), WithPort(2))
	assert.ErrorIs(t, err, ErrNoPort)
	_, err = Open("mlx5_9", WithSysfs(fs.root))
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestSamplerWithoutInfinibandClass(t *testing.T) {
	_, err := Open("", WithSysfs(t.TempDir()))
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestSinceClampsResetCounters(t *testing.T) {
	now := Counters{XmitPackets: 5, XmitBytes: 10, RcvPackets: 50, RcvBytes: 100}
	old := Counters{XmitPackets: 10, XmitBytes: 5, RcvPackets: 50, RcvBytes: 200}
	assert.Equal(t, Counters{XmitBytes: 5}, now.Since(old))
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, "mlx5_0", 1, Counters{XmitPackets: 3, XmitBytes: 2048, RcvPackets: 4, RcvBytes: 1 << 20}))
	out := buf.String()
	assert.Contains(t, out, "mlx5_0 port 1:")
	assert.Contains(t, out, "  TX   3             ≈ 2.0 KiB  (2,048)\n")
	assert.Contains(t, out, "  RX   4             ≈ 1.0 MiB  (1,048,576)\n")
}
