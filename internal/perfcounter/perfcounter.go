// Package perfcounter samples InfiniBand port counters exposed under
// /sys/class/infiniband so a run can report what actually crossed the wire.
package perfcounter

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/procfs/sysfs"
)

// Mode selects where port counters come from.
type Mode string

const (
	// ModeOff disables counter sampling.
	ModeOff Mode = "off"
	// ModeCompat reads the sysfs counter files.
	ModeCompat Mode = "compat"
	// ModeMAD queries the port through libibmad. Not supported.
	ModeMAD Mode = "mad"
)

var (
	// ErrUnknownMode indicates a counter mode outside off, compat and mad.
	ErrUnknownMode = errors.New("perfcounter: unknown mode")
	// ErrMADUnsupported indicates the libibmad backend, which this build does not carry.
	ErrMADUnsupported = errors.New("perfcounter: mad counters are not supported, use compat")
	// ErrNoDevice indicates that sysfs lists no matching InfiniBand device.
	ErrNoDevice = errors.New("perfcounter: infiniband device not found")
	// ErrNoPort indicates a device without the requested port.
	ErrNoPort = errors.New("perfcounter: port not found")
	// ErrMissingCounter indicates a port that does not expose a required counter.
	ErrMissingCounter = errors.New("perfcounter: counter not exposed")
)

// ParseMode converts a CLI value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeOff:
		return ModeOff, nil
	case ModeCompat, ModeMAD:
		return m, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownMode, s)
	}
}

// Counter names one sampled port counter.
type Counter int

const (
	XmitPackets Counter = iota
	XmitBytes
	RcvPackets
	RcvBytes
)

func (c Counter) String() string {
	switch c {
	case XmitPackets:
		return "port_xmit_packets"
	case XmitBytes:
		return "port_xmit_data"
	case RcvPackets:
		return "port_rcv_packets"
	case RcvBytes:
		return "port_rcv_data"
	}
	return ""
}

// Counters holds one reading. Byte counters are in octets; the kernel
// exposes data counters in 4-octet words and procfs scales them.
type Counters struct {
	XmitPackets uint64
	XmitBytes   uint64
	RcvPackets  uint64
	RcvBytes    uint64
}

// Since computes c - old. A counter that went backwards (reset by another
// tool) reads as zero.
func (c Counters) Since(old Counters) Counters {
	sub := func(now, prev uint64) uint64 {
		if now < prev {
			return 0
		}
		return now - prev
	}
	return Counters{
		XmitPackets: sub(c.XmitPackets, old.XmitPackets),
		XmitBytes:   sub(c.XmitBytes, old.XmitBytes),
		RcvPackets:  sub(c.RcvPackets, old.RcvPackets),
		RcvBytes:    sub(c.RcvBytes, old.RcvBytes),
	}
}

// Get returns the value of one counter.
func (c Counters) Get(ctr Counter) uint64 {
	switch ctr {
	case XmitPackets:
		return c.XmitPackets
	case XmitBytes:
		return c.XmitBytes
	case RcvPackets:
		return c.RcvPackets
	case RcvBytes:
		return c.RcvBytes
	}
	return 0
}

// DefaultPort is the port the benchmark samples.
const DefaultPort = 1

// Option configures a Sampler.
type Option func(*Sampler)

// WithSysfs reads counters below mountPoint instead of /sys.
func WithSysfs(mountPoint string) Option {
	return func(s *Sampler) { s.mount = mountPoint }
}

// WithPort samples port instead of DefaultPort.
func WithPort(port uint) Option {
	return func(s *Sampler) { s.port = port }
}

// Sampler reads one port of one device and remembers a baseline.
type Sampler struct {
	mount  string
	port   uint
	fs     sysfs.FS
	device string
	base   Counters
}

// Open resolves device (the first device in name order when empty), takes
// the baseline reading, and returns the sampler.
func Open(device string, opts ...Option) (*Sampler, error) {
	s := &Sampler{mount: sysfs.DefaultMountPoint, port: DefaultPort, device: device}
	for _, opt := range opts {
		opt(s)
	}
	sysFS, err := sysfs.NewFS(s.mount)
	if err != nil {
		return nil, fmt.Errorf("perfcounter: open sysfs: %w", err)
	}
	s.fs = sysFS
	if err := s.Reset(); err != nil {
		return nil, err
	}
	return s, nil
}

// Device returns the sampled device name.
func (s *Sampler) Device() string { return s.device }

// Port returns the sampled port number.
func (s *Sampler) Port() uint { return s.port }

// Baseline returns the reading taken by the last Reset.
func (s *Sampler) Baseline() Counters { return s.base }

// Reset takes a new baseline.
func (s *Sampler) Reset() error {
	c, err := s.Read()
	if err != nil {
		return err
	}
	s.base = c
	return nil
}

// Read returns the current absolute counter values. The procfs class parser
// gives up on a whole class when any file it expects is absent (mlx5 ports
// without hw_counters, devices without fw_ver); in that case the four port
// counter files are read directly.
func (s *Sampler) Read() (Counters, error) {
	c, err := s.readClass()
	if errors.Is(err, fs.ErrNotExist) {
		return s.readPortFiles()
	}
	return c, err
}

func (s *Sampler) readClass() (Counters, error) {
	class, err := s.fs.InfiniBandClass()
	if err != nil {
		return Counters{}, fmt.Errorf("perfcounter: read infiniband class: %w", err)
	}
	name := s.device
	if name == "" {
		names := make([]string, 0, len(class))
		for n := range class {
			names = append(names, n)
		}
		slices.Sort(names)
		if len(names) == 0 {
			return Counters{}, ErrNoDevice
		}
		name = names[0]
		s.device = name
	}
	dev, ok := class[name]
	if !ok {
		return Counters{}, fmt.Errorf("%w: %s", ErrNoDevice, name)
	}
	port, ok := dev.Ports[s.port]
	if !ok {
		return Counters{}, fmt.Errorf("%w: %s port %d", ErrNoPort, name, s.port)
	}

	pc := port.Counters
	var out Counters
	for _, f := range []struct {
		ctr Counter
		src *uint64
		dst *uint64
	}{
		{XmitPackets, pc.PortXmitPackets, &out.XmitPackets},
		{XmitBytes, pc.PortXmitData, &out.XmitBytes},
		{RcvPackets, pc.PortRcvPackets, &out.RcvPackets},
		{RcvBytes, pc.PortRcvData, &out.RcvBytes},
	} {
		if f.src == nil {
			return Counters{}, fmt.Errorf("%w: %s port %d %s", ErrMissingCounter, name, s.port, f.ctr)
		}
		*f.dst = *f.src
	}
	return out, nil
}

// readPortFiles reads ports/<port>/counters/<file> of the device, scaling
// the data counters from 4-octet words to octets like procfs does.
func (s *Sampler) readPortFiles() (Counters, error) {
	classDir := filepath.Join(s.mount, "class", "infiniband")
	name := s.device
	if name == "" {
		entries, err := os.ReadDir(classDir)
		if err != nil || len(entries) == 0 {
			return Counters{}, ErrNoDevice
		}
		// ReadDir sorts by name.
		name = entries[0].Name()
		s.device = name
	}
	devDir := filepath.Join(classDir, name)
	if _, err := os.Stat(devDir); err != nil {
		return Counters{}, fmt.Errorf("%w: %s", ErrNoDevice, name)
	}
	portDir := filepath.Join(devDir, "ports", strconv.FormatUint(uint64(s.port), 10))
	if _, err := os.Stat(portDir); err != nil {
		return Counters{}, fmt.Errorf("%w: %s port %d", ErrNoPort, name, s.port)
	}

	var out Counters
	for _, f := range []struct {
		ctr   Counter
		dst   *uint64
		scale uint64
	}{
		{XmitPackets, &out.XmitPackets, 1},
		{XmitBytes, &out.XmitBytes, 4},
		{RcvPackets, &out.RcvPackets, 1},
		{RcvBytes, &out.RcvBytes, 4},
	} {
		raw, err := os.ReadFile(filepath.Join(portDir, "counters", f.ctr.String()))
		if err != nil {
			return Counters{}, fmt.Errorf("%w: %s port %d %s", ErrMissingCounter, name, s.port, f.ctr)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return Counters{}, fmt.Errorf("perfcounter: parse %s: %w", f.ctr, err)
		}
		*f.dst = v * f.scale
	}
	return out, nil
}

// Delta returns the counters accumulated since the baseline.
func (s *Sampler) Delta() (Counters, error) {
	now, err := s.Read()
	if err != nil {
		return Counters{}, err
	}
	return now.Since(s.base), nil
}

// Print writes a short human-readable summary of c.
func Print(w io.Writer, device string, port uint, c Counters) error {
	if _, err := fmt.Fprintf(w, "%s port %d:\n", device, port); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
		c.XmitPackets, humanize.IBytes(c.XmitBytes), humanize.Comma(int64(c.XmitBytes))); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
		c.RcvPackets, humanize.IBytes(c.RcvBytes), humanize.Comma(int64(c.RcvBytes)))
	return err
}
