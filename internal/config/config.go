// Package config loads the benchmark settings from flags, environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/rocketbitz/verbsbench/bench"
	"github.com/rocketbitz/verbsbench/internal/perfcounter"
	"github.com/rocketbitz/verbsbench/verbs"
)

// EnvPrefix prefixes every environment override, e.g. VERBSBENCH_COUNT.
const EnvPrefix = "VERBSBENCH"

// Providers accepted by the provider setting.
const (
	ProviderHardware = "hardware"
	ProviderLoopback = "loopback"
)

// Config holds every benchmark setting.
type Config struct {
	Mode          string      `mapstructure:"mode" yaml:"mode"`
	Remote        string      `mapstructure:"remote" yaml:"remote"`
	Address       string      `mapstructure:"address" yaml:"address"`
	Benchmark     string      `mapstructure:"benchmark" yaml:"benchmark"`
	Transport     string      `mapstructure:"transport" yaml:"transport"`
	Size          string      `mapstructure:"size" yaml:"size"`
	Count         uint64      `mapstructure:"count" yaml:"count"`
	QueueSize     int         `mapstructure:"queue_size" yaml:"queue_size"`
	Port          int         `mapstructure:"port" yaml:"port"`
	Verbosity     int         `mapstructure:"verbosity" yaml:"verbosity"`
	RawStatistics string      `mapstructure:"raw_statistics" yaml:"raw_statistics"`
	SendCPU       int         `mapstructure:"send_cpu" yaml:"send_cpu"`
	RecvCPU       int         `mapstructure:"recv_cpu" yaml:"recv_cpu"`
	Provider      string      `mapstructure:"provider" yaml:"provider"`
	Device        string      `mapstructure:"device" yaml:"device"`
	SharedRecv    bool        `mapstructure:"shared_receive_queue" yaml:"shared_receive_queue"`
	MetricsAddr   string      `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	Retry         RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig holds the queue pair retry attributes applied on RTR -> RTS.
type RetryConfig struct {
	AckTimeout uint8 `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	RetryCount uint8 `mapstructure:"retry_count" yaml:"retry_count"`
	RNRRetry   uint8 `mapstructure:"rnr_retry" yaml:"rnr_retry"`
}

// Load builds the configuration from v. Flags bound to v win over the
// environment, which wins over the config file, which wins over defaults.
// An empty path skips the config file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	rts := verbs.DefaultRTSAttr()
	v.SetDefault("mode", "")
	v.SetDefault("remote", "")
	v.SetDefault("address", "")
	v.SetDefault("benchmark", "unidirectional")
	v.SetDefault("transport", "msg")
	v.SetDefault("size", "1024")
	v.SetDefault("count", 1000000)
	v.SetDefault("queue_size", 100)
	v.SetDefault("port", 8888)
	v.SetDefault("verbosity", 4)
	v.SetDefault("raw_statistics", string(perfcounter.ModeOff))
	v.SetDefault("send_cpu", 0)
	v.SetDefault("recv_cpu", 1)
	v.SetDefault("provider", ProviderHardware)
	v.SetDefault("device", "")
	v.SetDefault("shared_receive_queue", false)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("retry.ack_timeout", rts.Timeout)
	v.SetDefault("retry.retry_count", rts.RetryCount)
	v.SetDefault("retry.rnr_retry", rts.RNRRetry)
}

// ValidationError lists every problem found by Validate.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return "config: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() []error { return e.Problems }

var (
	// ErrMissingMode indicates that neither server nor client was requested.
	ErrMissingMode = errors.New("mode is required (server or client)")
	// ErrMissingRemote indicates a client without a server to dial.
	ErrMissingRemote = errors.New("remote is required in client mode")
	// ErrUnknownProvider indicates a provider other than hardware or loopback.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Mode) == "" {
		add(ErrMissingMode)
	} else if role, err := bench.ParseRole(c.Mode); err != nil {
		add(err)
	} else if role == bench.RoleClient && c.Remote == "" {
		add(ErrMissingRemote)
	}

	b, errB := bench.ParseBenchmark(c.Benchmark)
	add(errB)
	t, errT := bench.ParseTransport(c.Transport)
	add(errT)
	if errB == nil && errT == nil {
		add(bench.CheckCombination(b, t))
	}

	if _, err := c.MessageSize(); err != nil {
		add(err)
	}
	if c.Count == 0 {
		add(errors.New("count must be positive"))
	}
	if c.QueueSize <= 0 {
		add(fmt.Errorf("queue size must be positive, got %d", c.QueueSize))
	}
	if c.Port <= 0 || c.Port > 65535 {
		add(fmt.Errorf("port %d out of range", c.Port))
	}

	if mode, err := perfcounter.ParseMode(c.RawStatistics); err != nil {
		add(err)
	} else if mode == perfcounter.ModeMAD {
		add(perfcounter.ErrMADUnsupported)
	}

	switch c.Provider {
	case ProviderHardware, ProviderLoopback:
	default:
		add(fmt.Errorf("%w %q", ErrUnknownProvider, c.Provider))
	}

	add(verbs.ValidateRTSAttr(c.RTSAttr()))

	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Problems: errs}
}

// MessageSize parses Size. Plain numbers are bytes; suffixes such as 4k or
// 1MiB are binary multiples.
func (c *Config) MessageSize() (int, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(c.Size))
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", c.Size, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got %d", n)
	}
	if n > int64(^uint32(0)) {
		return 0, fmt.Errorf("size %d exceeds a single scatter/gather entry", n)
	}
	return int(n), nil
}

// RTSAttr returns the RTR -> RTS attributes with the configured retries.
func (c *Config) RTSAttr() verbs.QPAttr {
	attr := verbs.DefaultRTSAttr()
	attr.Timeout = c.Retry.AckTimeout
	attr.RetryCount = c.Retry.RetryCount
	attr.RNRRetry = c.Retry.RNRRetry
	return attr
}

// CounterMode returns the parsed raw statistics mode. A client never
// samples counters since its results are reported by the server.
func (c *Config) CounterMode() perfcounter.Mode {
	mode, err := perfcounter.ParseMode(c.RawStatistics)
	if err != nil {
		return perfcounter.ModeOff
	}
	if role, _ := bench.ParseRole(c.Mode); role == bench.RoleClient {
		return perfcounter.ModeOff
	}
	return mode
}

// Bench converts the validated settings into a bench.Config. Hooks, the
// timer and the clock are left for the caller.
func (c *Config) Bench() (bench.Config, error) {
	role, err := bench.ParseRole(c.Mode)
	if err != nil {
		return bench.Config{}, err
	}
	b, err := bench.ParseBenchmark(c.Benchmark)
	if err != nil {
		return bench.Config{}, err
	}
	t, err := bench.ParseTransport(c.Transport)
	if err != nil {
		return bench.Config{}, err
	}
	return bench.Config{
		Role:      role,
		Benchmark: b,
		Transport: t,
		Count:     c.Count,
		SendCPU:   c.SendCPU,
		RecvCPU:   c.RecvCPU,
	}, nil
}
