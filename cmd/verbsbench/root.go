package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rocketbitz/verbsbench/internal/config"
)

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"mode":           "mode",
	"remote":         "remote",
	"address":        "address",
	"benchmark":      "benchmark",
	"transport":      "transport",
	"size":           "size",
	"count":          "count",
	"qsize":          "queue_size",
	"port":           "port",
	"verbosity":      "verbosity",
	"raw-statistics": "raw_statistics",
	"send-cpu":       "send_cpu",
	"recv-cpu":       "recv_cpu",
	"provider":       "provider",
	"device":         "device",
	"srq":            "shared_receive_queue",
	"metrics-addr":   "metrics_addr",
}

type rootOptions struct {
	v          *viper.Viper
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "verbsbench",
		Short: "Point-to-point InfiniBand verbs benchmark",
		Long: `verbsbench measures throughput and latency between two hosts over a
reliable-connected queue pair. Start one side as server and the other as
client pointing at it:

  verbsbench -m server
  verbsbench -m client -r node01

Settings may also come from a YAML file (--config) or from environment
variables prefixed with VERBSBENCH_, e.g. VERBSBENCH_QUEUE_SIZE=64.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runBenchmark(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flags.StringP("mode", "m", "", "operating mode (server/client), required")
	flags.StringP("remote", "r", "", "remote hostname, required in client mode")
	flags.StringP("address", "a", "", "address to bind the local socket to")
	flags.StringP("benchmark", "b", "unidirectional", "benchmark: unidirectional, bidirectional or pingpong")
	flags.StringP("transport", "t", "msg", "transport: msg or rdma")
	flags.StringP("size", "s", "1024", "message size in bytes, unit suffixes such as 4k are accepted")
	flags.Uint64P("count", "c", 1000000, "number of messages to send")
	flags.IntP("qsize", "q", 100, "queue pair size")
	flags.IntP("port", "p", 8888, "TCP port used to exchange the connection information")
	flags.IntP("verbosity", "v", 4, "0 raw results, 1 fatal errors, 2 errors, 3 warnings, 4 all messages, 5 debug")
	flags.String("raw-statistics", "off", "port counters: off or compat (mad needs libibmad and is rejected)")
	flags.Int("send-cpu", 0, "CPU the send worker is pinned to, negative disables pinning")
	flags.Int("recv-cpu", 1, "CPU the receive worker is pinned to, negative disables pinning")
	flags.String("provider", config.ProviderHardware, "verbs provider: hardware or loopback")
	flags.String("device", "", "InfiniBand device, empty selects the first one")
	flags.Bool("srq", false, "bind receives to a shared receive queue")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address during the run")

	if err := bindFlags(opts.v, flags); err != nil {
		panic(err)
	}

	cmd.AddCommand(newSelftestCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// load resolves and validates the effective configuration.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.v, o.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
