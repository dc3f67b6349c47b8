package main

import (
	"io"
	"net"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/verbsbench/bench"
	"github.com/rocketbitz/verbsbench/internal/config"
	"github.com/rocketbitz/verbsbench/verbs"
	"github.com/rocketbitz/verbsbench/verbs/loopback"
)

func newSelftestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Run server and client in-process over the loopback fabric",
		Long: `selftest runs both sides of the configured benchmark inside this process
over an in-memory fabric. It needs no InfiniBand hardware and exercises the
rendezvous, the queue pair state machine and the transfer engine end to end.
The mode, remote, provider and raw-statistics settings are ignored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.v, opts.configPath)
			if err != nil {
				return err
			}
			return runSelftest(cmd, cfg)
		},
	}
}

func runSelftest(cmd *cobra.Command, cfg *config.Config) error {
	log := newLogger(cmd.ErrOrStderr(), cfg.Verbosity)
	defer func() { _ = log.Sync() }()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return err
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	server := *cfg
	server.Mode = "server"
	server.Address = "127.0.0.1"
	server.Port = port
	server.Provider = config.ProviderLoopback
	server.RawStatistics = "off"
	server.MetricsAddr = ""
	if err := server.Validate(); err != nil {
		return err
	}
	client := server
	client.Mode = "client"
	client.Remote = "127.0.0.1"

	fabric := loopback.New()
	var regions verbs.RegionIDs
	tracer := bench.NewOTelTracer(otel.Tracer(instrumentationName))
	newSession := func(c *config.Config, role string, out io.Writer, l net.Listener) *session {
		named := log.With("side", role)
		return &session{
			cfg:      c,
			provider: fabric.Provider(),
			hooks:    bench.Hooks{Logger: named, StructuredLogger: named, Tracer: tracer},
			log:      named,
			out:      out,
			diag:     cmd.ErrOrStderr(),
			ln:       l,
			regions:  &regions,
		}
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return newSession(&server, "server", cmd.OutOrStdout(), ln).run(ctx)
	})
	g.Go(func() error {
		return newSession(&client, "client", io.Discard, nil).run(ctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if live := fabric.Live(); live != 0 {
		log.Warnw("loopback objects left behind", "live", live)
	}
	return nil
}
