package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/rocketbitz/verbsbench/bench"
	"github.com/rocketbitz/verbsbench/internal/config"
	"github.com/rocketbitz/verbsbench/internal/perfcounter"
	"github.com/rocketbitz/verbsbench/internal/report"
	"github.com/rocketbitz/verbsbench/verbs"
	"github.com/rocketbitz/verbsbench/verbs/loopback"
)

const instrumentationName = "github.com/rocketbitz/verbsbench"

// session is one side of a benchmark: resources, connection, run, report.
type session struct {
	cfg      *config.Config
	provider verbs.Provider
	hooks    bench.Hooks
	log      *zap.SugaredLogger
	out      io.Writer
	diag     io.Writer
	// ln, when set, is the already bound rendezvous listener of a server.
	ln net.Listener
	// regions is shared by sessions living on the same loopback fabric.
	regions *verbs.RegionIDs
}

func runBenchmark(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()
	log := newLogger(cmd.ErrOrStderr(), cfg.Verbosity)
	defer func() { _ = log.Sync() }()

	if !isRoot() {
		log.Warnw("not running as root, memory registration may fail if the locked memory limit is low")
	}

	provider, err := newProvider(cfg.Provider)
	if err != nil {
		return err
	}
	if cfg.Provider == config.ProviderLoopback {
		log.Warnw("loopback provider only reaches peers in this process, see the selftest command")
	}

	hooks := bench.Hooks{
		Logger:           log,
		StructuredLogger: log,
		Tracer:           bench.NewOTelTracer(otel.Tracer(instrumentationName)),
	}
	if cfg.MetricsAddr != "" {
		metrics, shutdown, err := serveMetrics(cfg.MetricsAddr, log)
		if err != nil {
			return err
		}
		defer shutdown()
		hooks.Metrics = metrics
	}

	s := &session{
		cfg:      cfg,
		provider: provider,
		hooks:    hooks,
		log:      log,
		out:      cmd.OutOrStdout(),
		diag:     cmd.ErrOrStderr(),
	}
	return s.run(ctx)
}

func newProvider(name string) (verbs.Provider, error) {
	switch name {
	case config.ProviderLoopback:
		return loopback.New().Provider(), nil
	case config.ProviderHardware:
		return verbs.NewHardwareProvider()
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnknownProvider, name)
	}
}

// serveMetrics exposes a private registry on addr until shutdown is called.
func serveMetrics(addr string, log *zap.SugaredLogger) (bench.MetricHook, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := bench.NewPrometheusMetrics(bench.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		return nil, nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()
	log.Infow("serving metrics", "address", ln.Addr().String())

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return metrics, shutdown, nil
}

func (s *session) run(ctx context.Context) error {
	size, err := s.cfg.MessageSize()
	if err != nil {
		return err
	}
	bc, err := s.cfg.Bench()
	if err != nil {
		return err
	}
	bc.Hooks = s.hooks

	res, err := bench.OpenResources(s.provider, bench.ResourceConfig{
		Device:             s.cfg.Device,
		Capacity:           s.cfg.QueueSize,
		SharedReceiveQueue: s.cfg.SharedRecv,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Close(); err != nil {
			s.log.Warnw("release resources", "error", err)
		}
	}()

	rts := s.cfg.RTSAttr()
	conn, err := bench.NewConnection(res, bench.ConnectionConfig{
		MessageSize: size,
		Capacity:    s.cfg.QueueSize,
		Regions:     s.regions,
		RTS:         &rts,
		Hooks:       s.hooks,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.log.Warnw("close connection", "error", err)
		}
	}()

	if err := s.connect(ctx, conn, bc.Role); err != nil {
		return err
	}

	var sampler *perfcounter.Sampler
	if s.cfg.CounterMode() == perfcounter.ModeCompat {
		sampler, err = perfcounter.Open(s.cfg.Device)
		if err != nil {
			return err
		}
	}

	result, err := bench.Run(ctx, conn, bc)
	if err != nil {
		return err
	}

	opts := report.Options{Verbosity: s.cfg.Verbosity}
	if sampler != nil {
		delta, err := sampler.Delta()
		if err != nil {
			return err
		}
		opts.Counters = &delta
		if s.cfg.Verbosity >= 5 {
			_ = perfcounter.Print(s.diag, sampler.Device(), sampler.Port(), delta)
		}
	}
	return report.Write(s.out, result, opts)
}

func (s *session) connect(ctx context.Context, conn *bench.Connection, role bench.Role) error {
	switch {
	case role == bench.RoleClient:
		return conn.Dial(ctx, s.cfg.Remote, s.cfg.Port, s.cfg.Address)
	case s.ln != nil:
		rv, err := bench.AcceptListener(ctx, s.ln)
		if err != nil {
			return err
		}
		if err := conn.Establish(ctx, rv); err != nil {
			_ = rv.Close()
			return err
		}
		return nil
	default:
		return conn.Accept(ctx, s.cfg.Address, s.cfg.Port)
	}
}
