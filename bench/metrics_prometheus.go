package bench

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	// LatencyBuckets overrides the ping-pong latency histogram buckets, in seconds.
	LatencyBuckets []float64
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus collectors.
type PrometheusMetrics struct {
	runStarted       *prometheus.CounterVec
	runCompleted     *prometheus.CounterVec
	runFailed        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	posted           *prometheus.CounterVec
	completed        *prometheus.CounterVec
	polls            *prometheus.CounterVec
	maxPending       *prometheus.GaugeVec
	completionFailed *prometheus.CounterVec
	latency          *prometheus.HistogramVec
}

var (
	runLabelKeys        = []string{labelBenchmark, labelTransport, labelRole, labelProvider}
	flowLabelKeys       = []string{labelBenchmark, labelTransport, labelRole, labelProvider, labelWorker}
	completionLabelKeys = []string{labelBenchmark, labelTransport, labelRole, labelProvider, labelWorker, labelStatus}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus collectors.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := opts.LatencyBuckets
	if len(buckets) == 0 {
		buckets = prometheus.ExponentialBuckets(1e-6, 2, 16)
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		runStarted:   counter("verbsbench_runs_started_total", "Number of benchmark runs started", runLabelKeys),
		runCompleted: counter("verbsbench_runs_completed_total", "Number of benchmark runs that finished", runLabelKeys),
		runFailed:    counter("verbsbench_runs_failed_total", "Number of benchmark runs that returned an error", runLabelKeys),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "verbsbench_run_duration_seconds",
			Help:        "Wall time of completed benchmark runs",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}, runLabelKeys),
		posted:    counter("verbsbench_work_requests_posted_total", "Number of work requests posted by workers", flowLabelKeys),
		completed: counter("verbsbench_work_completions_total", "Number of successful work completions reaped by workers", flowLabelKeys),
		polls:     counter("verbsbench_cq_polls_total", "Number of completion queue polls issued by workers", flowLabelKeys),
		maxPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "verbsbench_max_pending_work_requests",
			Help:        "Highest number of outstanding work requests observed in the last flow",
			ConstLabels: opts.ConstLabels,
		}, flowLabelKeys),
		completionFailed: counter("verbsbench_completion_errors_total", "Number of failed work completions by status", completionLabelKeys),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "verbsbench_pingpong_latency_seconds",
			Help:        "Ping-pong round trip times",
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}, runLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{&p.runStarted, &p.runCompleted, &p.runFailed, &p.posted, &p.completed, &p.polls, &p.completionFailed} {
		if *vec, err = register(reg, *vec); err != nil {
			return nil, err
		}
	}
	if p.runDuration, err = register(reg, p.runDuration); err != nil {
		return nil, err
	}
	if p.latency, err = register(reg, p.latency); err != nil {
		return nil, err
	}
	if p.maxPending, err = register(reg, p.maxPending); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusMetrics) RunStarted(attrs map[string]string) {
	p.runStarted.With(labels(attrs, runLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RunCompleted(elapsed time.Duration, attrs map[string]string) {
	labs := labels(attrs, runLabelKeys...)
	p.runCompleted.With(labs).Inc()
	p.runDuration.With(labs).Observe(elapsed.Seconds())
}

func (p *PrometheusMetrics) RunFailed(_ error, attrs map[string]string) {
	p.runFailed.With(labels(attrs, runLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) FlowCompleted(flow FlowStats, attrs map[string]string) {
	labs := labels(attrs, flowLabelKeys...)
	p.posted.With(labs).Add(float64(flow.Posted))
	p.completed.With(labs).Add(float64(flow.Completed))
	p.polls.With(labs).Add(float64(flow.Polls))
	p.maxPending.With(labs).Set(float64(flow.MaxPending))
}

func (p *PrometheusMetrics) CompletionFailed(_ error, attrs map[string]string) {
	p.completionFailed.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) LatencyObserved(samplesNS []uint64, attrs map[string]string) {
	obs := p.latency.With(labels(attrs, runLabelKeys...))
	for _, ns := range samplesNS {
		obs.Observe(float64(ns) / 1e9)
	}
}

// register adds c to reg, reusing an identical collector that is already
// registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
