package bench

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry instruments.
type OTelMetrics struct {
	meter            metric.Meter
	runStarted       metric.Int64Counter
	runCompleted     metric.Int64Counter
	runFailed        metric.Int64Counter
	runDuration      metric.Float64Histogram
	posted           metric.Int64Counter
	completed        metric.Int64Counter
	polls            metric.Int64Counter
	maxPending       metric.Int64Gauge
	completionFailed metric.Int64Counter
	latency          metric.Float64Histogram
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/verbsbench/bench"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	var err error
	if o.runStarted, err = meter.Int64Counter("verbsbench.run.started"); err != nil {
		return nil, err
	}
	if o.runCompleted, err = meter.Int64Counter("verbsbench.run.completed"); err != nil {
		return nil, err
	}
	if o.runFailed, err = meter.Int64Counter("verbsbench.run.failed"); err != nil {
		return nil, err
	}
	if o.runDuration, err = meter.Float64Histogram("verbsbench.run.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if o.posted, err = meter.Int64Counter("verbsbench.work_requests.posted"); err != nil {
		return nil, err
	}
	if o.completed, err = meter.Int64Counter("verbsbench.work_completions"); err != nil {
		return nil, err
	}
	if o.polls, err = meter.Int64Counter("verbsbench.cq.polls"); err != nil {
		return nil, err
	}
	if o.maxPending, err = meter.Int64Gauge("verbsbench.work_requests.max_pending"); err != nil {
		return nil, err
	}
	if o.completionFailed, err = meter.Int64Counter("verbsbench.completion.errors"); err != nil {
		return nil, err
	}
	if o.latency, err = meter.Float64Histogram("verbsbench.pingpong.latency", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return o, nil
}

// RunStarted counts a started run.
func (o *OTelMetrics) RunStarted(attrs map[string]string) {
	o.runStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// RunCompleted counts a finished run and records its duration.
func (o *OTelMetrics) RunCompleted(elapsed time.Duration, attrs map[string]string) {
	set := metric.WithAttributes(otelAttrs(attrs)...)
	o.runCompleted.Add(context.Background(), 1, set)
	o.runDuration.Record(context.Background(), elapsed.Seconds(), set)
}

// RunFailed counts a run that returned an error.
func (o *OTelMetrics) RunFailed(_ error, attrs map[string]string) {
	o.runFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// FlowCompleted records the counters of one worker's transfer loop.
func (o *OTelMetrics) FlowCompleted(flow FlowStats, attrs map[string]string) {
	ctx := context.Background()
	set := metric.WithAttributes(otelAttrsWithWorker(attrs)...)
	o.posted.Add(ctx, int64(flow.Posted), set)
	o.completed.Add(ctx, int64(flow.Completed), set)
	o.polls.Add(ctx, int64(flow.Polls), set)
	o.maxPending.Record(ctx, int64(flow.MaxPending), set)
}

// CompletionFailed counts a failed work completion.
func (o *OTelMetrics) CompletionFailed(_ error, attrs map[string]string) {
	o.completionFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithWorker(attrs)...))
}

// LatencyObserved records ping-pong round trip samples.
func (o *OTelMetrics) LatencyObserved(samplesNS []uint64, attrs map[string]string) {
	ctx := context.Background()
	set := metric.WithAttributes(otelAttrs(attrs)...)
	for _, ns := range samplesNS {
		o.latency.Record(ctx, float64(ns)/1e9, set)
	}
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelBenchmark, attrs[labelBenchmark]),
		attribute.String(labelTransport, attrs[labelTransport]),
		attribute.String(labelRole, attrs[labelRole]),
	}
	if v := attrs[labelProvider]; v != "" {
		kvs = append(kvs, attribute.String(labelProvider, v))
	}
	return kvs
}

func otelAttrsWithWorker(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelWorker]; v != "" {
		kvs = append(kvs, attribute.String(labelWorker, v))
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
