package bench

import (
	"fmt"
	"strings"
	"time"
)

// Logger provides printf-style logging hooks for benchmark runs.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
// *zap.SugaredLogger satisfies both Logger and StructuredLogger.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
	Infow(msg string, keyvals ...any)
	Warnw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to run spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap benchmark phases.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records phase lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures benchmark telemetry. Hooks are invoked outside the
// timed transfer loops.
type MetricHook interface {
	RunStarted(attrs map[string]string)
	RunCompleted(elapsed time.Duration, attrs map[string]string)
	RunFailed(err error, attrs map[string]string)
	FlowCompleted(flow FlowStats, attrs map[string]string)
	CompletionFailed(err error, attrs map[string]string)
	LatencyObserved(samplesNS []uint64, attrs map[string]string)
}

// Hooks bundles the optional observability hooks shared by connections and runs.
type Hooks struct {
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// telemetry resolves Hooks once and carries the labels common to every event.
type telemetry struct {
	logger     Logger
	structured StructuredLogger
	tracer     Tracer
	metrics    MetricHook
	base       []logField
}

func newTelemetry(h Hooks, base ...logField) *telemetry {
	structured := h.StructuredLogger
	if structured == nil {
		if logger, ok := h.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}
	return &telemetry{
		logger:     h.Logger,
		structured: structured,
		tracer:     h.Tracer,
		metrics:    h.Metrics,
		base:       base,
	}
}

func (t *telemetry) with(fields ...logField) *telemetry {
	if t == nil {
		return nil
	}
	cp := *t
	cp.base = append(append([]logField(nil), t.base...), fields...)
	return &cp
}

func (t *telemetry) log(level logLevel, event string, fields ...logField) {
	if t == nil {
		return
	}
	all := append(append([]logField(nil), t.base...), fields...)
	if t.structured != nil {
		kv := make([]any, 0, len(all)*2+2)
		kv = append(kv, "event", event)
		for _, field := range all {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		switch level {
		case levelWarn:
			t.structured.Warnw("verbsbench", kv...)
		case levelInfo:
			t.structured.Infow("verbsbench", kv...)
		default:
			t.structured.Debugw("verbsbench", kv...)
		}
		return
	}
	if t.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range all {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	switch level {
	case levelWarn:
		t.logger.Warnf("verbsbench %s", b.String())
	case levelInfo:
		t.logger.Infof("verbsbench %s", b.String())
	default:
		t.logger.Debugf("verbsbench %s", b.String())
	}
}

func (t *telemetry) debug(event string, fields ...logField) { t.log(levelDebug, event, fields...) }
func (t *telemetry) info(event string, fields ...logField)  { t.log(levelInfo, event, fields...) }
func (t *telemetry) warn(event string, fields ...logField)  { t.log(levelWarn, event, fields...) }

func (t *telemetry) attrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(t.base)+len(fields))
	for _, field := range t.base {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (t *telemetry) startSpan(name string, fields ...logField) Span {
	if t == nil || t.tracer == nil {
		return nil
	}
	attrs := attributesFromFields(t.base...)
	attrs = append(attrs, attributesFromFields(fields...)...)
	return t.tracer.StartSpan(name, attrs...)
}

func (t *telemetry) metricRunStarted() {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.RunStarted(t.attrs())
}

func (t *telemetry) metricRunCompleted(elapsed time.Duration) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.RunCompleted(elapsed, t.attrs())
}

func (t *telemetry) metricRunFailed(err error) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.RunFailed(err, t.attrs())
}

func (t *telemetry) metricFlow(worker string, flow FlowStats) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.FlowCompleted(flow, t.attrs(logKV(labelWorker, worker)))
}

func (t *telemetry) metricCompletionFailed(worker string, err error) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.CompletionFailed(err, t.attrs(logKV(labelWorker, worker), logKV(labelStatus, completionStatus(err))))
}

func (t *telemetry) metricLatency(samples []uint64) {
	if t == nil || t.metrics == nil || len(samples) == 0 {
		return
	}
	t.metrics.LatencyObserved(samples, t.attrs())
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func spanEnd(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
