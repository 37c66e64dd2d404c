// Package observe provides the observability primitives for voxcast:
// OpenTelemetry metrics, tracing helpers, and HTTP middleware that ties them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so the instruments can be scraped at
// /metrics. A package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxcast metrics.
const meterName = "github.com/MrWong99/voxcast"

// Tick outcomes recorded on [Metrics.Ticks].
const (
	TickWritten         = "written"
	TickSilenceExceeded = "silence_exceeded"
	TickBroken          = "broken"
	TickClosed          = "closed"
)

// Metrics holds all OpenTelemetry metric instruments for the bridge.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// TickDuration tracks the wall time of one fetch-mix-write cycle.
	TickDuration metric.Float64Histogram

	// Ticks counts bridge ticks. Use with attribute:
	//   attribute.String("outcome", ...)
	Ticks metric.Int64Counter

	// BytesWritten counts PCM bytes handed to the encoder.
	BytesWritten metric.Int64Counter

	// SilenceTimeouts counts automatic disconnects caused by silence.
	SilenceTimeouts metric.Int64Counter

	// SinkLaunches counts encoder launches. Use with attributes:
	//   attribute.String("reason", "start"|"restart"), attribute.String("status", ...)
	SinkLaunches metric.Int64Counter

	// SinkFailures counts writes that found the encoder input broken.
	SinkFailures metric.Int64Counter

	// Commands counts chat commands. Use with attributes:
	//   attribute.String("command", ...), attribute.String("outcome", ...)
	Commands metric.Int64Counter

	// ActiveStreams is 1 while a stream session is active.
	ActiveStreams metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// tickBuckets are histogram boundaries (in seconds) sized for ticks that
// normally finish well inside a 10 ms window.
var tickBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TickDuration, err = m.Float64Histogram("voxcast.tick.duration",
		metric.WithDescription("Duration of one fetch, mix, and write cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Ticks, err = m.Int64Counter("voxcast.ticks",
		metric.WithDescription("Bridge ticks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BytesWritten, err = m.Int64Counter("voxcast.sink.bytes_written",
		metric.WithDescription("PCM bytes written to the encoder."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SilenceTimeouts, err = m.Int64Counter("voxcast.silence_timeouts",
		metric.WithDescription("Streams stopped because nobody spoke for too long."),
	); err != nil {
		return nil, err
	}
	if met.SinkLaunches, err = m.Int64Counter("voxcast.sink.launches",
		metric.WithDescription("Encoder launches by reason and status."),
	); err != nil {
		return nil, err
	}
	if met.SinkFailures, err = m.Int64Counter("voxcast.sink.failures",
		metric.WithDescription("Writes that found the encoder input broken."),
	); err != nil {
		return nil, err
	}
	if met.Commands, err = m.Int64Counter("voxcast.commands",
		metric.WithDescription("Chat commands by name and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("voxcast.active_streams",
		metric.WithDescription("Number of active stream sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxcast.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTick records the duration and outcome of one bridge tick.
func (m *Metrics) RecordTick(ctx context.Context, outcome string, d time.Duration) {
	m.TickDuration.Record(ctx, d.Seconds())
	m.Ticks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSinkLaunch records one encoder launch attempt.
func (m *Metrics) RecordSinkLaunch(ctx context.Context, reason string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SinkLaunches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("reason", reason),
			attribute.String("status", status),
		),
	)
}

// RecordCommand records one dispatched chat command.
func (m *Metrics) RecordCommand(ctx context.Context, command, outcome string) {
	m.Commands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("outcome", outcome),
		),
	)
}
