package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordTick(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTick(ctx, TickWritten, 300*time.Microsecond)
	m.RecordTick(ctx, TickWritten, 400*time.Microsecond)
	m.RecordTick(ctx, TickSilenceExceeded, 100*time.Microsecond)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxcast.ticks", "outcome", TickWritten); got != 2 {
		t.Errorf("written ticks = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "voxcast.ticks", "outcome", TickSilenceExceeded); got != 1 {
		t.Errorf("silence ticks = %d, want 1", got)
	}

	met := findMetric(rm, "voxcast.tick.duration")
	if met == nil {
		t.Fatal("tick duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("tick duration is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 3 {
		t.Errorf("tick duration data points = %+v, want one point with count 3", hist.DataPoints)
	}
}

func TestRecordSinkLaunch(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSinkLaunch(ctx, "start", nil)
	m.RecordSinkLaunch(ctx, "restart", errors.New("exec: not found"))
	m.RecordSinkLaunch(ctx, "restart", nil)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxcast.sink.launches", "status", "error"); got != 1 {
		t.Errorf("failed launches = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "voxcast.sink.launches", "reason", "start"); got != 1 {
		t.Errorf("start launches = %d, want 1", got)
	}
}

func TestRecordCommand(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCommand(ctx, "connect", "executed")
	m.RecordCommand(ctx, "connect", "executed")
	m.RecordCommand(ctx, "bogus", "unknown")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxcast.commands", "command", "connect"); got != 2 {
		t.Errorf("connect commands = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "voxcast.commands", "outcome", "unknown"); got != 1 {
		t.Errorf("unknown commands = %d, want 1", got)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.BytesWritten.Add(ctx, 3840)
	m.BytesWritten.Add(ctx, 3840)
	m.SilenceTimeouts.Add(ctx, 1)
	m.SinkFailures.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, -1)
	m.ActiveStreams.Add(ctx, 1)

	rm := collect(t, reader)
	counters := []struct {
		name string
		want int64
	}{
		{"voxcast.sink.bytes_written", 7680},
		{"voxcast.silence_timeouts", 1},
		{"voxcast.sink.failures", 1},
		{"voxcast.active_streams", 1},
	}
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("route", "GET /healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "voxcast.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
