package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory.
type TestTelemetry struct {
	*Telemetry

	recorder *tracetest.SpanRecorder
	reader   *sdkmetric.ManualReader
}

// NewTestTelemetry returns an enabled Telemetry with in-memory providers.
// Nothing is exported.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	t := &Telemetry{
		config:         cfg,
		tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(recorder)),
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
	t.healthy.Store(true)
	return &TestTelemetry{Telemetry: t, recorder: recorder, reader: reader}
}

// SetGlobal installs the in-memory providers as the otel globals so
// package-level tracers record into this instance. Tracers obtained before
// the first global install delegate to that first provider only, so call it
// once per test binary.
func (t *TestTelemetry) SetGlobal() {
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetMeterProvider(t.meterProvider)
}

// Spans returns the ended spans in end order.
func (t *TestTelemetry) Spans() []trace.ReadOnlySpan {
	return t.recorder.Ended()
}

// FindSpan returns the first ended span called name that carries every
// attribute in attrs, or nil.
func (t *TestTelemetry) FindSpan(name string, attrs ...attribute.KeyValue) trace.ReadOnlySpan {
	for _, s := range t.Spans() {
		if s.Name() == name && hasAttributes(s, attrs) {
			return s
		}
	}
	return nil
}

// AssertSpan fails tb unless FindSpan matches, and returns the span.
func (t *TestTelemetry) AssertSpan(tb testing.TB, name string, attrs ...attribute.KeyValue) trace.ReadOnlySpan {
	tb.Helper()
	s := t.FindSpan(name, attrs...)
	if s == nil {
		var names []string
		for _, r := range t.Spans() {
			names = append(names, r.Name())
		}
		tb.Fatalf("no span %q with %v; recorded: %v", name, attrs, names)
	}
	return s
}

// Collect reads the current metric state.
func (t *TestTelemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := t.reader.Collect(ctx, &rm)
	return rm, err
}

func hasAttributes(s trace.ReadOnlySpan, want []attribute.KeyValue) bool {
	have := attribute.NewSet(s.Attributes()...)
	for _, kv := range want {
		v, ok := have.Value(kv.Key)
		if !ok || v.Type() != kv.Value.Type() || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}
