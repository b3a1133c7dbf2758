// Package telemetry wires OpenTelemetry tracing and metrics for ingestd.
//
// Packages declare their tracer once at package level:
//
//	var tracer = otel.Tracer("ingestd.vectorindex")
//
// New installs the configured OTLP providers as the otel globals, so those
// tracers start exporting once the process has called it. When export is
// disabled or a provider cannot be created the globals stay no-op and the
// service keeps running; Health reports the degradation.
//
// Prometheus metrics are independent of this package and are always served
// on /metrics.
//
// Tests use TestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	tt.SetGlobal()
//	...
//	tt.AssertSpan(t, "Orchestrator.Process", attribute.String("file_id", id))
package telemetry
