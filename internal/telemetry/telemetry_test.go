package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew_DisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	tel, err := New(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true})
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "disabled skips checks", mutate: func(c *Config) { c.Enabled = false; c.Endpoint = "" }},
		{name: "local insecure", mutate: func(c *Config) {}},
		{name: "ipv6 loopback", mutate: func(c *Config) { c.Endpoint = "[::1]:4317" }},
		{name: "bare ipv6 loopback", mutate: func(c *Config) { c.Endpoint = "::1" }},
		{name: "http scheme local", mutate: func(c *Config) { c.Endpoint = "http://127.0.0.1:4318"; c.Protocol = ProtocolHTTP }},
		{name: "remote insecure", mutate: func(c *Config) { c.Endpoint = "otel.example.com:4317" }, wantErr: "insecure"},
		{name: "localhost lookalike", mutate: func(c *Config) { c.Endpoint = "localhost.evil.com:4317" }, wantErr: "insecure"},
		{name: "remote tls", mutate: func(c *Config) { c.Endpoint = "otel.example.com:4317"; c.Insecure = false }},
		{name: "no endpoint", mutate: func(c *Config) { c.Endpoint = "" }, wantErr: "endpoint is required"},
		{name: "no service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad protocol", mutate: func(c *Config) { c.Protocol = "thrift" }, wantErr: "unknown protocol"},
		{name: "sampling", mutate: func(c *Config) { c.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "export interval", mutate: func(c *Config) { c.Metrics.ExportInterval = 0 }, wantErr: "export interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()

	res := newResource(cfg)

	var found bool
	for _, attr := range res.Attributes() {
		if string(attr.Key) == "service.name" {
			assert.Equal(t, "ingestd", attr.Value.AsString())
			found = true
		}
	}
	assert.True(t, found, "service.name attribute not found")
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, newSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, newSampler(0.25).Description(), "TraceIDRatioBased")
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4317", stripScheme("collector:4317"))
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.LoggerProvider()
		tel.SetLoggerProvider(nil)
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.Equal(t, HealthStatus{Healthy: false, Degraded: true}, tel.Health())
}

func TestTelemetry_ShutdownMarksUnhealthy(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ShutdownTimeout = 100 * time.Millisecond
	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestTelemetry_DegradedReportsProblems(t *testing.T) {
	tel := &Telemetry{config: NewDefaultConfig()}
	tel.healthy.Store(true)

	tel.setDegraded("tracer provider failed: %v", "dial refused")

	h := tel.Health()
	assert.True(t, h.Healthy)
	assert.True(t, h.Degraded)
	assert.Equal(t, []string{"tracer provider failed: dial refused"}, h.Problems)
}

func TestTestTelemetry_SpanRecording(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("test").Start(context.Background(), "Service.Upsert")
	span.SetAttributes(
		attribute.String("collection", "docs_acme"),
		attribute.Int64("points", 42),
		attribute.Float64("ratio", 0.5),
		attribute.Bool("created", true),
	)
	span.End()

	tt.AssertSpan(t, "Service.Upsert",
		attribute.String("collection", "docs_acme"),
		attribute.Int64("points", 42),
		attribute.Float64("ratio", 0.5),
		attribute.Bool("created", true))
	assert.Nil(t, tt.FindSpan("Service.Upsert", attribute.String("collection", "docs_globex")))
	assert.Nil(t, tt.FindSpan("missing"))
	assert.Len(t, tt.Spans(), 1)
}

func TestTestTelemetry_MeterRecording(t *testing.T) {
	tt := NewTestTelemetry()

	counter, err := tt.Meter("test").Int64Counter("ingestd.test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rm, err := tt.Collect(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, rm.ScopeMetrics)
	assert.Equal(t, "ingestd.test.counter", rm.ScopeMetrics[0].Metrics[0].Name)
}

func TestTestTelemetry_Shutdown(t *testing.T) {
	tt := NewTestTelemetry()
	_, span := tt.Tracer("test").Start(context.Background(), "flush")
	span.End()

	require.NoError(t, tt.ForceFlush(context.Background()))
	require.NoError(t, tt.Shutdown(context.Background()))
	assert.False(t, tt.Health().Healthy)
}

func TestConfig_IsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		isLocal  bool
	}{
		{"localhost:4317", true},
		{"localhost", true},
		{"http://localhost:4318", true},
		{"127.0.0.1:4317", true},
		{"127.0.1.1:4317", true},
		{"[::1]:4317", true},
		{"::1", true},
		{"collector.prod:4317", false},
		{"localhost.example.com:4317", false},
		{"10.0.0.1:4317", false},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			cfg := &Config{Endpoint: tt.endpoint}
			assert.Equal(t, tt.isLocal, cfg.isLocalEndpoint())
		})
	}
}
