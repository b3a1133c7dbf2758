package logging

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad format", mutate: func(c *Config) { c.Format = "xml" }, wantErr: "format"},
		{name: "no outputs", mutate: func(c *Config) { c.Stdout = false }, wantErr: "at least one output"},
		{name: "zero tick", mutate: func(c *Config) { c.Sampling.Tick = 0 }, wantErr: "sampling tick"},
		{name: "bad pattern", mutate: func(c *Config) { c.Redaction.Patterns = []string{"("} }, wantErr: "invalid redaction pattern"},
		{name: "empty field value", mutate: func(c *Config) { c.Fields["env"] = "" }, wantErr: "constant field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
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

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	logger := NewTestLogger()

	ctx := WithTenant(context.Background(), "acme")
	ctx = WithFile(ctx, "file-1")
	ctx = WithJob(ctx, "42")
	logger.Info(ctx, "file indexed", zap.Int("chunks", 7))

	logger.AssertLogged(t, zapcore.InfoLevel, "file indexed")
	logger.AssertField(t, "file indexed", "tenant.id", "acme")
	logger.AssertField(t, "file indexed", "file.id", "file-1")
	logger.AssertField(t, "file indexed", "job.id", "42")
	logger.AssertField(t, "file indexed", "chunks", int64(7))
	logger.AssertNotLogged(t, zapcore.ErrorLevel, "file indexed")
}

func TestContextFields_Span(t *testing.T) {
	tp := trace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	keys := map[string]bool{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = true
	}
	assert.True(t, keys["trace_id"])
	assert.True(t, keys["span_id"])
	assert.Empty(t, ContextFields(context.Background()))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	logger := NewTestLogger()
	ctx := WithLogger(context.Background(), logger.Logger)
	assert.Same(t, logger.Logger, FromContext(ctx))
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "calling provider", Time: time.Unix(0, 0)}, []zapcore.Field{
		zap.String("api_key", "sk-live-123"),
		zap.String("header", "Bearer abc.def"),
		zap.String("collection", "tenant_acme"),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, "sk-live-123")
	assert.NotContains(t, out, "abc.def")
	assert.Contains(t, out, "tenant_acme")
	assert.True(t, bytes.Contains([]byte(out), []byte("[REDACTED:pattern]")))
}

func TestSampledCore_ErrorsAlwaysPass(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling = SamplingConfig{Enabled: true, Tick: time.Minute, Initial: 1, Thereafter: 0}

	tl := NewTestLogger()
	core := newSampledCore(tl.zap.Core(), cfg.Sampling)
	logger := zap.New(core)

	for i := 0; i < 5; i++ {
		logger.Info("repeated")
		logger.Error("failure")
	}
	assert.Equal(t, 1, tl.FilterMessage("repeated").Len())
	assert.Equal(t, 5, tl.FilterMessage("failure").Len())
}
