package qdrant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
)

func TestClientConfig_ApplyDefaults(t *testing.T) {
	tests := []struct {
		name   string
		config *ClientConfig
		check  func(t *testing.T, cfg *ClientConfig)
	}{
		{
			name:   "empty config gets all defaults",
			config: &ClientConfig{},
			check: func(t *testing.T, cfg *ClientConfig) {
				assert.Equal(t, "localhost", cfg.Host)
				assert.Equal(t, 6334, cfg.Port)
				assert.False(t, cfg.UseTLS)
				assert.Equal(t, 50*1024*1024, cfg.MaxMessageSize)
				assert.Equal(t, 5*time.Second, cfg.DialTimeout)
				assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
				assert.Equal(t, 3, cfg.RetryAttempts)
				assert.Equal(t, time.Second, cfg.RetryBackoff)
			},
		},
		{
			name: "partial config preserves set values",
			config: &ClientConfig{
				Host: "qdrant.internal",
				Port: 6335,
			},
			check: func(t *testing.T, cfg *ClientConfig) {
				assert.Equal(t, "qdrant.internal", cfg.Host)
				assert.Equal(t, 6335, cfg.Port)
				assert.Equal(t, 5*time.Second, cfg.DialTimeout)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.ApplyDefaults()
			tt.check(t, tt.config)
		})
	}
}

func TestClientConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *ClientConfig
		wantErr string
	}{
		{
			name:   "valid config",
			config: &ClientConfig{Host: "localhost", Port: 6334, MaxMessageSize: 1024},
		},
		{
			name:    "missing host",
			config:  &ClientConfig{Port: 6334, MaxMessageSize: 1024},
			wantErr: "host is required",
		},
		{
			name:    "port out of range",
			config:  &ClientConfig{Host: "localhost", Port: 70000, MaxMessageSize: 1024},
			wantErr: "invalid port",
		},
		{
			name:    "zero message size",
			config:  &ClientConfig{Host: "localhost", Port: 6334},
			wantErr: "invalid max message size",
		},
		{
			name:    "negative retries",
			config:  &ClientConfig{Host: "localhost", Port: 6334, MaxMessageSize: 1, RetryAttempts: -1},
			wantErr: "invalid retry attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConvertToQdrantPoint(t *testing.T) {
	p := &Point{
		ID:     "6f1c1b8e-1f55-5d0c-9d7e-0a3c9e1b2a44",
		Vector: []float32{0.1, 0.2, 0.3},
		Payload: map[string]interface{}{
			"tenant_id":    "acme",
			"chunk_index":  7,
			"int64_field":  int64(100),
			"float_field":  3.14,
			"bool_field":   true,
			"struct_field": struct{}{},
		},
	}

	qp := convertToQdrantPoint(p)

	require.NotNil(t, qp)
	assert.Equal(t, p.ID, qp.Id.GetUuid())
	assert.Equal(t, p.Vector, qp.GetVectors().GetVector().GetDense().GetData())
	assert.Len(t, qp.Payload, 6)
	assert.Equal(t, "acme", qp.Payload["tenant_id"].GetStringValue())
	assert.Equal(t, int64(7), qp.Payload["chunk_index"].GetIntegerValue())
	assert.Equal(t, int64(100), qp.Payload["int64_field"].GetIntegerValue())
	assert.Equal(t, 3.14, qp.Payload["float_field"].GetDoubleValue())
	assert.True(t, qp.Payload["bool_field"].GetBoolValue())
	assert.Contains(t, qp.Payload["struct_field"].GetStringValue(), "{}")
}

func TestConvertToQdrantFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter *Filter
		check  func(t *testing.T, qf *qdrant.Filter)
	}{
		{
			name:   "nil filter",
			filter: nil,
			check: func(t *testing.T, qf *qdrant.Filter) {
				assert.Nil(t, qf)
			},
		},
		{
			name:   "empty filter",
			filter: &Filter{},
			check: func(t *testing.T, qf *qdrant.Filter) {
				assert.Nil(t, qf)
			},
		},
		{
			name: "keyword and any-of conditions",
			filter: &Filter{
				Must: []Condition{
					Match("tenant_id", "acme"),
					MatchAny("file_id", "f1", "f2"),
				},
				MustNot: []Condition{Match("project_id", "archived")},
			},
			check: func(t *testing.T, qf *qdrant.Filter) {
				require.NotNil(t, qf)
				require.Len(t, qf.Must, 2)
				require.Len(t, qf.MustNot, 1)

				tenant := qf.Must[0].GetField()
				assert.Equal(t, "tenant_id", tenant.Key)
				assert.Equal(t, "acme", tenant.Match.GetKeyword())

				files := qf.Must[1].GetField()
				assert.Equal(t, "file_id", files.Key)
				assert.Equal(t, []string{"f1", "f2"}, files.Match.GetKeywords().GetStrings())

				assert.Equal(t, "archived", qf.MustNot[0].GetField().Match.GetKeyword())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, convertToQdrantFilter(tt.filter))
		})
	}
}

func TestFilter_Matches(t *testing.T) {
	payload := map[string]interface{}{"tenant_id": "acme", "file_id": "f2", "chunk_index": int64(3)}

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{name: "nil matches all", filter: nil, want: true},
		{name: "must hit", filter: &Filter{Must: []Condition{Match("tenant_id", "acme")}}, want: true},
		{name: "must miss", filter: &Filter{Must: []Condition{Match("tenant_id", "other")}}, want: false},
		{name: "any hit", filter: &Filter{Must: []Condition{MatchAny("file_id", "f1", "f2")}}, want: true},
		{name: "empty any never matches", filter: &Filter{Must: []Condition{MatchAny("file_id")}}, want: false},
		{name: "must not", filter: &Filter{MustNot: []Condition{Match("file_id", "f2")}}, want: false},
		{name: "non-string field", filter: &Filter{Must: []Condition{Match("chunk_index", "3")}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(payload))
		})
	}
}

func TestExtractPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]*qdrant.Value
		want    map[string]interface{}
	}{
		{
			name:    "nil payload",
			payload: nil,
			want:    nil,
		},
		{
			name: "mixed value types",
			payload: map[string]*qdrant.Value{
				"text_preview": {Kind: &qdrant.Value_StringValue{StringValue: "intro"}},
				"chunk_index":  {Kind: &qdrant.Value_IntegerValue{IntegerValue: 42}},
				"float":        {Kind: &qdrant.Value_DoubleValue{DoubleValue: 3.14}},
				"bool":         {Kind: &qdrant.Value_BoolValue{BoolValue: true}},
				"null":         {Kind: &qdrant.Value_NullValue{}},
			},
			want: map[string]interface{}{
				"text_preview": "intro",
				"chunk_index":  int64(42),
				"float":        3.14,
				"bool":         true,
				"null":         nil,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractPayload(tt.payload))
		})
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "unavailable", err: status.Error(codes.Unavailable, "down"), want: true},
		{name: "deadline exceeded", err: status.Error(codes.DeadlineExceeded, "slow"), want: true},
		{name: "aborted", err: status.Error(codes.Aborted, "conflict"), want: true},
		{name: "resource exhausted", err: status.Error(codes.ResourceExhausted, "busy"), want: true},
		{name: "invalid argument", err: status.Error(codes.InvalidArgument, "bad"), want: false},
		{name: "not found", err: status.Error(codes.NotFound, "missing"), want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransientError(tt.err))
		})
	}
}

func TestNotFound(t *testing.T) {
	assert.NoError(t, notFound("c", nil))

	err := notFound("docs_acme", status.Error(codes.NotFound, "Collection `docs_acme` doesn't exist!"))
	assert.True(t, apperr.IsNotFound(err))
	assert.Contains(t, err.Error(), "docs_acme")

	other := status.Error(codes.Internal, "boom")
	assert.Equal(t, other, notFound("docs_acme", other))
}

func TestExtractPointID(t *testing.T) {
	assert.Equal(t, "", extractPointID(nil))
	assert.Equal(t, "abc", extractPointID(qdrant.NewIDUUID("abc")))
	assert.Equal(t, "42", extractPointID(qdrant.NewIDNum(42)))
}

func TestRetryOperation_Logging(t *testing.T) {
	type logLine struct {
		level   zapcore.Level
		message string
	}
	tests := []struct {
		name          string
		operation     func() error
		retryAttempts int
		wantErr       bool
		wantProvider  bool
		expectedLogs  []logLine
	}{
		{
			name:          "success without retries",
			operation:     func() error { return nil },
			retryAttempts: 3,
		},
		{
			name: "transient error then success",
			operation: func() func() error {
				attempt := 0
				return func() error {
					attempt++
					if attempt == 1 {
						return status.Error(codes.Unavailable, "service unavailable")
					}
					return nil
				}
			}(),
			retryAttempts: 3,
			expectedLogs: []logLine{
				{level: zapcore.DebugLevel, message: "retrying operation after transient error"},
				{level: zapcore.InfoLevel, message: "operation recovered after retries"},
			},
		},
		{
			name: "all retries exhausted",
			operation: func() error {
				return status.Error(codes.Unavailable, "service unavailable")
			},
			retryAttempts: 2,
			wantErr:       true,
			wantProvider:  true,
			expectedLogs: []logLine{
				{level: zapcore.DebugLevel, message: "retrying operation after transient error"},
				{level: zapcore.WarnLevel, message: "operation failed after all retries exhausted"},
			},
		},
		{
			name: "non-transient error is not retried",
			operation: func() error {
				return status.Error(codes.InvalidArgument, "bad request")
			},
			retryAttempts: 3,
			wantErr:       true,
			wantProvider:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testLogger := logging.NewTestLogger()
			client := &GRPCClient{
				config: &ClientConfig{
					RetryAttempts: tt.retryAttempts,
					RetryBackoff:  time.Millisecond,
				},
				logger: testLogger.Logger,
			}

			err := client.retryOperation(context.Background(), tt.operation)

			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantProvider, apperr.IsProvider(err))
			} else {
				require.NoError(t, err)
			}
			for _, want := range tt.expectedLogs {
				testLogger.AssertLogged(t, want.level, want.message)
			}
		})
	}
}

func TestRetryOperation_TerminalErrors(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantProvider bool
		wantNotFound bool
	}{
		{
			name:         "internal",
			err:          status.Error(codes.Internal, "segment corrupted"),
			wantProvider: true,
		},
		{
			name:         "permission denied",
			err:          status.Error(codes.PermissionDenied, "bad api key"),
			wantProvider: true,
		},
		{
			name:         "plain error",
			err:          errors.New("marshal payload"),
			wantProvider: true,
		},
		{
			name:         "missing collection",
			err:          notFound("docs_acme", status.Error(codes.NotFound, "Collection `docs_acme` doesn't exist!")),
			wantNotFound: true,
		},
		{
			name: "already exists",
			err:  status.Error(codes.AlreadyExists, "exists"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			client := &GRPCClient{
				config: &ClientConfig{RetryAttempts: 3, RetryBackoff: time.Millisecond},
				logger: logging.NewTestLogger().Logger,
			}

			err := client.retryOperation(context.Background(), func() error {
				calls++
				return tt.err
			})

			require.Error(t, err)
			assert.Equal(t, 1, calls)
			assert.Equal(t, tt.wantProvider, apperr.IsProvider(err))
			assert.Equal(t, tt.wantNotFound, apperr.IsNotFound(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRetryOperation_ContextCanceled(t *testing.T) {
	client := &GRPCClient{
		config: &ClientConfig{RetryAttempts: 3, RetryBackoff: time.Hour},
		logger: logging.NewTestLogger().Logger,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.retryOperation(ctx, func() error {
		return status.Error(codes.Unavailable, "down")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeleteByFilter_RejectsEmptyFilter(t *testing.T) {
	client := &GRPCClient{config: DefaultClientConfig(), logger: logging.NewNop()}

	err := client.DeleteByFilter(context.Background(), "docs_acme", &Filter{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty filter")
}

func TestNewGRPCClient_RequiresLogger(t *testing.T) {
	_, err := NewGRPCClient(DefaultClientConfig(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger is required")
}
