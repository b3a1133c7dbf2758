package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type correlationKey int

const (
	requestKey correlationKey = iota
	tenantKey
	projectKey
	fileKey
	jobKey
)

// correlation keys in the order they are emitted.
var correlationFields = []struct {
	key  correlationKey
	name string
}{
	{requestKey, "request.id"},
	{tenantKey, "tenant.id"},
	{projectKey, "project.id"},
	{fileKey, "file.id"},
	{jobKey, "job.id"},
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	for _, f := range correlationFields {
		if v, ok := ctx.Value(f.key).(string); ok && v != "" {
			fields = append(fields, zap.String(f.name, v))
		}
	}
	return fields
}

// WithRequestID adds a request id to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey, id)
}

// WithTenant adds a tenant id to context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// WithProject adds a project id to context.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey, projectID)
}

// WithFile adds a file id to context.
func WithFile(ctx context.Context, fileID string) context.Context {
	return context.WithValue(ctx, fileKey, fileID)
}

// WithJob adds a broker job id to context.
func WithJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobKey, jobID)
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestKey).(string)
	return v
}

// TenantFromContext returns the tenant id or "".
func TenantFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
