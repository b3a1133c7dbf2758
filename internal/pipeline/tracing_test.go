package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/ingestd/internal/telemetry"
)

func TestProcess_Spans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	tel.SetGlobal()

	ext := &mockExtractor{}
	h := newHarness(t, Config{}, ext)
	saveProject(t, h.store, 100, 20)
	ok := h.upload(t, "span-ok", "p1", "")
	bad := h.upload(t, "span-bad", "p1", "")
	ext.On("Extract", mock.Anything, ok.FilePath, ok.MimeType).Return(fiftyParagraphs(), nil).Once()
	ext.On("Extract", mock.Anything, bad.FilePath, bad.MimeType).Return("", errors.New("disk gone")).Once()

	_, err := h.orch.Process(context.Background(), ok)
	require.NoError(t, err)
	_, err = h.orch.Process(context.Background(), bad)
	require.Error(t, err)

	span := tel.AssertSpan(t, "Orchestrator.Process",
		attribute.String("file_id", "span-ok"), attribute.String("tenant_id", "acme"))
	assert.Equal(t, codes.Ok, span.Status().Code)

	span = tel.AssertSpan(t, "Orchestrator.Process", attribute.String("file_id", "span-bad"))
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Status().Description, "disk gone")
	require.NotEmpty(t, span.Events(), "error is recorded on the span")
}
