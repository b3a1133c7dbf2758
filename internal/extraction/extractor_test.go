package extraction

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		mimeType string
		want     kind
	}{
		{name: "pdf", path: "a.bin", mimeType: MimePDF, want: kindPDF},
		{name: "docx", path: "a", mimeType: MimeDOCX, want: kindOffice},
		{name: "odt", path: "a", mimeType: MimeODT, want: kindOffice},
		{name: "text rtf is office", path: "a", mimeType: MimeTextRTF, want: kindOffice},
		{name: "plain with charset", path: "a", mimeType: "text/plain; charset=utf-8", want: kindText},
		{name: "markdown", path: "a", mimeType: MimeMarkdown, want: kindText},
		{name: "json", path: "a", mimeType: MimeJSON, want: kindText},
		{name: "empty uses extension", path: "report.PDF", mimeType: "", want: kindPDF},
		{name: "octet stream uses extension", path: "notes.md", mimeType: "application/octet-stream", want: kindText},
		{name: "unknown extension", path: "image.png", mimeType: "", want: kindUnsupported},
		{name: "image", path: "a.txt", mimeType: "image/png", want: kindUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detect(tt.path, tt.mimeType))
		})
	}
	assert.True(t, Supported("a.docx", ""))
	assert.False(t, Supported("a.zip", "application/zip"))
}

func TestExtract_PlainText(t *testing.T) {
	path := writeFile(t, "notes.txt", "Refunds are processed within 14 days.\n")
	e := New(Config{}, nil)

	text, err := e.Extract(context.Background(), path, MimePlain)

	require.NoError(t, err)
	assert.Equal(t, "Refunds are processed within 14 days.\n", text)
}

func TestExtract_InvalidUTF8(t *testing.T) {
	path := writeFile(t, "latin1.txt", "caf\xe9")
	e := New(Config{}, nil)

	text, err := e.Extract(context.Background(), path, MimePlain)

	require.NoError(t, err)
	assert.Equal(t, "caf�", text)
}

func TestExtract_Unsupported(t *testing.T) {
	path := writeFile(t, "image.png", "\x89PNG")
	e := New(Config{}, nil)

	_, err := e.Extract(context.Background(), path, "image/png")

	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.False(t, apperr.Retryable(err))
}

func TestExtract_OfficeContentIsSniffed(t *testing.T) {
	e := New(Config{}, nil)

	tests := []struct {
		name     string
		file     string
		content  string
		mimeType string
	}{
		{name: "plain text named docx", file: "notes.docx", content: "not a zip", mimeType: MimeDOCX},
		{name: "plain text named odt", file: "notes.odt", content: "Refunds are processed within 14 days.", mimeType: ""},
		{name: "truncated zip", file: "cut.docx", content: "PK\x03\x04\x14\x00", mimeType: MimeDOCX},
		{name: "rtf declared as docx", file: "a.docx", content: "hello", mimeType: MimeRTF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Extract(context.Background(), writeFile(t, tt.file, tt.content), tt.mimeType)

			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err), "corrupt documents are terminal: %v", err)
		})
	}
}

func TestExtract_RTF(t *testing.T) {
	path := writeFile(t, "policy.rtf", `{\rtf1\ansi\plain Refunds are processed within 14 days.}`)
	e := New(Config{}, nil)

	text, err := e.Extract(context.Background(), path, MimeRTF)

	require.NoError(t, err)
	assert.Contains(t, text, "Refunds are processed within 14 days.")
}

func TestExtract_DOCX(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"[Content_Types].xml": `<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"></Types>`,
		"word/document.xml": `<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">` +
			`<w:body><w:p><w:r><w:t>Refunds are processed within 14 days.</w:t></w:r></w:p></w:body></w:document>`,
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	path := writeFile(t, "policy.docx", buf.String())
	e := New(Config{}, nil)

	text, err := e.Extract(context.Background(), path, MimeDOCX)

	require.NoError(t, err)
	assert.Contains(t, text, "Refunds are processed within 14 days.")
}

func TestExtract_Errors(t *testing.T) {
	e := New(Config{}, nil)

	_, err := e.Extract(context.Background(), filepath.Join(t.TempDir(), "missing.txt"), MimePlain)
	assert.Error(t, err)
	assert.False(t, apperr.IsValidation(err), "missing file is retryable")

	_, err = e.Extract(context.Background(), writeFile(t, "broken.pdf", "not a pdf"), MimePDF)
	assert.True(t, apperr.IsValidation(err), "corrupt pdf is terminal: %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Extract(ctx, writeFile(t, "a.txt", "x"), MimePlain)
	assert.ErrorIs(t, err, context.Canceled)
}
