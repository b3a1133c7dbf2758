package extraction

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dslipak/pdf"
	"github.com/gabriel-vasile/mimetype"
	"github.com/lu4p/cat/docxtxt"
	"github.com/lu4p/cat/odtxt"
	"github.com/lu4p/cat/rtftxt"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
)

// MIME types recognized by the extractor.
const (
	MimePDF      = "application/pdf"
	MimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeODT      = "application/vnd.oasis.opendocument.text"
	MimeRTF      = "application/rtf"
	MimeTextRTF  = "text/rtf"
	MimePlain    = "text/plain"
	MimeMarkdown = "text/markdown"
	MimeJSON     = "application/json"
	MimeCSV      = "text/csv"
	mimeZip      = "application/zip"
)

// ErrPageTimeout is returned when a single PDF page takes too long to decode.
var ErrPageTimeout = errors.New("pdf page extraction timed out")

// Extractor returns the plain text of a stored file.
type Extractor interface {
	Extract(ctx context.Context, path, mimeType string) (string, error)
}

// Config tunes extraction.
type Config struct {
	// PageTimeout bounds decoding of one PDF page. Default: 10s
	PageTimeout time.Duration
}

// FileExtractor reads files from the local filesystem.
type FileExtractor struct {
	pageTimeout time.Duration
	logger      *logging.Logger
}

var _ Extractor = (*FileExtractor)(nil)

// New creates a FileExtractor.
func New(cfg Config, logger *logging.Logger) *FileExtractor {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FileExtractor{pageTimeout: cfg.PageTimeout, logger: logger.Named("extraction")}
}

type kind int

const (
	kindUnsupported kind = iota
	kindPDF
	kindOffice
	kindText
)

// detect resolves the format for a MIME type, consulting the file
// extension when the type is missing or application/octet-stream.
func detect(path, mimeType string) kind {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	switch {
	case mt == MimePDF:
		return kindPDF
	case mt == MimeDOCX, mt == MimeODT, mt == MimeRTF, mt == MimeTextRTF:
		return kindOffice
	case mt == MimeJSON, strings.HasPrefix(mt, "text/"):
		return kindText
	case mt == "", mt == "application/octet-stream":
		return detectExt(path)
	}
	return kindUnsupported
}

func detectExt(path string) kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return kindPDF
	case ".docx", ".odt", ".rtf":
		return kindOffice
	case ".txt", ".md", ".markdown", ".json", ".csv", ".log":
		return kindText
	}
	return kindUnsupported
}

// Supported reports whether the extractor can read the file.
func Supported(path, mimeType string) bool {
	return detect(path, mimeType) != kindUnsupported
}

// Extract reads path and returns its text.
func (e *FileExtractor) Extract(ctx context.Context, path, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	var (
		text string
		err  error
	)
	switch detect(path, mimeType) {
	case kindPDF:
		text, err = e.extractPDF(ctx, path)
	case kindOffice:
		text, err = extractOffice(path, mimeType)
	case kindText:
		text, err = extractText(path)
	default:
		return "", apperr.Validation(apperr.ReasonBadRequest, fmt.Sprintf("unsupported mime type %q", mimeType))
	}
	if err != nil {
		return "", err
	}

	e.logger.Debug(ctx, "text extracted",
		zap.String("path", path),
		zap.String("mime_type", mimeType),
		zap.Int("chars", utf8.RuneCountInString(text)))
	return text, nil
}

func (e *FileExtractor) extractPDF(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	r, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return "", apperr.Validation(apperr.ReasonBadRequest, "unreadable pdf: "+err.Error())
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := e.pageText(page)
		if err != nil {
			e.logger.Warn(ctx, "skipping unreadable pdf page",
				zap.String("path", path), zap.Int("page", i), zap.Error(err))
			continue
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(content)
	}
	return b.String(), nil
}

// pageText decodes a page off the caller's goroutine; the pdf library
// has no cancellation and can spin on malformed content streams.
func (e *FileExtractor) pageText(page pdf.Page) (string, error) {
	type result struct {
		content string
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("pdf page panic: %v", r)}
			}
		}()
		content, err := page.GetPlainText(nil)
		ch <- result{content, err}
	}()

	select {
	case r := <-ch:
		return r.content, r.err
	case <-time.After(e.pageTimeout):
		return "", ErrPageTimeout
	}
}

// extractOffice sniffs the content before parsing it. The declared type
// only decides between office formats sharing a plain zip container.
func extractOffice(path, mimeType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	declared := officeType(path, mimeType)
	detected := mimetype.Detect(data)
	var parse func([]byte) (string, error)
	switch {
	case detected.Is(MimeDOCX), detected.Is(mimeZip) && declared == MimeDOCX:
		parse = docxtxt.BytesToStr
	case detected.Is(MimeODT), detected.Is(mimeZip) && declared == MimeODT:
		parse = odtxt.BytesToStr
	case detected.Is(MimeTextRTF):
		parse = rtftxt.BytesToStr
	default:
		return "", apperr.Validation(apperr.ReasonBadRequest,
			fmt.Sprintf("content is not a %s document (detected %s)", declared, detected.String()))
	}

	text, err := parse(data)
	if err != nil {
		return "", apperr.Validation(apperr.ReasonBadRequest,
			fmt.Sprintf("unreadable %s document: %v", detected.String(), err))
	}
	return text, nil
}

// officeType normalizes the declared office format, falling back to the
// file extension.
func officeType(path, mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	switch mt {
	case MimeDOCX, MimeODT:
		return mt
	case MimeRTF, MimeTextRTF:
		return MimeTextRTF
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".docx":
		return MimeDOCX
	case ".odt":
		return MimeODT
	case ".rtf":
		return MimeTextRTF
	}
	return mt
}

func extractText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return strings.ToValidUTF8(string(data), "�"), nil
	}
	return string(data), nil
}
