// Package apperr defines the error taxonomy shared by the pipeline, the
// vector index client, the queue consumers and the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
)

// ErrNotFound is the root of every not-found error.
var ErrNotFound = errors.New("not found")

// Reasons carried by ValidationError.
const (
	ReasonDuplicate     = "duplicate file"
	ReasonQuotaExceeded = "storage quota exceeded"
	ReasonNoText        = "no extractable text"
	ReasonTooLarge      = "file too large"
	ReasonBadRequest    = "invalid request"
)

// ValidationError is a terminal failure caused by input that will never
// succeed on retry.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("validation: %s: %s", e.Reason, e.Detail)
	}
	return "validation: " + e.Reason
}

// Validation creates a ValidationError.
func Validation(reason, detail string) *ValidationError {
	return &ValidationError{Reason: reason, Detail: detail}
}

// ProviderError wraps a failed or timed-out call to an embedding, rerank or
// vector index service. Batch is 1-based; zero means not batched.
type ProviderError struct {
	Op    string
	Batch int
	Err   error
}

func (e *ProviderError) Error() string {
	if e.Batch > 0 {
		return fmt.Sprintf("provider: %s batch %d: %v", e.Op, e.Batch, e.Err)
	}
	return fmt.Sprintf("provider: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Provider creates a ProviderError.
func Provider(op string, batch int, err error) *ProviderError {
	return &ProviderError{Op: op, Batch: batch, Err: err}
}

// NotFound wraps ErrNotFound with the entity that is missing.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsProvider reports whether err is or wraps a ProviderError.
func IsProvider(err error) bool {
	var p *ProviderError
	return errors.As(err, &p)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Retryable reports whether a broker should redeliver the job that failed
// with err. Only validation failures are terminal.
func Retryable(err error) bool {
	return err != nil && !IsValidation(err)
}
