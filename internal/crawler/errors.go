package crawler

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by stores and services.
var (
	// ErrNotFound indicates an unknown search, job, source or classification.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEntry signals the entry uniqueness constraint fired.
	ErrDuplicateEntry = errors.New("duplicate entry")
	// ErrSearchDeleted rejects mutation of a soft-deleted search.
	ErrSearchDeleted = errors.New("search is deleted")
	// ErrInvalidTransition rejects a transition not valid in the current state.
	ErrInvalidTransition = errors.New("invalid search transition")
	// ErrExcludedDocType marks entries dropped by the document-type exclusion list.
	ErrExcludedDocType = errors.New("excluded document type")
)

// TransportError wraps network failures and 5xx upstream responses.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError is returned when the upstream quota is exhausted.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return "upstream rate limit exceeded"
	}
	return fmt.Sprintf("upstream rate limit exceeded, quota resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// UpstreamError carries an error payload embedded in an otherwise successful response.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream error: status %d: %s", e.StatusCode, e.Message)
	}
	return "upstream error: " + e.Message
}

// MalformedEntryError describes an entry missing required fields.
type MalformedEntryError struct {
	ExternalDocID string
	Field         string
}

func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("malformed entry %q: missing %s", e.ExternalDocID, e.Field)
}

// ValidationError rejects bad input before any crawl work begins.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
