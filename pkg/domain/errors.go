package domain

import (
	"fmt"
	"time"
)

// ValidationError rejects a malformed Event, ProviderInfo, or
// CursorUpdate at the ingestion boundary. Invalid input never enters
// the pipeline.
type ValidationError struct {
	Kind   string // "event", "provider", "cursor_update"
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: field %q %s", e.Kind, e.Field, e.Reason)
}

// NewValidationError creates a boundary validation failure.
func NewValidationError(kind, field, reason string) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Reason: reason}
}

// DuplicateProviderError is returned when a provider id is registered twice.
type DuplicateProviderError struct {
	ProviderID string
}

func (e *DuplicateProviderError) Error() string {
	return fmt.Sprintf("provider %q is already registered", e.ProviderID)
}

// DetectorError wraps a failure inside a single pattern detector. The
// engine isolates it: the failing detector's window results are
// discarded, sibling detectors still run.
type DetectorError struct {
	Detector string
	Wrapped  error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector %s failed: %v", e.Detector, e.Wrapped)
}

func (e *DetectorError) Unwrap() error {
	return e.Wrapped
}

// PersistError wraps an anchor-service failure for one correlation.
// The correlation is counted rejected-on-persist; the batch continues.
type PersistError struct {
	AnchorID string
	Wrapped  error
}

func (e *PersistError) Error() string {
	if e.AnchorID != "" {
		return fmt.Sprintf("failed to persist correlation on anchor %s: %v", e.AnchorID, e.Wrapped)
	}
	return fmt.Sprintf("failed to persist correlation: %v", e.Wrapped)
}

func (e *PersistError) Unwrap() error {
	return e.Wrapped
}

// QueueTimeoutError signals producer-side backpressure: the pipeline
// queue stayed full past the submit timeout. The event is counted
// failed; the caller may retry.
type QueueTimeoutError struct {
	Timeout time.Duration
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("event queue full, submit timed out after %s", e.Timeout)
}
