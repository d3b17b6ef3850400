package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeRenderTimeout represents a page render that exceeded its deadline
	ErrorTypeRenderTimeout ErrorType = "render_timeout"
	// ErrorTypeNavigation represents navigation/network failures while rendering
	ErrorTypeNavigation ErrorType = "navigation"
	// ErrorTypeBlocked represents bot-detection or non-2xx refusals by the target
	ErrorTypeBlocked ErrorType = "blocked"
	// ErrorTypeExtractionService represents an upstream extraction service failure
	ErrorTypeExtractionService ErrorType = "extraction_service"
	// ErrorTypeExtractionParse represents an un-parseable extraction response
	ErrorTypeExtractionParse ErrorType = "extraction_parse"
	// ErrorTypeSchemaValidation represents a candidate failing schema validation
	ErrorTypeSchemaValidation ErrorType = "schema_validation"
	// ErrorTypeReconcileConflict represents a natural-key collision needing review
	ErrorTypeReconcileConflict ErrorType = "reconciliation_conflict"
	// ErrorTypeDatastoreWrite represents a failed catalog/ledger write
	ErrorTypeDatastoreWrite ErrorType = "datastore_write"
	// ErrorTypeCache represents cache-related errors
	ErrorTypeCache ErrorType = "cache"
	// ErrorTypePublisher represents publisher-related errors
	ErrorTypePublisher ErrorType = "publisher"
	// ErrorTypeConfiguration represents configuration errors
	ErrorTypeConfiguration ErrorType = "configuration"
)

// IngestError represents a pipeline-specific error
type IngestError struct {
	Type      ErrorType
	Target    string
	Message   string
	Err       error
	Retryable bool
	Time      time.Time
}

// Error implements the error interface
func (e *IngestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Target, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Target, e.Message)
}

// Unwrap returns the underlying error
func (e *IngestError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is worth another attempt
func (e *IngestError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRenderTimeout:
		return true
	case ErrorTypeExtractionService:
		return e.Retryable
	default:
		return false
	}
}

// New creates a new IngestError
func New(errType ErrorType, target, message string, err error) *IngestError {
	return &IngestError{
		Type:    errType,
		Target:  target,
		Message: message,
		Err:     err,
		Time:    time.Now(),
	}
}

// NewRenderTimeout creates a new render timeout error
func NewRenderTimeout(target string, err error) *IngestError {
	return New(ErrorTypeRenderTimeout, target, "render deadline exceeded", err)
}

// NewNavigation creates a new navigation error
func NewNavigation(target, message string, err error) *IngestError {
	return New(ErrorTypeNavigation, target, message, err)
}

// NewBlocked creates a new blocked-by-target error
func NewBlocked(target, message string) *IngestError {
	return New(ErrorTypeBlocked, target, message, nil)
}

// NewExtractionService creates a new extraction service error; retryable
// marks upstream failures worth another attempt (timeouts, 429, 5xx)
func NewExtractionService(target, message string, err error, retryable bool) *IngestError {
	e := New(ErrorTypeExtractionService, target, message, err)
	e.Retryable = retryable
	return e
}

// NewExtractionParse creates a new extraction parse error
func NewExtractionParse(target, message string, err error) *IngestError {
	return New(ErrorTypeExtractionParse, target, message, err)
}

// NewSchemaValidation creates a new candidate schema validation error
func NewSchemaValidation(target, message string) *IngestError {
	return New(ErrorTypeSchemaValidation, target, message, nil)
}

// NewReconcileConflict creates a new reconciliation conflict error
func NewReconcileConflict(target, message string) *IngestError {
	return New(ErrorTypeReconcileConflict, target, message, nil)
}

// NewDatastoreWrite creates a new datastore write error
func NewDatastoreWrite(target, message string, err error) *IngestError {
	return New(ErrorTypeDatastoreWrite, target, message, err)
}

// NewCache creates a new cache error
func NewCache(target, message string, err error) *IngestError {
	return New(ErrorTypeCache, target, message, err)
}

// NewPublisher creates a new publisher error
func NewPublisher(target, message string, err error) *IngestError {
	return New(ErrorTypePublisher, target, message, err)
}

// NewConfiguration creates a new configuration error
func NewConfiguration(message string, err error) *IngestError {
	return New(ErrorTypeConfiguration, "", message, err)
}

// KindOf extracts the error type for ledger records; unknown errors are
// recorded as datastore-agnostic navigation failures only when they came from
// rendering, so callers pass a fallback
func KindOf(err error, fallback ErrorType) ErrorType {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Type
	}
	return fallback
}

// Retryable reports whether err is a retryable IngestError
func Retryable(err error) bool {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.IsRetryable()
	}
	return false
}
