// Package apperr provides standardized domain error types for the application.
// Import stages return these typed errors; the orchestrator and the HTTP trigger
// surface inspect the Kind to decide on isolation, cascading and status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents the category of error.
type Kind int

const (
	// KindUnknown is the default error kind when none is specified.
	KindUnknown Kind = iota
	// KindNotFound indicates a resource was not found.
	KindNotFound
	// KindValidation indicates invalid input data.
	KindValidation
	// KindConflict indicates a conflict with existing state (e.g., duplicate).
	KindConflict
	// KindInternal indicates an unexpected internal error.
	KindInternal
	// KindMalformedClaim indicates a legacy claim missing a required field.
	// The claim's entity is skipped; other entities continue.
	KindMalformedClaim
	// KindPreconditionViolation indicates the extractor returned unsorted or
	// inconsistent rows. Reconciliation of that entity is aborted.
	KindPreconditionViolation
	// KindPersistenceConflict indicates a write violated a constraint other than
	// the row's own external id.
	KindPersistenceConflict
	// KindStageFailure indicates a stage run failed as a whole.
	KindStageFailure
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindNotFound:              "not_found",
	KindValidation:            "validation",
	KindConflict:              "conflict",
	KindInternal:              "internal",
	KindMalformedClaim:        "malformed_claim",
	KindPreconditionViolation: "precondition_violation",
	KindPersistenceConflict:   "persistence_conflict",
	KindStageFailure:          "stage_failure",
}

// String returns the snake_case name used in logs and metrics labels.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Error is a domain error with a typed Kind.
type Error struct {
	Kind    Kind
	Message string
	Op      string      // Operation that failed (optional)
	Err     error       // Underlying error (optional)
	Details interface{} // Additional details for response (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the appropriate HTTP status code for this error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindMalformedClaim:
		return http.StatusBadRequest
	case KindConflict, KindPersistenceConflict:
		return http.StatusConflict
	case KindInternal, KindPreconditionViolation, KindStageFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// New creates a new domain error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a new domain error wrapping an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithOp returns the error with the operation set.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithDetails returns the error with additional details.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// Convenience constructors for common error types.

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(KindInternal, message)
}

// MalformedClaim creates a malformed claim error.
func MalformedClaim(message string) *Error {
	return New(KindMalformedClaim, message)
}

// PreconditionViolation creates a precondition violation error.
func PreconditionViolation(message string) *Error {
	return New(KindPreconditionViolation, message)
}

// PersistenceConflict wraps a datastore error as a persistence conflict.
func PersistenceConflict(message string, err error) *Error {
	return Wrap(KindPersistenceConflict, message, err)
}

// StageFailure wraps an error that failed a stage run.
func StageFailure(stage string, err error) *Error {
	return Wrap(KindStageFailure, "stage failed", err).WithOp(stage)
}

// GetKind extracts the error kind from an error chain.
// Returns KindUnknown if no *Error is found.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is checks if err carries an *Error with the given kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// IsEntityScoped reports whether the error only invalidates the entity it was
// raised for, leaving the rest of the batch reconcilable.
func IsEntityScoped(err error) bool {
	switch GetKind(err) {
	case KindMalformedClaim, KindPreconditionViolation:
		return true
	default:
		return false
	}
}
