// Package apperror provides structured error handling for the sync core.
// All business errors must use AppError so callers can branch on codes
// instead of string matching.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes. The syncer keys off CodeTransient vs everything else:
// transient errors keep a queued operation pending, every other remote
// failure is a rejection.
const (
	// Infrastructure errors
	CodeInternal  = "INTERNAL_ERROR"
	CodeStorage   = "STORAGE_ERROR"
	CodeTransient = "TRANSIENT_ERROR"

	// Validation errors
	CodeValidation = "VALIDATION_ERROR"

	// Business rule violations
	CodeInsufficientStock      = "INSUFFICIENT_STOCK"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeDataGuard              = "DATA_GUARD_TRIPPED"

	// Not found / conflict
	CodeNotFound = "NOT_FOUND"
	CodeConflict = "CONFLICT"
)

// AppError is the standard error type for the library.
// It implements the error interface and provides structured details.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (field errors, quantities, etc.)
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions for common errors ---

// NewValidation creates a validation error
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

// NewNotFound creates a not found error
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewInsufficientStock creates a stock shortage error carrying the quantity
// still available, so the caller can offer a corrected amount.
func NewInsufficientStock(itemID string, requested, available float64) *AppError {
	return &AppError{
		Code:    CodeInsufficientStock,
		Message: "Insufficient stock",
		Details: map[string]any{
			"item_id":   itemID,
			"requested": requested,
			"available": available,
		},
	}
}

// NewConcurrentModification creates an optimistic locking error.
func NewConcurrentModification(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeConcurrentModification,
		Message: "Record was modified by another user. Please refresh and try again.",
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// NewTransient creates an error for failures worth retrying (network, timeout).
func NewTransient(message string, err error) *AppError {
	return &AppError{
		Code:    CodeTransient,
		Message: message,
		Err:     err,
	}
}

// NewStorage creates a durable-storage failure error. These must fail loud:
// an operation that could not be persisted was never accepted.
func NewStorage(message string, err error) *AppError {
	return &AppError{
		Code:    CodeStorage,
		Message: message,
		Err:     err,
	}
}

// NewDataGuard creates the startup guard error blocking normal operation
// until the user explicitly accepts the empty remote store.
func NewDataGuard(message string) *AppError {
	return &AppError{
		Code:    CodeDataGuard,
		Message: message,
	}
}

// NewInternal creates an internal error
func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal error",
		Err:     err,
	}
}

// NewConflict creates a conflict error
func NewConflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
	}
}

// --- Helper functions ---

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode checks if error carries the given code
func IsCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsTransient reports whether the error is worth an automatic retry.
// Anything else returned by the remote store counts as a rejection.
func IsTransient(err error) bool {
	return IsCode(err, CodeTransient)
}

// IsConflict reports whether the error is a stale-write rejection.
func IsConflict(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeConflict || appErr.Code == CodeConcurrentModification
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsInsufficientStock checks if error is CodeInsufficientStock
func IsInsufficientStock(err error) bool {
	return IsCode(err, CodeInsufficientStock)
}
