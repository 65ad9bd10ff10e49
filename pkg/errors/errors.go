package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error types
var (
	ErrNotFound   = errors.New("resource not found")
	ErrBadRequest = errors.New("bad request")
	ErrConflict   = errors.New("resource conflict")
	ErrInternal   = errors.New("internal server error")
	ErrValidation = errors.New("validation error")
)

// Code domain error types
var (
	ErrMalformedCode           = errors.New("malformed code")
	ErrSequenceExhausted       = errors.New("sequence exhausted")
	ErrInvalidBulkQuantity     = errors.New("invalid bulk quantity")
	ErrDuplicateClassification = errors.New("duplicate classification")
	ErrCodeNotFound            = errors.New("code not found")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrMasterNotFound          = errors.New("master entry not found")
	ErrInactiveClassification  = errors.New("inactive classification")
	ErrAllocationContention    = errors.New("allocation contention")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code string, message string, statusCode int) *AppError {
	return &AppError{
		Err:        err,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// Common error constructors

func NotFound(resource string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Code:       "BAD_REQUEST",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       "VALIDATION_ERROR",
		Message:    "validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// Code domain constructors

func MalformedCode(code, reason string) *AppError {
	return &AppError{
		Err:        ErrMalformedCode,
		Code:       "MALFORMED_CODE",
		Message:    fmt.Sprintf("malformed code %q: %s", code, reason),
		StatusCode: http.StatusBadRequest,
		Details:    map[string]string{"code": code, "reason": reason},
	}
}

func SequenceExhausted(bucket string) *AppError {
	return &AppError{
		Err:        ErrSequenceExhausted,
		Code:       "SEQUENCE_EXHAUSTED",
		Message:    fmt.Sprintf("sequence exhausted for %s", bucket),
		StatusCode: http.StatusConflict,
		Details:    map[string]string{"bucket": bucket},
	}
}

func InvalidBulkQuantity(total, packageSize int) *AppError {
	return &AppError{
		Err:        ErrInvalidBulkQuantity,
		Code:       "INVALID_BULK_QUANTITY",
		Message:    fmt.Sprintf("total quantity %d is not a multiple of package size %d", total, packageSize),
		StatusCode: http.StatusBadRequest,
	}
}

func DuplicateClassification(key string) *AppError {
	return &AppError{
		Err:        ErrDuplicateClassification,
		Code:       "DUPLICATE_CLASSIFICATION",
		Message:    fmt.Sprintf("classification %s already exists", key),
		StatusCode: http.StatusConflict,
	}
}

func CodeNotFound(code string) *AppError {
	return &AppError{
		Err:        ErrCodeNotFound,
		Code:       "CODE_NOT_FOUND",
		Message:    fmt.Sprintf("code %s not found", code),
		StatusCode: http.StatusNotFound,
	}
}

func InsufficientStock(batchRef string, available, requested int) *AppError {
	return &AppError{
		Err:        ErrInsufficientStock,
		Code:       "INSUFFICIENT_STOCK",
		Message:    fmt.Sprintf("batch %s has %d units available, %d requested", batchRef, available, requested),
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"batch_reference": batchRef,
			"available":       fmt.Sprint(available),
			"requested":       fmt.Sprint(requested),
		},
	}
}

func InvalidStateTransition(from, to string) *AppError {
	return &AppError{
		Err:        ErrInvalidStateTransition,
		Code:       "INVALID_STATE_TRANSITION",
		Message:    fmt.Sprintf("cannot move code from %s to %s", from, to),
		StatusCode: http.StatusConflict,
		Details:    map[string]string{"from": from, "to": to},
	}
}

func MasterNotFound(key string) *AppError {
	return &AppError{
		Err:        ErrMasterNotFound,
		Code:       "MASTER_NOT_FOUND",
		Message:    fmt.Sprintf("no master entry for classification %s", key),
		StatusCode: http.StatusNotFound,
	}
}

func InactiveClassification(key string) *AppError {
	return &AppError{
		Err:        ErrInactiveClassification,
		Code:       "INACTIVE_CLASSIFICATION",
		Message:    fmt.Sprintf("classification %s is deactivated", key),
		StatusCode: http.StatusUnprocessableEntity,
	}
}

func AllocationContention(bucket string, err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrAllocationContention, err),
		Code:       "ALLOCATION_CONTENTION",
		Message:    fmt.Sprintf("could not reserve a sequence value for %s", bucket),
		StatusCode: http.StatusServiceUnavailable,
	}
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}

// CodeOf returns the AppError code of err, or INTERNAL_ERROR when err is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}
