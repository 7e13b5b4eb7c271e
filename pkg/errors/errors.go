package errors

import (
	"errors"
	"fmt"
	"net/http"

	"jamlink/internal/core/domain"
)

// ErrorCode classifies application errors at the HTTP edge.
type ErrorCode string

const (
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError carries a machine-readable code and the HTTP status it maps to.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// FromDomain maps domain sentinel errors onto AppErrors for HTTP responses.
func FromDomain(err error) *AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrRoomNotFound):
		return &AppError{Code: ErrCodeNotFound, Message: "room not found", HTTPStatus: http.StatusNotFound, Cause: err}
	case errors.Is(err, domain.ErrInvalidInstrument):
		return &AppError{Code: ErrCodeInvalidInput, Message: "invalid instrument", HTTPStatus: http.StatusBadRequest, Cause: err}
	case errors.Is(err, domain.ErrRoomExists):
		return &AppError{Code: ErrCodeConflict, Message: "room already exists", HTTPStatus: http.StatusConflict, Cause: err}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "internal error", HTTPStatus: http.StatusInternalServerError, Cause: err}
	}
}

// GetAppError extracts an AppError from an error chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
