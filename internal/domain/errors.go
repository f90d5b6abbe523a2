package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by every layer. Lower layers wrap these with
// fmt.Errorf("%w: ...") and callers classify with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("unavailable")
	ErrValidation   = errors.New("validation error")

	// ErrCodeRequired is returned when a protected room is opened without a code.
	ErrCodeRequired = fmt.Errorf("%w: security code required", ErrUnauthorized)
)

// Error codes used in notifications and API responses.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeConflict     = "CONFLICT"
	CodeUnavailable  = "UNAVAILABLE"
	CodeValidation   = "VALIDATION_ERROR"
	CodeInternal     = "INTERNAL_ERROR"

	// CodeBadRequest is sent for requests that fail to bind.
	CodeBadRequest = "BAD_REQUEST"
)

// ErrorCode classifies err into a stable code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err to the response status for the API.
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeConflict:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage is a short, non-technical description of err.
func UserMessage(err error) string {
	switch ErrorCode(err) {
	case CodeNotFound:
		return "room not found or expired"
	case CodeUnauthorized:
		return "invalid security code"
	case CodeConflict:
		return "could not allocate a room, try again"
	case CodeValidation:
		return err.Error()
	case CodeUnavailable:
		return "chat service unavailable, try again"
	default:
		return "unexpected error"
	}
}

// ErrorFromCode rebuilds a classified error from a code received over the
// API, so errors.Is keeps working on the client side.
func ErrorFromCode(code, message string) error {
	var sentinel error
	switch code {
	case CodeNotFound:
		sentinel = ErrNotFound
	case CodeUnauthorized:
		sentinel = ErrUnauthorized
	case CodeConflict:
		sentinel = ErrConflict
	case CodeValidation, CodeBadRequest:
		sentinel = ErrValidation
	default:
		sentinel = ErrUnavailable
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
