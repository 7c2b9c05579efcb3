// Package apierr defines the error taxonomy shared by every HTTP surface and
// the JSON envelope errors are rendered in.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeAuthentication     Code = "AUTHENTICATION_ERROR"
	CodeAuthorization      Code = "AUTHORIZATION_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a classified failure that maps onto an HTTP status and error code.
type Error struct {
	Status     int
	Code       Code
	Title      string
	Message    string
	Details    any
	RetryAfter int64
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(message string, details ...FieldError) *Error {
	e := &Error{Status: http.StatusBadRequest, Code: CodeValidation, Title: "Validation Error", Message: message}
	if len(details) > 0 {
		e.Details = details
	}
	return e
}

func Unauthenticated(message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: CodeAuthentication, Title: "Authentication Error", Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Status: http.StatusForbidden, Code: CodeAuthorization, Title: "Authorization Error", Message: message}
}

func NotFound(message string) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Title: "Not Found", Message: message}
}

// RateLimited carries the number of seconds the caller should wait.
func RateLimited(message string, retryAfter int64) *Error {
	return &Error{Status: http.StatusTooManyRequests, Code: CodeRateLimitExceeded, Title: "Rate Limit Exceeded", Message: message, RetryAfter: retryAfter}
}

func Unavailable(message string, cause error) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Title: "Service Unavailable", Message: message, Err: cause}
}

func Internal(cause error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Title: "Internal Server Error", Message: "An unexpected error occurred", Err: cause}
}

// From classifies err, treating anything unclassified as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Body is the wire shape of every error response.
type Body struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Code       Code   `json:"code"`
	RequestID  string `json:"requestId"`
	Timestamp  string `json:"timestamp"`
	Details    any    `json:"details,omitempty"`
	RetryAfter *int64 `json:"retryAfter,omitempty"`
}

// Write renders err as the standard envelope. Internal causes are never echoed.
func Write(w http.ResponseWriter, requestID string, err error) {
	e := From(err)
	body := Body{
		Error:     e.Title,
		Message:   e.Message,
		Code:      e.Code,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Details:   e.Details,
	}
	if e.Code == CodeRateLimitExceeded {
		ra := e.RetryAfter
		body.RetryAfter = &ra
		w.Header().Set("Retry-After", strconv.FormatInt(ra, 10))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(body)
}
