// Package apierr carries the API error taxonomy from the services to the HTTP boundary.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an error with an HTTP status and a message code. Code doubles as the
// i18n message ID rendered to the client.
type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error.
func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Validation reports missing or malformed input.
func Validation(code string) *Error { return New(http.StatusBadRequest, code, nil) }

// Unauthorized reports a missing, invalid or expired credential.
func Unauthorized(code string) *Error { return New(http.StatusUnauthorized, code, nil) }

// Forbidden reports an ownership or role mismatch.
func Forbidden(code string) *Error { return New(http.StatusForbidden, code, nil) }

// NotFound reports an unknown session, case or user.
func NotFound(code string) *Error { return New(http.StatusNotFound, code, nil) }

// Conflict reports a write that lost a race or hit a closed session.
func Conflict(code string) *Error { return New(http.StatusConflict, code, nil) }

// Upstream wraps a database or LLM failure. The cause is logged, never sent.
func Upstream(code string, err error) *Error { return New(http.StatusInternalServerError, code, err) }

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the message code for err, defaulting to "InternalError".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "InternalError"
}
