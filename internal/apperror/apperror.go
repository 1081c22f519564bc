// Package apperror defines the error taxonomy shared by the dashboard core,
// the backend clients and the backend server.
//
// Every error crossing a package boundary is either a plain wrapped error or
// an *AppError that wraps one of the sentinels below. Callers classify with
// errors.Is against the sentinel, and read the human-readable Message through
// errors.As.
//
//	ErrConfiguration → backend settings missing or placeholder (never hits the network)
//	ErrCredentials   → backend rejected sign-in / sign-up / refresh
//	ErrNetwork       → transport failure or backend 5xx
//	ErrUnauthorized  → a call that needs a session was made without one
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation error")
	ErrConflict      = errors.New("conflict")
	ErrForbidden     = errors.New("forbidden")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrConfiguration = errors.New("backend not configured")
	ErrCredentials   = errors.New("invalid credentials")
	ErrNetwork       = errors.New("network error")
)

type AppError struct {
	Err     error  // sentinel
	Message string // human-readable message
	Field   string // optional: field causing the error
	Cause   error  // optional: underlying error (transport, driver)
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized is returned when an operation requires a live session.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// Configuration is returned by every session operation while the backend
// settings are absent. No backend call is made before returning it.
func Configuration() *AppError {
	return &AppError{
		Err:     ErrConfiguration,
		Message: "backend is not configured",
	}
}

func InvalidCredentials(message string) *AppError {
	if message == "" {
		message = "invalid login credentials"
	}
	return &AppError{
		Err:     ErrCredentials,
		Message: message,
	}
}

// Network wraps a transport-level failure. The cause stays reachable through
// errors.Is / errors.As (e.g. context.DeadlineExceeded).
func Network(cause error) *AppError {
	msg := "network error"
	if cause != nil {
		msg = "network error: " + cause.Error()
	}
	return &AppError{
		Err:     ErrNetwork,
		Message: msg,
		Cause:   cause,
	}
}

// Message returns the human-readable message of err: the AppError message
// when there is one, err.Error() otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
