// Package errors provides the application error type shared by services and
// the HTTP layer. Every AppError carries a Code, and the code alone decides
// the HTTP status it is rendered with.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an AppError.
type Code string

const (
	CodeNotFound    Code = "NOT_FOUND"
	CodeBadRequest  Code = "BAD_REQUEST"
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeConflict    Code = "CONFLICT"
	CodeUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInternal    Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	CodeNotFound:    http.StatusNotFound,
	CodeBadRequest:  http.StatusBadRequest,
	CodeValidation:  http.StatusBadRequest,
	CodeConflict:    http.StatusConflict,
	CodeUnavailable: http.StatusServiceUnavailable,
	CodeInternal:    http.StatusInternalServerError,
}

// HTTPStatus returns the status a code is rendered with.
func (c Code) HTTPStatus() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AppError is an error with a client-facing code and message. Err is the
// cause and is never shown to clients.
type AppError struct {
	Code    Code
	Message string
	// Field names the offending request field of a validation error.
	Field string
	Err   error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches an AppError with the same code and message, so package level
// sentinels survive wrapping.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code && t.Message == e.Message
}

// HTTPStatus returns the status e is rendered with.
func (e *AppError) HTTPStatus() int { return e.Code.HTTPStatus() }

// WithCause returns a copy of e wrapping err.
func (e *AppError) WithCause(err error) *AppError {
	c := *e
	c.Err = err
	return &c
}

// Newf creates an AppError with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(resource, id string) *AppError {
	return Newf(CodeNotFound, "%s with id '%s' not found", resource, id)
}

func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message}
}

func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

// ValidationError reports a rejected request field.
func ValidationError(field, message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: fmt.Sprintf("validation failed for field '%s': %s", field, message),
		Field:   field,
	}
}

// ServiceUnavailable reports that a dependency named what cannot serve
// the request right now.
func ServiceUnavailable(what string) *AppError {
	return Newf(CodeUnavailable, "%s is unavailable", what)
}

func InternalError(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Wrap adds context to err. An AppError keeps its code and prefixes its
// message; anything else becomes an internal error.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: message + ": " + appErr.Message,
			Field:   appErr.Field,
			Err:     err,
		}
	}
	return InternalError(message, err)
}

// CodeOf returns the code of the first AppError in err's chain, or
// CodeInternal.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsBadRequest reports bad request and validation errors.
func IsBadRequest(err error) bool {
	c := CodeOf(err)
	return c == CodeBadRequest || c == CodeValidation
}

// HTTPStatus returns the status err is rendered with.
func HTTPStatus(err error) int { return CodeOf(err).HTTPStatus() }
