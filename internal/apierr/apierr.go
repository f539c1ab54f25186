// Package apierr defines the closed set of gateway error codes and maps them
// to HTTP status codes, per the response envelope's error propagation policy.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the closed set of error codes the envelope middleware knows
// how to render. No other string may appear in a response's error.code field.
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeAuthentication Code = "AUTHENTICATION_ERROR"
	CodeAuthorization  Code = "AUTHORIZATION_ERROR"
	CodeNotFound       Code = "RESOURCE_NOT_FOUND"
	CodeConflict       Code = "RESOURCE_CONFLICT"
	CodeRateLimit      Code = "RATE_LIMIT_EXCEEDED"
	CodeIntegration    Code = "INTEGRATION_ERROR"
	CodeSystem         Code = "SYSTEM_ERROR"
)

// statusByCode is the fixed code→HTTP-status table from the error handling
// design. INTEGRATION_ERROR defaults to 502; callers needing 503 (e.g. an
// open circuit breaker) set Status explicitly via WithStatus.
var statusByCode = map[Code]int{
	CodeValidation:     http.StatusUnprocessableEntity,
	CodeAuthentication: http.StatusUnauthorized,
	CodeAuthorization:  http.StatusForbidden,
	CodeNotFound:       http.StatusNotFound,
	CodeConflict:       http.StatusConflict,
	CodeRateLimit:      http.StatusTooManyRequests,
	CodeIntegration:    http.StatusBadGateway,
	CodeSystem:         http.StatusInternalServerError,
}

// Error is a typed domain error carrying one of the closed codes plus
// optional structured details and response headers (used for
// X-RateLimit-*/X-Quota-*/Retry-After). The envelope middleware is the only
// place these are rendered to JSON.
type Error struct {
	Code    Code
	Message string
	Status  int // overrides the default status for Code when non-zero
	Details any
	Headers map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code to write for this error.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error with the default status for code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error carrying cause for logging, without leaking cause's
// text to the client message unless explicitly included.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithStatus returns a copy of e with an explicit HTTP status override.
func (e *Error) WithStatus(status int) *Error {
	cp := *e
	cp.Status = status
	return &cp
}

// WithDetails attaches structured detail data (e.g. validation field errors).
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithHeader attaches a response header to be set alongside the error body.
func (e *Error) WithHeader(key, value string) *Error {
	cp := *e
	if cp.Headers == nil {
		cp.Headers = make(map[string]string, 1)
	} else {
		h := make(map[string]string, len(cp.Headers)+1)
		for k, v := range cp.Headers {
			h[k] = v
		}
		cp.Headers = h
	}
	cp.Headers[key] = value
	return &cp
}

// As extracts an *Error from err, following the standard errors.As protocol.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Convenience constructors matching the closed code set.
func Validation(msg string) *Error     { return New(CodeValidation, msg) }
func Unauthenticated(msg string) *Error { return New(CodeAuthentication, msg) }
func Forbidden(msg string) *Error      { return New(CodeAuthorization, msg) }
func NotFound(msg string) *Error       { return New(CodeNotFound, msg) }
func Conflict(msg string) *Error       { return New(CodeConflict, msg) }
func RateLimited(msg string) *Error    { return New(CodeRateLimit, msg) }
func Integration(msg string) *Error    { return New(CodeIntegration, msg) }
func System(msg string) *Error         { return New(CodeSystem, msg) }
