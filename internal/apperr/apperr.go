// Package apperr carries the error taxonomy every endpoint translates
// failures into before they reach a client.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation Code = "VALIDATION"
	CodeAuth       Code = "AUTH"
	CodeConflict   Code = "CONFLICT"
	CodeConnection Code = "CONNECTION"
	CodeUpstream   Code = "UPSTREAM"
	CodeInternal   Code = "INTERNAL"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error { return New(CodeValidation, msg) }
func Auth(msg string) error       { return New(CodeAuth, msg) }
func Conflict(msg string) error   { return New(CodeConflict, msg) }
func Internal(msg string) error   { return New(CodeInternal, msg) }

func Connection(msg string, cause error) error {
	return Wrap(CodeConnection, msg, cause)
}

func Upstream(msg string, cause error) error {
	return Wrap(CodeUpstream, msg, cause)
}

// CodeOf unwraps err looking for an *Error; anything else is INTERNAL.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// UserMessage returns the client-facing text for err, hiding wrapped causes
// of errors that never carry user-readable detail.
func UserMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal server error"
}

// HTTPStatus maps the taxonomy onto response codes. Duplicate registration
// is deliberately a 400, matching the public API contract.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation, CodeConflict:
		return http.StatusBadRequest
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeConnection:
		return http.StatusServiceUnavailable
	case CodeUpstream:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
