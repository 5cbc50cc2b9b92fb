// Copyright (C) 2026 coterie.chat <dev@coterie.chat>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package errs defines the typed error taxonomy surfaced untranslated to
// the call boundary. Every mutation either fully applies or reports
// exactly one of these codes with no partial side effect.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeUnauthorized      Code = "unauthorized"
	CodeNotAdmin          Code = "not_admin"
	CodeConflict          Code = "conflict"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeInvalidState      Code = "invalid_state"
	CodeExpired           Code = "expired"
	CodeInvalidRequest    Code = "invalid_request"
	CodeInternal          Code = "internal"
)

type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause while keeping the typed code on top.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(CodeUnauthorized, format, args...)
}

func NotAdmin(format string, args ...any) *Error {
	return New(CodeNotAdmin, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

func ResourceExhausted(format string, args ...any) *Error {
	return New(CodeResourceExhausted, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return New(CodeInvalidState, format, args...)
}

func Expired(format string, args ...any) *Error {
	return New(CodeExpired, format, args...)
}

func InvalidRequest(format string, args ...any) *Error {
	return New(CodeInvalidRequest, format, args...)
}

func Internal(cause error, format string, args ...any) *Error {
	return Wrap(CodeInternal, cause, format, args...)
}

// CodeOf extracts the taxonomy code from an error chain, defaulting to
// internal for untyped failures.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps taxonomy codes to stable HTTP statuses.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotAdmin:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeInvalidState:
		return http.StatusUnprocessableEntity
	case CodeExpired:
		return http.StatusGone
	case CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
