// Package apperr holds the client-facing error type of the API.
//
// A ValidationError is expected and caused by the caller: its status and
// message are safe to return verbatim. Every other error is internal and is
// answered with a generic 500.
package apperr

import (
	"errors"
	"net/http"
	"strings"
)

// InternalMessage is the only text a client sees for an internal failure.
const InternalMessage = "Internal Server Error"

// ValidationError is a business error that carries its own HTTP status.
type ValidationError struct {
	Status  int
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// New builds a ValidationError with a code derived from the status text,
// e.g. 413 -> "REQUEST_ENTITY_TOO_LARGE".
func New(status int, message string) *ValidationError {
	return &ValidationError{
		Status:  status,
		Code:    codeFor(status),
		Message: message,
	}
}

// NewBadRequest reports an invalid upload (400).
func NewBadRequest(message string) *ValidationError {
	return New(http.StatusBadRequest, message)
}

// NewNotFound reports that nothing was recognized (404).
func NewNotFound(message string) *ValidationError {
	return New(http.StatusNotFound, message)
}

// NewPayloadTooLarge reports an upload over the size limit (413).
func NewPayloadTooLarge(message string) *ValidationError {
	return New(http.StatusRequestEntityTooLarge, message)
}

// NewUnauthorized reports a missing or rejected bearer token (401).
func NewUnauthorized(message string) *ValidationError {
	return New(http.StatusUnauthorized, message)
}

// StatusAndMessage reports what a client should receive for err: the status
// and message of a ValidationError anywhere in the chain, or a generic 500.
func StatusAndMessage(err error) (int, string) {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Status, vErr.Message
	}
	return http.StatusInternalServerError, InternalMessage
}

func codeFor(status int) string {
	return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}
