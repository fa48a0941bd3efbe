// Package apperr defines the error taxonomy shared by the domain services and
// the transports that expose them. Domain code wraps these sentinels with
// fmt.Errorf("pkg: op: %w") and transports classify them with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound means the addressed conversation, order or topic is absent.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied means the caller lacks the capability for the resource.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidState means the operation is illegal in the resource's
	// current lifecycle state (e.g. sending into a closed conversation).
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidInput means the request itself is malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict means a conditional update lost a race with another writer.
	ErrConflict = errors.New("conflict")
)

// Code returns a stable machine-readable code for err, suitable for error
// payloads sent to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal_error"
	}
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Message returns a client-safe description of err. Internal errors never
// leak their detail.
func Message(err error) string {
	switch Code(err) {
	case "not_found":
		return "resource not found"
	case "access_denied":
		return "access denied"
	case "invalid_state":
		return "operation not allowed in the current state"
	case "invalid_input":
		return err.Error()
	case "conflict":
		return "resource was modified concurrently"
	default:
		return "internal error"
	}
}
