package fetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrTransport covers network failures and server side errors. These are
	// the only retryable failures.
	ErrTransport = errors.New("fetch: transport failure")
	// ErrValidation is returned when the data store rejects a payload.
	ErrValidation = errors.New("fetch: validation failed")
	// ErrUnauthorized is returned for rejected or missing credentials.
	ErrUnauthorized = errors.New("fetch: unauthorized")
	// ErrNotFound is returned when the target row does not exist.
	ErrNotFound = errors.New("fetch: not found")
	// ErrConflict is returned when a write collides with existing data.
	ErrConflict = errors.New("fetch: conflict")
)

// StatusError is a non-2xx response from the data store.
type StatusError struct {
	Status  int
	Code    string
	Message string
	kind    error
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("data store returned %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("data store returned %d: %s", e.Status, msg)
}

// Unwrap exposes the error class so callers can use errors.Is.
func (e *StatusError) Unwrap() error { return e.kind }

// IsRetryable reports whether err is a transport or server failure worth
// retrying. Validation, auth, not-found and conflict errors are final.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

// statusClass maps an HTTP status onto an error class.
func statusClass(status int) error {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound, status == http.StatusNotAcceptable:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	default:
		return ErrTransport
	}
}

// newStatusError builds a StatusError from a PostgREST error body.
func newStatusError(status int, body []byte) *StatusError {
	e := &StatusError{Status: status, kind: statusClass(status)}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if json.Unmarshal(body, &payload) == nil {
		e.Code = payload.Code
		e.Message = payload.Message
		if payload.Details != "" {
			e.Message = strings.TrimSpace(e.Message + ": " + payload.Details)
		}
	} else {
		e.Message = strings.TrimSpace(string(body))
	}
	// Unique and foreign key violations surface as 409 on current servers but
	// as 400 on older ones.
	if e.Code == "23505" || e.Code == "23503" {
		e.kind = ErrConflict
	}
	return e
}
