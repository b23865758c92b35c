// Package apperr defines the error taxonomy shared by the ledger components.
//
// Components wrap one of the sentinel errors with context using fmt.Errorf
// and %w; callers classify failures with errors.Is. The API layer maps each
// class to an HTTP status with HTTPStatus.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidArgument is returned for malformed filters, pagination
	// parameters or request bodies. It is raised before any store is touched.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a referenced user, group or NAS device
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on duplicate usernames, NAS identifiers or
	// group names, and when deleting a group that still has members.
	ErrConflict = errors.New("conflict")

	// ErrStorageUnavailable is fatal for the request. It is never retried
	// silently.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrAnomalousAccounting classifies out-of-order, decreasing or
	// duplicate accounting events. It is only ever logged.
	ErrAnomalousAccounting = errors.New("anomalous accounting")
)

// InvalidArgument wraps ErrInvalidArgument with a formatted message.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound for the given kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// Conflict wraps ErrConflict with a formatted message.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Unavailable wraps a driver error in ErrStorageUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// FromContext converts a context error into ErrTimeout when the deadline
// expired. Other errors are returned unchanged.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// HTTPStatus maps an error to the HTTP status code returned by the API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus maps a status code received by a client back to a sentinel.
// It returns nil for 2xx codes and codes without a dedicated class.
func FromHTTPStatus(status int) error {
	switch status {
	case http.StatusBadRequest:
		return ErrInvalidArgument
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusServiceUnavailable:
		return ErrStorageUnavailable
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return ErrTimeout
	}
	return nil
}
