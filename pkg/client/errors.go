package client

import (
	"errors"
	"fmt"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

var (
	// ErrCircuitOpen is returned without contacting the server while the
	// breaker is open after repeated failures.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidResponse is returned when a 2xx body cannot be decoded.
	ErrInvalidResponse = errors.New("invalid response from ledger")
)

// APIError is a non-2xx answer. It unwraps to the apperr class of its
// status, so errors.Is(err, apperr.ErrNotFound) works on it.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger api error: %d %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return apperr.FromHTTPStatus(e.StatusCode)
}

// ConnectionError is a transport failure other than a timeout.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}
