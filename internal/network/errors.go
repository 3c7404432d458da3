package network

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrAuthenticationFailed = errors.New("network rejected credentials")
	ErrCircuitOpen          = errors.New("circuit open for merchant")
)

// InvalidRequestError is a 4xx answer other than 401. It is never retried.
type InvalidRequestError struct {
	Status int
	Detail string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: status %d: %s", e.Status, e.Detail)
}

type ServerError struct {
	Status           int
	Attempts         int
	RetriesExhausted bool
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: status %d after %d attempts", e.Status, e.Attempts)
}

// TransportError wraps connection failures and timeouts.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is worth another attempt later, e.g. by a
// timeout reconciliation.
func Retryable(err error) bool {
	var (
		serverErr    *ServerError
		transportErr *TransportError
	)
	return errors.Is(err, ErrCircuitOpen) || errors.As(err, &serverErr) || errors.As(err, &transportErr)
}
