// SPDX-License-Identifier: MIT

package upstream

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrNotFound    = errors.New("upstream: resource not found")
	ErrRejected    = errors.New("upstream: request rejected (4xx)")
	ErrUnavailable = errors.New("upstream: host unreachable or transport failure")
	ErrServer      = errors.New("upstream: internal error (5xx)")
	ErrBadResponse = errors.New("upstream: invalid response format or malformed data")
)

// APIError is a rich error type that wraps the sentinel errors with context.
type APIError struct {
	Sentinel  error
	Operation string
	Status    int
	Body      string
	Err       error // nested lower-level error (e.g. net.Error)
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("upstream: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Sentinel
}

// IsTransient reports whether the caller may retry: transport failures,
// timeouts and upstream 5xx. 4xx responses are permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrServer)
}
