package pool

import (
	"context"
	"errors"
	"net"
)

// transientError marks a failure worth retrying: network trouble, timeouts,
// provider 5xx equivalents. Executors wrap with Transient to opt in.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the pool's retry policy applies to it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether a failure should be retried. Attempt timeouts
// and network timeouts count as transient even without an explicit wrap.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *transientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
