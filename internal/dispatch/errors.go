package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrStopped   = errors.New("dispatcher stopped")
	ErrQueueFull = errors.New("dispatcher queue full")
)

// Fatal marks a runner error as non-retryable (revoked credentials, deleted
// workflow, ...). The execution fails immediately without burning retries.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is wrapped with Fatal.
func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }
