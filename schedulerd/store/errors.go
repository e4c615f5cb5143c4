package store

import "errors"

var (
	// ErrConflict means the schedule ID already exists with different content.
	// Callers must not retry; the two requests are genuinely distinct.
	ErrConflict = errors.New("schedule id exists with conflicting content")

	// ErrNotFound means no live entry holds the schedule ID.
	ErrNotFound = errors.New("schedule not found")
)

// TransientError wraps a store failure the caller may retry: the backend was
// unreachable, timed out, or rejected the operation for a non-semantic reason.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient store error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (anywhere in its chain) is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
