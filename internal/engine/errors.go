package engine

import (
	"errors"

	"github.com/google/uuid"
)

// ErrHalted is returned by Run when the supervisor raised a global halt,
// either through the emergency stop sentinel or a CRITICAL failure rate.
var ErrHalted = errors.New("engine: halted")

// skipError marks a task outcome as skipped rather than failed: the work
// was not needed (file already present, duplicate digest, archived
// model).
type skipError struct {
	reason string
}

func (e *skipError) Error() string {
	return "engine: skipped: " + e.reason
}

func skip(reason string) error {
	return &skipError{reason: reason}
}

func asSkip(err error) (*skipError, bool) {
	var se *skipError
	if errors.As(err, &se) {
		return se, true
	}

	return nil, false
}

func newTaskID() string {
	return uuid.NewString()
}
