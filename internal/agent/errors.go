package agent

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/a-marczewski/kparouter/internal/evidence"
)

// Error kinds counted in state and written to the audit log.
const (
	KindFileNotFound      = "file_not_found"
	KindMalformedFeedback = "malformed_feedback"
	KindRouting           = "routing"
	KindIO                = "io"
	KindInternal          = "internal"
)

// stageError tags an error with the pipeline stage that produced it.
type stageError struct {
	kind string
	err  error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func withKind(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{kind: kind, err: err}
}

// ErrorKind maps an error to the counter key used for it.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, evidence.ErrMalformedFeedback):
		return KindMalformedFeedback
	case errors.Is(err, fs.ErrNotExist):
		return KindFileNotFound
	}

	var se *stageError
	if errors.As(err, &se) {
		return se.kind
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return KindIO
	}
	return KindInternal
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return withKind(KindInternal, fmt.Errorf("panic: %w", err))
	}
	return withKind(KindInternal, fmt.Errorf("panic: %v", r))
}
