package filestore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means no visible record matched the resolution query.
	ErrNotFound = errors.New("not found")
	// ErrValidation covers malformed identifiers and selectors.
	ErrValidation = errors.New("validation failed")
	// ErrUploadFailed means the incoming or the destination stream broke
	// before the file was committed.
	ErrUploadFailed = errors.New("upload failed")
)

// BackendError is a chunk store failure, carrying the ids the failed
// operation was acting on.
type BackendError struct {
	Op  string
	IDs []string
	Err error
}

func (e *BackendError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("backend %s [%s]: %v", e.Op, strings.Join(e.IDs, ","), e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func backendError(op string, ids []string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Op: op, IDs: ids, Err: err}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
