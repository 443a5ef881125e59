package models

import (
	"errors"
	"fmt"
)

// Error classes returned by the cache. Match with errors.Is.
var (
	// ErrValidation marks a malformed request; retrying it cannot succeed.
	ErrValidation = errors.New("validation error")
	// ErrDimensionMismatch marks an embedding of the wrong length.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrNotFound marks an operation on a nonexistent entry.
	ErrNotFound = errors.New("not found")
	// ErrStorage marks a failure of the underlying store or index.
	ErrStorage = errors.New("storage failure")
	// ErrConfig marks an unknown config key or an invalid value.
	ErrConfig = errors.New("config error")
	// ErrInvalidArgument marks a call with a missing or conflicting argument.
	ErrInvalidArgument = errors.New("invalid argument")
)

// DimensionError reports an embedding whose length differs from the index.
// It matches both ErrDimensionMismatch and ErrValidation.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// Is reports whether target is one of the classes this error belongs to.
func (e *DimensionError) Is(target error) bool {
	return target == ErrDimensionMismatch || target == ErrValidation
}

// Validationf returns an ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StorageError wraps err as an ErrStorage with an operation label.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
