package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record or object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidDimension is returned for negative dimension values.
	ErrInvalidDimension = errors.New("invalid dimension")
)

// RecordError reports a malformed raw record.
type RecordError struct {
	Index int
	ID    string
	cause error
}

func NewRecordError(index int, id string, cause error) *RecordError {
	return &RecordError{Index: index, ID: id, cause: cause}
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d (%q): %v", e.Index, e.ID, e.cause)
}

func (e *RecordError) Unwrap() error { return e.cause }
