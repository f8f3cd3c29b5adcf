package queue

import (
	"errors"
	"fmt"
)

var (
	ErrMissingResource   = errors.New("operation requires a table")
	ErrMissingMatch      = errors.New("update requires match")
	ErrMissingIdentifier = errors.New("delete requires id or match")
	ErrUnsupportedKind   = errors.New("unsupported operation type")

	ErrPassInProgress  = errors.New("queue pass already in progress")
	ErrExecutorTimeout = errors.New("executor timed out")
	ErrExecutorPanic   = errors.New("executor panicked")
	ErrOffline         = errors.New("offline")
)

// StorageError is returned when the queue could not be read for an update or written
// back to storage.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
