package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrAlreadyComplete = errors.New("task is already complete")
	ErrDuplicateID     = errors.New("task id already exists")
	ErrStore           = errors.New("task store failure")
	ErrInvalid         = errors.New("invalid task")
)

// StoreError wraps a persistence failure so callers can match ErrStore
// while keeping the driver error reachable through errors.As/Is.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrAlreadyComplete) || errors.Is(err, ErrStore) {
		return err
	}
	return &storeError{op: op, err: err}
}

type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string { return fmt.Sprintf("%s: %v: %v", e.op, ErrStore, e.err) }
func (e *storeError) Unwrap() []error {
	return []error{ErrStore, e.err}
}

// NotFound returns an ErrNotFound carrying the id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
