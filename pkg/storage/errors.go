package storage

import (
	"errors"
	"fmt"
)

// ErrConditionFailed is returned when an expectation attached to a write
// does not hold on the stored row (or the row does not exist).
var ErrConditionFailed = errors.New("condition check failed")

// StoreError wraps a transport or capacity failure of the underlying store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
