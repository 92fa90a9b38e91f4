package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrTooManyRetries   = errors.New("too many concurrent updates")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// PersistenceError reports a failed read or write against the backing store.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func NewPersistenceError(op, key string, err error) *PersistenceError {
	return &PersistenceError{
		Op:  op,
		Key: key,
		Err: err,
	}
}

func wrapErr(op, key string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	var perr *PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return NewPersistenceError(op, key, err)
}
