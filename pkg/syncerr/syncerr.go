// Package syncerr classifies failures raised while synchronizing the
// warehouse and the tracker so callers can decide between redelivery and
// acknowledgement.
package syncerr

import (
	"errors"
	"fmt"
)

// Class is the retry class of a failure
type Class int

const (
	// ClassTransient failures (timeouts, 5xx, rate limiting) are retried via redelivery
	ClassTransient Class = iota
	// ClassPermanent failures (4xx other than not-found) are logged and acknowledged
	ClassPermanent
	// ClassStale marks a remote key whose target no longer exists
	ClassStale
	// ClassStorage failures come from the warehouse and are redelivered
	ClassStorage
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassStale:
		return "stale"
	case ClassStorage:
		return "storage"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Retryable reports whether redelivering the work could succeed
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassStorage
}

// ErrNotFound is wrapped by stale-reference errors
var ErrNotFound = errors.New("not found")

// Error attaches a class and the failing operation to an error
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// Transient wraps err as a retryable failure
func Transient(op string, err error) error { return wrap(ClassTransient, op, err) }

// Permanent wraps err as a failure that will not heal on retry
func Permanent(op string, err error) error { return wrap(ClassPermanent, op, err) }

// Storage wraps a warehouse failure
func Storage(op string, err error) error { return wrap(ClassStorage, op, err) }

// Stale reports that the remote record behind key is gone
func Stale(op, key string) error {
	return &Error{Class: ClassStale, Op: op, Err: fmt.Errorf("remote key %s: %w", key, ErrNotFound)}
}

// ClassOf returns the class of err. Deadline and network errors are
// transient; anything unclassified is treated as transient too, since
// the transport bounds redelivery.
func ClassOf(err error) Class {
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, ErrNotFound) {
		return ClassStale
	}
	// deadlines, resets and anything else unrecognized
	return ClassTransient
}

// IsStale reports whether err is a stale-reference error
func IsStale(err error) bool {
	return err != nil && ClassOf(err) == ClassStale
}

// IsPermanent reports whether err should be acknowledged without retry
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ClassPermanent
}
