package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConcurrentUpdate  = errors.New("operation was modified concurrently")
	ErrStockConflict     = errors.New("stock level changed concurrently")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrAlreadyCancelled  = errors.New("operation already cancelled")
	ErrExceedsCapacity   = errors.New("requested tokens exceed bucket capacity")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownSKU        = errors.New("unknown sku for warehouse")
	ErrRateLimited       = errors.New("remote call budget exhausted")
)

// ValidationError is a business-impossible failure. It is never retried.
type ValidationError struct {
	Reason    error
	Available int
	Requested int
}

func (e *ValidationError) Error() string {
	if errors.Is(e.Reason, ErrUnknownSKU) {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%v: available %d, requested %d", e.Reason, e.Available, e.Requested)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

type SyncErrorClass int

const (
	SyncTransient SyncErrorClass = iota
	SyncPermanent
)

func (c SyncErrorClass) String() string {
	if c == SyncPermanent {
		return "permanent"
	}
	return "transient"
}

// SyncError is a classified failure of a remote order-service call.
type SyncError struct {
	Class      SyncErrorClass
	Op         string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Op, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Class, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func NewTransientSyncError(op string, status int, err error) *SyncError {
	return &SyncError{Class: SyncTransient, Op: op, StatusCode: status, Err: err}
}

func NewPermanentSyncError(op string, status int, err error) *SyncError {
	return &SyncError{Class: SyncPermanent, Op: op, StatusCode: status, Err: err}
}

// PersistenceError means a store call was aborted and left nothing behind.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should feed the retry scheduler rather
// than fail the operation.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Class == SyncTransient
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return false
	}
	var persistErr *PersistenceError
	return errors.Is(err, ErrStockConflict) || errors.As(err, &persistErr)
}
