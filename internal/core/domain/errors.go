package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Validation errors. They are returned synchronously and never retried.
var (
	ErrInvalidQuantity        = errors.New("quantity must be positive")
	ErrZeroChange             = errors.New("quantity change must be non-zero")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrBelowReserved          = errors.New("cannot reduce below reserved")
	ErrInsufficientAvailable  = errors.New("insufficient available stock")
	ErrReleaseExceedsReserved = errors.New("release exceeds reserved quantity")
	ErrInvalidEventType       = errors.New("invalid event type")
	ErrInvalidThreshold       = errors.New("thresholds must not be negative")
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrLedgerNotFound  = errors.New("ledger not found")
	// ErrStaleVersion means the caller read the ledger before another write
	// landed. The caller has to re-read; retrying blindly would lose an update.
	ErrStaleVersion = errors.New("ledger version is stale")
	// ErrSerializationFailure is transient: the store aborted the transaction
	// to keep a serial order. Callers retry it with backoff.
	ErrSerializationFailure = errors.New("serialization failure")
)

// InsufficientAvailableError carries the available count for diagnostics.
type InsufficientAvailableError struct {
	Available int
	Requested int
}

func (e *InsufficientAvailableError) Error() string {
	return fmt.Sprintf("%s: available %d, requested %d", ErrInsufficientAvailable, e.Available, e.Requested)
}

func (e *InsufficientAvailableError) Is(target error) bool {
	return target == ErrInsufficientAvailable
}

var validationErrors = []error{
	ErrInvalidQuantity,
	ErrZeroChange,
	ErrInsufficientStock,
	ErrBelowReserved,
	ErrInsufficientAvailable,
	ErrReleaseExceedsReserved,
	ErrInvalidEventType,
	ErrInvalidThreshold,
}

// IsValidation reports whether err is a domain validation failure.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is safe to retry with the same arguments.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSerializationFailure)
}
