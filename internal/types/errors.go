package types

import (
	"errors"
	"fmt"
)

// ErrInsufficientFunds is returned when coin selection or escrow
// construction cannot cover the required amount plus fee.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ValidationError rejects malformed caller input before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError marks a referenced entity as absent. During inbound message
// processing the router downgrades it to a WAITING status, absence may be
// transient propagation delay.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// StateConflictError means an entity is no longer in the precondition state
// the operation requires. Always fatal to the operation, never retried.
type StateConflictError struct {
	Entity  string
	Current string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s has already been %s", e.Entity, e.Current)
}

// IntegrityError means a recomputed content hash does not equal the claimed
// one. Always fatal, it indicates tampering or a protocol bug.
type IntegrityError struct {
	Entity   string
	Claimed  string
	Computed string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s hash mismatch: claimed %s, computed %s", e.Entity, e.Claimed, e.Computed)
}

// LockFailureError means output locking failed after the local record was
// already persisted. The record is kept for manual reconciliation.
type LockFailureError struct {
	BidID uint
	Err   error
}

func (e *LockFailureError) Error() string {
	return fmt.Sprintf("failed to lock outputs for bid %d: %v", e.BidID, e.Err)
}

func (e *LockFailureError) Unwrap() error {
	return e.Err
}
