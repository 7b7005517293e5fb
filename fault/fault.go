// Package fault defines the error kinds shared by the ledger services so that
// callers and the API layer can branch on errors.Is without parsing text.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing listing, order, payout, dispute, or user.
	ErrNotFound = errors.New("not found")
	// ErrForbidden signals a role or ownership violation.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState signals an operation that is not legal for the current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict signals a duplicate dispute or payload.
	ErrConflict = errors.New("conflict")
	// ErrInvalidAmount signals a non-positive or out-of-range amount.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrSignatureInvalid signals a webhook authenticity failure.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrAlreadyProcessed signals an idempotent replay. Services absorb it and
	// report success to the caller; it never crosses the API boundary.
	ErrAlreadyProcessed = errors.New("already processed")
	// ErrSelfTrade signals a buyer attempting to purchase their own listing.
	// It maps to Forbidden at the API boundary.
	ErrSelfTrade = errors.New("self trade")
)

// NotFound wraps ErrNotFound with the entity name.
func NotFound(entity string) error {
	return fmt.Errorf("%s: %w", entity, ErrNotFound)
}

// Forbidden wraps ErrForbidden with the denied action.
func Forbidden(action string) error {
	return fmt.Errorf("%s: %w", action, ErrForbidden)
}

// InvalidState wraps ErrInvalidState with the offending status.
func InvalidState(entity, status string) error {
	return fmt.Errorf("%s in status %q: %w", entity, status, ErrInvalidState)
}

// Conflict wraps ErrConflict with the duplicated entity.
func Conflict(entity string) error {
	return fmt.Errorf("%s: %w", entity, ErrConflict)
}
