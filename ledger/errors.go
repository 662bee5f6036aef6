/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All financial error types in one place for consistency and
  discoverability. The payout engine and API wrap these with
  additional context rather than defining parallel hierarchies.

ERROR CATEGORIES:
  1. Validation errors - Bad amounts, bad configuration
  2. Funds errors      - Balance shortages
  3. State errors      - Illegal payout transitions, duplicates
  4. Lookup errors     - Missing accounts and payouts

USAGE:
  Callers classify with errors.Is or the helpers below:

    if errors.Is(err, ledger.ErrInsufficientFunds) {
        var detail *ledger.InsufficientFundsError
        errors.As(err, &detail)
        ...
    }

SEE ALSO:
  - service.go:       Raises funds and validation errors
  - payout/engine.go: Raises state errors, wraps processor failures
  - api/handlers.go:  Maps these to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when an amount is non-positive, malformed,
	// or carries more precision than money allows.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrBelowMinimumPayout is returned when a payout request is smaller than
	// the configured minimum.
	ErrBelowMinimumPayout = errors.New("amount below minimum payout")

	// ErrInsufficientFunds is returned when a debit or reservation exceeds the
	// balance of the bucket it draws from.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidPayoutState is returned when an operation is attempted against
	// a payout whose status does not permit it.
	ErrInvalidPayoutState = errors.New("invalid payout state")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. Callers treat this as "already
	// processed", not as a failure to retry.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrAccountNotFound is returned when a referenced balance account
	// doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrPayoutNotFound is returned when a referenced payout doesn't exist.
	ErrPayoutNotFound = errors.New("payout not found")

	// ErrNoPayoutAccount is returned when a payout is requested for an
	// organization that has no destination account on file.
	ErrNoPayoutAccount = errors.New("no payout account configured")

	// ErrInvalidClearingPeriod is returned when a clearing period override is
	// outside the allowed range.
	ErrInvalidClearingPeriod = errors.New("invalid clearing period")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidAmountError describes why an amount was rejected.
type InvalidAmountError struct {
	Value  string
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %q: %s", e.Value, e.Reason)
}

func (e *InvalidAmountError) Unwrap() error {
	return ErrInvalidAmount
}

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	OrganizationID string
	Bucket         string // "pending", "available", "reserved"
	Available      decimal.Decimal
	Requested      decimal.Decimal
	Shortfall      decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s funds for %s: available %s, requested %s, shortfall %s",
		e.Bucket, e.OrganizationID,
		FormatAmount(e.Available), FormatAmount(e.Requested), FormatAmount(e.Shortfall))
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// BelowMinimumError carries the configured minimum alongside the request.
type BelowMinimumError struct {
	Requested decimal.Decimal
	Minimum   decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("payout amount %s below minimum %s",
		FormatAmount(e.Requested), FormatAmount(e.Minimum))
}

func (e *BelowMinimumError) Unwrap() error {
	return ErrBelowMinimumPayout
}

// PayoutStateError records an attempted transition the state machine forbids.
type PayoutStateError struct {
	PayoutID  string
	Status    PayoutStatus
	Attempted string // operation name, e.g. "cancel", "execute"
}

func (e *PayoutStateError) Error() string {
	return fmt.Sprintf("payout %s is %s: cannot %s", e.PayoutID, e.Status, e.Attempted)
}

func (e *PayoutStateError) Unwrap() error {
	return ErrInvalidPayoutState
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrPayoutNotFound)
}

// IsConflict returns true if the error indicates the operation collided with
// existing state: a replayed idempotency key or a forbidden status transition.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInvalidPayoutState)
}

// IsClientError returns true if the error is due to invalid client input
// rather than an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrBelowMinimumPayout) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNoPayoutAccount) ||
		errors.Is(err, ErrInvalidClearingPeriod) ||
		IsConflict(err)
}
