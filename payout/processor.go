/*
Package payout drives withdrawal requests through their lifecycle:
request, cancel, execute against the external payment processor, and
operator resolution of failures.

This file defines the processor boundary. The engine only ever sees this
interface; the HTTP client in processor/ implements it, and tests swap
in fakes.
*/
package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Processor is the external payment rail. Implementations must be safe for
// concurrent use.
type Processor interface {
	// Transfer sends money to a destination account. Implementations
	// should pass the idempotency key through so a retried call cannot
	// double-send.
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)

	// AccountBalance reports the current balance of a processor account.
	// Used for the optional pre-flight funding check.
	AccountBalance(ctx context.Context, accountID string) (*AccountBalanceResult, error)
}

// TransferRequest is one outbound transfer.
type TransferRequest struct {
	IdempotencyKey string
	Destination    string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Metadata       map[string]string
}

// TransferResult is the processor's acknowledgement.
type TransferResult struct {
	TransferID string
	Status     string
}

// AccountBalanceResult is a processor account's spendable balance.
type AccountBalanceResult struct {
	AccountID string
	Available decimal.Decimal
	Currency  string
}

// =============================================================================
// PROCESSOR ERRORS
// =============================================================================

var (
	// ErrProcessorFailed is the base class of all processor failures.
	ErrProcessorFailed = errors.New("payment processor request failed")

	// ErrProcessorTimeout marks failures where the outcome is unknown: the
	// transfer may or may not have happened. Callers must not blindly
	// retry these.
	ErrProcessorTimeout = errors.New("payment processor request timed out")

	// ErrPlatformFundsLow is returned by the pre-flight check when the
	// platform's own processor balance cannot cover a payout.
	ErrPlatformFundsLow = errors.New("platform processor balance too low")
)

// ProcessorError carries the processor's own diagnostics.
type ProcessorError struct {
	Op      string // "transfer" or "account_balance"
	Code    string // processor error code, when one was returned
	Message string
	Timeout bool
	Err     error
}

func (e *ProcessorError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("processor %s failed [%s]: %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("processor %s failed: %s", e.Op, msg)
}

func (e *ProcessorError) Unwrap() error {
	return ErrProcessorFailed
}

// IsTimeout reports whether err is an ambiguous-outcome failure: a
// processor timeout or a deadline expiry while the call was in flight.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessorTimeout) {
		return true
	}
	var pe *ProcessorError
	return errors.As(err, &pe) && pe.Timeout
}
