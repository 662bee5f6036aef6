/*
payout.go - Payout record and status machine

PURPOSE:
  A Payout is one withdrawal request moving through a five-state
  machine:

    pending ----> processing ----> completed
       |              |
       v              v
    cancelled      failed ----> pending   (operator resubmit)
                      |
                      v
                   cancelled              (operator release)

  Money-wise: pending and processing and failed all hold a reservation;
  completed has settled it; cancelled has returned it. A failed payout
  never releases funds on its own. Only an operator resolution moves it.

  The record carries the full fee breakdown at request time so the
  amount sent to the processor is fixed before execution begins.

SEE ALSO:
  - payout/engine.go: drives the transitions
  - entry.go:         the ledger categories written at each transition
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS MACHINE
// =============================================================================

// PayoutStatus is the lifecycle state of a payout.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	PayoutCancelled  PayoutStatus = "cancelled"
)

// payoutTransitions is the complete legal transition set. Anything absent
// is forbidden.
var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:    {PayoutProcessing, PayoutCancelled},
	PayoutProcessing: {PayoutCompleted, PayoutFailed},
	PayoutFailed:     {PayoutPending, PayoutCancelled},
	PayoutCompleted:  {},
	PayoutCancelled:  {},
}

// Valid reports whether s is a known status.
func (s PayoutStatus) Valid() bool {
	_, ok := payoutTransitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s PayoutStatus) Terminal() bool {
	return len(payoutTransitions[s]) == 0
}

// CanTransitionTo reports whether the machine permits s -> next.
func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	for _, allowed := range payoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// =============================================================================
// PAYOUT
// =============================================================================

// Payout is one withdrawal request. RequestedAmount is the gross amount
// reserved from the balance; NetAmount is what the processor transfers after
// platform fee and tax withholding.
type Payout struct {
	ID             string
	Number         string // human-facing reference, e.g. PO-20260315-8F2C41
	OrganizationID string
	RequestedBy    string

	RequestedAmount decimal.Decimal
	PlatformFee     decimal.Decimal
	TaxWithheld     decimal.Decimal
	NetAmount       decimal.Decimal
	Currency        string

	Status PayoutStatus

	// ScheduledAt is the earliest the payout scheduler may execute it.
	ScheduledAt time.Time

	// DestinationAccount is the processor account id, copied from the
	// organization at request time.
	DestinationAccount string

	// TransferID is the processor's reference, set on completion.
	TransferID string

	ProcessedAt   *time.Time
	CompletedAt   *time.Time
	FailureReason string
	RetryCount    int

	CancelledBy  string
	CancelledAt  *time.Time
	CancelReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition moves the payout to next, or returns a PayoutStateError naming
// the forbidden jump. Callers set operation-specific fields themselves.
func (p *Payout) Transition(next PayoutStatus, now time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return &PayoutStateError{
			PayoutID:  p.ID,
			Status:    p.Status,
			Attempted: fmt.Sprintf("transition to %s", next),
		}
	}
	p.Status = next
	p.UpdatedAt = now
	return nil
}

// HoldsReservation reports whether the payout currently has funds reserved
// against it. Failed payouts keep their reservation until resolved.
func (p *Payout) HoldsReservation() bool {
	switch p.Status {
	case PayoutPending, PayoutProcessing, PayoutFailed:
		return true
	}
	return false
}

// NewPayoutNumber builds the human-facing payout reference for a request
// made at now: date plus six characters of entropy.
func NewPayoutNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return fmt.Sprintf("PO-%s-%s", now.UTC().Format("20060102"), suffix)
}
