/*
entry.go - The append-only ledger record

PURPOSE:
  Every balance mutation writes exactly one Entry in the same
  transaction. Entries are never updated or deleted; corrections are new
  entries. Each entry snapshots all three buckets after the mutation so
  any point-in-time balance can be read straight off the log without
  replay.

CATEGORIES:
  The category set is closed. Each category has a fixed direction
  (credit or debit) and fixed bucket semantics, so an entry's meaning is
  fully determined by (category, amount). Categories that only move
  money between buckets (clearing, reservation, reversal) do not change
  the account total and are excluded from conservation replay.

CONSTRUCTION:
  Entries are built through per-category constructors that demand the
  references that category requires (a donation entry without a donation
  id cannot be represented). The balance service stamps snapshots and
  timestamps when it applies the entry.

SEE ALSO:
  - service.go: applies entries and stamps snapshots
  - store.go:   append and idempotency enforcement
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTRY TYPE AND CATEGORY
// =============================================================================

// EntryType is the direction of an entry.
type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
)

// Category identifies what happened. The set is closed; there is no
// free-form "other" category.
type Category string

const (
	// CategoryDonationReceived credits pending with a donation's net amount.
	CategoryDonationReceived Category = "donation_received"

	// CategoryDonationCleared moves aged pending funds to available. Written
	// once per clearing run per organization, aggregated.
	CategoryDonationCleared Category = "donation_cleared"

	// CategoryPayoutReserved moves funds from available to reserved when a
	// payout is requested.
	CategoryPayoutReserved Category = "payout_reserved"

	// CategoryPayoutCompleted settles a reservation after a successful
	// transfer: reserved decreases by the payout's gross amount.
	CategoryPayoutCompleted Category = "payout_completed"

	// CategoryPayoutFailed returns reserved funds to available when an
	// operator resolves a failed payout by releasing it.
	CategoryPayoutFailed Category = "payout_failed"

	// CategoryPayoutCancelled returns reserved funds to available when a
	// pending payout is cancelled before execution.
	CategoryPayoutCancelled Category = "payout_cancelled"

	// CategoryRefundIssued debits a refunded donation back out of the
	// account, from pending or available depending on the clearing window.
	CategoryRefundIssued Category = "refund_issued"

	// CategoryAdjustmentCredit and CategoryAdjustmentDebit are manual
	// corrections by operators. Always carry a reason.
	CategoryAdjustmentCredit Category = "adjustment_credit"
	CategoryAdjustmentDebit  Category = "adjustment_debit"
)

// categoryDirection fixes each category's entry type. Constructors use this;
// an entry whose Type disagrees with its Category cannot be built.
var categoryDirection = map[Category]EntryType{
	CategoryDonationReceived: EntryCredit,
	CategoryDonationCleared:  EntryCredit,
	CategoryPayoutReserved:   EntryDebit,
	CategoryPayoutCompleted:  EntryDebit,
	CategoryPayoutFailed:     EntryCredit,
	CategoryPayoutCancelled:  EntryCredit,
	CategoryRefundIssued:     EntryDebit,
	CategoryAdjustmentCredit: EntryCredit,
	CategoryAdjustmentDebit:  EntryDebit,
}

// categoryMovesTotal marks categories that change the account total.
// Clearing, reservation, and reservation reversals only move funds between
// buckets, so replaying them contributes nothing to conservation.
var categoryMovesTotal = map[Category]bool{
	CategoryDonationReceived: true,
	CategoryDonationCleared:  false,
	CategoryPayoutReserved:   false,
	CategoryPayoutCompleted:  true,
	CategoryPayoutFailed:     false,
	CategoryPayoutCancelled:  false,
	CategoryRefundIssued:     true,
	CategoryAdjustmentCredit: true,
	CategoryAdjustmentDebit:  true,
}

// Valid reports whether c is one of the closed category set.
func (c Category) Valid() bool {
	_, ok := categoryDirection[c]
	return ok
}

// Direction returns the fixed entry type for this category.
func (c Category) Direction() EntryType {
	return categoryDirection[c]
}

// AffectsTotal reports whether entries of this category change the account
// total, as opposed to moving funds between buckets.
func (c Category) AffectsTotal() bool {
	return categoryMovesTotal[c]
}

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one immutable line of the ledger.
type Entry struct {
	ID             string
	OrganizationID string
	Type           EntryType
	Category       Category
	Amount         decimal.Decimal // always positive; Type carries direction

	// Bucket snapshots after this entry was applied.
	PendingAfter   decimal.Decimal
	AvailableAfter decimal.Decimal
	ReservedAfter  decimal.Decimal
	TotalAfter     decimal.Decimal

	// References. Which are set depends on the category.
	DonationID string
	PayoutID   string

	Description    string
	IdempotencyKey string // empty means no dedup for this entry

	CreatedAt time.Time
}

// NetAmount is this entry's contribution to the account total: positive for
// credits, negative for debits, zero for bucket-to-bucket moves.
func (e *Entry) NetAmount() decimal.Decimal {
	if !e.Category.AffectsTotal() {
		return decimal.Zero
	}
	if e.Type == EntryDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// stampBalances records the post-mutation bucket state on the entry.
func (e *Entry) stampBalances(b *AccountBalance) {
	e.PendingAfter = b.Pending
	e.AvailableAfter = b.Available
	e.ReservedAfter = b.Reserved
	e.TotalAfter = b.Total()
}

func newEntry(organizationID string, category Category, amount decimal.Decimal) (*Entry, error) {
	if !amount.IsPositive() {
		return nil, &InvalidAmountError{Value: amount.String(), Reason: "must be positive"}
	}
	return &Entry{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Type:           category.Direction(),
		Category:       category,
		Amount:         amount,
	}, nil
}

// =============================================================================
// CONSTRUCTORS - one per category, enforcing required references
// =============================================================================

// NewDonationReceived credits pending with a donation's net amount.
// The donation id is required; the idempotency key defaults to the
// donation-derived key when empty.
func NewDonationReceived(organizationID string, amount decimal.Decimal, donationID, idempotencyKey, description string) (*Entry, error) {
	if donationID == "" {
		return nil, fmt.Errorf("donation credit requires a donation id")
	}
	e, err := newEntry(organizationID, CategoryDonationReceived, amount)
	if err != nil {
		return nil, err
	}
	e.DonationID = donationID
	e.IdempotencyKey = idempotencyKey
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = DonationCreditKey(donationID)
	}
	e.Description = description
	return e, nil
}

// NewDonationCleared records an aggregated promotion of aged pending funds.
// Clearing entries carry no idempotency key: each run aggregates whatever is
// eligible at that moment, and the source credits are marked consumed in the
// same transaction.
func NewDonationCleared(organizationID string, amount decimal.Decimal, description string) (*Entry, error) {
	e, err := newEntry(organizationID, CategoryDonationCleared, amount)
	if err != nil {
		return nil, err
	}
	e.Description = description
	return e, nil
}

// NewPayoutReserved earmarks available funds for a payout.
func NewPayoutReserved(organizationID string, amount decimal.Decimal, payoutID string) (*Entry, error) {
	return newPayoutEntry(organizationID, CategoryPayoutReserved, amount, payoutID, "reserved")
}

// NewPayoutCompleted settles a reservation after a successful transfer. The
// amount is the payout's gross (reserved) amount, not the net sent.
func NewPayoutCompleted(organizationID string, amount decimal.Decimal, payoutID string) (*Entry, error) {
	return newPayoutEntry(organizationID, CategoryPayoutCompleted, amount, payoutID, "completed")
}

// NewPayoutFailed releases a failed payout's reservation back to available.
// Written only on explicit operator resolution, never automatically.
func NewPayoutFailed(organizationID string, amount decimal.Decimal, payoutID string) (*Entry, error) {
	return newPayoutEntry(organizationID, CategoryPayoutFailed, amount, payoutID, "released")
}

// NewPayoutCancelled returns a cancelled payout's reservation to available.
func NewPayoutCancelled(organizationID string, amount decimal.Decimal, payoutID string) (*Entry, error) {
	return newPayoutEntry(organizationID, CategoryPayoutCancelled, amount, payoutID, "cancelled")
}

func newPayoutEntry(organizationID string, category Category, amount decimal.Decimal, payoutID, keySuffix string) (*Entry, error) {
	if payoutID == "" {
		return nil, fmt.Errorf("%s entry requires a payout id", category)
	}
	e, err := newEntry(organizationID, category, amount)
	if err != nil {
		return nil, err
	}
	e.PayoutID = payoutID
	e.IdempotencyKey = PayoutKey(payoutID, keySuffix)
	return e, nil
}

// NewRefundIssued debits a refunded donation. The donation id is required;
// the idempotency key defaults to the donation-derived key, so partial
// refunds of one donation must supply their own keys.
func NewRefundIssued(organizationID string, amount decimal.Decimal, donationID, idempotencyKey, description string) (*Entry, error) {
	if donationID == "" {
		return nil, fmt.Errorf("refund requires a donation id")
	}
	e, err := newEntry(organizationID, CategoryRefundIssued, amount)
	if err != nil {
		return nil, err
	}
	e.DonationID = donationID
	e.IdempotencyKey = idempotencyKey
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = DonationRefundKey(donationID)
	}
	e.Description = description
	return e, nil
}

// NewAdjustment records a manual correction. Direction picks the category;
// a reason is mandatory so the audit trail explains itself.
func NewAdjustment(organizationID string, amount decimal.Decimal, direction EntryType, reason, idempotencyKey string) (*Entry, error) {
	if reason == "" {
		return nil, fmt.Errorf("adjustment requires a reason")
	}
	category := CategoryAdjustmentCredit
	if direction == EntryDebit {
		category = CategoryAdjustmentDebit
	}
	e, err := newEntry(organizationID, category, amount)
	if err != nil {
		return nil, err
	}
	e.Description = reason
	e.IdempotencyKey = idempotencyKey
	return e, nil
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

// DonationCreditKey is the default dedup key for a donation's credit entry.
func DonationCreditKey(donationID string) string {
	return "donation:" + donationID + ":credited"
}

// DonationRefundKey is the default dedup key for a donation's refund entry.
func DonationRefundKey(donationID string) string {
	return "donation:" + donationID + ":refunded"
}

// PayoutKey builds the dedup key for a payout lifecycle entry.
func PayoutKey(payoutID, suffix string) string {
	return "payout:" + payoutID + ":" + suffix
}

// =============================================================================
// PENDING CREDITS - clearing source records
// =============================================================================

// PendingCredit tracks one donation credit through the clearing window. The
// clearing job sums aged, unconsumed credits per organization and marks them
// consumed in the same transaction that writes the aggregated clearing
// entry, so a credit can never be promoted twice. In-window refunds consume
// these too, shrinking what clearing will later promote.
type PendingCredit struct {
	ID             string
	OrganizationID string
	DonationID     string
	Amount         decimal.Decimal
	CreditedAt     time.Time
	ClearedAt      *time.Time // set when cleared or consumed by a refund
}

// NewPendingCredit returns the clearing tracker for one donation credit.
func NewPendingCredit(organizationID, donationID string, amount decimal.Decimal, creditedAt time.Time) *PendingCredit {
	return &PendingCredit{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		DonationID:     donationID,
		Amount:         amount,
		CreditedAt:     creditedAt,
	}
}
