/*
account.go - Per-organization balance state

PURPOSE:
  AccountBalance is the single row that tracks where an organization's
  money sits right now. Funds move through three buckets:

    pending   -> donations inside the clearing window, not yet withdrawable
    available -> cleared funds, free to be paid out
    reserved  -> earmarked for an in-flight payout

  Lifetime counters accumulate alongside the buckets for reporting and
  never reset. Only the balance service mutates this struct, and always
  in the same transaction as the ledger entry that explains the change.

INVARIANT:
  pending + available + reserved == net effect of every ledger entry
  whose category moves the account total (see Category.AffectsTotal).

SEE ALSO:
  - service.go: the only writer
  - entry.go:   categories and their bucket semantics
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultClearingPeriodDays is the clearing window applied to new accounts
// unless an operator overrides it.
const DefaultClearingPeriodDays = 7

// Clearing period overrides must stay inside this range. Zero means
// donations clear immediately.
const (
	MinClearingPeriodDays = 0
	MaxClearingPeriodDays = 365
)

// AccountBalance is the current financial position of one organization.
type AccountBalance struct {
	OrganizationID string

	// Buckets. Each is kept non-negative; see Service for the clamp rule.
	Pending   decimal.Decimal
	Available decimal.Decimal
	Reserved  decimal.Decimal

	// Lifetime counters. Monotonic except LifetimeEarnings, which refunds
	// reduce.
	LifetimeEarnings     decimal.Decimal
	LifetimePaidOut      decimal.Decimal
	LifetimePlatformFees decimal.Decimal
	LifetimeTaxWithheld  decimal.Decimal
	LifetimeRefunds      decimal.Decimal

	// ClearingPeriodDays is how long a donation stays pending before the
	// clearing job may promote it to available.
	ClearingPeriodDays int

	// PayoutAccountID is the external processor account payouts are sent
	// to. Empty until the organization completes onboarding.
	PayoutAccountID string

	LastTransactionAt *time.Time
	LastPayoutAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccountBalance returns a zeroed account created at now.
func NewAccountBalance(organizationID string, clearingPeriodDays int, now time.Time) *AccountBalance {
	return &AccountBalance{
		OrganizationID:       organizationID,
		Pending:              decimal.Zero,
		Available:            decimal.Zero,
		Reserved:             decimal.Zero,
		LifetimeEarnings:     decimal.Zero,
		LifetimePaidOut:      decimal.Zero,
		LifetimePlatformFees: decimal.Zero,
		LifetimeTaxWithheld:  decimal.Zero,
		LifetimeRefunds:      decimal.Zero,
		ClearingPeriodDays:   clearingPeriodDays,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// Total is the sum of the three buckets: everything the organization is
// currently owed.
func (b *AccountBalance) Total() decimal.Decimal {
	return b.Pending.Add(b.Available).Add(b.Reserved)
}

// ClearingCutoff returns the instant before which a credited donation has
// aged past the clearing window. A credit timestamped exactly at the cutoff
// is clearable: seven full days means eligible at day seven, not after it.
func (b *AccountBalance) ClearingCutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(b.ClearingPeriodDays) * 24 * time.Hour)
}

// WithinClearingWindow reports whether a donation made at createdAt is still
// inside the clearing window at now. Refunds for in-window donations draw
// from pending; out-of-window refunds draw from available.
func (b *AccountBalance) WithinClearingWindow(createdAt, now time.Time) bool {
	return now.Sub(createdAt) < time.Duration(b.ClearingPeriodDays)*24*time.Hour
}

// ValidClearingPeriod reports whether days is an acceptable override.
func ValidClearingPeriod(days int) bool {
	return days >= MinClearingPeriodDays && days <= MaxClearingPeriodDays
}
