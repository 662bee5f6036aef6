/*
store.go - Persistence interfaces for the settlement engine

PURPOSE:
  Defines the storage boundary. Two views exist:

  Store: the long-lived handle. Read paths, job-run persistence, and
         WithTx, the only way to mutate anything.

  Tx:    the transactional view handed to the WithTx callback. Every
         balance mutation, ledger append, and payout write goes through
         a Tx, so "balance moved" and "entry explaining it" commit or
         roll back together. There is no ambient transaction state; the
         Tx value is passed explicitly to everything that writes.

IMPLEMENTATIONS:
  store/sqlite: production store, single writer, WAL mode
  ledger/store: in-memory store for tests

SEE ALSO:
  - service.go: composes these into balance operations
  - payout/engine.go: composes reserve + payout creation in one Tx
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the persistence boundary. All writes happen inside WithTx.
type Store interface {
	// WithTx runs fn inside one atomic transaction. If fn returns an
	// error the transaction rolls back and the error is returned
	// unchanged; otherwise it commits.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetAccount returns the balance row for an organization, or
	// ErrAccountNotFound.
	GetAccount(ctx context.Context, organizationID string) (*AccountBalance, error)

	// ListEntries returns one page of ledger entries, newest first, plus
	// the total matching count. A non-positive Limit disables paging and
	// returns everything (conservation replay uses this).
	ListEntries(ctx context.Context, organizationID string, f EntryFilter) ([]Entry, int, error)

	// GetPayout returns a payout by id, or ErrPayoutNotFound.
	GetPayout(ctx context.Context, id string) (*Payout, error)

	// ListPayouts returns one page of an organization's payouts, newest
	// first, plus the total matching count.
	ListPayouts(ctx context.Context, organizationID string, f PayoutFilter) ([]Payout, int, error)

	// DuePayouts returns pending payouts whose scheduled time has passed,
	// oldest first, capped at limit.
	DuePayouts(ctx context.Context, asOf time.Time, limit int) ([]Payout, error)

	// UnclearedOrganizations returns the ids of organizations holding at
	// least one unconsumed pending credit, regardless of age. The clearing
	// job applies each organization's own window afterwards.
	UnclearedOrganizations(ctx context.Context) ([]string, error)

	// SaveJobRun inserts or updates a job run record by id.
	SaveJobRun(ctx context.Context, run JobRun) error

	// ListJobRuns returns recent runs for a job, newest first.
	ListJobRuns(ctx context.Context, job string, limit int) ([]JobRun, error)

	// Reset wipes all stored data. Demo scenario loading only; never
	// reachable from a production code path.
	Reset(ctx context.Context) error
}

// Tx is the transactional view. Implementations guarantee that everything
// done through one Tx commits atomically or not at all.
type Tx interface {
	// GetAccountForUpdate reads an account for mutation within this
	// transaction, or returns ErrAccountNotFound.
	GetAccountForUpdate(ctx context.Context, organizationID string) (*AccountBalance, error)

	// CreateAccount inserts a new account row.
	CreateAccount(ctx context.Context, b *AccountBalance) error

	// UpdateAccount writes back a mutated account row.
	UpdateAccount(ctx context.Context, b *AccountBalance) error

	// AppendEntry appends one immutable ledger entry. A duplicate
	// non-empty idempotency key returns ErrDuplicateIdempotencyKey and
	// writes nothing.
	AppendEntry(ctx context.Context, e *Entry) error

	// AddPendingCredit records a donation credit for later clearing.
	AddPendingCredit(ctx context.Context, pc *PendingCredit) error

	// UnclearedCreditsBefore returns an organization's unconsumed credits
	// with CreditedAt at or before cutoff, oldest first.
	UnclearedCreditsBefore(ctx context.Context, organizationID string, cutoff time.Time) ([]PendingCredit, error)

	// MarkCreditsCleared stamps the given credits as consumed by clearing.
	MarkCreditsCleared(ctx context.Context, ids []string, clearedAt time.Time) error

	// ConsumePendingCredit reduces a donation's unconsumed credit by a
	// refunded amount, marking it consumed when nothing remains. Returns
	// false when no unconsumed credit exists for the donation.
	ConsumePendingCredit(ctx context.Context, organizationID, donationID string, amount decimal.Decimal, at time.Time) (bool, error)

	// CreatePayout inserts a new payout row.
	CreatePayout(ctx context.Context, p *Payout) error

	// GetPayoutForUpdate reads a payout for mutation within this
	// transaction, or returns ErrPayoutNotFound.
	GetPayoutForUpdate(ctx context.Context, id string) (*Payout, error)

	// UpdatePayout writes back a mutated payout row.
	UpdatePayout(ctx context.Context, p *Payout) error
}

// =============================================================================
// FILTERS
// =============================================================================

// EntryFilter selects and pages ledger entries. Zero value means
// everything, unpaged.
type EntryFilter struct {
	Category Category
	Type     EntryType
	From     *time.Time
	To       *time.Time

	Page  int // 1-based; values below 1 are treated as 1
	Limit int // <= 0 disables paging
}

// Offset converts page and limit into a row offset.
func (f EntryFilter) Offset() int {
	if f.Limit <= 0 {
		return 0
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * f.Limit
}

// PayoutFilter selects and pages payouts.
type PayoutFilter struct {
	Status PayoutStatus

	Page  int
	Limit int
}

// Offset converts page and limit into a row offset.
func (f PayoutFilter) Offset() int {
	if f.Limit <= 0 {
		return 0
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * f.Limit
}
