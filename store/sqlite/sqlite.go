/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.Store and ledger.Tx using SQLite. In production the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  The ledger_entries table is insert-only:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - Corrections are new entries
  A partial unique index on idempotency_key turns replays into
  ledger.ErrDuplicateIdempotencyKey before anything is written.

KEY TABLES:
  account_balances:  One row per organization, the current bucket state
  ledger_entries:    Immutable log of every balance change
  pending_credits:   Donation credits waiting out the clearing window
  payouts:           Withdrawal requests and their lifecycle
  job_runs:          Clearing/payout scheduler execution history

MONEY:
  All amounts are stored as TEXT in decimal string form. They are never
  touched by SQL arithmetic; sums happen in Go on decimals.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for
  the whole transaction, so transaction callbacks must only use the Tx
  they are given, never the Store's own read methods.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency
  and crash recovery.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go:        Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/fundflow/settlement-engine/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// In-memory databases exist per connection, so the pool must stay at one.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Account balances (one row per organization)
	CREATE TABLE IF NOT EXISTS account_balances (
		organization_id TEXT PRIMARY KEY,
		pending TEXT NOT NULL,
		available TEXT NOT NULL,
		reserved TEXT NOT NULL,
		lifetime_earnings TEXT NOT NULL,
		lifetime_paid_out TEXT NOT NULL,
		lifetime_platform_fees TEXT NOT NULL,
		lifetime_tax_withheld TEXT NOT NULL,
		lifetime_refunds TEXT NOT NULL,
		clearing_period_days INTEGER NOT NULL,
		payout_account_id TEXT NOT NULL DEFAULT '',
		last_transaction_at TEXT,
		last_payout_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		category TEXT NOT NULL,
		amount TEXT NOT NULL,
		pending_after TEXT NOT NULL,
		available_after TEXT NOT NULL,
		reserved_after TEXT NOT NULL,
		total_after TEXT NOT NULL,
		donation_id TEXT,
		payout_id TEXT,
		description TEXT,
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_idempotency
		ON ledger_entries(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_org_created
		ON ledger_entries(organization_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_org_category
		ON ledger_entries(organization_id, category);
	CREATE INDEX IF NOT EXISTS idx_entries_payout
		ON ledger_entries(payout_id) WHERE payout_id IS NOT NULL;

	-- Pending credits (clearing source records)
	CREATE TABLE IF NOT EXISTS pending_credits (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		donation_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		credited_at TEXT NOT NULL,
		cleared_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_credits_org_uncleared
		ON pending_credits(organization_id, credited_at) WHERE cleared_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_credits_donation
		ON pending_credits(donation_id);

	-- Payouts
	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		payout_number TEXT NOT NULL UNIQUE,
		organization_id TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		requested_amount TEXT NOT NULL,
		platform_fee TEXT NOT NULL,
		tax_withheld TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		destination_account TEXT NOT NULL,
		transfer_id TEXT,
		processed_at TEXT,
		completed_at TEXT,
		failure_reason TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		cancelled_by TEXT,
		cancelled_at TEXT,
		cancel_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_org_created
		ON payouts(organization_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_payouts_due
		ON payouts(status, scheduled_at);

	-- Job runs (scheduler execution history)
	CREATE TABLE IF NOT EXISTS job_runs (
		id TEXT PRIMARY KEY,
		job TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		total_processed INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_job_runs_job_started
		ON job_runs(job, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is the subset of *sql.DB and *sql.Tx the row helpers need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// TRANSACTIONS (ledger.Store interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&storeTx{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// storeTx implements ledger.Tx over one *sql.Tx.
type storeTx struct {
	tx     *sql.Tx
	parent *Store
}

func (t *storeTx) GetAccountForUpdate(ctx context.Context, organizationID string) (*ledger.AccountBalance, error) {
	return t.parent.getAccount(ctx, t.tx, organizationID)
}

func (t *storeTx) CreateAccount(ctx context.Context, b *ledger.AccountBalance) error {
	return t.parent.insertAccount(ctx, t.tx, b)
}

func (t *storeTx) UpdateAccount(ctx context.Context, b *ledger.AccountBalance) error {
	return t.parent.updateAccount(ctx, t.tx, b)
}

func (t *storeTx) AppendEntry(ctx context.Context, e *ledger.Entry) error {
	return t.parent.appendEntry(ctx, t.tx, e)
}

func (t *storeTx) AddPendingCredit(ctx context.Context, pc *ledger.PendingCredit) error {
	return t.parent.insertPendingCredit(ctx, t.tx, pc)
}

func (t *storeTx) UnclearedCreditsBefore(ctx context.Context, organizationID string, cutoff time.Time) ([]ledger.PendingCredit, error) {
	return t.parent.unclearedCreditsBefore(ctx, t.tx, organizationID, cutoff)
}

func (t *storeTx) MarkCreditsCleared(ctx context.Context, ids []string, clearedAt time.Time) error {
	return t.parent.markCreditsCleared(ctx, t.tx, ids, clearedAt)
}

func (t *storeTx) ConsumePendingCredit(ctx context.Context, organizationID, donationID string, amount decimal.Decimal, at time.Time) (bool, error) {
	return t.parent.consumePendingCredit(ctx, t.tx, organizationID, donationID, amount, at)
}

func (t *storeTx) CreatePayout(ctx context.Context, p *ledger.Payout) error {
	return t.parent.insertPayout(ctx, t.tx, p)
}

func (t *storeTx) GetPayoutForUpdate(ctx context.Context, id string) (*ledger.Payout, error) {
	return t.parent.getPayout(ctx, t.tx, id)
}

func (t *storeTx) UpdatePayout(ctx context.Context, p *ledger.Payout) error {
	return t.parent.updatePayout(ctx, t.tx, p)
}

// =============================================================================
// ACCOUNT BALANCES
// =============================================================================

const accountColumns = `organization_id, pending, available, reserved,
	lifetime_earnings, lifetime_paid_out, lifetime_platform_fees,
	lifetime_tax_withheld, lifetime_refunds, clearing_period_days,
	payout_account_id, last_transaction_at, last_payout_at, created_at, updated_at`

// GetAccount returns the balance row for an organization.
func (s *Store) GetAccount(ctx context.Context, organizationID string) (*ledger.AccountBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getAccount(ctx, s.db, organizationID)
}

func (s *Store) getAccount(ctx context.Context, db dbtx, organizationID string) (*ledger.AccountBalance, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM account_balances WHERE organization_id = ?`,
		organizationID,
	)
	b, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return b, nil
}

func (s *Store) insertAccount(ctx context.Context, db dbtx, b *ledger.AccountBalance) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO account_balances (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.OrganizationID,
		b.Pending.String(),
		b.Available.String(),
		b.Reserved.String(),
		b.LifetimeEarnings.String(),
		b.LifetimePaidOut.String(),
		b.LifetimePlatformFees.String(),
		b.LifetimeTaxWithheld.String(),
		b.LifetimeRefunds.String(),
		b.ClearingPeriodDays,
		b.PayoutAccountID,
		nullTime(b.LastTransactionAt),
		nullTime(b.LastPayoutAt),
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) updateAccount(ctx context.Context, db dbtx, b *ledger.AccountBalance) error {
	res, err := db.ExecContext(ctx, `
		UPDATE account_balances SET
			pending = ?,
			available = ?,
			reserved = ?,
			lifetime_earnings = ?,
			lifetime_paid_out = ?,
			lifetime_platform_fees = ?,
			lifetime_tax_withheld = ?,
			lifetime_refunds = ?,
			clearing_period_days = ?,
			payout_account_id = ?,
			last_transaction_at = ?,
			last_payout_at = ?,
			updated_at = ?
		WHERE organization_id = ?`,
		b.Pending.String(),
		b.Available.String(),
		b.Reserved.String(),
		b.LifetimeEarnings.String(),
		b.LifetimePaidOut.String(),
		b.LifetimePlatformFees.String(),
		b.LifetimeTaxWithheld.String(),
		b.LifetimeRefunds.String(),
		b.ClearingPeriodDays,
		b.PayoutAccountID,
		nullTime(b.LastTransactionAt),
		nullTime(b.LastPayoutAt),
		formatTime(b.UpdatedAt),
		b.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func scanAccount(row rowScanner) (*ledger.AccountBalance, error) {
	var b ledger.AccountBalance
	var pending, available, reserved string
	var earnings, paidOut, fees, tax, refunds string
	var lastTx, lastPayout sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&b.OrganizationID,
		&pending, &available, &reserved,
		&earnings, &paidOut, &fees, &tax, &refunds,
		&b.ClearingPeriodDays,
		&b.PayoutAccountID,
		&lastTx, &lastPayout,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, col := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&b.Pending, pending},
		{&b.Available, available},
		{&b.Reserved, reserved},
		{&b.LifetimeEarnings, earnings},
		{&b.LifetimePaidOut, paidOut},
		{&b.LifetimePlatformFees, fees},
		{&b.LifetimeTaxWithheld, tax},
		{&b.LifetimeRefunds, refunds},
	} {
		d, err := decimal.NewFromString(col.src)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount %q: %w", col.src, err)
		}
		*col.dst = d
	}

	if b.LastTransactionAt, err = parseNullTime(lastTx); err != nil {
		return nil, err
	}
	if b.LastPayoutAt, err = parseNullTime(lastPayout); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

const entryColumns = `id, organization_id, entry_type, category, amount,
	pending_after, available_after, reserved_after, total_after,
	donation_id, payout_id, description, idempotency_key, created_at`

func (s *Store) appendEntry(ctx context.Context, db dbtx, e *ledger.Entry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.OrganizationID,
		string(e.Type),
		string(e.Category),
		e.Amount.String(),
		e.PendingAfter.String(),
		e.AvailableAfter.String(),
		e.ReservedAfter.String(),
		e.TotalAfter.String(),
		nullString(e.DonationID),
		nullString(e.PayoutID),
		nullString(e.Description),
		nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

// ListEntries returns one page of an organization's entries, newest first.
func (s *Store) ListEntries(ctx context.Context, organizationID string, f ledger.EntryFilter) ([]ledger.Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "WHERE organization_id = ?"
	args := []any{organizationID}
	if f.Category != "" {
		where += " AND category = ?"
		args = append(args, string(f.Category))
	}
	if f.Type != "" {
		where += " AND entry_type = ?"
		args = append(args, string(f.Type))
	}
	if f.From != nil {
		where += " AND created_at >= ?"
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where += " AND created_at <= ?"
		args = append(args, formatTime(*f.To))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}

	query := "SELECT " + entryColumns + " FROM ledger_entries " + where +
		" ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

func scanEntry(row rowScanner) (*ledger.Entry, error) {
	var e ledger.Entry
	var entryType, category string
	var amount, pendingAfter, availableAfter, reservedAfter, totalAfter string
	var donationID, payoutID, description, idempotencyKey sql.NullString
	var createdAt string

	err := row.Scan(
		&e.ID,
		&e.OrganizationID,
		&entryType, &category,
		&amount,
		&pendingAfter, &availableAfter, &reservedAfter, &totalAfter,
		&donationID, &payoutID, &description, &idempotencyKey,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	e.Type = ledger.EntryType(entryType)
	e.Category = ledger.Category(category)
	for _, col := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.Amount, amount},
		{&e.PendingAfter, pendingAfter},
		{&e.AvailableAfter, availableAfter},
		{&e.ReservedAfter, reservedAfter},
		{&e.TotalAfter, totalAfter},
	} {
		d, err := decimal.NewFromString(col.src)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount %q: %w", col.src, err)
		}
		*col.dst = d
	}
	e.DonationID = donationID.String
	e.PayoutID = payoutID.String
	e.Description = description.String
	e.IdempotencyKey = idempotencyKey.String
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// =============================================================================
// PENDING CREDITS
// =============================================================================

func (s *Store) insertPendingCredit(ctx context.Context, db dbtx, pc *ledger.PendingCredit) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO pending_credits (id, organization_id, donation_id, amount, credited_at, cleared_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		pc.ID,
		pc.OrganizationID,
		pc.DonationID,
		pc.Amount.String(),
		formatTime(pc.CreditedAt),
		nullTime(pc.ClearedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to add pending credit: %w", err)
	}
	return nil
}

func (s *Store) unclearedCreditsBefore(ctx context.Context, db dbtx, organizationID string, cutoff time.Time) ([]ledger.PendingCredit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, organization_id, donation_id, amount, credited_at, cleared_at
		FROM pending_credits
		WHERE organization_id = ? AND cleared_at IS NULL AND credited_at <= ?
		ORDER BY credited_at ASC, rowid ASC`,
		organizationID, formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending credits: %w", err)
	}
	defer rows.Close()

	var credits []ledger.PendingCredit
	for rows.Next() {
		pc, err := scanPendingCredit(rows)
		if err != nil {
			return nil, err
		}
		credits = append(credits, *pc)
	}
	return credits, rows.Err()
}

func (s *Store) markCreditsCleared(ctx context.Context, db dbtx, ids []string, clearedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(clearedAt))
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := db.ExecContext(ctx,
		`UPDATE pending_credits SET cleared_at = ? WHERE id IN (`+placeholders+`) AND cleared_at IS NULL`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to mark credits cleared: %w", err)
	}
	return nil
}

func (s *Store) consumePendingCredit(ctx context.Context, db dbtx, organizationID, donationID string, amount decimal.Decimal, at time.Time) (bool, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, amount FROM pending_credits
		WHERE organization_id = ? AND donation_id = ? AND cleared_at IS NULL
		ORDER BY credited_at ASC LIMIT 1`,
		organizationID, donationID,
	)

	var id, current string
	if err := row.Scan(&id, &current); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to find pending credit: %w", err)
	}

	have, err := decimal.NewFromString(current)
	if err != nil {
		return false, fmt.Errorf("corrupt amount %q: %w", current, err)
	}

	remaining := have.Sub(amount)
	if remaining.IsPositive() {
		_, err = db.ExecContext(ctx,
			`UPDATE pending_credits SET amount = ? WHERE id = ?`,
			remaining.String(), id,
		)
	} else {
		_, err = db.ExecContext(ctx,
			`UPDATE pending_credits SET amount = ?, cleared_at = ? WHERE id = ?`,
			decimal.Zero.String(), formatTime(at), id,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume pending credit: %w", err)
	}
	return true, nil
}

func scanPendingCredit(row rowScanner) (*ledger.PendingCredit, error) {
	var pc ledger.PendingCredit
	var amount, creditedAt string
	var clearedAt sql.NullString

	if err := row.Scan(&pc.ID, &pc.OrganizationID, &pc.DonationID, &amount, &creditedAt, &clearedAt); err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	pc.Amount = d
	if pc.CreditedAt, err = parseTime(creditedAt); err != nil {
		return nil, err
	}
	if pc.ClearedAt, err = parseNullTime(clearedAt); err != nil {
		return nil, err
	}
	return &pc, nil
}

// UnclearedOrganizations returns organizations holding unconsumed credits.
func (s *Store) UnclearedOrganizations(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT organization_id FROM pending_credits
		WHERE cleared_at IS NULL
		ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query uncleared organizations: %w", err)
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// =============================================================================
// PAYOUTS
// =============================================================================

const payoutColumns = `id, payout_number, organization_id, requested_by,
	requested_amount, platform_fee, tax_withheld, net_amount, currency,
	status, scheduled_at, destination_account, transfer_id, processed_at,
	completed_at, failure_reason, retry_count, cancelled_by, cancelled_at,
	cancel_reason, created_at, updated_at`

func (s *Store) insertPayout(ctx context.Context, db dbtx, p *ledger.Payout) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.Number,
		p.OrganizationID,
		p.RequestedBy,
		p.RequestedAmount.String(),
		p.PlatformFee.String(),
		p.TaxWithheld.String(),
		p.NetAmount.String(),
		p.Currency,
		string(p.Status),
		formatTime(p.ScheduledAt),
		p.DestinationAccount,
		nullString(p.TransferID),
		nullTime(p.ProcessedAt),
		nullTime(p.CompletedAt),
		nullString(p.FailureReason),
		p.RetryCount,
		nullString(p.CancelledBy),
		nullTime(p.CancelledAt),
		nullString(p.CancelReason),
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("payout number %s already exists: %w", p.Number, err)
		}
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

func (s *Store) updatePayout(ctx context.Context, db dbtx, p *ledger.Payout) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payouts SET
			status = ?,
			scheduled_at = ?,
			transfer_id = ?,
			processed_at = ?,
			completed_at = ?,
			failure_reason = ?,
			retry_count = ?,
			cancelled_by = ?,
			cancelled_at = ?,
			cancel_reason = ?,
			updated_at = ?
		WHERE id = ?`,
		string(p.Status),
		formatTime(p.ScheduledAt),
		nullString(p.TransferID),
		nullTime(p.ProcessedAt),
		nullTime(p.CompletedAt),
		nullString(p.FailureReason),
		p.RetryCount,
		nullString(p.CancelledBy),
		nullTime(p.CancelledAt),
		nullString(p.CancelReason),
		formatTime(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payout: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ledger.ErrPayoutNotFound
	}
	return nil
}

// GetPayout returns one payout by id.
func (s *Store) GetPayout(ctx context.Context, id string) (*ledger.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getPayout(ctx, s.db, id)
}

func (s *Store) getPayout(ctx context.Context, db dbtx, id string) (*ledger.Payout, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE id = ?`, id)
	p, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payout: %w", err)
	}
	return p, nil
}

// ListPayouts returns one page of an organization's payouts, newest first.
func (s *Store) ListPayouts(ctx context.Context, organizationID string, f ledger.PayoutFilter) ([]ledger.Payout, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "WHERE organization_id = ?"
	args := []any{organizationID}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payouts "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count payouts: %w", err)
	}

	query := "SELECT " + payoutColumns + " FROM payouts " + where +
		" ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var payouts []ledger.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, 0, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, total, rows.Err()
}

// DuePayouts returns pending payouts whose scheduled time has passed.
func (s *Store) DuePayouts(ctx context.Context, asOf time.Time, limit int) ([]ledger.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + payoutColumns + ` FROM payouts
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, rowid ASC`
	args := []any{string(ledger.PayoutPending), formatTime(asOf)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due payouts: %w", err)
	}
	defer rows.Close()

	var payouts []ledger.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

func scanPayout(row rowScanner) (*ledger.Payout, error) {
	var p ledger.Payout
	var requestedAmount, platformFee, taxWithheld, netAmount string
	var status, scheduledAt, createdAt, updatedAt string
	var transferID, failureReason, cancelledBy, cancelReason sql.NullString
	var processedAt, completedAt, cancelledAt sql.NullString

	err := row.Scan(
		&p.ID,
		&p.Number,
		&p.OrganizationID,
		&p.RequestedBy,
		&requestedAmount, &platformFee, &taxWithheld, &netAmount,
		&p.Currency,
		&status,
		&scheduledAt,
		&p.DestinationAccount,
		&transferID,
		&processedAt, &completedAt,
		&failureReason,
		&p.RetryCount,
		&cancelledBy, &cancelledAt, &cancelReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, col := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.RequestedAmount, requestedAmount},
		{&p.PlatformFee, platformFee},
		{&p.TaxWithheld, taxWithheld},
		{&p.NetAmount, netAmount},
	} {
		d, err := decimal.NewFromString(col.src)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount %q: %w", col.src, err)
		}
		*col.dst = d
	}

	p.Status = ledger.PayoutStatus(status)
	p.TransferID = transferID.String
	p.FailureReason = failureReason.String
	p.CancelledBy = cancelledBy.String
	p.CancelReason = cancelReason.String

	if p.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, err
	}
	if p.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, err
	}
	if p.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if p.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// JOB RUNS
// =============================================================================

// SaveJobRun inserts or updates a run record by id.
func (s *Store) SaveJobRun(ctx context.Context, run ledger.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job, trigger_type, status, started_at, completed_at,
			total_processed, success_count, failure_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			total_processed = excluded.total_processed,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			error = excluded.error`,
		run.ID,
		run.Job,
		run.Trigger,
		string(run.Status),
		formatTime(run.StartedAt),
		nullTime(run.CompletedAt),
		run.TotalProcessed,
		run.SuccessCount,
		run.FailureCount,
		nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to save job run: %w", err)
	}
	return nil
}

// ListJobRuns returns recent runs for a job, newest first.
func (s *Store) ListJobRuns(ctx context.Context, job string, limit int) ([]ledger.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, job, trigger_type, status, started_at, completed_at,
		total_processed, success_count, failure_count, error
		FROM job_runs`
	var args []any
	if job != "" {
		query += " WHERE job = ?"
		args = append(args, job)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var runs []ledger.JobRun
	for rows.Next() {
		var r ledger.JobRun
		var status, startedAt string
		var completedAt, errMsg sql.NullString

		if err := rows.Scan(&r.ID, &r.Job, &r.Trigger, &status, &startedAt, &completedAt,
			&r.TotalProcessed, &r.SuccessCount, &r.FailureCount, &errMsg); err != nil {
			return nil, err
		}
		r.Status = ledger.JobRunStatus(status)
		r.Error = errMsg.String
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// RESET
// =============================================================================

// Reset deletes every row from every table. This exists for demo scenario
// loading and is the one place DELETE touches ledger_entries.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{
		"ledger_entries",
		"pending_credits",
		"payouts",
		"job_runs",
		"account_balances",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// formatTime stores timestamps as fixed-width UTC RFC3339 so TEXT
// comparisons in SQL order the same way the times do.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
