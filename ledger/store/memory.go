// Package store provides ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundflow/settlement-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store with plain maps guarded by one lock.
// Values are stored by copy, so callers can mutate what they get back
// without touching store state until they write it.
type Memory struct {
	mu sync.RWMutex

	accounts    map[string]ledger.AccountBalance
	entries     []ledger.Entry
	idempotency map[string]bool

	credits     map[string]ledger.PendingCredit
	creditOrder []string

	payouts     map[string]ledger.Payout
	payoutOrder []string

	runs []ledger.JobRun
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[string]ledger.AccountBalance),
		idempotency: make(map[string]bool),
		credits:     make(map[string]ledger.PendingCredit),
		payouts:     make(map[string]ledger.Payout),
	}
}

// WithTx executes fn within a transaction, simulated with a snapshot and
// rollback on error. The lock is held for the whole callback, so fn must
// only use the Tx it is given, not the Store's read methods.
func (m *Memory) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts    map[string]ledger.AccountBalance
	entries     []ledger.Entry
	idempotency map[string]bool
	credits     map[string]ledger.PendingCredit
	creditOrder []string
	payouts     map[string]ledger.Payout
	payoutOrder []string
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:    make(map[string]ledger.AccountBalance, len(m.accounts)),
		entries:     append([]ledger.Entry{}, m.entries...),
		idempotency: make(map[string]bool, len(m.idempotency)),
		credits:     make(map[string]ledger.PendingCredit, len(m.credits)),
		creditOrder: append([]string{}, m.creditOrder...),
		payouts:     make(map[string]ledger.Payout, len(m.payouts)),
		payoutOrder: append([]string{}, m.payoutOrder...),
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range m.credits {
		s.credits[k] = v
	}
	for k, v := range m.payouts {
		s.payouts[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.entries = s.entries
	m.idempotency = s.idempotency
	m.credits = s.credits
	m.creditOrder = s.creditOrder
	m.payouts = s.payouts
	m.payoutOrder = s.payoutOrder
}

// =============================================================================
// READ PATHS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, organizationID string) (*ledger.AccountBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.accounts[organizationID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &b, nil
}

func (m *Memory) ListEntries(_ context.Context, organizationID string, f ledger.EntryFilter) ([]ledger.Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Entries are appended in commit order; walking backwards gives
	// newest first without depending on timestamp ties.
	var matched []ledger.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.OrganizationID != organizationID {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.CreatedAt.After(*f.To) {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	return pageOf(matched, f.Offset(), f.Limit), total, nil
}

func (m *Memory) GetPayout(_ context.Context, id string) (*ledger.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[id]
	if !ok {
		return nil, ledger.ErrPayoutNotFound
	}
	return &p, nil
}

func (m *Memory) ListPayouts(_ context.Context, organizationID string, f ledger.PayoutFilter) ([]ledger.Payout, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ledger.Payout
	for i := len(m.payoutOrder) - 1; i >= 0; i-- {
		p := m.payouts[m.payoutOrder[i]]
		if p.OrganizationID != organizationID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		matched = append(matched, p)
	}

	total := len(matched)
	return pageOf(matched, f.Offset(), f.Limit), total, nil
}

func (m *Memory) DuePayouts(_ context.Context, asOf time.Time, limit int) ([]ledger.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []ledger.Payout
	for _, id := range m.payoutOrder {
		p := m.payouts[id]
		if p.Status == ledger.PayoutPending && !p.ScheduledAt.After(asOf) {
			due = append(due, p)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) UnclearedOrganizations(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var orgs []string
	for _, id := range m.creditOrder {
		c := m.credits[id]
		if c.ClearedAt != nil || seen[c.OrganizationID] {
			continue
		}
		seen[c.OrganizationID] = true
		orgs = append(orgs, c.OrganizationID)
	}
	sort.Strings(orgs)
	return orgs, nil
}

func (m *Memory) SaveJobRun(_ context.Context, run ledger.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListJobRuns(_ context.Context, job string, limit int) ([]ledger.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []ledger.JobRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if job != "" && m.runs[i].Job != job {
			continue
		}
		runs = append(runs, m.runs[i])
		if limit > 0 && len(runs) == limit {
			break
		}
	}
	return runs, nil
}

// Reset drops all state, returning the store to its freshly-constructed
// shape. Demo scenario loading only.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = make(map[string]ledger.AccountBalance)
	m.entries = nil
	m.idempotency = make(map[string]bool)
	m.credits = make(map[string]ledger.PendingCredit)
	m.creditOrder = nil
	m.payouts = make(map[string]ledger.Payout)
	m.payoutOrder = nil
	m.runs = nil
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memTx implements ledger.Tx against the parent's live state. WithTx holds
// the lock for the duration, so these methods take none.
type memTx struct {
	m *Memory
}

func (t *memTx) GetAccountForUpdate(_ context.Context, organizationID string) (*ledger.AccountBalance, error) {
	b, ok := t.m.accounts[organizationID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &b, nil
}

func (t *memTx) CreateAccount(_ context.Context, b *ledger.AccountBalance) error {
	t.m.accounts[b.OrganizationID] = *b
	return nil
}

func (t *memTx) UpdateAccount(_ context.Context, b *ledger.AccountBalance) error {
	t.m.accounts[b.OrganizationID] = *b
	return nil
}

func (t *memTx) AppendEntry(_ context.Context, e *ledger.Entry) error {
	if e.IdempotencyKey != "" && t.m.idempotency[e.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	t.m.entries = append(t.m.entries, *e)
	if e.IdempotencyKey != "" {
		t.m.idempotency[e.IdempotencyKey] = true
	}
	return nil
}

func (t *memTx) AddPendingCredit(_ context.Context, pc *ledger.PendingCredit) error {
	t.m.credits[pc.ID] = *pc
	t.m.creditOrder = append(t.m.creditOrder, pc.ID)
	return nil
}

func (t *memTx) UnclearedCreditsBefore(_ context.Context, organizationID string, cutoff time.Time) ([]ledger.PendingCredit, error) {
	var out []ledger.PendingCredit
	for _, id := range t.m.creditOrder {
		c := t.m.credits[id]
		if c.OrganizationID != organizationID || c.ClearedAt != nil {
			continue
		}
		if c.CreditedAt.After(cutoff) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (t *memTx) MarkCreditsCleared(_ context.Context, ids []string, clearedAt time.Time) error {
	for _, id := range ids {
		c, ok := t.m.credits[id]
		if !ok || c.ClearedAt != nil {
			continue
		}
		at := clearedAt
		c.ClearedAt = &at
		t.m.credits[id] = c
	}
	return nil
}

func (t *memTx) ConsumePendingCredit(_ context.Context, organizationID, donationID string, amount decimal.Decimal, at time.Time) (bool, error) {
	for _, id := range t.m.creditOrder {
		c := t.m.credits[id]
		if c.OrganizationID != organizationID || c.DonationID != donationID || c.ClearedAt != nil {
			continue
		}
		remaining := c.Amount.Sub(amount)
		if remaining.IsPositive() {
			c.Amount = remaining
		} else {
			c.Amount = decimal.Zero
			when := at
			c.ClearedAt = &when
		}
		t.m.credits[id] = c
		return true, nil
	}
	return false, nil
}

func (t *memTx) CreatePayout(_ context.Context, p *ledger.Payout) error {
	t.m.payouts[p.ID] = *p
	t.m.payoutOrder = append(t.m.payoutOrder, p.ID)
	return nil
}

func (t *memTx) GetPayoutForUpdate(_ context.Context, id string) (*ledger.Payout, error) {
	p, ok := t.m.payouts[id]
	if !ok {
		return nil, ledger.ErrPayoutNotFound
	}
	return &p, nil
}

func (t *memTx) UpdatePayout(_ context.Context, p *ledger.Payout) error {
	t.m.payouts[p.ID] = *p
	return nil
}

func pageOf[T any](items []T, offset, limit int) []T {
	if limit <= 0 {
		return items
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
