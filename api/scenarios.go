/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	settlement data for demos. Each scenario creates organizations,
	donation credits, clearing history, and payouts that demonstrate a
	specific slice of the engine.

AVAILABLE SCENARIOS:

	new-organization:         Fresh signup, first donations still clearing
	established-organization: Cleared funds, refund and adjustment history
	payout-lifecycle:         Completed, failed, and scheduled payouts
	giving-day:               Donation spike with upstream fees and a refund

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Credit donations through the balance service
 3. Seed cleared funds by dropping the organization's clearing window
    to zero for the duration of the load, then restoring it
 4. Seed payout history through the reservation primitives, never
    through the live payment processor

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "payout-lifecycle"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader method: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: the Handler these loaders hang off
  - server.go: /api/scenarios route group
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fundflow/settlement-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-organization",
		Name:        "New Organization",
		Description: "Fresh signup with first donations still inside the clearing window",
		Category:    "onboarding",
	},
	{
		ID:          "established-organization",
		Name:        "Established Organization",
		Description: "Cleared funds, connected payout account, refund and adjustment history",
		Category:    "ledger",
	},
	{
		ID:          "payout-lifecycle",
		Name:        "Payout Lifecycle",
		Description: "Completed, failed, and scheduled payouts against one balance",
		Category:    "payouts",
	},
	{
		ID:          "giving-day",
		Name:        "Giving Day",
		Description: "Donation spike with upstream processor fees and a same-day refund",
		Category:    "ledger",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	// Scenario ID exists but not in list (shouldn't happen)
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario wipes the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "new-organization":
		err = h.loadNewOrganizationScenario(ctx)
	case "established-organization":
		err = h.loadEstablishedOrganizationScenario(ctx)
	case "payout-lifecycle":
		err = h.loadPayoutLifecycleScenario(ctx)
	case "giving-day":
		err = h.loadGivingDayScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetStore clears all data without loading anything in its place.
func (h *Handler) ResetStore(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// demoCredit is one seeded donation. Fee is the processor fee already
// deducted upstream; the credited amount is net of it.
type demoCredit struct {
	donationID  string
	amount      string
	fee         string
	description string
}

func (h *Handler) loadNewOrganizationScenario(ctx context.Context) error {
	// Riverside signed up this week: three donations in, nothing cleared,
	// no payout account connected yet.
	org := "org-riverside"

	credits := []demoCredit{
		{donationID: "don-riverside-001", amount: "50.00", description: "Donation from Sarah M."},
		{donationID: "don-riverside-002", amount: "120.50", description: "Donation from the Hendersons"},
		{donationID: "don-riverside-003", amount: "35.00", description: "Anonymous donation"},
	}
	for _, c := range credits {
		if err := h.creditDonation(ctx, org, c); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadEstablishedOrganizationScenario(ctx context.Context) error {
	// Harborlight has been on the platform a while: a cleared balance, a
	// connected payout account, two donations still in the window, one
	// refund of an old donation, and a support-issued adjustment.
	org := "org-harborlight"

	if _, err := h.Balances.SetPayoutAccount(ctx, org, "acct_demo_harborlight"); err != nil {
		return err
	}

	cleared := []demoCredit{
		{donationID: "don-harborlight-001", amount: "300.00", description: "Monthly giving circle"},
		{donationID: "don-harborlight-002", amount: "450.25", description: "Gala proceeds"},
		{donationID: "don-harborlight-003", amount: "89.75", description: "Donation from the Chen family"},
		{donationID: "don-harborlight-004", amount: "200.00", description: "Corporate match, Arbor Systems"},
		{donationID: "don-harborlight-005", amount: "160.00", description: "Anonymous donation"},
	}
	if err := h.seedClearedDonations(ctx, org, cleared); err != nil {
		return err
	}

	pending := []demoCredit{
		{donationID: "don-harborlight-006", amount: "75.00", description: "Weekend donation drive"},
		{donationID: "don-harborlight-007", amount: "42.50", description: "Donation from the Lopez family"},
	}
	for _, c := range pending {
		if err := h.creditDonation(ctx, org, c); err != nil {
			return err
		}
	}

	// A donor disputed part of the gala charge a month after the fact, so
	// the refund draws from available rather than pending.
	donatedAt := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if _, err := h.Balances.DebitRefund(ctx, org, ledger.MustAmount("25.00"), ledger.RefundRef{
		DonationID:        "don-harborlight-002",
		DonationCreatedAt: donatedAt,
		Description:       "Partial refund: duplicate charge reported by donor",
	}); err != nil {
		return err
	}

	_, err := h.Balances.Adjust(ctx, org, ledger.MustAmount("15.00"), ledger.EntryCredit,
		"Courtesy credit, support ticket 4821", "demo-adjust-harborlight-1")
	return err
}

func (h *Handler) loadPayoutLifecycleScenario(ctx context.Context) error {
	// Trailhead shows every payout state at once: one settled, one failed
	// and waiting on an operator, one scheduled for later in the week.
	org := "org-trailhead"

	if _, err := h.Balances.SetPayoutAccount(ctx, org, "acct_demo_trailhead"); err != nil {
		return err
	}

	cleared := []demoCredit{
		{donationID: "don-trailhead-001", amount: "900.00", description: "Spring fundraiser"},
		{donationID: "don-trailhead-002", amount: "1100.00", description: "Equipment drive"},
		{donationID: "don-trailhead-003", amount: "500.00", description: "Donation from the booster club"},
	}
	if err := h.seedClearedDonations(ctx, org, cleared); err != nil {
		return err
	}

	if err := h.seedCompletedPayout(ctx, org, ledger.MustAmount("500.00")); err != nil {
		return err
	}
	if err := h.seedFailedPayout(ctx, org, ledger.MustAmount("300.00"),
		"account_frozen: destination account requires identity verification"); err != nil {
		return err
	}
	return h.seedScheduledPayout(ctx, org, ledger.MustAmount("750.00"),
		time.Now().UTC().Add(72*time.Hour))
}

func (h *Handler) loadGivingDayScenario(ctx context.Context) error {
	// Brightpath's giving day: a burst of small donations, each net of an
	// upstream processor fee, and one donor refunding a duplicate gift
	// before the day is out.
	org := "org-brightpath"

	credits := []demoCredit{
		{amount: "25.00", fee: "1.03"},
		{amount: "100.00", fee: "3.20"},
		{amount: "50.00", fee: "1.75"},
		{amount: "25.00", fee: "1.03"},
		{amount: "250.00", fee: "7.55"},
		{amount: "50.00", fee: "1.75"},
		{amount: "75.00", fee: "2.48"},
		{amount: "25.00", fee: "1.03"},
		{amount: "100.00", fee: "3.20"},
		{amount: "40.00", fee: "1.46"},
		{amount: "150.00", fee: "4.65"},
		{amount: "60.00", fee: "2.04"},
	}
	for i, c := range credits {
		c.donationID = fmt.Sprintf("don-brightpath-%03d", i+1)
		c.description = fmt.Sprintf("Giving day donation #%d", i+1)
		if err := h.creditDonation(ctx, org, c); err != nil {
			return err
		}
	}

	// Same-day refund: the donation is still in the clearing window, so
	// the debit draws from pending and consumes the credit.
	_, err := h.Balances.DebitRefund(ctx, org, ledger.MustAmount("250.00"), ledger.RefundRef{
		DonationID:        "don-brightpath-005",
		DonationCreatedAt: time.Now().UTC(),
		Description:       "Donor error: duplicate gift",
	})
	return err
}

// =============================================================================
// SEEDING HELPERS
// =============================================================================

// creditDonation credits one demo donation into pending.
func (h *Handler) creditDonation(ctx context.Context, organizationID string, c demoCredit) error {
	ref := ledger.CreditRef{DonationID: c.donationID, Description: c.description}
	if c.fee != "" {
		ref.PlatformFee = ledger.MustAmount(c.fee)
	}
	_, err := h.Balances.CreditPending(ctx, organizationID, ledger.MustAmount(c.amount), ref)
	return err
}

// seedClearedDonations credits donations and clears them in the same load
// by dropping the organization's clearing window to zero, running a
// clearing pass, and restoring the default window.
func (h *Handler) seedClearedDonations(ctx context.Context, organizationID string, credits []demoCredit) error {
	if _, err := h.Balances.SetClearingPeriod(ctx, organizationID, 0); err != nil {
		return err
	}
	for _, c := range credits {
		if err := h.creditDonation(ctx, organizationID, c); err != nil {
			return err
		}
	}
	if _, err := h.Balances.ClearAged(ctx, organizationID); err != nil {
		return err
	}
	_, err := h.Balances.SetClearingPeriod(ctx, organizationID, ledger.DefaultClearingPeriodDays)
	return err
}

// demoPayout builds the base payout row the seeding helpers decorate.
func demoPayout(organizationID, destination string, amount decimal.Decimal, now time.Time) *ledger.Payout {
	return &ledger.Payout{
		ID:                 uuid.NewString(),
		Number:             ledger.NewPayoutNumber(now),
		OrganizationID:     organizationID,
		RequestedBy:        "demo@fundflow.dev",
		RequestedAmount:    amount,
		NetAmount:          amount,
		Currency:           "usd",
		Status:             ledger.PayoutPending,
		ScheduledAt:        now,
		DestinationAccount: destination,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// seedCompletedPayout writes a payout that has already settled: the gross
// amount passes through reserved and lands in lifetime paid-out, the same
// ledger footprint a real execution leaves behind.
func (h *Handler) seedCompletedPayout(ctx context.Context, organizationID string, amount decimal.Decimal) error {
	return h.Store.WithTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.GetAccountForUpdate(ctx, organizationID)
		if err != nil {
			return err
		}
		if b.PayoutAccountID == "" {
			return ledger.ErrNoPayoutAccount
		}

		now := time.Now().UTC()
		p := demoPayout(organizationID, b.PayoutAccountID, amount, now)
		if _, err := h.Balances.Reserve(ctx, tx, organizationID, p.ID, amount); err != nil {
			return err
		}
		if _, err := h.Balances.Settle(ctx, tx, organizationID, ledger.Settlement{
			PayoutID: p.ID,
			Gross:    amount,
			Net:      amount,
		}); err != nil {
			return err
		}

		p.Status = ledger.PayoutCompleted
		p.TransferID = "tr_demo_" + p.ID[:8]
		p.ProcessedAt = &now
		p.CompletedAt = &now
		return tx.CreatePayout(ctx, p)
	})
}

// seedFailedPayout writes a payout stuck in failed: the reservation is
// still held, waiting on an operator to resubmit or release it.
func (h *Handler) seedFailedPayout(ctx context.Context, organizationID string, amount decimal.Decimal, reason string) error {
	return h.Store.WithTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.GetAccountForUpdate(ctx, organizationID)
		if err != nil {
			return err
		}
		if b.PayoutAccountID == "" {
			return ledger.ErrNoPayoutAccount
		}

		now := time.Now().UTC()
		p := demoPayout(organizationID, b.PayoutAccountID, amount, now)
		if _, err := h.Balances.Reserve(ctx, tx, organizationID, p.ID, amount); err != nil {
			return err
		}

		p.Status = ledger.PayoutFailed
		p.FailureReason = reason
		p.RetryCount = 1
		p.ProcessedAt = &now
		return tx.CreatePayout(ctx, p)
	})
}

// seedScheduledPayout writes a pending payout the scheduler will not pick
// up until scheduledAt.
func (h *Handler) seedScheduledPayout(ctx context.Context, organizationID string, amount decimal.Decimal, scheduledAt time.Time) error {
	return h.Store.WithTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.GetAccountForUpdate(ctx, organizationID)
		if err != nil {
			return err
		}
		if b.PayoutAccountID == "" {
			return ledger.ErrNoPayoutAccount
		}

		now := time.Now().UTC()
		p := demoPayout(organizationID, b.PayoutAccountID, amount, now)
		if _, err := h.Balances.Reserve(ctx, tx, organizationID, p.ID, amount); err != nil {
			return err
		}

		p.ScheduledAt = scheduledAt.UTC()
		return tx.CreatePayout(ctx, p)
	})
}
