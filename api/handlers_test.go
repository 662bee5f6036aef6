/*
handlers_test.go - HTTP tests for the settlement API

Tests run against the full router: real service, engine, and jobs wired
to an in-memory store, with only the payment processor stubbed out.

Tests for:
- Balance and transaction reads
- Donation credits and refund debits
- Payout request, cancel, execute, resolve
- Admin adjustments, conservation audit, job triggers
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundflow/settlement-engine/jobs"
	"github.com/fundflow/settlement-engine/ledger"
	"github.com/fundflow/settlement-engine/payout"
	"github.com/fundflow/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// stubProcessor acknowledges transfers, or declines all of them while
// fail is set.
type stubProcessor struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (p *stubProcessor) Transfer(_ context.Context, req payout.TransferRequest) (*payout.TransferResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return nil, &payout.ProcessorError{Op: "transfer", Code: "account_frozen", Message: "destination account frozen"}
	}
	return &payout.TransferResult{TransferID: "tr_" + req.IdempotencyKey, Status: "paid"}, nil
}

func (p *stubProcessor) AccountBalance(_ context.Context, accountID string) (*payout.AccountBalanceResult, error) {
	return &payout.AccountBalanceResult{AccountID: accountID, Available: decimal.NewFromInt(1000000), Currency: "usd"}, nil
}

func (p *stubProcessor) setFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

type testAPI struct {
	router http.Handler
	clock  *testClock
	proc   *stubProcessor
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &testClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
	svc := ledger.NewService(store, nil, ledger.WithClock(clock.Now))
	proc := &stubProcessor{}
	engine := payout.NewEngine(store, svc, proc, nil, payout.WithClock(clock.Now))
	tracker := jobs.NewTracker(store, nil, nil)
	clearing := jobs.NewClearingJob(store, svc, tracker, nil)
	payoutJob := jobs.NewPayoutJob(engine, tracker, nil)
	payoutJob.CallDelay = 0

	handler := NewHandler(store, svc, engine, clearing, payoutJob, tracker, nil)
	return &testAPI{router: NewRouter(handler, nil), clock: clock, proc: proc}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

func (a *testAPI) donate(t *testing.T, org, donation, amount string) {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/internal/donations", CreditRequest{
		OrganizationID: org,
		DonationID:     donation,
		Amount:         amount,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Donation credit returned %d: %s", w.Code, w.Body.String())
	}
}

func (a *testAPI) runClearing(t *testing.T) JobRunDTO {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/admin/jobs/clearing/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Clearing run returned %d: %s", w.Code, w.Body.String())
	}
	var run JobRunDTO
	a.decode(t, w, &run)
	return run
}

func (a *testAPI) runPayouts(t *testing.T) JobRunDTO {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/admin/jobs/payouts/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Payout run returned %d: %s", w.Code, w.Body.String())
	}
	var run JobRunDTO
	a.decode(t, w, &run)
	return run
}

// fund connects a payout account and puts cleared money on the balance.
func (a *testAPI) fund(t *testing.T, org, amount string) {
	t.Helper()
	w := a.do(t, http.MethodPut, "/api/organizations/"+org+"/payout-account",
		PayoutAccountRequest{PayoutAccountID: "acct_dest_1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Payout account update returned %d: %s", w.Code, w.Body.String())
	}
	a.donate(t, org, "don-seed-"+org, amount)
	a.clock.Advance(7 * 24 * time.Hour)
	a.runClearing(t)
}

func (a *testAPI) getBalance(t *testing.T, org string) BalanceDTO {
	t.Helper()
	w := a.do(t, http.MethodGet, "/api/organizations/"+org+"/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Balance read returned %d: %s", w.Code, w.Body.String())
	}
	var b BalanceDTO
	a.decode(t, w, &b)
	return b
}

func (a *testAPI) requestPayout(t *testing.T, org, amount string) PayoutDTO {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/organizations/"+org+"/payouts",
		CreatePayoutRequest{RequestedBy: "user-1", Amount: amount})
	if w.Code != http.StatusCreated {
		t.Fatalf("Payout request returned %d: %s", w.Code, w.Body.String())
	}
	var p PayoutDTO
	a.decode(t, w, &p)
	return p
}

func (a *testAPI) getPayout(t *testing.T, id string) PayoutDTO {
	t.Helper()
	w := a.do(t, http.MethodGet, "/api/payouts/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Payout read returned %d: %s", w.Code, w.Body.String())
	}
	var p PayoutDTO
	a.decode(t, w, &p)
	return p
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]string
	a.decode(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %q", resp["status"])
	}
}

// =============================================================================
// BALANCES
// =============================================================================

func TestGetBalance_UnknownOrganizationReadsZeros(t *testing.T) {
	// Accounts are created lazily; an organization nobody has touched
	// reads as an empty balance, not a 404.
	a := newTestAPI(t)

	b := a.getBalance(t, "org-new")
	if b.OrganizationID != "org-new" {
		t.Errorf("Expected org-new, got %q", b.OrganizationID)
	}
	if b.Pending != "0.00" || b.Available != "0.00" || b.Reserved != "0.00" {
		t.Errorf("Expected zero buckets, got pending=%s available=%s reserved=%s",
			b.Pending, b.Available, b.Reserved)
	}
	if b.ClearingPeriodDays != 7 {
		t.Errorf("Expected default clearing period 7, got %d", b.ClearingPeriodDays)
	}
	if b.Lifetime.Earnings != "0.00" {
		t.Errorf("Expected zero lifetime earnings, got %s", b.Lifetime.Earnings)
	}
}

// =============================================================================
// DONATIONS
// =============================================================================

func TestRecordDonation_CreditsPending(t *testing.T) {
	// GIVEN: A confirmed donation with upstream fee and tax deductions
	// WHEN: The pipeline posts it
	// THEN: Pending is credited and the lifetime counters track the deductions
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/internal/donations", CreditRequest{
		OrganizationID: "org-1",
		DonationID:     "don-1",
		Amount:         "100.00",
		PlatformFee:    "4.50",
		TaxWithheld:    "0.50",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var e EntryDTO
	a.decode(t, w, &e)
	if e.Category != "donation_received" {
		t.Errorf("Expected donation_received, got %q", e.Category)
	}
	if e.Type != "credit" {
		t.Errorf("Expected credit, got %q", e.Type)
	}
	if e.Amount != "100.00" || e.PendingAfter != "100.00" || e.TotalAfter != "100.00" {
		t.Errorf("Unexpected amounts: amount=%s pending_after=%s total_after=%s",
			e.Amount, e.PendingAfter, e.TotalAfter)
	}
	if e.DonationID != "don-1" {
		t.Errorf("Expected don-1, got %q", e.DonationID)
	}

	b := a.getBalance(t, "org-1")
	if b.Pending != "100.00" {
		t.Errorf("Expected pending 100.00, got %s", b.Pending)
	}
	if b.Lifetime.Earnings != "100.00" {
		t.Errorf("Expected lifetime earnings 100.00, got %s", b.Lifetime.Earnings)
	}
	if b.Lifetime.PlatformFees != "4.50" {
		t.Errorf("Expected lifetime platform fees 4.50, got %s", b.Lifetime.PlatformFees)
	}
	if b.Lifetime.TaxWithheld != "0.50" {
		t.Errorf("Expected lifetime tax withheld 0.50, got %s", b.Lifetime.TaxWithheld)
	}
}

func TestRecordDonation_ReplayReturns409(t *testing.T) {
	a := newTestAPI(t)
	a.donate(t, "org-1", "don-1", "50.00")

	w := a.do(t, http.MethodPost, "/api/internal/donations", CreditRequest{
		OrganizationID: "org-1",
		DonationID:     "don-1",
		Amount:         "50.00",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var resp ErrorResponse
	a.decode(t, w, &resp)
	if !strings.Contains(resp.Details, "duplicate") {
		t.Errorf("Expected duplicate key detail, got %q", resp.Details)
	}

	// The replay must not have double-credited.
	b := a.getBalance(t, "org-1")
	if b.Pending != "50.00" {
		t.Errorf("Expected pending 50.00 after replay, got %s", b.Pending)
	}
}

func TestRecordDonation_RejectsBadInput(t *testing.T) {
	a := newTestAPI(t)

	cases := []struct {
		name string
		req  CreditRequest
	}{
		{"missing organization", CreditRequest{DonationID: "don-1", Amount: "10.00"}},
		{"missing donation", CreditRequest{OrganizationID: "org-1", Amount: "10.00"}},
		{"zero amount", CreditRequest{OrganizationID: "org-1", DonationID: "don-1", Amount: "0"}},
		{"negative amount", CreditRequest{OrganizationID: "org-1", DonationID: "don-1", Amount: "-5.00"}},
		{"garbage amount", CreditRequest{OrganizationID: "org-1", DonationID: "don-1", Amount: "ten"}},
		{"sub-cent precision", CreditRequest{OrganizationID: "org-1", DonationID: "don-1", Amount: "10.005"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/api/internal/donations", tc.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

// =============================================================================
// REFUNDS
// =============================================================================

func TestRecordRefund_InsideClearingWindowDrawsPending(t *testing.T) {
	a := newTestAPI(t)
	a.donate(t, "org-1", "don-1", "100.00")
	donatedAt := a.clock.Now().Format(time.RFC3339)

	w := a.do(t, http.MethodPost, "/api/internal/refunds", RefundRequest{
		OrganizationID:    "org-1",
		DonationID:        "don-1",
		Amount:            "30.00",
		DonationCreatedAt: donatedAt,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var e EntryDTO
	a.decode(t, w, &e)
	if e.Category != "refund_issued" {
		t.Errorf("Expected refund_issued, got %q", e.Category)
	}
	if e.Type != "debit" {
		t.Errorf("Expected debit, got %q", e.Type)
	}
	if e.PendingAfter != "70.00" {
		t.Errorf("Expected pending_after 70.00, got %s", e.PendingAfter)
	}

	b := a.getBalance(t, "org-1")
	if b.Pending != "70.00" {
		t.Errorf("Expected pending 70.00, got %s", b.Pending)
	}
	if b.Lifetime.Refunds != "30.00" {
		t.Errorf("Expected lifetime refunds 30.00, got %s", b.Lifetime.Refunds)
	}
}

func TestRecordRefund_AfterClearingWindowDrawsAvailable(t *testing.T) {
	a := newTestAPI(t)
	donatedAt := a.clock.Now().Format(time.RFC3339)
	a.fund(t, "org-1", "80.00") // clears the donation and advances a week

	w := a.do(t, http.MethodPost, "/api/internal/refunds", RefundRequest{
		OrganizationID:    "org-1",
		DonationID:        "don-seed-org-1",
		Amount:            "20.00",
		DonationCreatedAt: donatedAt,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	b := a.getBalance(t, "org-1")
	if b.Available != "60.00" {
		t.Errorf("Expected available 60.00, got %s", b.Available)
	}
	if b.Pending != "0.00" {
		t.Errorf("Expected pending 0.00, got %s", b.Pending)
	}
}

func TestRecordRefund_RejectsBadTimestamp(t *testing.T) {
	a := newTestAPI(t)
	a.donate(t, "org-1", "don-1", "50.00")

	w := a.do(t, http.MethodPost, "/api/internal/refunds", RefundRequest{
		OrganizationID:    "org-1",
		DonationID:        "don-1",
		Amount:            "10.00",
		DonationCreatedAt: "last tuesday",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

// =============================================================================
// ACCOUNT SETTINGS
// =============================================================================

func TestSetClearingPeriod(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPut, "/api/organizations/org-1/clearing-period",
		ClearingPeriodRequest{Days: 14})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var b BalanceDTO
	a.decode(t, w, &b)
	if b.ClearingPeriodDays != 14 {
		t.Errorf("Expected clearing period 14, got %d", b.ClearingPeriodDays)
	}

	w = a.do(t, http.MethodPut, "/api/organizations/org-1/clearing-period",
		ClearingPeriodRequest{Days: 400})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for out-of-range period, got %d", w.Code)
	}
}

func TestSetPayoutAccount_ConnectAndDisconnect(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPut, "/api/organizations/org-1/payout-account",
		PayoutAccountRequest{PayoutAccountID: "acct_123"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var b BalanceDTO
	a.decode(t, w, &b)
	if b.PayoutAccountID != "acct_123" {
		t.Errorf("Expected acct_123, got %q", b.PayoutAccountID)
	}

	// Empty id disconnects.
	w = a.do(t, http.MethodPut, "/api/organizations/org-1/payout-account",
		PayoutAccountRequest{PayoutAccountID: ""})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	a.decode(t, w, &b)
	if b.PayoutAccountID != "" {
		t.Errorf("Expected disconnected account, got %q", b.PayoutAccountID)
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestGetTransactions_PagesNewestFirst(t *testing.T) {
	a := newTestAPI(t)
	a.donate(t, "org-1", "don-1", "10.00")
	a.donate(t, "org-1", "don-2", "20.00")
	a.donate(t, "org-1", "don-3", "30.00")

	w := a.do(t, http.MethodGet, "/api/organizations/org-1/transactions?limit=2&page=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var page EntryListResponse
	a.decode(t, w, &page)
	if page.Total != 3 {
		t.Errorf("Expected total 3, got %d", page.Total)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(page.Entries))
	}
	if page.Entries[0].DonationID != "don-3" {
		t.Errorf("Expected newest first (don-3), got %q", page.Entries[0].DonationID)
	}

	w = a.do(t, http.MethodGet, "/api/organizations/org-1/transactions?limit=2&page=2", nil)
	a.decode(t, w, &page)
	if len(page.Entries) != 1 || page.Entries[0].DonationID != "don-1" {
		t.Errorf("Expected last page to hold don-1, got %+v", page.Entries)
	}
}

func TestGetTransactions_RejectsBadTimeFilter(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/organizations/org-1/transactions?from=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

// =============================================================================
// PAYOUTS
// =============================================================================

func TestPayout_RequestAndCancel(t *testing.T) {
	// GIVEN: 200.00 available
	// WHEN: A payout is requested and then cancelled
	// THEN: Funds move available -> reserved -> available
	a := newTestAPI(t)
	a.fund(t, "org-1", "200.00")

	p := a.requestPayout(t, "org-1", "120.00")
	if p.Status != "pending" {
		t.Errorf("Expected pending, got %q", p.Status)
	}
	if !strings.HasPrefix(p.Number, "PO-") {
		t.Errorf("Expected PO- reference, got %q", p.Number)
	}
	if p.RequestedAmount != "120.00" || p.NetAmount != "120.00" {
		t.Errorf("Expected gross=net=120.00 with no fee policy, got gross=%s net=%s",
			p.RequestedAmount, p.NetAmount)
	}
	if p.DestinationAccount != "acct_dest_1" {
		t.Errorf("Expected acct_dest_1, got %q", p.DestinationAccount)
	}
	if p.Currency != "usd" {
		t.Errorf("Expected usd, got %q", p.Currency)
	}

	b := a.getBalance(t, "org-1")
	if b.Available != "80.00" || b.Reserved != "120.00" {
		t.Errorf("Expected available=80.00 reserved=120.00, got available=%s reserved=%s",
			b.Available, b.Reserved)
	}

	got := a.getPayout(t, p.ID)
	if got.ID != p.ID {
		t.Errorf("Expected payout %s, got %s", p.ID, got.ID)
	}

	// The payout shows up in the organization's listing.
	w := a.do(t, http.MethodGet, "/api/organizations/org-1/payouts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var list PayoutListResponse
	a.decode(t, w, &list)
	if list.Total != 1 {
		t.Errorf("Expected 1 payout, got %d", list.Total)
	}

	w = a.do(t, http.MethodPost, "/api/payouts/"+p.ID+"/cancel",
		CancelPayoutRequest{CancelledBy: "user-1", Reason: "changed my mind"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cancelled PayoutDTO
	a.decode(t, w, &cancelled)
	if cancelled.Status != "cancelled" {
		t.Errorf("Expected cancelled, got %q", cancelled.Status)
	}
	if cancelled.CancelledAt == "" {
		t.Error("Expected cancelled_at to be set")
	}

	b = a.getBalance(t, "org-1")
	if b.Available != "200.00" || b.Reserved != "0.00" {
		t.Errorf("Expected funds restored, got available=%s reserved=%s", b.Available, b.Reserved)
	}
}

func TestPayout_RequestValidation(t *testing.T) {
	a := newTestAPI(t)
	a.fund(t, "org-1", "100.00")

	// Below the minimum payout.
	w := a.do(t, http.MethodPost, "/api/organizations/org-1/payouts",
		CreatePayoutRequest{RequestedBy: "user-1", Amount: "10.00"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for below-minimum, got %d: %s", w.Code, w.Body.String())
	}
	var resp ErrorResponse
	a.decode(t, w, &resp)
	if !strings.Contains(resp.Details, "below minimum") {
		t.Errorf("Expected below-minimum detail, got %q", resp.Details)
	}

	// More than is available.
	w = a.do(t, http.MethodPost, "/api/organizations/org-1/payouts",
		CreatePayoutRequest{RequestedBy: "user-1", Amount: "150.00"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for insufficient funds, got %d: %s", w.Code, w.Body.String())
	}
	a.decode(t, w, &resp)
	if !strings.Contains(resp.Details, "insufficient") {
		t.Errorf("Expected insufficient funds detail, got %q", resp.Details)
	}

	// Missing requested_by.
	w = a.do(t, http.MethodPost, "/api/organizations/org-1/payouts",
		CreatePayoutRequest{Amount: "50.00"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing requested_by, got %d", w.Code)
	}

	// Unparseable schedule.
	w = a.do(t, http.MethodPost, "/api/organizations/org-1/payouts",
		CreatePayoutRequest{RequestedBy: "user-1", Amount: "50.00", ScheduledAt: "tomorrow"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad scheduled_at, got %d", w.Code)
	}

	// Nothing above may have reserved anything.
	b := a.getBalance(t, "org-1")
	if b.Reserved != "0.00" {
		t.Errorf("Expected nothing reserved, got %s", b.Reserved)
	}
}

func TestPayout_RequestWithoutAccountRejected(t *testing.T) {
	a := newTestAPI(t)
	a.donate(t, "org-1", "don-1", "100.00")
	a.clock.Advance(7 * 24 * time.Hour)
	a.runClearing(t)

	w := a.do(t, http.MethodPost, "/api/organizations/org-1/payouts",
		CreatePayoutRequest{RequestedBy: "user-1", Amount: "50.00"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var resp ErrorResponse
	a.decode(t, w, &resp)
	if !strings.Contains(resp.Details, "no payout account") {
		t.Errorf("Expected account detail, got %q", resp.Details)
	}
}

func TestPayout_ExecutedByJobRun(t *testing.T) {
	a := newTestAPI(t)
	a.fund(t, "org-1", "100.00")
	p := a.requestPayout(t, "org-1", "50.00")

	run := a.runPayouts(t)
	if run.Job != "payouts" || run.Trigger != "manual" {
		t.Errorf("Unexpected run record: job=%s trigger=%s", run.Job, run.Trigger)
	}
	if run.SuccessCount != 1 || run.FailureCount != 0 {
		t.Errorf("Expected 1 success, got success=%d failure=%d", run.SuccessCount, run.FailureCount)
	}

	got := a.getPayout(t, p.ID)
	if got.Status != "completed" {
		t.Errorf("Expected completed, got %q", got.Status)
	}
	if !strings.HasPrefix(got.TransferID, "tr_") {
		t.Errorf("Expected processor transfer id, got %q", got.TransferID)
	}
	if got.CompletedAt == "" || got.ProcessedAt == "" {
		t.Error("Expected processed_at and completed_at to be set")
	}

	b := a.getBalance(t, "org-1")
	if b.Reserved != "0.00" || b.Available != "50.00" {
		t.Errorf("Expected reserved=0.00 available=50.00, got reserved=%s available=%s",
			b.Reserved, b.Available)
	}
	if b.Lifetime.PaidOut != "50.00" {
		t.Errorf("Expected lifetime paid out 50.00, got %s", b.Lifetime.PaidOut)
	}
}

func TestPayout_FailureResolvedByRelease(t *testing.T) {
	// GIVEN: A payout that failed at the processor
	// WHEN: An operator resolves it with action=release
	// THEN: The reservation flows back to available
	a := newTestAPI(t)
	a.fund(t, "org-1", "100.00")
	p := a.requestPayout(t, "org-1", "60.00")

	a.proc.setFail(true)
	run := a.runPayouts(t)
	if run.FailureCount != 1 {
		t.Fatalf("Expected 1 failure, got %d", run.FailureCount)
	}
	a.proc.setFail(false)

	got := a.getPayout(t, p.ID)
	if got.Status != "failed" {
		t.Fatalf("Expected failed, got %q", got.Status)
	}
	if got.FailureReason == "" {
		t.Error("Expected failure_reason to be set")
	}
	if got.RetryCount != 1 {
		t.Errorf("Expected retry_count 1, got %d", got.RetryCount)
	}

	b := a.getBalance(t, "org-1")
	if b.Reserved != "60.00" {
		t.Fatalf("Expected reservation held at 60.00, got %s", b.Reserved)
	}

	// An unknown action is rejected before anything moves.
	w := a.do(t, http.MethodPost, "/api/payouts/"+p.ID+"/resolve",
		ResolvePayoutRequest{ResolvedBy: "ops-1", Action: "retry"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown action, got %d", w.Code)
	}

	w = a.do(t, http.MethodPost, "/api/payouts/"+p.ID+"/resolve",
		ResolvePayoutRequest{ResolvedBy: "ops-1", Action: "release"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resolved PayoutDTO
	a.decode(t, w, &resolved)
	if resolved.Status != "cancelled" {
		t.Errorf("Expected cancelled after release, got %q", resolved.Status)
	}

	b = a.getBalance(t, "org-1")
	if b.Available != "100.00" || b.Reserved != "0.00" {
		t.Errorf("Expected funds restored, got available=%s reserved=%s", b.Available, b.Reserved)
	}
}

func TestPayout_FailureResolvedByResubmit(t *testing.T) {
	a := newTestAPI(t)
	a.fund(t, "org-1", "100.00")
	p := a.requestPayout(t, "org-1", "60.00")

	a.proc.setFail(true)
	a.runPayouts(t)
	a.proc.setFail(false)

	w := a.do(t, http.MethodPost, "/api/payouts/"+p.ID+"/resolve",
		ResolvePayoutRequest{ResolvedBy: "ops-1", Action: "resubmit"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resolved PayoutDTO
	a.decode(t, w, &resolved)
	if resolved.Status != "pending" {
		t.Fatalf("Expected pending after resubmit, got %q", resolved.Status)
	}

	run := a.runPayouts(t)
	if run.SuccessCount != 1 {
		t.Fatalf("Expected resubmitted payout to execute, got %+v", run)
	}

	got := a.getPayout(t, p.ID)
	if got.Status != "completed" {
		t.Errorf("Expected completed, got %q", got.Status)
	}
	b := a.getBalance(t, "org-1")
	if b.Lifetime.PaidOut != "60.00" {
		t.Errorf("Expected lifetime paid out 60.00, got %s", b.Lifetime.PaidOut)
	}
}

func TestPayout_ScheduledForLaterWaits(t *testing.T) {
	a := newTestAPI(t)
	a.fund(t, "org-1", "100.00")

	sched := a.clock.Now().Add(24 * time.Hour).Format(time.RFC3339)
	w := a.do(t, http.MethodPost, "/api/organizations/org-1/payouts",
		CreatePayoutRequest{RequestedBy: "user-1", Amount: "50.00", ScheduledAt: sched})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var p PayoutDTO
	a.decode(t, w, &p)

	run := a.runPayouts(t)
	if run.TotalProcessed != 0 {
		t.Errorf("Expected nothing due yet, got %d processed", run.TotalProcessed)
	}

	a.clock.Advance(25 * time.Hour)
	run = a.runPayouts(t)
	if run.SuccessCount != 1 {
		t.Errorf("Expected payout to execute after its schedule, got %+v", run)
	}
	got := a.getPayout(t, p.ID)
	if got.Status != "completed" {
		t.Errorf("Expected completed, got %q", got.Status)
	}
}

func TestPayout_NotFound(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/payouts/po-missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}

	w = a.do(t, http.MethodPost, "/api/payouts/po-missing/cancel",
		CancelPayoutRequest{CancelledBy: "user-1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdjustment_AppliedAndAudited(t *testing.T) {
	a := newTestAPI(t)
	a.fund(t, "org-1", "100.00")

	w := a.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{
		OrganizationID: "org-1",
		Amount:         "25.00",
		Direction:      "credit",
		Reason:         "goodwill credit after support case 4821",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var e EntryDTO
	a.decode(t, w, &e)
	if e.Category != "adjustment_credit" {
		t.Errorf("Expected adjustment_credit, got %q", e.Category)
	}
	if e.AvailableAfter != "125.00" {
		t.Errorf("Expected available_after 125.00, got %s", e.AvailableAfter)
	}

	// Direction is a closed set.
	w = a.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{
		OrganizationID: "org-1",
		Amount:         "5.00",
		Direction:      "sideways",
		Reason:         "nope",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad direction, got %d", w.Code)
	}

	// A reason is mandatory for manual corrections.
	w = a.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{
		OrganizationID: "org-1",
		Amount:         "5.00",
		Direction:      "debit",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing reason, got %d", w.Code)
	}

	// The ledger replay must still balance.
	w = a.do(t, http.MethodGet, "/api/admin/organizations/org-1/conservation", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report ConservationDTO
	a.decode(t, w, &report)
	if !report.Consistent || !report.SnapshotConsistent {
		t.Errorf("Expected consistent ledger, got %+v", report)
	}
	if report.EntryCount != 3 {
		t.Errorf("Expected 3 entries (credit, clear, adjustment), got %d", report.EntryCount)
	}
	if report.BalanceTotal != "125.00" || report.Difference != "0.00" {
		t.Errorf("Expected total 125.00 difference 0.00, got total=%s difference=%s",
			report.BalanceTotal, report.Difference)
	}
}

func TestClearingRun_RecordedInHistory(t *testing.T) {
	a := newTestAPI(t)
	a.donate(t, "org-a", "don-1", "40.00")
	a.donate(t, "org-b", "don-2", "60.00")
	a.clock.Advance(7 * 24 * time.Hour)

	run := a.runClearing(t)
	if run.Job != "clearing" || run.Trigger != "manual" {
		t.Errorf("Unexpected run record: job=%s trigger=%s", run.Job, run.Trigger)
	}
	if run.Status != "completed" {
		t.Errorf("Expected completed, got %q", run.Status)
	}
	if run.TotalProcessed != 2 || run.SuccessCount != 2 {
		t.Errorf("Expected both organizations processed, got %+v", run)
	}

	w := a.do(t, http.MethodGet, "/api/admin/jobs/runs?job=clearing", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var runs []JobRunDTO
	a.decode(t, w, &runs)
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run in history, got %d", len(runs))
	}
	if runs[0].ID != run.ID {
		t.Errorf("Expected run %s in history, got %s", run.ID, runs[0].ID)
	}
	if runs[0].CompletedAt == "" {
		t.Error("Expected completed_at to be set")
	}
}
