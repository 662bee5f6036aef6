package payout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// fakeProcessor records transfer calls and returns whatever the test
// configured. The zero value acknowledges every transfer.
type fakeProcessor struct {
	mu    sync.Mutex
	calls []payout.TransferRequest

	transferErr error
	balance     *payout.AccountBalanceResult
	balanceErr  error
}

func (f *fakeProcessor) Transfer(_ context.Context, req payout.TransferRequest) (*payout.TransferResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.transferErr != nil {
		return nil, f.transferErr
	}
	return &payout.TransferResult{TransferID: "tr_" + req.IdempotencyKey, Status: "paid"}, nil
}

func (f *fakeProcessor) AccountBalance(_ context.Context, accountID string) (*payout.AccountBalanceResult, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	if f.balance != nil {
		return f.balance, nil
	}
	return &payout.AccountBalanceResult{AccountID: accountID, Available: decimal.NewFromInt(1000000), Currency: "usd"}, nil
}

func (f *fakeProcessor) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type engineFixture struct {
	engine *payout.Engine
	svc    *ledger.Service
	store  *sqlite.Store
	proc   *fakeProcessor
	clk    *testClock
}

func newEngineFixture(t *testing.T, opts ...payout.Option) *engineFixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := &testClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
	svc := ledger.NewService(store, nil, ledger.WithClock(clk.Now))
	proc := &fakeProcessor{}

	opts = append([]payout.Option{payout.WithClock(clk.Now)}, opts...)
	engine := payout.NewEngine(store, svc, proc, nil, opts...)

	return &engineFixture{engine: engine, svc: svc, store: store, proc: proc, clk: clk}
}

// fund puts cleared, withdrawable money on an organization's account and
// connects a destination account.
func (f *engineFixture) fund(t *testing.T, org, amount string) {
	t.Helper()
	ctx := context.Background()

	_, err := f.svc.SetPayoutAccount(ctx, org, "acct_dest_1")
	require.NoError(t, err)

	_, err = f.svc.CreditPending(ctx, org, ledger.MustAmount(amount),
		ledger.CreditRef{DonationID: "don-seed-" + org})
	require.NoError(t, err)

	f.clk.Advance(7 * 24 * time.Hour)
	res, err := f.svc.ClearAged(ctx, org)
	require.NoError(t, err)
	require.Equal(t, 1, res.Credits, "funding credit should have cleared")
}

func (f *engineFixture) balance(t *testing.T, org string) *ledger.AccountBalance {
	t.Helper()
	b, err := f.svc.GetOrCreate(context.Background(), org)
	require.NoError(t, err)
	return b
}

// =============================================================================
// REQUEST
// =============================================================================

func TestEngine_Request_ReservesFundsAndCreatesPayout(t *testing.T) {
	// GIVEN: 200.00 available and a connected payout account
	// WHEN: A 100.00 payout is requested
	// THEN: 100.00 moves available -> reserved and the payout is pending

	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")

	p, err := f.engine.Request(context.Background(), "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.NoError(t, err)

	assert.Equal(t, ledger.PayoutPending, p.Status)
	assert.Equal(t, "org-1", p.OrganizationID)
	assert.Equal(t, "user-1", p.RequestedBy)
	assert.Equal(t, "acct_dest_1", p.DestinationAccount)
	assert.Contains(t, p.Number, "PO-")
	assert.Equal(t, "100.00", ledger.FormatAmount(p.RequestedAmount))
	assert.Equal(t, "100.00", ledger.FormatAmount(p.NetAmount), "no fee policy: net equals gross")

	b := f.balance(t, "org-1")
	assert.Equal(t, "100.00", ledger.FormatAmount(b.Available))
	assert.Equal(t, "100.00", ledger.FormatAmount(b.Reserved))
}

func TestEngine_Request_BelowMinimum_Rejected(t *testing.T) {
	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")

	_, err := f.engine.Request(context.Background(), "org-1", "user-1", ledger.MustAmount("10.00"), nil)

	var minErr *ledger.BelowMinimumError
	require.ErrorAs(t, err, &minErr)
	assert.Equal(t, "25.00", ledger.FormatAmount(minErr.Minimum))
	assert.True(t, ledger.IsClientError(err))
}

func TestEngine_Request_NoPayoutAccount_Rejected(t *testing.T) {
	// GIVEN: Cleared funds but no destination account on file
	// WHEN: A payout is requested
	// THEN: ErrNoPayoutAccount, and no reservation was made

	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreditPending(ctx, "org-1", ledger.MustAmount("200.00"),
		ledger.CreditRef{DonationID: "don-1"})
	require.NoError(t, err)
	f.clk.Advance(7 * 24 * time.Hour)
	_, err = f.svc.ClearAged(ctx, "org-1")
	require.NoError(t, err)

	_, err = f.engine.Request(ctx, "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.ErrorIs(t, err, ledger.ErrNoPayoutAccount)

	b := f.balance(t, "org-1")
	assert.Equal(t, "200.00", ledger.FormatAmount(b.Available))
	assert.Equal(t, "0.00", ledger.FormatAmount(b.Reserved))
}

func TestEngine_Request_InsufficientFunds_NothingPersisted(t *testing.T) {
	// Reservation and payout creation are one transaction: when the
	// reserve fails, no payout row may survive.

	f := newEngineFixture(t)
	f.fund(t, "org-1", "50.00")

	_, err := f.engine.Request(context.Background(), "org-1", "user-1", ledger.MustAmount("80.00"), nil)

	var insErr *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insErr)

	payouts, total, err := f.engine.List(context.Background(), "org-1", ledger.PayoutFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, total, "failed request must not leave a payout row")
	assert.Empty(t, payouts)

	b := f.balance(t, "org-1")
	assert.Equal(t, "50.00", ledger.FormatAmount(b.Available))
	assert.Equal(t, "0.00", ledger.FormatAmount(b.Reserved))
}

func TestEngine_Request_AppliesFeePolicy(t *testing.T) {
	f := newEngineFixture(t, payout.WithFeePolicy(payout.FeePolicy{
		PercentFee: decimal.NewFromFloat(0.025),
		FlatFee:    ledger.MustAmount("0.30"),
	}))
	f.fund(t, "org-1", "200.00")

	p, err := f.engine.Request(context.Background(), "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.NoError(t, err)

	assert.Equal(t, "2.80", ledger.FormatAmount(p.PlatformFee))
	assert.Equal(t, "97.20", ledger.FormatAmount(p.NetAmount))

	// The reservation is the gross amount; fees settle later.
	b := f.balance(t, "org-1")
	assert.Equal(t, "100.00", ledger.FormatAmount(b.Reserved))
}

func TestEngine_Request_FutureSchedule_NotDueUntilThen(t *testing.T) {
	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")
	ctx := context.Background()

	scheduledAt := f.clk.Now().Add(48 * time.Hour)
	p, err := f.engine.Request(ctx, "org-1", "user-1", ledger.MustAmount("100.00"), &scheduledAt)
	require.NoError(t, err)
	assert.Equal(t, scheduledAt, p.ScheduledAt)

	due, err := f.engine.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "future payout must not be due yet")

	f.clk.Advance(48 * time.Hour)
	due, err = f.engine.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, p.ID, due[0].ID)
}

// =============================================================================
// EXECUTE
// =============================================================================

func TestEngine_Execute_Success_TransfersAndSettles(t *testing.T) {
	// GIVEN: A due pending payout
	// WHEN: Execute runs and the processor acknowledges
	// THEN: The payout completes, the reservation settles, and the books
	//       still balance

	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")
	ctx := context.Background()

	p, err := f.engine.Request(ctx, "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.NoError(t, err)

	done, err := f.engine.Execute(ctx, p.ID)
	require.NoError(t, err)

	assert.Equal(t, ledger.PayoutCompleted, done.Status)
	assert.Equal(t, "tr_"+p.ID, done.TransferID)
	assert.NotNil(t, done.ProcessedAt)
	assert.NotNil(t, done.CompletedAt)

	// The processor saw the net amount with the payout id as dedup key.
	require.Equal(t, 1, f.proc.transferCount())
	call := f.proc.calls[0]
	assert.Equal(t, p.ID, call.IdempotencyKey)
	assert.Equal(t, "acct_dest_1", call.Destination)
	assert.True(t, call.Amount.Equal(p.NetAmount))

	b := f.balance(t, "org-1")
	assert.Equal(t, "0.00", ledger.FormatAmount(b.Reserved))
	assert.Equal(t, "100.00", ledger.FormatAmount(b.Available))
	assert.Equal(t, "100.00", ledger.FormatAmount(b.LifetimePaidOut))

	report, err := f.svc.VerifyConservation(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.True(t, report.SnapshotConsistent)
}

func TestEngine_Execute_TransferFailure_RecordedNotReturned(t *testing.T) {
	// GIVEN: A due payout and a processor that declines
	// WHEN: Execute runs
	// THEN: The failure is a recorded outcome, not an error, and the
	//       reservation stays put for an operator to resolve

	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")
	ctx := context.Background()

	p, err := f.engine.Request(ctx, "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.NoError(t, err)

	f.proc.transferErr = &payout.ProcessorError{
		Op:      "transfer",
		Code:    "account_frozen",
		Message: "destination account is frozen",
	}

	failed, err := f.engine.Execute(ctx, p.ID)
	require.NoError(t, err, "a recorded transfer failure is not an Execute error")

	assert.Equal(t, ledger.PayoutFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "account_frozen")
	assert.Equal(t, 1, failed.RetryCount)

	b := f.balance(t, "org-1")
	assert.Equal(t, "100.00", ledger.FormatAmount(b.Reserved), "failed payout keeps its reservation")
	assert.Equal(t, "0.00", ledger.FormatAmount(b.LifetimePaidOut))
}

func TestEngine_Execute_Timeout_FlaggedAmbiguous(t *testing.T) {
	// A timeout means the transfer may or may not have happened. The
	// failure reason must say so before anyone resubmits.

	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")
	ctx := context.Background()

	p, err := f.engine.Request(ctx, "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.NoError(t, err)

	f.proc.transferErr = &payout.ProcessorError{Op: "transfer", Message: "request timed out", Timeout: true}

	failed, err := f.engine.Execute(ctx, p.ID)
	require.NoError(t, err)

	assert.Equal(t, ledger.PayoutFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "ambiguous:")
	assert.Contains(t, failed.FailureReason, "verify with processor")
}

func TestEngine_Execute_BeforeScheduledTime_Rejected(t *testing.T) {
	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")
	ctx := context.Background()

	scheduledAt := f.clk.Now().Add(24 * time.Hour)
	p, err := f.engine.Request(ctx, "org-1", "user-1", ledger.MustAmount("100.00"), &scheduledAt)
	require.NoError(t, err)

	_, err = f.engine.Execute(ctx, p.ID)

	var stateErr *ledger.PayoutStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, 0, f.proc.transferCount(), "processor must not be called early")

	cur, err := f.engine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PayoutPending, cur.Status)
}

func TestEngine_Execute_Twice_SecondRejected(t *testing.T) {
	// GIVEN: A completed payout
	// WHEN: Execute runs again
	// THEN: PayoutStateError, no second transfer, no double settlement

	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")
	ctx := context.Background()

	p, err := f.engine.Request(ctx, "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.NoError(t, err)
	_, err = f.engine.Execute(ctx, p.ID)
	require.NoError(t, err)

	_, err = f.engine.Execute(ctx, p.ID)

	var stateErr *ledger.PayoutStateError
	require.ErrorAs(t, err, &stateErr)
	assert.True(t, ledger.IsConflict(err))
	assert.Equal(t, 1, f.proc.transferCount())

	b := f.balance(t, "org-1")
	assert.Equal(t, "100.00", ledger.FormatAmount(b.LifetimePaidOut), "settlement must happen exactly once")
}

// =============================================================================
// CANCEL
// =============================================================================

func TestEngine_Cancel_ReleasesReservation(t *testing.T) {
	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")
	ctx := context.Background()

	p, err := f.engine.Request(ctx, "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.NoError(t, err)

	cancelled, err := f.engine.Cancel(ctx, p.ID, "user-1", "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, ledger.PayoutCancelled, cancelled.Status)
	assert.Equal(t, "user-1", cancelled.CancelledBy)
	assert.Equal(t, "changed my mind", cancelled.CancelReason)
	assert.NotNil(t, cancelled.CancelledAt)

	b := f.balance(t, "org-1")
	assert.Equal(t, "200.00", ledger.FormatAmount(b.Available))
	assert.Equal(t, "0.00", ledger.FormatAmount(b.Reserved))
}

func TestEngine_Cancel_NonPending_Rejected(t *testing.T) {
	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")
	ctx := context.Background()

	p, err := f.engine.Request(ctx, "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.NoError(t, err)
	_, err = f.engine.Execute(ctx, p.ID)
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, p.ID, "user-1", "")

	var stateErr *ledger.PayoutStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, ledger.PayoutCompleted, stateErr.Status)
}

// =============================================================================
// RESOLVE
// =============================================================================

func failPayout(t *testing.T, f *engineFixture, org string) *ledger.Payout {
	t.Helper()
	ctx := context.Background()

	p, err := f.engine.Request(ctx, org, "user-1", ledger.MustAmount("100.00"), nil)
	require.NoError(t, err)

	f.proc.transferErr = &payout.ProcessorError{Op: "transfer", Code: "declined", Message: "declined"}
	failed, err := f.engine.Execute(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PayoutFailed, failed.Status)

	f.proc.transferErr = nil
	return failed
}

func TestEngine_Resolve_Release_ReturnsFunds(t *testing.T) {
	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")
	failed := failPayout(t, f, "org-1")
	ctx := context.Background()

	released, err := f.engine.Resolve(ctx, failed.ID, "admin-1", payout.ResolveRelease, "")
	require.NoError(t, err)

	assert.Equal(t, ledger.PayoutCancelled, released.Status)
	assert.Equal(t, "admin-1", released.CancelledBy)
	assert.Equal(t, "released after failed transfer", released.CancelReason)

	b := f.balance(t, "org-1")
	assert.Equal(t, "200.00", ledger.FormatAmount(b.Available))
	assert.Equal(t, "0.00", ledger.FormatAmount(b.Reserved))

	report, err := f.svc.VerifyConservation(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestEngine_Resolve_Resubmit_RequeuesAndSucceeds(t *testing.T) {
	// GIVEN: A failed payout whose cause is fixed
	// WHEN: An operator resubmits and the scheduler executes again
	// THEN: The payout completes on the second attempt

	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")
	failed := failPayout(t, f, "org-1")
	ctx := context.Background()

	resubmitted, err := f.engine.Resolve(ctx, failed.ID, "admin-1", payout.ResolveResubmit, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.PayoutPending, resubmitted.Status)

	due, err := f.engine.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "resubmitted payout should be due immediately")

	done, err := f.engine.Execute(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PayoutCompleted, done.Status)
	assert.Equal(t, 1, done.RetryCount, "retry count records the earlier failure")

	b := f.balance(t, "org-1")
	assert.Equal(t, "0.00", ledger.FormatAmount(b.Reserved))
	assert.Equal(t, "100.00", ledger.FormatAmount(b.LifetimePaidOut))
}

func TestEngine_Resolve_NonFailed_Rejected(t *testing.T) {
	f := newEngineFixture(t)
	f.fund(t, "org-1", "200.00")
	ctx := context.Background()

	p, err := f.engine.Request(ctx, "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.NoError(t, err)

	_, err = f.engine.Resolve(ctx, p.ID, "admin-1", payout.ResolveRelease, "")

	var stateErr *ledger.PayoutStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, ledger.PayoutPending, stateErr.Status)
}

func TestEngine_Resolve_UnknownAction_Rejected(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Resolve(context.Background(), "po-1", "admin-1", payout.ResolveAction("retry"), "")

	assert.Error(t, err)
}

// =============================================================================
// PRE-FLIGHT CHECK
// =============================================================================

func TestEngine_Request_PreflightLowFunds_Rejected(t *testing.T) {
	f := newEngineFixture(t, payout.WithPreflightCheck("acct_platform"))
	f.fund(t, "org-1", "200.00")

	f.proc.balance = &payout.AccountBalanceResult{
		AccountID: "acct_platform",
		Available: ledger.MustAmount("10.00"),
		Currency:  "usd",
	}

	_, err := f.engine.Request(context.Background(), "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.ErrorIs(t, err, payout.ErrPlatformFundsLow)

	b := f.balance(t, "org-1")
	assert.Equal(t, "0.00", ledger.FormatAmount(b.Reserved), "rejected request must not reserve")
}

func TestEngine_Request_PreflightUnavailable_DoesNotBlock(t *testing.T) {
	// A check that cannot be performed does not block the request; a
	// check that answers "no" does.

	f := newEngineFixture(t, payout.WithPreflightCheck("acct_platform"))
	f.fund(t, "org-1", "200.00")

	f.proc.balanceErr = &payout.ProcessorError{Op: "account_balance", Message: "service unavailable"}

	p, err := f.engine.Request(context.Background(), "org-1", "user-1", ledger.MustAmount("100.00"), nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.PayoutPending, p.Status)
}
