/*
engine.go - The payout lifecycle engine

PURPOSE:
  Owns every payout state transition and pairs each one with the right
  balance mutation, atomically:

    Request -> reserve funds + create payout     (one transaction)
    Cancel  -> release reservation + cancel      (one transaction)
    Execute -> three steps, see below
    Resolve -> operator decision on a failure    (one transaction)

EXECUTION DISCIPLINE:
  The external transfer cannot be rolled back, so Execute never calls
  the processor inside a transaction:

    1. Transaction: pending -> processing, commit.
    2. Processor transfer, no transaction held.
    3. Transaction: record completed (and settle) or failed.

  A crash between 2 and 3 leaves the payout processing with funds still
  reserved. That is deliberate: nothing retries automatically, an
  operator reconciles against the processor and resolves by hand.

FAILED PAYOUTS:
  A recorded transfer failure is a normal outcome of Execute, not an
  error: the payout comes back with status failed and its reservation
  intact. Ambiguous failures (timeouts) are flagged in the failure
  reason so operators verify with the processor before resubmitting.

SEE ALSO:
  - ledger/payout.go:  the status machine itself
  - ledger/service.go: Reserve, Release, Settle
  - jobs/payouts.go:   the scheduler that drives Execute
*/
package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fundflow/settlement-engine/ledger"
)

// DefaultMinimumPayout applies when no minimum is configured.
var DefaultMinimumPayout = decimal.NewFromInt(25)

// DefaultTransferTimeout bounds one processor transfer call.
const DefaultTransferTimeout = 30 * time.Second

// ResolveAction is an operator's decision on a failed payout.
type ResolveAction string

const (
	// ResolveResubmit returns the payout to pending for another attempt.
	// Only after verifying with the processor that no transfer happened.
	ResolveResubmit ResolveAction = "resubmit"

	// ResolveRelease cancels the payout and returns the reserved funds
	// to the available balance.
	ResolveRelease ResolveAction = "release"
)

// Valid reports whether a is a known action.
func (a ResolveAction) Valid() bool {
	return a == ResolveResubmit || a == ResolveRelease
}

// Engine drives payouts through their lifecycle.
type Engine struct {
	store     ledger.Store
	balances  *ledger.Service
	processor Processor
	log       *zap.Logger

	fees            FeePolicy
	minimumPayout   decimal.Decimal
	currency        string
	platformAccount string
	preflight       bool
	transferTimeout time.Duration
	now             func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeePolicy sets the fee breakdown applied at request time.
func WithFeePolicy(p FeePolicy) Option {
	return func(e *Engine) { e.fees = p }
}

// WithMinimumPayout sets the smallest acceptable request.
func WithMinimumPayout(min decimal.Decimal) Option {
	return func(e *Engine) { e.minimumPayout = min }
}

// WithCurrency sets the currency stamped on payouts and transfers.
func WithCurrency(currency string) Option {
	return func(e *Engine) { e.currency = currency }
}

// WithPreflightCheck enables the funding check against the platform's own
// processor account before accepting a request.
func WithPreflightCheck(platformAccount string) Option {
	return func(e *Engine) {
		e.preflight = platformAccount != ""
		e.platformAccount = platformAccount
	}
}

// WithTransferTimeout bounds each processor transfer call.
func WithTransferTimeout(d time.Duration) Option {
	return func(e *Engine) { e.transferTimeout = d }
}

// WithClock overrides the engine clock. Tests pin time with this.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds a payout engine. A nil logger is replaced with a no-op
// logger.
func NewEngine(store ledger.Store, balances *ledger.Service, processor Processor, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		store:           store,
		balances:        balances,
		processor:       processor,
		log:             log,
		fees:            NoFees(),
		minimumPayout:   DefaultMinimumPayout,
		currency:        "usd",
		transferTimeout: DefaultTransferTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// REQUEST
// =============================================================================

// Request validates a withdrawal, reserves the gross amount, and creates
// the payout record, atomically. On any error nothing is persisted: no
// reservation without its payout, no payout without its reservation.
func (e *Engine) Request(ctx context.Context, organizationID, requestedBy string, amount decimal.Decimal, scheduledAt *time.Time) (*ledger.Payout, error) {
	if !amount.IsPositive() {
		return nil, &ledger.InvalidAmountError{Value: amount.String(), Reason: "must be positive"}
	}
	if amount.LessThan(e.minimumPayout) {
		return nil, &ledger.BelowMinimumError{Requested: amount, Minimum: e.minimumPayout}
	}

	breakdown := e.fees.Apply(amount)
	if !breakdown.Net.IsPositive() {
		return nil, &ledger.InvalidAmountError{
			Value:  ledger.FormatAmount(amount),
			Reason: "fees exceed the requested amount",
		}
	}

	if e.preflight {
		if err := e.checkPlatformFunds(ctx, breakdown.Net); err != nil {
			return nil, err
		}
	}

	now := e.now().UTC()
	scheduled := now
	if scheduledAt != nil && scheduledAt.After(now) {
		scheduled = scheduledAt.UTC()
	}

	p := &ledger.Payout{
		ID:              uuid.NewString(),
		Number:          ledger.NewPayoutNumber(now),
		OrganizationID:  organizationID,
		RequestedBy:     requestedBy,
		RequestedAmount: amount,
		PlatformFee:     breakdown.PlatformFee,
		TaxWithheld:     breakdown.TaxWithheld,
		NetAmount:       breakdown.Net,
		Currency:        e.currency,
		Status:          ledger.PayoutPending,
		ScheduledAt:     scheduled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.GetAccountForUpdate(ctx, organizationID)
		if err != nil {
			return err
		}
		if b.PayoutAccountID == "" {
			return ledger.ErrNoPayoutAccount
		}
		p.DestinationAccount = b.PayoutAccountID

		if _, err := e.balances.Reserve(ctx, tx, organizationID, p.ID, amount); err != nil {
			return err
		}
		return tx.CreatePayout(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payout requested",
		zap.String("payout_id", p.ID),
		zap.String("payout_number", p.Number),
		zap.String("organization_id", organizationID),
		zap.String("gross", ledger.FormatAmount(p.RequestedAmount)),
		zap.String("net", ledger.FormatAmount(p.NetAmount)))
	return p, nil
}

// checkPlatformFunds verifies the platform's own processor balance covers
// the net transfer. A check that cannot be performed does not block the
// request; a check that answers "no" does.
func (e *Engine) checkPlatformFunds(ctx context.Context, net decimal.Decimal) error {
	res, err := e.processor.AccountBalance(ctx, e.platformAccount)
	if err != nil {
		e.log.Warn("pre-flight balance check unavailable",
			zap.String("account", e.platformAccount),
			zap.Error(err))
		return nil
	}
	if res.Available.LessThan(net) {
		e.log.Warn("pre-flight balance check rejected payout",
			zap.String("platform_available", ledger.FormatAmount(res.Available)),
			zap.String("net_required", ledger.FormatAmount(net)))
		return fmt.Errorf("%w: available %s, need %s",
			ErrPlatformFundsLow, ledger.FormatAmount(res.Available), ledger.FormatAmount(net))
	}
	return nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel cancels a pending payout and returns its reservation to the
// available balance. Only pending payouts can be cancelled; anything
// in-flight or terminal returns ErrInvalidPayoutState.
func (e *Engine) Cancel(ctx context.Context, payoutID, cancelledBy, reason string) (*ledger.Payout, error) {
	var out *ledger.Payout
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		p, err := tx.GetPayoutForUpdate(ctx, payoutID)
		if err != nil {
			return err
		}
		if p.Status != ledger.PayoutPending {
			return &ledger.PayoutStateError{PayoutID: p.ID, Status: p.Status, Attempted: "cancel"}
		}

		now := e.now().UTC()
		if err := p.Transition(ledger.PayoutCancelled, now); err != nil {
			return err
		}
		at := now
		p.CancelledBy = cancelledBy
		p.CancelledAt = &at
		p.CancelReason = reason

		if _, err := e.balances.Release(ctx, tx, p.OrganizationID, p.ID, p.RequestedAmount, ledger.CategoryPayoutCancelled); err != nil {
			return err
		}
		if err := tx.UpdatePayout(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payout cancelled",
		zap.String("payout_id", out.ID),
		zap.String("cancelled_by", cancelledBy))
	return out, nil
}

// =============================================================================
// EXECUTE
// =============================================================================

// Execute runs one payout against the processor. A transfer failure is a
// recorded outcome, not an error: the returned payout carries status
// failed with its reservation intact. Execute returns an error only when
// the payout was not executable (wrong status, not yet due) or the store
// failed.
func (e *Engine) Execute(ctx context.Context, payoutID string) (*ledger.Payout, error) {
	// Step 1: claim the payout. Committing processing before the external
	// call means a crash can never leave a transfer unaccounted for.
	var p *ledger.Payout
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		p, err = tx.GetPayoutForUpdate(ctx, payoutID)
		if err != nil {
			return err
		}
		if p.Status != ledger.PayoutPending {
			return &ledger.PayoutStateError{PayoutID: p.ID, Status: p.Status, Attempted: "execute"}
		}
		now := e.now().UTC()
		if p.ScheduledAt.After(now) {
			return &ledger.PayoutStateError{
				PayoutID:  p.ID,
				Status:    p.Status,
				Attempted: fmt.Sprintf("execute before scheduled time %s", p.ScheduledAt.Format(time.RFC3339)),
			}
		}
		if err := p.Transition(ledger.PayoutProcessing, now); err != nil {
			return err
		}
		at := now
		p.ProcessedAt = &at
		return tx.UpdatePayout(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	// Step 2: the transfer, with no transaction held.
	tctx := ctx
	if e.transferTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, e.transferTimeout)
		defer cancel()
	}
	res, transferErr := e.processor.Transfer(tctx, TransferRequest{
		IdempotencyKey: p.ID,
		Destination:    p.DestinationAccount,
		Amount:         p.NetAmount,
		Currency:       p.Currency,
		Description:    fmt.Sprintf("Payout %s", p.Number),
		Metadata: map[string]string{
			"payout_id":       p.ID,
			"organization_id": p.OrganizationID,
		},
	})

	// Step 3: record the outcome. Detached from the caller's cancellation:
	// once the transfer has been attempted, the result must land.
	recordCtx := context.WithoutCancel(ctx)
	err = e.store.WithTx(recordCtx, func(tx ledger.Tx) error {
		cur, err := tx.GetPayoutForUpdate(recordCtx, payoutID)
		if err != nil {
			return err
		}
		now := e.now().UTC()

		if transferErr != nil {
			if err := cur.Transition(ledger.PayoutFailed, now); err != nil {
				return err
			}
			cur.FailureReason = failureReason(transferErr)
			cur.RetryCount++
			p = cur
			return tx.UpdatePayout(recordCtx, cur)
		}

		if err := cur.Transition(ledger.PayoutCompleted, now); err != nil {
			return err
		}
		at := now
		cur.TransferID = res.TransferID
		cur.CompletedAt = &at
		if _, err := e.balances.Settle(recordCtx, tx, cur.OrganizationID, ledger.Settlement{
			PayoutID:    cur.ID,
			Gross:       cur.RequestedAmount,
			Net:         cur.NetAmount,
			PlatformFee: cur.PlatformFee,
			TaxWithheld: cur.TaxWithheld,
		}); err != nil {
			return err
		}
		p = cur
		return tx.UpdatePayout(recordCtx, cur)
	})
	if err != nil {
		// The payout is stuck in processing with its reservation held.
		// Operators reconcile against the processor and resolve by hand.
		e.log.Error("payout outcome not recorded, payout remains processing",
			zap.String("payout_id", payoutID),
			zap.Bool("transfer_failed", transferErr != nil),
			zap.Error(err))
		return nil, err
	}

	if transferErr != nil {
		e.log.Warn("payout transfer failed, reservation held",
			zap.String("payout_id", p.ID),
			zap.String("reason", p.FailureReason),
			zap.Int("retry_count", p.RetryCount))
	} else {
		e.log.Info("payout completed",
			zap.String("payout_id", p.ID),
			zap.String("transfer_id", p.TransferID),
			zap.String("net", ledger.FormatAmount(p.NetAmount)))
	}
	return p, nil
}

// failureReason renders a transfer error for the payout record. Ambiguous
// outcomes are labelled so nobody resubmits without checking.
func failureReason(err error) string {
	if IsTimeout(err) {
		return fmt.Sprintf("ambiguous: %s; verify with processor before resubmitting", err)
	}
	return err.Error()
}

// =============================================================================
// RESOLVE
// =============================================================================

// Resolve applies an operator's decision to a failed payout: resubmit puts
// it back in the pending queue, release cancels it and frees the reserved
// funds. Nothing but an explicit resolution moves a failed payout.
func (e *Engine) Resolve(ctx context.Context, payoutID, resolvedBy string, action ResolveAction, reason string) (*ledger.Payout, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("unknown resolve action %q", action)
	}

	var out *ledger.Payout
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		p, err := tx.GetPayoutForUpdate(ctx, payoutID)
		if err != nil {
			return err
		}
		if p.Status != ledger.PayoutFailed {
			return &ledger.PayoutStateError{PayoutID: p.ID, Status: p.Status, Attempted: "resolve"}
		}

		now := e.now().UTC()
		switch action {
		case ResolveResubmit:
			if err := p.Transition(ledger.PayoutPending, now); err != nil {
				return err
			}
			// Due immediately; the next scheduler pass picks it up.
			p.ScheduledAt = now

		case ResolveRelease:
			if err := p.Transition(ledger.PayoutCancelled, now); err != nil {
				return err
			}
			at := now
			p.CancelledBy = resolvedBy
			p.CancelledAt = &at
			p.CancelReason = reason
			if p.CancelReason == "" {
				p.CancelReason = "released after failed transfer"
			}
			if _, err := e.balances.Release(ctx, tx, p.OrganizationID, p.ID, p.RequestedAmount, ledger.CategoryPayoutFailed); err != nil {
				return err
			}
		}

		if err := tx.UpdatePayout(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("failed payout resolved",
		zap.String("payout_id", out.ID),
		zap.String("action", string(action)),
		zap.String("resolved_by", resolvedBy))
	return out, nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns one payout by id.
func (e *Engine) Get(ctx context.Context, payoutID string) (*ledger.Payout, error) {
	return e.store.GetPayout(ctx, payoutID)
}

// List returns one page of an organization's payouts, newest first.
func (e *Engine) List(ctx context.Context, organizationID string, f ledger.PayoutFilter) ([]ledger.Payout, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Page < 1 {
		f.Page = 1
	}
	return e.store.ListPayouts(ctx, organizationID, f)
}

// Due returns pending payouts whose scheduled time has passed, oldest
// first. The payout scheduler works through this list.
func (e *Engine) Due(ctx context.Context, limit int) ([]ledger.Payout, error) {
	return e.store.DuePayouts(ctx, e.now().UTC(), limit)
}
