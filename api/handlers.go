/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the ledger and payout engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Organizations:
    GET    /api/organizations/{id}/balance         Balance summary
    GET    /api/organizations/{id}/transactions    Ledger history
    GET    /api/organizations/{id}/payouts         Payout history
    POST   /api/organizations/{id}/payouts         Request payout
    PUT    /api/organizations/{id}/payout-account  Connect destination account
    PUT    /api/organizations/{id}/clearing-period Change clearing window

  Payouts:
    GET    /api/payouts/{id}                       Payout detail
    POST   /api/payouts/{id}/cancel                Cancel pending payout
    POST   /api/payouts/{id}/resolve               Resolve failed payout

  Internal (called by the donation pipeline):
    POST   /api/internal/donations                 Confirmed donation credit
    POST   /api/internal/refunds                   Refund debit

  Admin:
    POST   /api/admin/adjustments                  Manual balance adjustment
    GET    /api/admin/organizations/{id}/conservation  Ledger replay audit
    POST   /api/admin/jobs/clearing/run            Trigger clearing now
    POST   /api/admin/jobs/payouts/run             Trigger payout run now
    GET    /api/admin/jobs/runs                    Scheduler run history

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (service, engine, jobs)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, insufficient funds
  - 404: Organization or payout not found
  - 409: Conflict (idempotency replay, invalid state, run in progress)
  - 502: Payment processor failure (detail logged, not exposed)
  - 503: Platform float too low to accept the payout
  - 500: Internal errors (detail logged, not exposed)

SECURITY NOTE:
  Currently NO authentication or authorization. The /api/internal and
  /api/admin groups must sit behind the platform gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fundflow/settlement-engine/jobs"
	"github.com/fundflow/settlement-engine/ledger"
	"github.com/fundflow/settlement-engine/payout"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     ledger.Store
	Balances  *ledger.Service
	Payouts   *payout.Engine
	Clearing  *jobs.ClearingJob
	PayoutJob *jobs.PayoutJob
	Tracker   *jobs.Tracker

	// currentScenario tracks the last demo scenario loaded, if any.
	currentScenario string

	log *zap.Logger
}

// NewHandler creates a new handler with the given collaborators.
func NewHandler(store ledger.Store, balances *ledger.Service, engine *payout.Engine, clearing *jobs.ClearingJob, payoutJob *jobs.PayoutJob, tracker *jobs.Tracker, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:     store,
		Balances:  balances,
		Payouts:   engine,
		Clearing:  clearing,
		PayoutJob: payoutJob,
		Tracker:   tracker,
		log:       log,
	}
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalance returns the balance summary for an organization.
// Accounts are upserted lazily, so an unknown organization reads as zeros.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	organizationID := chi.URLParam(r, "id")

	b, err := h.Balances.GetOrCreate(r.Context(), organizationID)
	if err != nil {
		h.writeDomainError(w, "Failed to load balance", err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetTransactions returns a page of an organization's ledger history.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	organizationID := chi.URLParam(r, "id")

	f := ledger.EntryFilter{
		Category: ledger.Category(r.URL.Query().Get("category")),
		Type:     ledger.EntryType(r.URL.Query().Get("type")),
		Page:     queryInt(r, "page", 1),
		Limit:    queryInt(r, "limit", 0),
	}
	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid 'from' timestamp (use RFC3339)", err)
		return
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid 'to' timestamp (use RFC3339)", err)
		return
	}

	entries, total, err := h.Balances.History(r.Context(), organizationID, f)
	if err != nil {
		h.writeDomainError(w, "Failed to load transactions", err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}

	writeJSON(w, http.StatusOK, EntryListResponse{
		Entries: dtos,
		Total:   total,
		Page:    f.Page,
		Limit:   f.Limit,
	})
}

// SetPayoutAccount connects or disconnects the processor destination
// account for an organization. An empty id disconnects.
func (h *Handler) SetPayoutAccount(w http.ResponseWriter, r *http.Request) {
	organizationID := chi.URLParam(r, "id")

	var req PayoutAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := h.Balances.SetPayoutAccount(r.Context(), organizationID, req.PayoutAccountID)
	if err != nil {
		h.writeDomainError(w, "Failed to update payout account", err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// SetClearingPeriod changes the organization's clearing window in days.
func (h *Handler) SetClearingPeriod(w http.ResponseWriter, r *http.Request) {
	organizationID := chi.URLParam(r, "id")

	var req ClearingPeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := h.Balances.SetClearingPeriod(r.Context(), organizationID, req.Days)
	if err != nil {
		h.writeDomainError(w, "Failed to update clearing period", err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// =============================================================================
// DONATION PIPELINE HANDLERS (internal)
// =============================================================================

// RecordDonation credits a confirmed donation to the organization's
// pending bucket. Replays with the same idempotency key return 409.
func (h *Handler) RecordDonation(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrganizationID == "" || req.DonationID == "" {
		writeError(w, http.StatusBadRequest, "organization_id and donation_id are required", nil)
		return
	}

	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	platformFee, err := ledger.ParseOptionalAmount(req.PlatformFee)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid platform_fee", err)
		return
	}
	taxWithheld, err := ledger.ParseOptionalAmount(req.TaxWithheld)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tax_withheld", err)
		return
	}

	entry, err := h.Balances.CreditPending(r.Context(), req.OrganizationID, amount, ledger.CreditRef{
		DonationID:     req.DonationID,
		PlatformFee:    platformFee,
		TaxWithheld:    taxWithheld,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record donation", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// RecordRefund debits a refunded donation. Refunds inside the clearing
// window come out of pending; afterwards they come out of available.
func (h *Handler) RecordRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrganizationID == "" || req.DonationID == "" {
		writeError(w, http.StatusBadRequest, "organization_id and donation_id are required", nil)
		return
	}

	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	donatedAt, err := time.Parse(time.RFC3339, req.DonationCreatedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid donation_created_at (use RFC3339)", err)
		return
	}

	entry, err := h.Balances.DebitRefund(r.Context(), req.OrganizationID, amount, ledger.RefundRef{
		DonationID:        req.DonationID,
		DonationCreatedAt: donatedAt,
		IdempotencyKey:    req.IdempotencyKey,
		Description:       req.Description,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record refund", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

// ListPayouts returns a page of an organization's payouts.
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	organizationID := chi.URLParam(r, "id")

	f := ledger.PayoutFilter{
		Status: ledger.PayoutStatus(r.URL.Query().Get("status")),
		Page:   queryInt(r, "page", 1),
		Limit:  queryInt(r, "limit", 0),
	}

	payouts, total, err := h.Payouts.List(r.Context(), organizationID, f)
	if err != nil {
		h.writeDomainError(w, "Failed to list payouts", err)
		return
	}

	dtos := make([]PayoutDTO, len(payouts))
	for i := range payouts {
		dtos[i] = toPayoutDTO(&payouts[i])
	}

	writeJSON(w, http.StatusOK, PayoutListResponse{
		Payouts: dtos,
		Total:   total,
		Page:    f.Page,
		Limit:   f.Limit,
	})
}

// CreatePayout requests a withdrawal of available funds.
func (h *Handler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	organizationID := chi.URLParam(r, "id")

	var req CreatePayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.RequestedBy == "" {
		writeError(w, http.StatusBadRequest, "requested_by is required", nil)
		return
	}

	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	var scheduledAt *time.Time
	if req.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid scheduled_at (use RFC3339)", err)
			return
		}
		scheduledAt = &t
	}

	p, err := h.Payouts.Request(r.Context(), organizationID, req.RequestedBy, amount, scheduledAt)
	if err != nil {
		h.writeDomainError(w, "Failed to request payout", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPayoutDTO(p))
}

// GetPayout returns a single payout.
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.Payouts.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to load payout", err)
		return
	}

	writeJSON(w, http.StatusOK, toPayoutDTO(p))
}

// CancelPayout cancels a payout that has not started processing.
func (h *Handler) CancelPayout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CancelPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.CancelledBy == "" {
		writeError(w, http.StatusBadRequest, "cancelled_by is required", nil)
		return
	}

	p, err := h.Payouts.Cancel(r.Context(), id, req.CancelledBy, req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to cancel payout", err)
		return
	}

	writeJSON(w, http.StatusOK, toPayoutDTO(p))
}

// ResolvePayout settles the fate of a failed payout: resubmit it for
// another attempt, or release the reserved funds back to available.
func (h *Handler) ResolvePayout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolvePayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, "resolved_by is required", nil)
		return
	}
	action := payout.ResolveAction(req.Action)
	if !action.Valid() {
		writeError(w, http.StatusBadRequest, "action must be 'resubmit' or 'release'", nil)
		return
	}

	p, err := h.Payouts.Resolve(r.Context(), id, req.ResolvedBy, action, req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to resolve payout", err)
		return
	}

	writeJSON(w, http.StatusOK, toPayoutDTO(p))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment applies a manual correction to the available bucket.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrganizationID == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "organization_id and reason are required", nil)
		return
	}

	direction := ledger.EntryType(req.Direction)
	if direction != ledger.EntryCredit && direction != ledger.EntryDebit {
		writeError(w, http.StatusBadRequest, "direction must be 'credit' or 'debit'", nil)
		return
	}

	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	entry, err := h.Balances.Adjust(r.Context(), req.OrganizationID, amount, direction, req.Reason, req.IdempotencyKey)
	if err != nil {
		h.writeDomainError(w, "Failed to apply adjustment", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// GetConservation replays the organization's ledger and compares the net
// against the stored balance. Read-only; inconsistencies are reported,
// never repaired.
func (h *Handler) GetConservation(w http.ResponseWriter, r *http.Request) {
	organizationID := chi.URLParam(r, "id")

	report, err := h.Balances.VerifyConservation(r.Context(), organizationID)
	if err != nil {
		h.writeDomainError(w, "Failed to verify conservation", err)
		return
	}

	writeJSON(w, http.StatusOK, ConservationDTO{
		OrganizationID:     report.OrganizationID,
		EntryCount:         report.EntryCount,
		LedgerNet:          ledger.FormatAmount(report.LedgerNet),
		BalanceTotal:       ledger.FormatAmount(report.BalanceTotal),
		Difference:         ledger.FormatAmount(report.Difference),
		Consistent:         report.Consistent,
		SnapshotConsistent: report.SnapshotConsistent,
	})
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// RunClearing triggers a clearing pass outside the daily schedule.
func (h *Handler) RunClearing(w http.ResponseWriter, r *http.Request) {
	run, err := h.Clearing.RunNow(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to run clearing", err)
		return
	}

	writeJSON(w, http.StatusOK, toJobRunDTO(run))
}

// RunPayouts triggers a payout execution pass outside the interval.
func (h *Handler) RunPayouts(w http.ResponseWriter, r *http.Request) {
	run, err := h.PayoutJob.RunNow(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to run payouts", err)
		return
	}

	writeJSON(w, http.StatusOK, toJobRunDTO(run))
}

// ListJobRuns returns recent scheduler runs, optionally filtered by job.
func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	job := r.URL.Query().Get("job")
	limit := queryInt(r, "limit", 20)

	runs, err := h.Tracker.History(r.Context(), job, limit)
	if err != nil {
		h.writeDomainError(w, "Failed to list job runs", err)
		return
	}

	dtos := make([]JobRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toJobRunDTO(run)
	}

	writeJSON(w, http.StatusOK, dtos)
}

// Healthz is the liveness endpoint.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeDomainError maps domain errors to HTTP status codes. Client faults
// carry their detail; processor and internal faults are logged and sent
// back opaque.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	var procErr *payout.ProcessorError
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, jobs.ErrRunInProgress):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, payout.ErrPlatformFundsLow):
		writeError(w, http.StatusServiceUnavailable, message, err)
	case errors.As(err, &procErr) || errors.Is(err, payout.ErrProcessorFailed):
		h.log.Error("payment processor error", zap.Error(err))
		writeError(w, http.StatusBadGateway, "Payment processor error", nil)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.log.Error("internal error", zap.String("message", message), zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
