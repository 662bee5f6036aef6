/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Every amount crosses the wire as a decimal string ("125.50"), never as
  a float. Handlers parse with ledger.ParseAmount and format with
  ledger.FormatAmount.

TYPES:
  Balance:
    BalanceDTO, LifetimeDTO

  Ledger:
    EntryDTO, EntryListResponse, CreditRequest, RefundRequest

  Payouts:
    PayoutDTO, PayoutListResponse, CreatePayoutRequest,
    CancelPayoutRequest, ResolvePayoutRequest

  Admin:
    AdjustmentRequest, ClearingPeriodRequest, PayoutAccountRequest,
    ConservationDTO, JobRunDTO

  Scenarios:
    ScenarioDTO

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/money.go: Amount parsing and formatting
*/
package api

import (
	"time"

	"github.com/fundflow/settlement-engine/ledger"
)

// =============================================================================
// BALANCE TYPES
// =============================================================================

// BalanceDTO represents an organization's balance in API responses.
type BalanceDTO struct {
	OrganizationID     string      `json:"organization_id"`
	Pending            string      `json:"pending"`
	Available          string      `json:"available"`
	Reserved           string      `json:"reserved"`
	Total              string      `json:"total"`
	Lifetime           LifetimeDTO `json:"lifetime"`
	ClearingPeriodDays int         `json:"clearing_period_days"`
	PayoutAccountID    string      `json:"payout_account_id,omitempty"`
	LastTransactionAt  string      `json:"last_transaction_at,omitempty"`
	LastPayoutAt       string      `json:"last_payout_at,omitempty"`
	UpdatedAt          string      `json:"updated_at"`
}

// LifetimeDTO carries the monotonic reporting counters.
type LifetimeDTO struct {
	Earnings     string `json:"earnings"`
	PaidOut      string `json:"paid_out"`
	PlatformFees string `json:"platform_fees"`
	TaxWithheld  string `json:"tax_withheld"`
	Refunds      string `json:"refunds"`
}

func toBalanceDTO(b *ledger.AccountBalance) BalanceDTO {
	dto := BalanceDTO{
		OrganizationID: b.OrganizationID,
		Pending:        ledger.FormatAmount(b.Pending),
		Available:      ledger.FormatAmount(b.Available),
		Reserved:       ledger.FormatAmount(b.Reserved),
		Total:          ledger.FormatAmount(b.Total()),
		Lifetime: LifetimeDTO{
			Earnings:     ledger.FormatAmount(b.LifetimeEarnings),
			PaidOut:      ledger.FormatAmount(b.LifetimePaidOut),
			PlatformFees: ledger.FormatAmount(b.LifetimePlatformFees),
			TaxWithheld:  ledger.FormatAmount(b.LifetimeTaxWithheld),
			Refunds:      ledger.FormatAmount(b.LifetimeRefunds),
		},
		ClearingPeriodDays: b.ClearingPeriodDays,
		PayoutAccountID:    b.PayoutAccountID,
		UpdatedAt:          b.UpdatedAt.Format(time.RFC3339),
	}
	if b.LastTransactionAt != nil {
		dto.LastTransactionAt = b.LastTransactionAt.Format(time.RFC3339)
	}
	if b.LastPayoutAt != nil {
		dto.LastPayoutAt = b.LastPayoutAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// LEDGER TYPES
// =============================================================================

// EntryDTO represents one ledger entry in API responses.
type EntryDTO struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Category       string `json:"category"`
	Amount         string `json:"amount"`
	PendingAfter   string `json:"pending_after"`
	AvailableAfter string `json:"available_after"`
	ReservedAfter  string `json:"reserved_after"`
	TotalAfter     string `json:"total_after"`
	DonationID     string `json:"donation_id,omitempty"`
	PayoutID       string `json:"payout_id,omitempty"`
	Description    string `json:"description,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:             e.ID,
		Type:           string(e.Type),
		Category:       string(e.Category),
		Amount:         ledger.FormatAmount(e.Amount),
		PendingAfter:   ledger.FormatAmount(e.PendingAfter),
		AvailableAfter: ledger.FormatAmount(e.AvailableAfter),
		ReservedAfter:  ledger.FormatAmount(e.ReservedAfter),
		TotalAfter:     ledger.FormatAmount(e.TotalAfter),
		DonationID:     e.DonationID,
		PayoutID:       e.PayoutID,
		Description:    e.Description,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

// EntryListResponse is a paginated list of ledger entries.
type EntryListResponse struct {
	Entries []EntryDTO `json:"entries"`
	Total   int        `json:"total"`
	Page    int        `json:"page"`
	Limit   int        `json:"limit"`
}

// CreditRequest records a confirmed donation against an organization.
type CreditRequest struct {
	OrganizationID string `json:"organization_id"`
	DonationID     string `json:"donation_id"`
	Amount         string `json:"amount"`
	PlatformFee    string `json:"platform_fee,omitempty"`
	TaxWithheld    string `json:"tax_withheld,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Description    string `json:"description,omitempty"`
}

// RefundRequest debits a refunded donation from an organization.
type RefundRequest struct {
	OrganizationID    string `json:"organization_id"`
	DonationID        string `json:"donation_id"`
	Amount            string `json:"amount"`
	DonationCreatedAt string `json:"donation_created_at"`
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
	Description       string `json:"description,omitempty"`
}

// =============================================================================
// PAYOUT TYPES
// =============================================================================

// PayoutDTO represents a payout in API responses.
type PayoutDTO struct {
	ID                 string `json:"id"`
	Number             string `json:"number"`
	OrganizationID     string `json:"organization_id"`
	RequestedBy        string `json:"requested_by"`
	RequestedAmount    string `json:"requested_amount"`
	PlatformFee        string `json:"platform_fee"`
	TaxWithheld        string `json:"tax_withheld"`
	NetAmount          string `json:"net_amount"`
	Currency           string `json:"currency"`
	Status             string `json:"status"`
	ScheduledAt        string `json:"scheduled_at"`
	DestinationAccount string `json:"destination_account"`
	TransferID         string `json:"transfer_id,omitempty"`
	ProcessedAt        string `json:"processed_at,omitempty"`
	CompletedAt        string `json:"completed_at,omitempty"`
	FailureReason      string `json:"failure_reason,omitempty"`
	RetryCount         int    `json:"retry_count"`
	CancelledBy        string `json:"cancelled_by,omitempty"`
	CancelledAt        string `json:"cancelled_at,omitempty"`
	CancelReason       string `json:"cancel_reason,omitempty"`
	CreatedAt          string `json:"created_at"`
}

func toPayoutDTO(p *ledger.Payout) PayoutDTO {
	dto := PayoutDTO{
		ID:                 p.ID,
		Number:             p.Number,
		OrganizationID:     p.OrganizationID,
		RequestedBy:        p.RequestedBy,
		RequestedAmount:    ledger.FormatAmount(p.RequestedAmount),
		PlatformFee:        ledger.FormatAmount(p.PlatformFee),
		TaxWithheld:        ledger.FormatAmount(p.TaxWithheld),
		NetAmount:          ledger.FormatAmount(p.NetAmount),
		Currency:           p.Currency,
		Status:             string(p.Status),
		ScheduledAt:        p.ScheduledAt.Format(time.RFC3339),
		DestinationAccount: p.DestinationAccount,
		TransferID:         p.TransferID,
		FailureReason:      p.FailureReason,
		RetryCount:         p.RetryCount,
		CancelledBy:        p.CancelledBy,
		CancelReason:       p.CancelReason,
		CreatedAt:          p.CreatedAt.Format(time.RFC3339),
	}
	if p.ProcessedAt != nil {
		dto.ProcessedAt = p.ProcessedAt.Format(time.RFC3339)
	}
	if p.CompletedAt != nil {
		dto.CompletedAt = p.CompletedAt.Format(time.RFC3339)
	}
	if p.CancelledAt != nil {
		dto.CancelledAt = p.CancelledAt.Format(time.RFC3339)
	}
	return dto
}

// PayoutListResponse is a paginated list of payouts.
type PayoutListResponse struct {
	Payouts []PayoutDTO `json:"payouts"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	Limit   int         `json:"limit"`
}

// CreatePayoutRequest asks for a withdrawal of available funds.
type CreatePayoutRequest struct {
	RequestedBy string `json:"requested_by"`
	Amount      string `json:"amount"`
	ScheduledAt string `json:"scheduled_at,omitempty"`
}

// CancelPayoutRequest cancels a pending payout.
type CancelPayoutRequest struct {
	CancelledBy string `json:"cancelled_by"`
	Reason      string `json:"reason,omitempty"`
}

// ResolvePayoutRequest settles the fate of a failed payout.
// Action is "resubmit" or "release".
type ResolvePayoutRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
}

// =============================================================================
// ADMIN TYPES
// =============================================================================

// AdjustmentRequest applies a manual correction to the available bucket.
type AdjustmentRequest struct {
	OrganizationID string `json:"organization_id"`
	Amount         string `json:"amount"`
	Direction      string `json:"direction"` // "credit" or "debit"
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ClearingPeriodRequest changes an organization's clearing window.
type ClearingPeriodRequest struct {
	Days int `json:"days"`
}

// PayoutAccountRequest connects or disconnects a processor account.
// An empty id disconnects.
type PayoutAccountRequest struct {
	PayoutAccountID string `json:"payout_account_id"`
}

// ConservationDTO reports a ledger replay audit.
type ConservationDTO struct {
	OrganizationID     string `json:"organization_id"`
	EntryCount         int    `json:"entry_count"`
	LedgerNet          string `json:"ledger_net"`
	BalanceTotal       string `json:"balance_total"`
	Difference         string `json:"difference"`
	Consistent         bool   `json:"consistent"`
	SnapshotConsistent bool   `json:"snapshot_consistent"`
}

// JobRunDTO represents one scheduler run in API responses.
type JobRunDTO struct {
	ID             string `json:"id"`
	Job            string `json:"job"`
	Trigger        string `json:"trigger"`
	Status         string `json:"status"`
	StartedAt      string `json:"started_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
	TotalProcessed int    `json:"total_processed"`
	SuccessCount   int    `json:"success_count"`
	FailureCount   int    `json:"failure_count"`
	Error          string `json:"error,omitempty"`
}

func toJobRunDTO(r ledger.JobRun) JobRunDTO {
	dto := JobRunDTO{
		ID:             r.ID,
		Job:            r.Job,
		Trigger:        r.Trigger,
		Status:         string(r.Status),
		StartedAt:      r.StartedAt.Format(time.RFC3339),
		TotalProcessed: r.TotalProcessed,
		SuccessCount:   r.SuccessCount,
		FailureCount:   r.FailureCount,
		Error:          r.Error,
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
