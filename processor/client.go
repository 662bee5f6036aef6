/*
Package processor implements payout.Processor against the payment
provider's HTTP API.

Transfers carry the payout id as an Idempotency-Key header, so a
retried request after an ambiguous failure cannot double-send money.
Timeouts and gateway timeouts are reported as ambiguous (Timeout=true);
everything else as a plain processor failure with whatever code and
message the provider returned.
*/
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fundflow/settlement-engine/ledger"
	"github.com/fundflow/settlement-engine/payout"
)

// DefaultTimeout bounds one HTTP call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Client talks to the payment provider. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

// NewClient constructs a processor client. A nil logger is replaced with a
// no-op logger; a non-positive timeout falls back to DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type transferPayload struct {
	Destination string            `json:"destination"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type transferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Available string `json:"available"`
	Currency  string `json:"currency"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// PROCESSOR INTERFACE
// =============================================================================

// Transfer sends money to a destination account.
func (c *Client) Transfer(ctx context.Context, req payout.TransferRequest) (*payout.TransferResult, error) {
	payload := transferPayload{
		Destination: req.Destination,
		Amount:      ledger.FormatAmount(req.Amount),
		Currency:    req.Currency,
		Description: req.Description,
		Metadata:    req.Metadata,
	}

	var out transferResponse
	if err := c.do(ctx, "transfer", http.MethodPost, "/v1/transfers", req.IdempotencyKey, payload, &out); err != nil {
		return nil, err
	}

	c.log.Debug("processor transfer accepted",
		zap.String("transfer_id", out.ID),
		zap.String("status", out.Status))
	return &payout.TransferResult{TransferID: out.ID, Status: out.Status}, nil
}

// AccountBalance reports a processor account's spendable balance.
func (c *Client) AccountBalance(ctx context.Context, accountID string) (*payout.AccountBalanceResult, error) {
	var out balanceResponse
	path := fmt.Sprintf("/v1/accounts/%s/balance", url.PathEscape(accountID))
	if err := c.do(ctx, "account_balance", http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}

	available, err := decimalFromWire(out.Available)
	if err != nil {
		return nil, &payout.ProcessorError{
			Op:      "account_balance",
			Message: fmt.Sprintf("unparseable balance %q", out.Available),
			Err:     err,
		}
	}
	return &payout.AccountBalanceResult{
		AccountID: out.AccountID,
		Available: available,
		Currency:  out.Currency,
	}, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &payout.ProcessorError{
			Op:      op,
			Message: "request did not complete",
			Timeout: isTransportTimeout(err),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var detail apiError
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = json.Unmarshal(respBody, &detail)

		msg := detail.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return &payout.ProcessorError{
			Op:      op,
			Code:    detail.Error.Code,
			Message: msg,
			// Gateway timeouts mean the transfer may still have landed.
			Timeout: resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout,
			Err:     fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &payout.ProcessorError{
			Op:      op,
			Message: "undecodable response body",
			Err:     err,
		}
	}
	return nil
}

func isTransportTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}

// decimalFromWire parses provider-reported amounts, which unlike ours may
// legitimately be zero.
func decimalFromWire(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}
