/*
Package ledger is the financial core of the settlement engine: account
balances, the append-only entry log, and the balance service that is the
only writer of both.

MONEY REPRESENTATION:
  All monetary values are shopspring decimals. Amounts cross the API
  boundary as strings ("125.50") and are stored as TEXT, so no float64
  ever touches a balance. Two decimal places, half-up rounding.

SEE ALSO:
  - ledger/service.go: the balance mutation rules
  - ledger/entry.go:   the append-only record written alongside every mutation
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the scale used for all stored and reported amounts.
const MoneyPlaces = 2

// ParseAmount parses a positive monetary amount from its string form.
// Rejects non-numeric input, zero, negatives, and more than two decimal
// places (we never silently round user-supplied money).
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &InvalidAmountError{Value: s, Reason: "not a number"}
	}
	if !d.IsPositive() {
		return decimal.Zero, &InvalidAmountError{Value: s, Reason: "must be positive"}
	}
	if d.Exponent() < -MoneyPlaces {
		return decimal.Zero, &InvalidAmountError{Value: s, Reason: fmt.Sprintf("more than %d decimal places", MoneyPlaces)}
	}
	return d, nil
}

// ParseOptionalAmount parses a fee-style amount that may legitimately be
// zero or absent. Empty input means zero; negatives are still rejected.
func ParseOptionalAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &InvalidAmountError{Value: s, Reason: "not a number"}
	}
	if d.IsNegative() {
		return decimal.Zero, &InvalidAmountError{Value: s, Reason: "must not be negative"}
	}
	if d.Exponent() < -MoneyPlaces {
		return decimal.Zero, &InvalidAmountError{Value: s, Reason: fmt.Sprintf("more than %d decimal places", MoneyPlaces)}
	}
	return d, nil
}

// MustAmount parses an amount and panics on failure. For test fixtures and
// demo data literals; never call it on user input.
func MustAmount(s string) decimal.Decimal {
	d, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FormatAmount renders an amount at money scale for API and log output.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(MoneyPlaces)
}
