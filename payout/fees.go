/*
fees.go - Payout fee policy

The fee breakdown is computed once, at request time, and frozen onto the
payout record. Execution sends exactly the recorded net; a policy change
never retroactively alters an in-flight payout.
*/
package payout

import (
	"github.com/shopspring/decimal"

	"github.com/fundflow/settlement-engine/ledger"
)

// FeePolicy describes what the platform keeps from a payout. Rates apply
// to the gross (requested) amount.
type FeePolicy struct {
	// PercentFee is a fraction, e.g. 0.025 for 2.5%.
	PercentFee decimal.Decimal

	// FlatFee is added per payout regardless of size.
	FlatFee decimal.Decimal

	// TaxRate is the withholding fraction applied to the gross amount.
	TaxRate decimal.Decimal
}

// NoFees is the zero policy: net equals gross.
func NoFees() FeePolicy {
	return FeePolicy{
		PercentFee: decimal.Zero,
		FlatFee:    decimal.Zero,
		TaxRate:    decimal.Zero,
	}
}

// Breakdown is a fee policy applied to one gross amount. Always sums:
// Gross = Net + PlatformFee + TaxWithheld.
type Breakdown struct {
	Gross       decimal.Decimal
	PlatformFee decimal.Decimal
	TaxWithheld decimal.Decimal
	Net         decimal.Decimal
}

// Apply computes the breakdown for a gross amount. Fee and tax are each
// rounded half-up to money scale; net absorbs the rounding so the parts
// always sum back to gross.
func (p FeePolicy) Apply(gross decimal.Decimal) Breakdown {
	fee := gross.Mul(p.PercentFee).Round(ledger.MoneyPlaces).Add(p.FlatFee)
	tax := gross.Mul(p.TaxRate).Round(ledger.MoneyPlaces)
	return Breakdown{
		Gross:       gross,
		PlatformFee: fee,
		TaxWithheld: tax,
		Net:         gross.Sub(fee).Sub(tax),
	}
}
