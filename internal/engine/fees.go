package engine

import (
	"github.com/shopspring/decimal"

	"github.com/blockdesk/otcengine/internal/config"
	"github.com/blockdesk/otcengine/internal/model"
)

// FeeCalculator computes tiered trading fees. Pure and deterministic given
// (notional, tier) so replay and audit stay reproducible.
type FeeCalculator struct {
	institutionalNotional decimal.Decimal
	professionalNotional  decimal.Decimal
	institutionalRate     decimal.Decimal
	professionalRate      decimal.Decimal
	retailRate            decimal.Decimal
	minimumFee            decimal.Decimal
}

// NewFeeCalculator builds a calculator from the fee schedule config.
func NewFeeCalculator(cfg config.FeeConfig) *FeeCalculator {
	return &FeeCalculator{
		institutionalNotional: decimal.NewFromFloat(cfg.InstitutionalNotional),
		professionalNotional:  decimal.NewFromFloat(cfg.ProfessionalNotional),
		institutionalRate:     decimal.NewFromFloat(cfg.InstitutionalRate),
		professionalRate:      decimal.NewFromFloat(cfg.ProfessionalRate),
		retailRate:            decimal.NewFromFloat(cfg.RetailRate),
		minimumFee:            decimal.NewFromFloat(cfg.MinimumFee),
	}
}

// BaseRate is a step function of notional: larger notional pays a lower
// base rate.
func (f *FeeCalculator) BaseRate(notional decimal.Decimal) decimal.Decimal {
	switch {
	case notional.GreaterThanOrEqual(f.institutionalNotional):
		return f.institutionalRate
	case notional.GreaterThanOrEqual(f.professionalNotional):
		return f.professionalRate
	default:
		return f.retailRate
	}
}

// tierDiscount returns the fraction of the base fee waived per service tier.
func tierDiscount(tier int) decimal.Decimal {
	switch tier {
	case model.TierProfessional:
		return decimal.NewFromFloat(0.15)
	case model.TierInstitutional:
		return decimal.NewFromFloat(0.30)
	default:
		return decimal.Zero
	}
}

// Rate is the effective fee rate after the tier discount.
func (f *FeeCalculator) Rate(notional decimal.Decimal, tier int) decimal.Decimal {
	return f.BaseRate(notional).Mul(decimal.NewFromInt(1).Sub(tierDiscount(tier)))
}

// ComputeFee returns the fee owed on a notional for a service tier: base
// rate stepped by notional, tier discount applied, then the hard floor.
func (f *FeeCalculator) ComputeFee(notional decimal.Decimal, tier int) decimal.Decimal {
	fee := notional.Mul(f.Rate(notional, tier))
	if fee.LessThan(f.minimumFee) {
		return f.minimumFee
	}
	return fee
}
