package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/blockdesk/otcengine/internal/config"
	"github.com/blockdesk/otcengine/internal/gateway"
	"github.com/blockdesk/otcengine/internal/model"
)

// ValidationResult carries every rule violation found, never just the first.
type ValidationResult struct {
	Valid   bool
	Reasons []string
}

// OrderValidator runs stateless checks on a proposed order. Checks
// accumulate so the caller sees all violations at once.
type OrderValidator struct {
	standardMin decimal.Decimal
	otcBlockMin decimal.Decimal
	limits      gateway.CustomerLimitsProvider
	logger      *zap.Logger
}

// NewOrderValidator builds a validator from the limits config and the
// external limits collaborator.
func NewOrderValidator(cfg config.LimitsConfig, limits gateway.CustomerLimitsProvider, logger *zap.Logger) *OrderValidator {
	return &OrderValidator{
		standardMin: decimal.NewFromFloat(cfg.StandardMinOrder),
		otcBlockMin: decimal.NewFromFloat(cfg.OTCBlockMinOrder),
		limits:      limits,
		logger:      logger,
	}
}

// Validate checks the order against sizing and limit rules.
func (v *OrderValidator) Validate(ctx context.Context, o *model.Order) ValidationResult {
	var reasons []string

	if o.Amount.LessThanOrEqual(decimal.Zero) {
		reasons = append(reasons, "amount must be positive")
	}

	// Blocks are reserved for large notional; everything else uses the
	// standard minimum.
	min := v.standardMin
	if o.Type == model.OrderTypeOTCBlock {
		min = v.otcBlockMin
	}
	if o.Amount.GreaterThan(decimal.Zero) && o.Amount.LessThan(min) {
		reasons = append(reasons, fmt.Sprintf("amount %s below %s minimum %s", o.Amount, o.Type, min))
	}

	switch o.Type {
	case model.OrderTypeLimit, model.OrderTypeAON, model.OrderTypeTWAP, model.OrderTypeOTCBlock, model.OrderTypeIceberg:
		if o.Price.LessThanOrEqual(decimal.Zero) {
			reasons = append(reasons, fmt.Sprintf("%s order requires a positive price", o.Type))
		}
	case model.OrderTypeStopLoss:
		if o.StopPrice.LessThanOrEqual(decimal.Zero) {
			reasons = append(reasons, "stop-loss order requires a positive stop price")
		}
	}

	if o.Type == model.OrderTypeIceberg {
		if o.DisplayAmount.LessThanOrEqual(decimal.Zero) || o.DisplayAmount.GreaterThan(o.Amount) {
			reasons = append(reasons, "iceberg display amount must be positive and no larger than the order amount")
		}
	}

	if o.MinFillSize.GreaterThan(o.Amount) {
		reasons = append(reasons, "minimum fill size exceeds order amount")
	}

	limits, err := v.limits.Limits(ctx, o.CustomerID)
	if err != nil {
		v.logger.Warn("customer limits lookup failed",
			zap.String("customer_id", o.CustomerID.String()), zap.Error(err))
		reasons = append(reasons, "customer limits unavailable")
	} else if limits.MaxOrderSize.GreaterThan(decimal.Zero) && o.Amount.GreaterThan(limits.MaxOrderSize) {
		reasons = append(reasons, fmt.Sprintf("amount %s exceeds customer maximum %s", o.Amount, limits.MaxOrderSize))
	}

	return ValidationResult{Valid: len(reasons) == 0, Reasons: reasons}
}
