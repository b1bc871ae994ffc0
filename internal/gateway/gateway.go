// Package gateway defines the external collaborator interfaces the engine
// consumes, plus default in-process implementations. Real deployments swap
// these for service-backed adapters; tests inject fakes.
package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blockdesk/otcengine/internal/model"
)

// SettlementGateway performs the actual value transfer for a match. Settle
// may block for an externally-determined time; it is the only engine
// operation allowed to do so besides negotiation timers.
type SettlementGateway interface {
	Settle(ctx context.Context, instr model.SettlementInstruction) (model.SettlementReceipt, error)

	// Release frees any funds held for a cancelled order. Best effort;
	// failures are logged, never surfaced to the cancelling caller.
	Release(ctx context.Context, orderID uuid.UUID, asset string, amount decimal.Decimal) error
}

// ComplianceGateway vets a candidate match. Default is permissive.
type ComplianceGateway interface {
	Check(ctx context.Context, a, b *model.Order) bool
}

// CustomerLimitsProvider resolves tier-dependent order size limits.
type CustomerLimitsProvider interface {
	Limits(ctx context.Context, customerID uuid.UUID) (model.CustomerLimits, error)
}

// PriceFeed supplies the prevailing market price per asset.
type PriceFeed interface {
	MarketPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}
