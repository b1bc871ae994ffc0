package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/blockdesk/otcengine/internal/model"
)

// PermissiveCompliance approves every pairing. It is the placeholder hook
// the engine ships with; deployments plug a real service behind the
// ComplianceGateway interface.
type PermissiveCompliance struct{}

func (PermissiveCompliance) Check(ctx context.Context, a, b *model.Order) bool { return true }

// StaticLimitsProvider serves limits from an in-memory table with a default
// for customers it has never seen.
type StaticLimitsProvider struct {
	mu       sync.RWMutex
	limits   map[uuid.UUID]model.CustomerLimits
	fallback model.CustomerLimits
}

// NewStaticLimitsProvider creates a provider with the given default limits.
func NewStaticLimitsProvider(fallback model.CustomerLimits) *StaticLimitsProvider {
	return &StaticLimitsProvider{
		limits:   make(map[uuid.UUID]model.CustomerLimits),
		fallback: fallback,
	}
}

// Set overrides the limits for one customer.
func (p *StaticLimitsProvider) Set(customerID uuid.UUID, l model.CustomerLimits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits[customerID] = l
}

func (p *StaticLimitsProvider) Limits(ctx context.Context, customerID uuid.UUID) (model.CustomerLimits, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if l, ok := p.limits[customerID]; ok {
		return l, nil
	}
	return p.fallback, nil
}

// StaticPriceFeed serves prices from an in-memory table. Used in tests and
// as the fallback when no Redis feed is configured.
type StaticPriceFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewStaticPriceFeed() *StaticPriceFeed {
	return &StaticPriceFeed{prices: make(map[string]decimal.Decimal)}
}

// SetPrice publishes a market price for an asset.
func (f *StaticPriceFeed) SetPrice(asset string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[asset] = price
}

func (f *StaticPriceFeed) MarketPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no market price for %s", asset)
	}
	return p, nil
}

// InstantSettlement settles every match in-process and records receipts.
// FailNext forces the next settlement to fail, for dispute-path testing.
type InstantSettlement struct {
	mu       sync.Mutex
	logger   *zap.Logger
	receipts []model.SettlementReceipt
	failNext bool
}

func NewInstantSettlement(logger *zap.Logger) *InstantSettlement {
	return &InstantSettlement{logger: logger}
}

// FailNext makes the next Settle call return a failure.
func (s *InstantSettlement) FailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

func (s *InstantSettlement) Settle(ctx context.Context, instr model.SettlementInstruction) (model.SettlementReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return model.SettlementReceipt{}, fmt.Errorf("settlement rail unavailable")
	}
	receipt := model.SettlementReceipt{
		Success:   true,
		Reference: fmt.Sprintf("stl-%s", uuid.New().String()[:8]),
		SettledAt: time.Now().UTC(),
	}
	s.receipts = append(s.receipts, receipt)
	return receipt, nil
}

func (s *InstantSettlement) Release(ctx context.Context, orderID uuid.UUID, asset string, amount decimal.Decimal) error {
	s.logger.Debug("released held funds",
		zap.String("order_id", orderID.String()),
		zap.String("asset", asset),
		zap.String("amount", amount.String()))
	return nil
}

// Receipts returns a copy of all recorded settlement receipts.
func (s *InstantSettlement) Receipts() []model.SettlementReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SettlementReceipt, len(s.receipts))
	copy(out, s.receipts)
	return out
}
