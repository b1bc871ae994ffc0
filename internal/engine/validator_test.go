package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blockdesk/otcengine/internal/config"
	"github.com/blockdesk/otcengine/internal/gateway"
	"github.com/blockdesk/otcengine/internal/model"
)

func testLimitsConfig() config.LimitsConfig {
	return config.LimitsConfig{
		StandardMinOrder:  10,
		OTCBlockMinOrder:  10_000,
		DefaultMaxOrder:   1_000_000,
		DefaultDailyLimit: 5_000_000,
	}
}

func newTestValidator(t *testing.T) (*OrderValidator, *gateway.StaticLimitsProvider) {
	t.Helper()
	limits := gateway.NewStaticLimitsProvider(model.CustomerLimits{
		MaxOrderSize: decimal.NewFromInt(1_000_000),
		DailyLimit:   decimal.NewFromInt(5_000_000),
	})
	return NewOrderValidator(testLimitsConfig(), limits, zap.NewNop()), limits
}

func limitOrder(amount, price float64) *model.Order {
	return &model.Order{
		ID:         uuid.New(),
		CustomerID: uuid.New(),
		Asset:      "USDC",
		Side:       model.OrderSideBuy,
		Type:       model.OrderTypeLimit,
		Amount:     decimal.NewFromFloat(amount),
		Price:      decimal.NewFromFloat(price),
	}
}

func TestValidateAcceptsWellFormedOrder(t *testing.T) {
	v, _ := newTestValidator(t)
	res := v.Validate(context.Background(), limitOrder(100, 1.00))
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reasons)
}

func TestValidateAccumulatesAllReasons(t *testing.T) {
	v, _ := newTestValidator(t)

	o := limitOrder(0, 0)
	o.Amount = decimal.NewFromInt(-5)
	res := v.Validate(context.Background(), o)

	require.False(t, res.Valid)
	// Negative amount and missing limit price are both reported at once.
	assert.Len(t, res.Reasons, 2)
}

func TestValidateBlockMinimumHigherThanStandard(t *testing.T) {
	v, _ := newTestValidator(t)

	o := limitOrder(5_000, 1.00)
	res := v.Validate(context.Background(), o)
	assert.True(t, res.Valid, "5000 is fine for a plain limit order")

	o.Type = model.OrderTypeOTCBlock
	res = v.Validate(context.Background(), o)
	require.False(t, res.Valid)
	assert.Len(t, res.Reasons, 1)
}

func TestValidateStopLossRequiresStopPrice(t *testing.T) {
	v, _ := newTestValidator(t)

	o := limitOrder(100, 0)
	o.Type = model.OrderTypeStopLoss
	res := v.Validate(context.Background(), o)
	require.False(t, res.Valid)
	assert.Contains(t, res.Reasons[0], "stop price")

	o.StopPrice = decimal.NewFromFloat(0.95)
	res = v.Validate(context.Background(), o)
	assert.True(t, res.Valid)
}

func TestValidateIcebergDisplayBounds(t *testing.T) {
	v, _ := newTestValidator(t)

	o := limitOrder(1_000, 1.00)
	o.Type = model.OrderTypeIceberg
	res := v.Validate(context.Background(), o)
	require.False(t, res.Valid, "zero display amount must fail")

	o.DisplayAmount = decimal.NewFromInt(2_000)
	res = v.Validate(context.Background(), o)
	require.False(t, res.Valid, "display larger than the order must fail")

	o.DisplayAmount = decimal.NewFromInt(100)
	res = v.Validate(context.Background(), o)
	assert.True(t, res.Valid)
}

func TestValidateMinFillSizeBoundedByAmount(t *testing.T) {
	v, _ := newTestValidator(t)

	o := limitOrder(100, 1.00)
	o.MinFillSize = decimal.NewFromInt(200)
	res := v.Validate(context.Background(), o)
	require.False(t, res.Valid)
	assert.Contains(t, res.Reasons[0], "minimum fill size")
}

func TestValidateCustomerMaximum(t *testing.T) {
	v, limits := newTestValidator(t)

	o := limitOrder(100, 1.00)
	limits.Set(o.CustomerID, model.CustomerLimits{
		MaxOrderSize: decimal.NewFromInt(50),
		DailyLimit:   decimal.NewFromInt(1_000),
	})

	res := v.Validate(context.Background(), o)
	require.False(t, res.Valid)
	assert.Contains(t, res.Reasons[0], "exceeds customer maximum")
}

type failingLimits struct{}

func (failingLimits) Limits(ctx context.Context, customerID uuid.UUID) (model.CustomerLimits, error) {
	return model.CustomerLimits{}, errors.New("limits service down")
}

func TestValidateLimitsLookupFailureRejects(t *testing.T) {
	v := NewOrderValidator(testLimitsConfig(), failingLimits{}, zap.NewNop())

	res := v.Validate(context.Background(), limitOrder(100, 1.00))
	require.False(t, res.Valid)
	assert.Contains(t, res.Reasons[0], "limits unavailable")
}
