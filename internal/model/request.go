package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlaceOrderRequest is the caller-facing order submission payload. Shape
// checks run through go-playground/validator before domain validation.
type PlaceOrderRequest struct {
	CustomerID  uuid.UUID `json:"customer_id" validate:"required"`
	Asset       string    `json:"asset" validate:"required,uppercase"`
	Side        string    `json:"side" validate:"required,oneof=BUY SELL"`
	Type        string    `json:"type" validate:"required,oneof=MARKET LIMIT STOP_LOSS OTC_BLOCK ICEBERG TWAP AON"`
	TimeInForce string    `json:"time_in_force" validate:"omitempty,oneof=GTC IOC FOK GTD"`

	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price,omitempty"`
	StopPrice decimal.Decimal `json:"stop_price,omitempty"`

	ServiceTier      int             `json:"service_tier" validate:"omitempty,min=1,max=3"`
	AllowPartialFill *bool           `json:"allow_partial_fill,omitempty"`
	MinFillSize      decimal.Decimal `json:"min_fill_size,omitempty"`
	MaxSlippage      decimal.Decimal `json:"max_slippage,omitempty"`
	DisplayAmount    decimal.Decimal `json:"display_amount,omitempty"`
	ExpireAt         *time.Time      `json:"expire_at,omitempty"`
}

// AssetClass tags a settlement instruction with the class of value moved.
type AssetClass string

const (
	AssetClassCrypto AssetClass = "crypto"
	AssetClassFiat   AssetClass = "fiat"
)

// CryptoLeg carries the crypto-specific settlement fields.
type CryptoLeg struct {
	Network   string `json:"network"`
	Custodian string `json:"custodian,omitempty"`
}

// FiatLeg carries the fiat-specific settlement fields.
type FiatLeg struct {
	Currency string `json:"currency"`
	Rail     string `json:"rail"` // SWIFT, SEPA, internal
}

// SettlementInstruction is the tagged-variant payload handed to the
// settlement gateway. Exactly one of Crypto/Fiat is set, matching AssetClass.
type SettlementInstruction struct {
	MatchID uuid.UUID `json:"match_id"`
	Asset   string    `json:"asset"`

	BuyerID   uuid.UUID       `json:"buyer_id"`
	SellerID  uuid.UUID       `json:"seller_id"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	BuyerFee  decimal.Decimal `json:"buyer_fee"`
	SellerFee decimal.Decimal `json:"seller_fee"`

	AssetClass AssetClass `json:"asset_class"`
	Crypto     *CryptoLeg `json:"crypto,omitempty"`
	Fiat       *FiatLeg   `json:"fiat,omitempty"`
}

// SettlementReceipt is the settlement gateway's response.
type SettlementReceipt struct {
	Success   bool      `json:"success"`
	Reference string    `json:"reference,omitempty"`
	SettledAt time.Time `json:"settled_at,omitempty"`
}
