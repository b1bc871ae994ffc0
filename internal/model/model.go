package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order types, sides, statuses, and time in force options.
const (
	// Order types
	OrderTypeMarket   = "MARKET"
	OrderTypeLimit    = "LIMIT"
	OrderTypeStopLoss = "STOP_LOSS"
	OrderTypeOTCBlock = "OTC_BLOCK"
	OrderTypeIceberg  = "ICEBERG"
	OrderTypeTWAP     = "TWAP"
	OrderTypeAON      = "AON" // all-or-nothing

	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order statuses
	OrderStatusPending         = "PENDING"
	OrderStatusPendingTrigger  = "PENDING_TRIGGER" // stop orders waiting on the trigger price
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusMatching        = "MATCHING"
	OrderStatusNegotiating     = "NEGOTIATING"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusExpired         = "EXPIRED"
	OrderStatusRejected        = "REJECTED"

	// Time in force
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
	TimeInForceGTD = "GTD" // Good Till Date
)

// Service tiers modulate fee discounts and match priority.
const (
	TierStandard      = 1
	TierProfessional  = 2
	TierInstitutional = 3
)

// AuditEntry is a single lifecycle marker on an order's append-only trail.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// Offer is one entry in a negotiation history.
type Offer struct {
	At       time.Time       `json:"at"`
	Party    uuid.UUID       `json:"party"`
	Price    decimal.Decimal `json:"price"`
	Accepted bool            `json:"accepted"`
}

// Order represents a buy or sell order in the engine.
//
// FilledAmount + RemainingAmount == Amount holds after every mutation; all
// mutation goes through the matching engine or the negotiation coordinator.
type Order struct {
	ID         uuid.UUID `json:"id"`
	CustomerID uuid.UUID `json:"customer_id"`

	Asset       string `json:"asset"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`

	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price,omitempty"` // limit/target price, zero for market
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	ServiceTier   int             `json:"service_tier"`
	Priority      decimal.Decimal `json:"priority"`
	FeeRate       decimal.Decimal `json:"fee_rate"`

	Status          string          `json:"status"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`

	AllowPartialFill bool            `json:"allow_partial_fill"`
	MinFillSize      decimal.Decimal `json:"min_fill_size,omitempty"`
	MaxSlippage      decimal.Decimal `json:"max_slippage,omitempty"`

	// Iceberg: DisplayAmount is the configured tranche, VisibleAmount is what
	// the book currently shows; it replenishes from the hidden remainder.
	DisplayAmount decimal.Decimal `json:"display_amount,omitempty"`
	VisibleAmount decimal.Decimal `json:"visible_amount,omitempty"`

	NegotiationRoomID  *uuid.UUID   `json:"negotiation_room_id,omitempty"`
	NegotiationHistory []Offer      `json:"negotiation_history,omitempty"`
	AuditTrail         []AuditEntry `json:"audit_trail,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastMatchAt time.Time  `json:"last_match_at,omitempty"`
	ExpireAt    *time.Time `json:"expire_at,omitempty"` // GTD only
}

// IsTerminal reports whether the order can no longer change state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// IsMatchable reports whether the order may participate in a match attempt.
func (o *Order) IsMatchable() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

// MatchableAmount is the quantity a single matching pass may consume.
// Iceberg orders only expose their visible tranche.
func (o *Order) MatchableAmount() decimal.Decimal {
	if o.Type == OrderTypeIceberg && o.VisibleAmount.LessThan(o.RemainingAmount) {
		return o.VisibleAmount
	}
	return o.RemainingAmount
}

// ApplyFill consumes qty at price, updating fill accounting, the
// volume-weighted average fill price, the iceberg visible tranche, and the
// order status.
func (o *Order) ApplyFill(qty, price decimal.Decimal, now time.Time) {
	prevFilled := o.FilledAmount
	o.FilledAmount = o.FilledAmount.Add(qty)
	o.RemainingAmount = o.Amount.Sub(o.FilledAmount)

	notionalBefore := o.AvgFillPrice.Mul(prevFilled)
	o.AvgFillPrice = notionalBefore.Add(price.Mul(qty)).Div(o.FilledAmount)

	if o.Type == OrderTypeIceberg {
		o.VisibleAmount = decimal.Min(o.DisplayAmount, o.RemainingAmount)
	}

	if o.RemainingAmount.IsZero() {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	o.LastMatchAt = now
	o.UpdatedAt = now
}

// Audit appends a lifecycle marker to the order's trail.
func (o *Order) Audit(event, detail string, at time.Time) {
	o.AuditTrail = append(o.AuditTrail, AuditEntry{At: at, Event: event, Detail: detail})
}

// Copy returns a detached copy of the order, safe to hand outside the
// engine's locking discipline.
func (o *Order) Copy() *Order {
	cp := *o
	if o.NegotiationRoomID != nil {
		room := *o.NegotiationRoomID
		cp.NegotiationRoomID = &room
	}
	if o.ExpireAt != nil {
		at := *o.ExpireAt
		cp.ExpireAt = &at
	}
	cp.NegotiationHistory = append([]Offer(nil), o.NegotiationHistory...)
	cp.AuditTrail = append([]AuditEntry(nil), o.AuditTrail...)
	return &cp
}

// Match statuses.
const (
	MatchStatusProposed    = "PROPOSED"
	MatchStatusNegotiating = "NEGOTIATING"
	MatchStatusAgreed      = "AGREED"
	MatchStatusExecuted    = "EXECUTED"
	MatchStatusSettled     = "SETTLED"
	MatchStatusDisputed    = "DISPUTED"
	MatchStatusRejected    = "REJECTED" // negotiation declined by a party

)

// Match pairs one buy order with one sell order. Orders are referenced by id,
// never by shared pointer, so either side can be cancelled and reconciled
// independently.
type Match struct {
	ID    uuid.UUID `json:"id"`
	Asset string    `json:"asset"`

	BuyOrderID  uuid.UUID `json:"buy_order_id"`
	SellOrderID uuid.UUID `json:"sell_order_id"`
	BuyerID     uuid.UUID `json:"buyer_id"`
	SellerID    uuid.UUID `json:"seller_id"`

	Amount           decimal.Decimal `json:"amount"`
	Price            decimal.Decimal `json:"price"`
	BuyerFee         decimal.Decimal `json:"buyer_fee"`
	SellerFee        decimal.Decimal `json:"seller_fee"`
	PriceImprovement decimal.Decimal `json:"price_improvement"`

	Status        string     `json:"status"`
	SettlementRef string     `json:"settlement_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`

	Session *NegotiationSession `json:"session,omitempty"`
}

// NegotiationSession is owned by a Match while it is NEGOTIATING.
type NegotiationSession struct {
	ID        uuid.UUID `json:"id"`
	MatchID   uuid.UUID `json:"match_id"`
	RoomID    uuid.UUID `json:"room_id"`
	Moderator string    `json:"moderator"`

	History  []Offer   `json:"history"`
	Status   string    `json:"status"`
	OpenedAt time.Time `json:"opened_at"`
	Deadline time.Time `json:"deadline"`
}

// CustomerLimits is the tier-dependent order sizing returned by the external
// limits collaborator.
type CustomerLimits struct {
	MaxOrderSize decimal.Decimal `json:"max_order_size"`
	DailyLimit   decimal.Decimal `json:"daily_limit"`
}

// PriceLevel is one aggregated row of an order book snapshot.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}

// OrderBookSnapshot is a point-in-time view of one asset's book.
type OrderBookSnapshot struct {
	Asset       string          `json:"asset"`
	Bids        []PriceLevel    `json:"bids"`
	Asks        []PriceLevel    `json:"asks"`
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	Spread      decimal.Decimal `json:"spread"`
	BidDepth    decimal.Decimal `json:"bid_depth"`
	AskDepth    decimal.Decimal `json:"ask_depth"`
	DailyVolume decimal.Decimal `json:"daily_volume"`
	TradeCount  int64           `json:"trade_count"`
	LastUpdate  time.Time       `json:"last_update"`
}
