package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types published on the engine's event bus.
const (
	EventOrderPlaced    = "ORDER_PLACED"
	EventOrderOpened    = "ORDER_OPENED"
	EventOrderRejected  = "ORDER_REJECTED"
	EventOrderCancelled = "ORDER_CANCELLED"
	EventOrderExpired   = "ORDER_EXPIRED"
	EventOrderFilled    = "ORDER_FILLED"

	EventMatchExecuted = "MATCH_EXECUTED"
	EventMatchSettled  = "MATCH_SETTLED"
	EventMatchDisputed = "MATCH_DISPUTED"

	EventNegotiationOpened   = "NEGOTIATION_OPENED"
	EventNegotiationOffer    = "NEGOTIATION_OFFER"
	EventNegotiationAgreed   = "NEGOTIATION_AGREED"
	EventNegotiationTimedOut = "NEGOTIATION_TIMED_OUT"
	EventNegotiationRejected = "NEGOTIATION_REJECTED"
)

// OrderEventPayload describes an order lifecycle transition.
type OrderEventPayload struct {
	OrderID    uuid.UUID       `json:"order_id"`
	CustomerID uuid.UUID       `json:"customer_id"`
	Asset      string          `json:"asset"`
	Side       string          `json:"side"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Remaining  decimal.Decimal `json:"remaining"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// MatchEventPayload describes a match lifecycle transition.
type MatchEventPayload struct {
	MatchID     uuid.UUID       `json:"match_id"`
	Asset       string          `json:"asset"`
	BuyOrderID  uuid.UUID       `json:"buy_order_id"`
	SellOrderID uuid.UUID       `json:"sell_order_id"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	Status      string          `json:"status"`
	Reference   string          `json:"reference,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NegotiationEventPayload describes a negotiation session transition.
type NegotiationEventPayload struct {
	SessionID uuid.UUID       `json:"session_id"`
	MatchID   uuid.UUID       `json:"match_id"`
	RoomID    uuid.UUID       `json:"room_id"`
	Party     uuid.UUID       `json:"party,omitempty"`
	Price     decimal.Decimal `json:"price,omitempty"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
