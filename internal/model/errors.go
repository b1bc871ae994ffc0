package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrOrderNotFound is returned by lookups and cancels on unknown ids.
	ErrOrderNotFound = errors.New("order not found")

	// ErrCancellationConflict is returned when a cancel targets an order
	// that is terminal or already mid-match.
	ErrCancellationConflict = errors.New("order cannot be cancelled in its current state")

	// ErrUnknownAsset is returned when no book exists for the asset.
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrSessionNotFound is returned for negotiation calls on unknown sessions.
	ErrSessionNotFound = errors.New("negotiation session not found")

	// ErrSessionClosed is returned for negotiation calls on sessions that
	// already reached agreed or disputed.
	ErrSessionClosed = errors.New("negotiation session is closed")

	// ErrNotParty is returned when an offer comes from a customer that is
	// not one of the two counterparties.
	ErrNotParty = errors.New("customer is not a party to this negotiation")
)

// ValidationError carries every rule violation found for an order, so the
// caller sees all of them at once.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order rejected: %s", strings.Join(e.Reasons, "; "))
}

// SettlementError wraps a settlement gateway failure; the associated match is
// disputed and never retried automatically.
type SettlementError struct {
	MatchID uuid.UUID
	Err     error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement failed for match %s: %v", e.MatchID, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }
