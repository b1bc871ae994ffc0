// Package negotiation runs the block trade price negotiation between a
// matched buyer and seller: a moderated session with an offer history, a
// hard deadline, and settlement hand-off once both parties accept the same
// price.
package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/blockdesk/otcengine/internal/config"
	"github.com/blockdesk/otcengine/internal/events"
	"github.com/blockdesk/otcengine/internal/metrics"
	"github.com/blockdesk/otcengine/internal/model"
)

// Executor settles or unwinds a negotiated match. Implemented by the
// matching engine; separated by interface so the packages do not import
// each other.
type Executor interface {
	ExecuteAgreed(ctx context.Context, m *model.Match, agreedPrice decimal.Decimal) error
	ReleaseRejected(ctx context.Context, m *model.Match) error
}

// session is the coordinator's live state for one negotiating match.
type session struct {
	model.NegotiationSession

	match    *model.Match
	buyerID  uuid.UUID
	sellerID uuid.UUID

	buyerAccepted  bool
	sellerAccepted bool
	acceptedPrice  decimal.Decimal

	timer *time.Timer
}

// Coordinator owns every open negotiation session and its deadline timer.
type Coordinator struct {
	logger   *zap.Logger
	cfg      config.NegotiationConfig
	executor Executor
	bus      events.Bus
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[uuid.UUID]*session // keyed by session id
	byRoom   map[uuid.UUID]uuid.UUID
	next     int // round-robins moderators across sessions
}

// NewCoordinator builds a coordinator. The executor is wired after
// construction because the engine and coordinator reference each other.
func NewCoordinator(logger *zap.Logger, cfg config.NegotiationConfig, bus events.Bus, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		logger:   logger,
		cfg:      cfg,
		bus:      bus,
		metrics:  m,
		sessions: make(map[uuid.UUID]*session),
		byRoom:   make(map[uuid.UUID]uuid.UUID),
	}
}

// SetExecutor wires the settlement executor. Must be called before the
// first session opens.
func (c *Coordinator) SetExecutor(e Executor) { c.executor = e }

// OpenSession starts a negotiation for the match: assigns a room and a
// moderator, seeds the offer history with the starting price, and arms the
// deadline timer. The match moves to NEGOTIATING.
func (c *Coordinator) OpenSession(ctx context.Context, m *model.Match, buy, sell *model.Order) (*model.NegotiationSession, error) {
	if c.executor == nil {
		return nil, fmt.Errorf("no executor configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	s := &session{
		NegotiationSession: model.NegotiationSession{
			ID:        uuid.New(),
			MatchID:   m.ID,
			RoomID:    uuid.New(),
			Moderator: c.pickModerator(),
			Status:    model.MatchStatusNegotiating,
			OpenedAt:  now,
			Deadline:  now.Add(c.cfg.Timeout),
		},
		match:    m,
		buyerID:  buy.CustomerID,
		sellerID: sell.CustomerID,
	}
	// Seed the history with the book-derived starting price, attributed to
	// the moderator (the nil party id).
	s.History = append(s.History, model.Offer{At: now, Party: uuid.Nil, Price: m.Price})

	m.Status = model.MatchStatusNegotiating

	sessionID := s.ID
	s.timer = time.AfterFunc(c.cfg.Timeout, func() { c.expire(sessionID) })

	c.sessions[s.ID] = s
	c.byRoom[s.RoomID] = s.ID

	c.publish(ctx, model.EventNegotiationOpened, s, uuid.Nil, m.Price, model.MatchStatusNegotiating, "")
	c.logger.Info("negotiation session opened",
		zap.String("session_id", s.ID.String()),
		zap.String("room_id", s.RoomID.String()),
		zap.String("match_id", m.ID.String()),
		zap.String("moderator", s.Moderator),
		zap.Time("deadline", s.Deadline))

	snapshot := s.NegotiationSession
	return &snapshot, nil
}

// SubmitOffer records a counter-offer from one of the parties. A new offer
// resets both acceptances.
func (c *Coordinator) SubmitOffer(ctx context.Context, roomID, party uuid.UUID, price decimal.Decimal) error {
	c.mu.Lock()
	s, err := c.liveSessionLocked(roomID, party)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if price.LessThanOrEqual(decimal.Zero) {
		c.mu.Unlock()
		return fmt.Errorf("offer price must be positive")
	}

	now := time.Now().UTC()
	s.History = append(s.History, model.Offer{At: now, Party: party, Price: price})
	s.buyerAccepted = false
	s.sellerAccepted = false
	s.acceptedPrice = decimal.Zero
	c.mu.Unlock()

	c.publish(ctx, model.EventNegotiationOffer, s, party, price, model.MatchStatusNegotiating, "")
	return nil
}

// Accept records a party's acceptance of the latest offered price. When
// both parties have accepted the same price the session closes and the
// match is handed to the executor for settlement.
func (c *Coordinator) Accept(ctx context.Context, roomID, party uuid.UUID) error {
	c.mu.Lock()
	s, err := c.liveSessionLocked(roomID, party)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if len(s.History) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("no offer to accept")
	}

	price := s.History[len(s.History)-1].Price
	now := time.Now().UTC()
	s.History = append(s.History, model.Offer{At: now, Party: party, Price: price, Accepted: true})

	if s.acceptedPrice.IsZero() || !s.acceptedPrice.Equal(price) {
		s.buyerAccepted = false
		s.sellerAccepted = false
		s.acceptedPrice = price
	}
	if party == s.buyerID {
		s.buyerAccepted = true
	} else {
		s.sellerAccepted = true
	}

	agreed := s.buyerAccepted && s.sellerAccepted
	status := model.MatchStatusNegotiating
	if agreed {
		status = model.MatchStatusAgreed
		s.Status = model.MatchStatusAgreed
		s.match.Status = model.MatchStatusAgreed
		s.timer.Stop()
		c.closeLocked(s)
	}
	m := s.match
	c.mu.Unlock()

	c.publish(ctx, model.EventNegotiationOffer, s, party, price, status, "accepted")
	if !agreed {
		return nil
	}

	c.publish(ctx, model.EventNegotiationAgreed, s, party, price, model.MatchStatusAgreed, "")
	c.logger.Info("negotiation agreed",
		zap.String("session_id", s.ID.String()),
		zap.String("match_id", m.ID.String()),
		zap.String("price", price.String()))

	// Settlement runs outside the coordinator lock; it takes the engine's
	// asset lock and may block on the settlement gateway.
	if err := c.executor.ExecuteAgreed(ctx, m, price); err != nil {
		c.logger.Error("negotiated execution failed",
			zap.String("match_id", m.ID.String()), zap.Error(err))
		return err
	}
	return nil
}

// Reject closes the session without a trade and returns both orders to the
// book.
func (c *Coordinator) Reject(ctx context.Context, roomID, party uuid.UUID, reason string) error {
	c.mu.Lock()
	s, err := c.liveSessionLocked(roomID, party)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	s.Status = model.MatchStatusRejected
	s.match.Status = model.MatchStatusRejected
	s.timer.Stop()
	c.closeLocked(s)
	m := s.match
	c.mu.Unlock()

	c.publish(ctx, model.EventNegotiationRejected, s, party, decimal.Zero, model.MatchStatusRejected, reason)
	c.logger.Info("negotiation rejected",
		zap.String("session_id", s.ID.String()),
		zap.String("match_id", m.ID.String()),
		zap.String("reason", reason))

	return c.executor.ReleaseRejected(ctx, m)
}

// Session returns a copy of the live session for the room.
func (c *Coordinator) Session(roomID uuid.UUID) (model.NegotiationSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byRoom[roomID]
	if !ok {
		return model.NegotiationSession{}, false
	}
	return c.sessions[id].NegotiationSession, true
}

// expire fires on the deadline timer: the match moves to DISPUTED for
// operator review, never silently cancelled.
func (c *Coordinator) expire(sessionID uuid.UUID) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.Status = model.MatchStatusDisputed
	s.match.Status = model.MatchStatusDisputed
	c.closeLocked(s)
	c.mu.Unlock()

	c.metrics.NegotiationTimeouts.Inc()
	c.publish(context.Background(), model.EventNegotiationTimedOut, s, uuid.Nil, decimal.Zero, model.MatchStatusDisputed, "deadline passed")
	c.logger.Warn("negotiation timed out, match disputed",
		zap.String("session_id", s.ID.String()),
		zap.String("match_id", s.MatchID.String()))
}

// liveSessionLocked resolves a room to its open session and checks the
// caller is one of the parties. Runs with c.mu held.
func (c *Coordinator) liveSessionLocked(roomID, party uuid.UUID) (*session, error) {
	id, ok := c.byRoom[roomID]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	s := c.sessions[id]
	if s.Status != model.MatchStatusNegotiating {
		return nil, model.ErrSessionClosed
	}
	if party != s.buyerID && party != s.sellerID {
		return nil, model.ErrNotParty
	}
	return s, nil
}

// closeLocked drops the session from the live maps. Runs with c.mu held.
func (c *Coordinator) closeLocked(s *session) {
	delete(c.sessions, s.ID)
	delete(c.byRoom, s.RoomID)
}

func (c *Coordinator) pickModerator() string {
	if len(c.cfg.Moderators) == 0 {
		return "desk"
	}
	m := c.cfg.Moderators[c.next%len(c.cfg.Moderators)]
	c.next++
	return m
}

// publish takes the status as a value so the event can be emitted after
// c.mu is released without re-reading mutable session state.
func (c *Coordinator) publish(ctx context.Context, eventType string, s *session, party uuid.UUID, price decimal.Decimal, status, reason string) {
	c.bus.Publish(ctx, events.Event{
		Topic:     events.TopicNegotiation,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload: model.NegotiationEventPayload{
			SessionID: s.ID,
			MatchID:   s.MatchID,
			RoomID:    s.RoomID,
			Party:     party,
			Price:     price,
			Status:    status,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		},
	})
}
