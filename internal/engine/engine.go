// Package engine implements the OTC order matching engine: validation, fee
// attachment, book insertion, immediate match attempts, the periodic
// matching sweep, and routing of block trades to negotiation.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	validation "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/blockdesk/otcengine/internal/book"
	"github.com/blockdesk/otcengine/internal/config"
	"github.com/blockdesk/otcengine/internal/events"
	"github.com/blockdesk/otcengine/internal/gateway"
	"github.com/blockdesk/otcengine/internal/metrics"
	"github.com/blockdesk/otcengine/internal/model"
)

// Negotiator opens negotiation sessions for block trade matches. Implemented
// by the negotiation coordinator; separated by interface so the packages do
// not import each other.
type Negotiator interface {
	OpenSession(ctx context.Context, match *model.Match, buy, sell *model.Order) (*model.NegotiationSession, error)
}

// Deps are the external collaborators the engine consumes.
type Deps struct {
	Settlement gateway.SettlementGateway
	Compliance gateway.ComplianceGateway
	Limits     gateway.CustomerLimitsProvider
	PriceFeed  gateway.PriceFeed
	Bus        events.Bus
	Metrics    *metrics.Metrics
}

// MatchingEngine owns the per-asset books and all order/match state. All
// mutation of orders and books goes through its methods; one asset's book is
// serialized by a per-asset lock while different assets proceed in parallel.
type MatchingEngine struct {
	logger *zap.Logger
	cfg    *config.Config

	validator *OrderValidator
	fees      *FeeCalculator
	shape     *validation.Validate

	deps       Deps
	negotiator Negotiator

	booksMu    sync.RWMutex
	books      map[string]*book.OrderBook
	assetLocks map[string]*sync.Mutex

	ordersMu sync.RWMutex
	orders   map[uuid.UUID]*model.Order // every order ever placed, retained for audit
	stops    map[uuid.UUID]*model.Order // pending-trigger stop orders, off book

	matchesMu sync.RWMutex
	matches   map[uuid.UUID]*model.Match // in-memory ledger for reporting hooks

	disputedMu sync.Mutex
	disputed   map[orderPair]struct{} // pairings held for operator review after a settlement dispute

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs an engine with one book per configured asset.
func New(logger *zap.Logger, cfg *config.Config, deps Deps) *MatchingEngine {
	e := &MatchingEngine{
		logger:     logger,
		cfg:        cfg,
		validator:  NewOrderValidator(cfg.Limits, deps.Limits, logger),
		fees:       NewFeeCalculator(cfg.Fees),
		shape:      validation.New(),
		deps:       deps,
		books:      make(map[string]*book.OrderBook),
		assetLocks: make(map[string]*sync.Mutex),
		orders:     make(map[uuid.UUID]*model.Order),
		stops:      make(map[uuid.UUID]*model.Order),
		matches:    make(map[uuid.UUID]*model.Match),
		disputed:   make(map[orderPair]struct{}),
	}
	for _, asset := range cfg.Engine.Assets {
		e.books[asset] = book.NewOrderBook(asset)
		e.assetLocks[asset] = &sync.Mutex{}
	}
	return e
}

// SetNegotiator wires the negotiation coordinator. Must be called before
// the first OTC block order is placed.
func (e *MatchingEngine) SetNegotiator(n Negotiator) { e.negotiator = n }

// Fees exposes the fee calculator for reporting callers.
func (e *MatchingEngine) Fees() *FeeCalculator { return e.fees }

// Start launches the background matching sweep. The sweep re-attempts
// matching for resting orders so a standing order matches a later-arriving
// counterparty.
func (e *MatchingEngine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return fmt.Errorf("engine already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.Engine.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				e.sweepOnce(sweepCtx)
			}
		}
	}()

	e.logger.Info("matching engine started",
		zap.Strings("assets", e.cfg.Engine.Assets),
		zap.Duration("sweep_interval", e.cfg.Engine.SweepInterval))
	return nil
}

// Stop cancels the sweep and waits for it to drain.
func (e *MatchingEngine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return
	}
	e.cancel()
	<-e.done
	e.running = false
	e.logger.Info("matching engine stopped")
}

// PlaceOrder validates, prices, and books a new order, then attempts an
// immediate match. Rejected orders are retained for audit but never enter
// the book; the returned error is a *model.ValidationError.
func (e *MatchingEngine) PlaceOrder(ctx context.Context, req model.PlaceOrderRequest) (*model.Order, error) {
	if err := e.shape.Struct(req); err != nil {
		return nil, &model.ValidationError{Reasons: shapeReasons(err)}
	}

	o := e.buildOrder(req)
	e.ordersMu.Lock()
	e.orders[o.ID] = o
	e.ordersMu.Unlock()

	bk, ok := e.bookFor(o.Asset)
	res := e.validator.Validate(ctx, o)
	if !ok {
		res.Valid = false
		res.Reasons = append(res.Reasons, fmt.Sprintf("unknown asset %s", o.Asset))
	}
	if !res.Valid {
		now := time.Now().UTC()
		o.Status = model.OrderStatusRejected
		o.UpdatedAt = now
		o.Audit("rejected", fmt.Sprintf("%v", res.Reasons), now)
		e.deps.Metrics.OrdersRejected.Inc()
		e.publishOrder(ctx, model.EventOrderRejected, o, fmt.Sprintf("%v", res.Reasons))
		return nil, &model.ValidationError{Reasons: res.Reasons}
	}

	o.FeeRate = e.fees.Rate(e.referenceNotional(ctx, o), o.ServiceTier)

	// Stop orders rest off book until the market crosses the stop price.
	if o.Type == model.OrderTypeStopLoss {
		o.Status = model.OrderStatusPendingTrigger
		o.Audit("placed", "awaiting stop trigger", o.CreatedAt)
		e.ordersMu.Lock()
		e.stops[o.ID] = o
		e.ordersMu.Unlock()
		e.deps.Metrics.OrdersPlaced.WithLabelValues(o.Asset, o.Type).Inc()
		e.publishOrder(ctx, model.EventOrderPlaced, o, "")
		return o, nil
	}

	lock := e.assetLocks[o.Asset]
	lock.Lock()
	defer lock.Unlock()

	// FOK must be fully fillable in one pass or it never enters the book.
	if o.TimeInForce == model.TimeInForceFOK && !e.fullyFillable(ctx, bk, o) {
		now := time.Now().UTC()
		o.Status = model.OrderStatusRejected
		o.UpdatedAt = now
		o.Audit("rejected", "fill-or-kill not fully fillable", now)
		e.deps.Metrics.OrdersRejected.Inc()
		e.publishOrder(ctx, model.EventOrderRejected, o, "fill-or-kill not fully fillable")
		return nil, &model.ValidationError{Reasons: []string{"fill-or-kill order cannot be fully filled"}}
	}

	o.Status = model.OrderStatusOpen
	o.Audit("placed", "", o.CreatedAt)
	if err := bk.Insert(o); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	o.Audit("opened", "", o.CreatedAt)
	e.deps.Metrics.OrdersPlaced.WithLabelValues(o.Asset, o.Type).Inc()
	e.publishOrder(ctx, model.EventOrderPlaced, o, "")
	e.publishOrder(ctx, model.EventOrderOpened, o, "")

	if err := e.attemptMatchLocked(ctx, bk, o); err != nil {
		e.logger.Warn("immediate match attempt failed",
			zap.String("order_id", o.ID.String()), zap.Error(err))
	}

	// IOC: whatever did not fill immediately is cancelled in the same call.
	if o.TimeInForce == model.TimeInForceIOC && o.IsMatchable() {
		e.cancelLocked(ctx, bk, o, "immediate-or-cancel remainder")
	}

	e.updateOpenOrdersGauge(bk)
	return o, nil
}

// CancelOrder marks the order cancelled and removes it from its book.
// Orders that are terminal or already mid-match/negotiation cannot be
// cancelled; that conflict is reported, not thrown.
func (e *MatchingEngine) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	e.ordersMu.RLock()
	o, ok := e.orders[orderID]
	e.ordersMu.RUnlock()
	if !ok {
		return model.ErrOrderNotFound
	}

	lock, lok := e.assetLocks[o.Asset]
	if !lok {
		return model.ErrUnknownAsset
	}
	lock.Lock()
	defer lock.Unlock()

	switch o.Status {
	case model.OrderStatusOpen, model.OrderStatusPartiallyFilled:
		bk, _ := e.bookFor(o.Asset)
		e.cancelLocked(ctx, bk, o, reason)
		e.updateOpenOrdersGauge(bk)
		return nil
	case model.OrderStatusPendingTrigger:
		e.ordersMu.Lock()
		delete(e.stops, o.ID)
		e.ordersMu.Unlock()
		e.markCancelled(ctx, o, reason)
		return nil
	default:
		return model.ErrCancellationConflict
	}
}

// GetOrder returns a copy of any order the engine has seen, live or
// terminal. The copy is taken under the asset lock so callers never observe
// a fill mid-apply.
func (e *MatchingEngine) GetOrder(orderID uuid.UUID) (*model.Order, bool) {
	o, ok := e.liveOrder(orderID)
	if !ok {
		return nil, false
	}
	if lock, lok := e.assetLocks[o.Asset]; lok {
		lock.Lock()
		defer lock.Unlock()
	}
	return o.Copy(), true
}

// liveOrder hands out the engine's mutable order record. Internal use only;
// mutation requires the asset lock.
func (e *MatchingEngine) liveOrder(orderID uuid.UUID) (*model.Order, bool) {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	o, ok := e.orders[orderID]
	return o, ok
}

// GetOrderBook returns a snapshot of the asset's book. The asset lock is
// held for the read so the snapshot never interleaves with a fill.
func (e *MatchingEngine) GetOrderBook(asset string) (model.OrderBookSnapshot, error) {
	bk, ok := e.bookFor(asset)
	if !ok {
		return model.OrderBookSnapshot{}, model.ErrUnknownAsset
	}
	lock := e.assetLocks[asset]
	lock.Lock()
	defer lock.Unlock()
	return bk.Snapshot(e.cfg.Engine.SnapshotDepth), nil
}

// GetMatch returns a match from the in-memory ledger.
func (e *MatchingEngine) GetMatch(matchID uuid.UUID) (*model.Match, bool) {
	e.matchesMu.RLock()
	defer e.matchesMu.RUnlock()
	m, ok := e.matches[matchID]
	return m, ok
}

// Matches returns every match in the in-memory ledger.
func (e *MatchingEngine) Matches() []*model.Match {
	e.matchesMu.RLock()
	defer e.matchesMu.RUnlock()
	out := make([]*model.Match, 0, len(e.matches))
	for _, m := range e.matches {
		out = append(out, m)
	}
	return out
}

// sweepOnce runs one background pass: GTD expiry, stop triggers, and a
// match retry for every resting order in every book.
func (e *MatchingEngine) sweepOnce(ctx context.Context) {
	e.deps.Metrics.SweepRuns.Inc()
	now := time.Now().UTC()

	e.booksMu.RLock()
	books := make([]*book.OrderBook, 0, len(e.books))
	for _, bk := range e.books {
		books = append(books, bk)
	}
	e.booksMu.RUnlock()

	e.triggerStops(ctx, now)

	for _, bk := range books {
		lock := e.assetLocks[bk.Asset()]
		lock.Lock()
		e.expireDue(ctx, bk, now)
		for _, o := range bk.Orders() {
			if !o.IsMatchable() {
				continue
			}
			if err := e.attemptMatchLocked(ctx, bk, o); err != nil {
				e.logger.Warn("sweep match attempt failed",
					zap.String("order_id", o.ID.String()), zap.Error(err))
			}
		}
		e.updateOpenOrdersGauge(bk)
		lock.Unlock()
	}
}

// expireDue expires GTD orders whose deadline has passed. Runs with the
// asset lock held.
func (e *MatchingEngine) expireDue(ctx context.Context, bk *book.OrderBook, now time.Time) {
	for _, o := range bk.Orders() {
		if o.TimeInForce != model.TimeInForceGTD || o.ExpireAt == nil || now.Before(*o.ExpireAt) {
			continue
		}
		bk.Remove(o.ID)
		o.Status = model.OrderStatusExpired
		o.UpdatedAt = now
		o.Audit("expired", "good-till-date deadline passed", now)
		e.deps.Metrics.OrdersExpired.Inc()
		e.publishOrder(ctx, model.EventOrderExpired, o, "good-till-date deadline passed")
	}
}

// triggerStops promotes pending stop orders whose trigger price the market
// has crossed: a sell stop fires at or below the stop price, a buy stop at
// or above it.
func (e *MatchingEngine) triggerStops(ctx context.Context, now time.Time) {
	e.ordersMu.Lock()
	pending := make([]*model.Order, 0, len(e.stops))
	for _, o := range e.stops {
		pending = append(pending, o)
	}
	e.ordersMu.Unlock()

	for _, o := range pending {
		price, err := e.deps.PriceFeed.MarketPrice(ctx, o.Asset)
		if err != nil {
			continue
		}
		triggered := (o.Side == model.OrderSideSell && price.LessThanOrEqual(o.StopPrice)) ||
			(o.Side == model.OrderSideBuy && price.GreaterThanOrEqual(o.StopPrice))
		if !triggered {
			continue
		}

		bk, ok := e.bookFor(o.Asset)
		if !ok {
			continue
		}
		lock := e.assetLocks[o.Asset]
		lock.Lock()
		e.ordersMu.Lock()
		delete(e.stops, o.ID)
		e.ordersMu.Unlock()

		o.Status = model.OrderStatusOpen
		o.UpdatedAt = now
		o.Audit("triggered", fmt.Sprintf("market %s crossed stop %s", price, o.StopPrice), now)
		if err := bk.Insert(o); err != nil {
			e.logger.Error("stop order insert failed",
				zap.String("order_id", o.ID.String()), zap.Error(err))
			lock.Unlock()
			continue
		}
		e.publishOrder(ctx, model.EventOrderOpened, o, "stop triggered")
		if err := e.attemptMatchLocked(ctx, bk, o); err != nil {
			e.logger.Warn("triggered stop match attempt failed",
				zap.String("order_id", o.ID.String()), zap.Error(err))
		}
		lock.Unlock()
	}
}

// cancelLocked cancels a resting order. Runs with the asset lock held.
func (e *MatchingEngine) cancelLocked(ctx context.Context, bk *book.OrderBook, o *model.Order, reason string) {
	bk.Remove(o.ID)
	e.markCancelled(ctx, o, reason)
}

func (e *MatchingEngine) markCancelled(ctx context.Context, o *model.Order, reason string) {
	now := time.Now().UTC()
	o.Status = model.OrderStatusCancelled
	o.UpdatedAt = now
	o.Audit("cancelled", reason, now)
	e.deps.Metrics.OrdersCancelled.Inc()

	if err := e.deps.Settlement.Release(ctx, o.ID, o.Asset, o.RemainingAmount); err != nil {
		e.logger.Warn("fund release failed",
			zap.String("order_id", o.ID.String()), zap.Error(err))
	}
	e.publishOrder(ctx, model.EventOrderCancelled, o, reason)
}

// buildOrder turns a validated request into an order record with computed
// priority. Priority rewards service tier and size, with a fixed
// time-priority constant preventing starvation of small orders.
func (e *MatchingEngine) buildOrder(req model.PlaceOrderRequest) *model.Order {
	now := time.Now().UTC()

	tier := req.ServiceTier
	if tier == 0 {
		tier = model.TierStandard
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = model.TimeInForceGTC
	}
	allowPartial := true
	if req.AllowPartialFill != nil {
		allowPartial = *req.AllowPartialFill
	}
	if req.Type == model.OrderTypeAON {
		allowPartial = false
	}

	o := &model.Order{
		ID:               uuid.New(),
		CustomerID:       req.CustomerID,
		Asset:            req.Asset,
		Side:             req.Side,
		Type:             req.Type,
		TimeInForce:      tif,
		Amount:           req.Amount,
		Price:            req.Price,
		StopPrice:        req.StopPrice,
		ServiceTier:      tier,
		Status:           model.OrderStatusPending,
		FilledAmount:     decimal.Zero,
		RemainingAmount:  req.Amount,
		AllowPartialFill: allowPartial,
		MinFillSize:      req.MinFillSize,
		MaxSlippage:      req.MaxSlippage,
		DisplayAmount:    req.DisplayAmount,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpireAt:         req.ExpireAt,
	}
	if o.Type == model.OrderTypeIceberg {
		o.VisibleAmount = decimal.Min(o.DisplayAmount, o.Amount)
	}

	sizeComponent := decimal.Min(decimal.NewFromInt(100), o.Amount.Div(decimal.NewFromInt(10_000)))
	o.Priority = decimal.NewFromInt(int64(tier * 100)).
		Add(sizeComponent).
		Add(decimal.NewFromFloat(e.cfg.Engine.TimePriorityWeight))
	return o
}

// referenceNotional prices the order for fee-rate purposes: limit price when
// present, prevailing market price otherwise.
func (e *MatchingEngine) referenceNotional(ctx context.Context, o *model.Order) decimal.Decimal {
	ref := o.Price
	if ref.LessThanOrEqual(decimal.Zero) {
		if mp, err := e.deps.PriceFeed.MarketPrice(ctx, o.Asset); err == nil {
			ref = mp
		}
	}
	return o.Amount.Mul(ref)
}

func (e *MatchingEngine) bookFor(asset string) (*book.OrderBook, bool) {
	e.booksMu.RLock()
	defer e.booksMu.RUnlock()
	bk, ok := e.books[asset]
	return bk, ok
}

func (e *MatchingEngine) updateOpenOrdersGauge(bk *book.OrderBook) {
	e.deps.Metrics.OpenOrders.WithLabelValues(bk.Asset()).Set(float64(bk.Len()))
}

func (e *MatchingEngine) publishOrder(ctx context.Context, eventType string, o *model.Order, reason string) {
	e.deps.Bus.Publish(ctx, events.Event{
		Topic:     events.TopicOrder,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload: model.OrderEventPayload{
			OrderID:    o.ID,
			CustomerID: o.CustomerID,
			Asset:      o.Asset,
			Side:       o.Side,
			Type:       o.Type,
			Status:     o.Status,
			Amount:     o.Amount,
			Remaining:  o.RemainingAmount,
			Reason:     reason,
			Timestamp:  time.Now().UTC(),
		},
	})
}

func shapeReasons(err error) []string {
	verrs, ok := err.(validation.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	reasons := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		reasons = append(reasons, fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag()))
	}
	return reasons
}
