package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/blockdesk/otcengine/internal/book"
	"github.com/blockdesk/otcengine/internal/events"
	"github.com/blockdesk/otcengine/internal/model"
)

var two = decimal.NewFromInt(2)

// fiatAssets routes settlement to the fiat rail; everything else settles as
// crypto.
var fiatAssets = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "CHF": true, "JPY": true,
}

// attemptMatchLocked walks the opposite side of the book in priority order
// and executes against every compatible counterparty until the order stops
// being matchable or candidates run out. Runs with the asset lock held.
func (e *MatchingEngine) attemptMatchLocked(ctx context.Context, bk *book.OrderBook, o *model.Order) error {
	for o.IsMatchable() {
		var counter *model.Order
		for _, c := range bk.SideOrders(oppositeSide(o.Side)) {
			if e.canMatch(ctx, o, c) {
				counter = c
				break
			}
		}
		if counter == nil {
			return nil
		}

		buy, sell := o, counter
		if o.Side == model.OrderSideSell {
			buy, sell = counter, o
		}

		// Block trades are matched by counterparty discovery, then priced in
		// a negotiation session rather than by the book.
		if buy.Type == model.OrderTypeOTCBlock || sell.Type == model.OrderTypeOTCBlock {
			return e.routeToNegotiation(ctx, bk, buy, sell)
		}

		price, err := e.matchPrice(ctx, buy, sell)
		if err != nil {
			return fmt.Errorf("price match for %s: %w", bk.Asset(), err)
		}
		qty := decimal.Min(buy.MatchableAmount(), sell.MatchableAmount())

		if err := e.executeMatch(ctx, bk, buy, sell, qty, price); err != nil {
			// Settlement failed and the match is disputed; statuses are
			// already restored. Do not retry in this pass.
			return err
		}
	}
	return nil
}

// canMatch applies every pairing rule: liveness, the wash trade guard,
// price compatibility, partial fill policy, minimum fill size, and the
// compliance hook.
func (e *MatchingEngine) canMatch(ctx context.Context, a, b *model.Order) bool {
	if !a.IsMatchable() || !b.IsMatchable() {
		return false
	}
	// Wash guard: a customer never trades with themselves.
	if a.CustomerID == b.CustomerID {
		return false
	}
	// A pairing disputed at settlement is held for operator review and
	// never re-attempted automatically.
	if e.pairQuarantined(a.ID, b.ID) {
		return false
	}
	if !pricesCross(a, b) {
		return false
	}

	qty := decimal.Min(a.MatchableAmount(), b.MatchableAmount())
	if !a.AllowPartialFill && qty.LessThan(a.RemainingAmount) {
		return false
	}
	if !b.AllowPartialFill && qty.LessThan(b.RemainingAmount) {
		return false
	}
	if a.MinFillSize.GreaterThan(decimal.Zero) && qty.LessThan(a.MinFillSize) {
		return false
	}
	if b.MinFillSize.GreaterThan(decimal.Zero) && qty.LessThan(b.MinFillSize) {
		return false
	}

	return e.deps.Compliance.Check(ctx, a, b)
}

// pricesCross reports whether the two orders agree on price. Market orders
// (zero price) cross anything; priced orders cross when the bid meets the
// ask.
func pricesCross(a, b *model.Order) bool {
	buy, sell := a, b
	if a.Side == model.OrderSideSell {
		buy, sell = b, a
	}
	if buy.Price.IsZero() || sell.Price.IsZero() {
		return true
	}
	return buy.Price.GreaterThanOrEqual(sell.Price)
}

// matchPrice settles on the execution price: the midpoint when both sides
// are priced, the priced side's limit when only one is, and the prevailing
// market price when both are market orders.
func (e *MatchingEngine) matchPrice(ctx context.Context, buy, sell *model.Order) (decimal.Decimal, error) {
	switch {
	case !buy.Price.IsZero() && !sell.Price.IsZero():
		return buy.Price.Add(sell.Price).Div(two), nil
	case !buy.Price.IsZero():
		return buy.Price, nil
	case !sell.Price.IsZero():
		return sell.Price, nil
	default:
		return e.deps.PriceFeed.MarketPrice(ctx, buy.Asset)
	}
}

// priceImprovement is the spread captured by the match, clamped at zero.
// Midpoint execution splits it evenly between the parties.
func priceImprovement(buy, sell *model.Order) decimal.Decimal {
	if buy.Price.IsZero() || sell.Price.IsZero() {
		return decimal.Zero
	}
	imp := buy.Price.Sub(sell.Price)
	if imp.IsNegative() {
		return decimal.Zero
	}
	return imp
}

// executeMatch settles qty at price between the two orders and applies the
// fills. Both orders are frozen in MATCHING for the duration of settlement;
// on failure their prior statuses are restored and the match is disputed,
// never retried. Runs with the asset lock held.
func (e *MatchingEngine) executeMatch(ctx context.Context, bk *book.OrderBook, buy, sell *model.Order, qty, price decimal.Decimal) error {
	start := time.Now()
	now := start.UTC()
	notional := qty.Mul(price)

	m := &model.Match{
		ID:               uuid.New(),
		Asset:            buy.Asset,
		BuyOrderID:       buy.ID,
		SellOrderID:      sell.ID,
		BuyerID:          buy.CustomerID,
		SellerID:         sell.CustomerID,
		Amount:           qty,
		Price:            price,
		BuyerFee:         e.fees.ComputeFee(notional, buy.ServiceTier),
		SellerFee:        e.fees.ComputeFee(notional, sell.ServiceTier),
		PriceImprovement: priceImprovement(buy, sell),
		Status:           model.MatchStatusProposed,
		CreatedAt:        now,
	}
	e.storeMatch(m)

	prevBuy, prevSell := buy.Status, sell.Status
	buy.Status = model.OrderStatusMatching
	sell.Status = model.OrderStatusMatching

	receipt, err := e.deps.Settlement.Settle(ctx, e.instructionFor(m))
	if err != nil || !receipt.Success {
		if err == nil {
			err = fmt.Errorf("settlement declined")
		}
		buy.Status = prevBuy
		sell.Status = prevSell
		m.Status = model.MatchStatusDisputed
		e.quarantinePair(buy.ID, sell.ID)
		e.deps.Metrics.SettlementFailures.Inc()
		e.logger.Error("settlement failed, match disputed",
			zap.String("match_id", m.ID.String()),
			zap.String("asset", m.Asset),
			zap.Error(err))
		e.publishMatch(ctx, model.EventMatchDisputed, m)
		return &model.SettlementError{MatchID: m.ID, Err: err}
	}

	buy.ApplyFill(qty, price, now)
	sell.ApplyFill(qty, price, now)
	buy.Audit("filled", fmt.Sprintf("%s @ %s", qty, price), now)
	sell.Audit("filled", fmt.Sprintf("%s @ %s", qty, price), now)

	execAt := time.Now().UTC()
	m.Status = model.MatchStatusExecuted
	m.SettlementRef = receipt.Reference
	m.ExecutedAt = &execAt
	e.publishMatch(ctx, model.EventMatchExecuted, m)

	e.settleBookSide(ctx, bk, buy)
	e.settleBookSide(ctx, bk, sell)
	bk.RecordTrade(qty)

	settledAt := time.Now().UTC()
	m.Status = model.MatchStatusSettled
	m.SettledAt = &settledAt
	e.deps.Metrics.MatchesExecuted.WithLabelValues(m.Asset).Inc()
	e.deps.Metrics.MatchLatency.Observe(time.Since(start).Seconds())
	e.publishMatch(ctx, model.EventMatchSettled, m)

	e.logger.Info("match settled",
		zap.String("match_id", m.ID.String()),
		zap.String("asset", m.Asset),
		zap.String("amount", qty.String()),
		zap.String("price", price.String()),
		zap.String("settlement_ref", receipt.Reference))
	return nil
}

// settleBookSide removes a fully filled order from the book or refreshes
// book stats for a partial fill.
func (e *MatchingEngine) settleBookSide(ctx context.Context, bk *book.OrderBook, o *model.Order) {
	if o.Status == model.OrderStatusFilled {
		bk.Remove(o.ID)
		e.publishOrder(ctx, model.EventOrderFilled, o, "")
		return
	}
	if _, resting := bk.Get(o.ID); resting {
		bk.Resort(o)
	}
}

// routeToNegotiation freezes both sides off book and opens a negotiation
// session seeded with the book-derived starting price. Runs with the asset
// lock held.
func (e *MatchingEngine) routeToNegotiation(ctx context.Context, bk *book.OrderBook, buy, sell *model.Order) error {
	if e.negotiator == nil {
		return fmt.Errorf("no negotiator configured for block trade on %s", bk.Asset())
	}

	now := time.Now().UTC()
	price, err := e.matchPrice(ctx, buy, sell)
	if err != nil {
		return fmt.Errorf("starting price for %s block: %w", bk.Asset(), err)
	}
	qty := decimal.Min(buy.MatchableAmount(), sell.MatchableAmount())

	m := &model.Match{
		ID:          uuid.New(),
		Asset:       buy.Asset,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.CustomerID,
		SellerID:    sell.CustomerID,
		Amount:      qty,
		Price:       price,
		Status:      model.MatchStatusProposed,
		CreatedAt:   now,
	}

	bk.Remove(buy.ID)
	bk.Remove(sell.ID)
	buy.Status = model.OrderStatusNegotiating
	sell.Status = model.OrderStatusNegotiating
	buy.UpdatedAt = now
	sell.UpdatedAt = now

	session, err := e.negotiator.OpenSession(ctx, m, buy, sell)
	if err != nil {
		e.restoreFromNegotiationLocked(ctx, bk, buy, sell, "negotiation open failed")
		return fmt.Errorf("open negotiation: %w", err)
	}

	m.Session = session
	buy.NegotiationRoomID = &session.RoomID
	sell.NegotiationRoomID = &session.RoomID
	buy.Audit("negotiating", fmt.Sprintf("room %s", session.RoomID), now)
	sell.Audit("negotiating", fmt.Sprintf("room %s", session.RoomID), now)
	e.storeMatch(m)
	e.deps.Metrics.NegotiationsOpened.Inc()

	e.logger.Info("block trade routed to negotiation",
		zap.String("match_id", m.ID.String()),
		zap.String("room_id", session.RoomID.String()),
		zap.String("asset", m.Asset),
		zap.String("starting_price", price.String()))
	return nil
}

// ExecuteAgreed settles a negotiated match at the agreed price. Called by
// the negotiation coordinator once both parties accept the same price.
func (e *MatchingEngine) ExecuteAgreed(ctx context.Context, m *model.Match, agreedPrice decimal.Decimal) error {
	buy, bok := e.liveOrder(m.BuyOrderID)
	sell, sok := e.liveOrder(m.SellOrderID)
	if !bok || !sok {
		return model.ErrOrderNotFound
	}

	lock, ok := e.assetLocks[m.Asset]
	if !ok {
		return model.ErrUnknownAsset
	}
	lock.Lock()
	defer lock.Unlock()

	bk, _ := e.bookFor(m.Asset)
	start := time.Now()
	now := start.UTC()
	notional := m.Amount.Mul(agreedPrice)

	m.Price = agreedPrice
	m.BuyerFee = e.fees.ComputeFee(notional, buy.ServiceTier)
	m.SellerFee = e.fees.ComputeFee(notional, sell.ServiceTier)

	buy.Status = model.OrderStatusMatching
	sell.Status = model.OrderStatusMatching

	receipt, err := e.deps.Settlement.Settle(ctx, e.instructionFor(m))
	if err != nil || !receipt.Success {
		if err == nil {
			err = fmt.Errorf("settlement declined")
		}
		buy.Status = model.OrderStatusNegotiating
		sell.Status = model.OrderStatusNegotiating
		m.Status = model.MatchStatusDisputed
		e.deps.Metrics.SettlementFailures.Inc()
		e.logger.Error("negotiated settlement failed, match disputed",
			zap.String("match_id", m.ID.String()), zap.Error(err))
		e.publishMatch(ctx, model.EventMatchDisputed, m)
		return &model.SettlementError{MatchID: m.ID, Err: err}
	}

	buy.ApplyFill(m.Amount, agreedPrice, now)
	sell.ApplyFill(m.Amount, agreedPrice, now)
	buy.Audit("filled", fmt.Sprintf("negotiated %s @ %s", m.Amount, agreedPrice), now)
	sell.Audit("filled", fmt.Sprintf("negotiated %s @ %s", m.Amount, agreedPrice), now)

	execAt := time.Now().UTC()
	m.Status = model.MatchStatusExecuted
	m.SettlementRef = receipt.Reference
	m.ExecutedAt = &execAt
	e.publishMatch(ctx, model.EventMatchExecuted, m)

	e.returnRemainderLocked(ctx, bk, buy)
	e.returnRemainderLocked(ctx, bk, sell)
	bk.RecordTrade(m.Amount)

	settledAt := time.Now().UTC()
	m.Status = model.MatchStatusSettled
	m.SettledAt = &settledAt
	e.deps.Metrics.MatchesExecuted.WithLabelValues(m.Asset).Inc()
	e.deps.Metrics.MatchLatency.Observe(time.Since(start).Seconds())
	e.publishMatch(ctx, model.EventMatchSettled, m)
	e.updateOpenOrdersGauge(bk)
	return nil
}

// ReleaseRejected returns both sides of a rejected negotiation to the book.
// Called by the negotiation coordinator.
func (e *MatchingEngine) ReleaseRejected(ctx context.Context, m *model.Match) error {
	buy, bok := e.liveOrder(m.BuyOrderID)
	sell, sok := e.liveOrder(m.SellOrderID)
	if !bok || !sok {
		return model.ErrOrderNotFound
	}

	lock, ok := e.assetLocks[m.Asset]
	if !ok {
		return model.ErrUnknownAsset
	}
	lock.Lock()
	defer lock.Unlock()

	bk, _ := e.bookFor(m.Asset)
	e.restoreFromNegotiationLocked(ctx, bk, buy, sell, "negotiation rejected")
	e.updateOpenOrdersGauge(bk)
	return nil
}

// restoreFromNegotiationLocked puts both orders back on the book as live
// resting orders. Runs with the asset lock held.
func (e *MatchingEngine) restoreFromNegotiationLocked(ctx context.Context, bk *book.OrderBook, buy, sell *model.Order, reason string) {
	now := time.Now().UTC()
	for _, o := range []*model.Order{buy, sell} {
		if o.FilledAmount.IsPositive() {
			o.Status = model.OrderStatusPartiallyFilled
		} else {
			o.Status = model.OrderStatusOpen
		}
		o.NegotiationRoomID = nil
		o.UpdatedAt = now
		o.Audit("returned to book", reason, now)
		if err := bk.Insert(o); err != nil {
			e.logger.Error("return to book failed",
				zap.String("order_id", o.ID.String()), zap.Error(err))
		}
	}
}

// returnRemainderLocked re-books an order that still has quantity left after
// a negotiated execution and gives it a fresh match attempt. Runs with the
// asset lock held.
func (e *MatchingEngine) returnRemainderLocked(ctx context.Context, bk *book.OrderBook, o *model.Order) {
	if o.Status == model.OrderStatusFilled {
		e.publishOrder(ctx, model.EventOrderFilled, o, "")
		return
	}
	o.NegotiationRoomID = nil
	if err := bk.Insert(o); err != nil {
		e.logger.Error("remainder re-book failed",
			zap.String("order_id", o.ID.String()), zap.Error(err))
		return
	}
	if err := e.attemptMatchLocked(ctx, bk, o); err != nil {
		e.logger.Warn("remainder match attempt failed",
			zap.String("order_id", o.ID.String()), zap.Error(err))
	}
}

// fullyFillable reports whether the opposite side holds enough compatible
// quantity to fill the order completely in one pass. The walk simulates the
// matching pass against the residual quantity: a counter whose no-partial or
// minimum-fill policy the residual cannot satisfy contributes nothing. Used
// for the fill-or-kill pre-check; runs with the asset lock held.
func (e *MatchingEngine) fullyFillable(ctx context.Context, bk *book.OrderBook, o *model.Order) bool {
	need := o.Amount
	for _, c := range bk.SideOrders(oppositeSide(o.Side)) {
		if o.CustomerID == c.CustomerID || !pricesCross(o, c) {
			continue
		}
		if e.pairQuarantined(o.ID, c.ID) {
			continue
		}
		qty := decimal.Min(need, c.MatchableAmount())
		if !c.AllowPartialFill && qty.LessThan(c.RemainingAmount) {
			continue
		}
		if c.MinFillSize.GreaterThan(decimal.Zero) && qty.LessThan(c.MinFillSize) {
			continue
		}
		if o.MinFillSize.GreaterThan(decimal.Zero) && qty.LessThan(o.MinFillSize) {
			continue
		}
		if !e.deps.Compliance.Check(ctx, o, c) {
			continue
		}
		need = need.Sub(qty)
		if !need.IsPositive() {
			return true
		}
	}
	return false
}

// instructionFor builds the settlement payload, routing fiat assets onto
// the fiat rail and everything else through the crypto custodian leg.
func (e *MatchingEngine) instructionFor(m *model.Match) model.SettlementInstruction {
	instr := model.SettlementInstruction{
		MatchID:   m.ID,
		Asset:     m.Asset,
		BuyerID:   m.BuyerID,
		SellerID:  m.SellerID,
		Amount:    m.Amount,
		Price:     m.Price,
		BuyerFee:  m.BuyerFee,
		SellerFee: m.SellerFee,
	}
	if fiatAssets[m.Asset] {
		instr.AssetClass = model.AssetClassFiat
		instr.Fiat = &model.FiatLeg{Currency: m.Asset, Rail: "internal"}
	} else {
		instr.AssetClass = model.AssetClassCrypto
		instr.Crypto = &model.CryptoLeg{Network: "mainnet", Custodian: "desk-custody"}
	}
	return instr
}

// orderPair identifies a pairing of two orders independent of side.
type orderPair [2]uuid.UUID

func pairOf(a, b uuid.UUID) orderPair {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return orderPair{a, b}
}

// quarantinePair bars two orders from being paired again after a disputed
// settlement. The dispute is resolved by an operator; the engine never
// retries it on its own.
func (e *MatchingEngine) quarantinePair(a, b uuid.UUID) {
	e.disputedMu.Lock()
	e.disputed[pairOf(a, b)] = struct{}{}
	e.disputedMu.Unlock()
}

func (e *MatchingEngine) pairQuarantined(a, b uuid.UUID) bool {
	e.disputedMu.Lock()
	_, ok := e.disputed[pairOf(a, b)]
	e.disputedMu.Unlock()
	return ok
}

func (e *MatchingEngine) storeMatch(m *model.Match) {
	e.matchesMu.Lock()
	e.matches[m.ID] = m
	e.matchesMu.Unlock()
}

func (e *MatchingEngine) publishMatch(ctx context.Context, eventType string, m *model.Match) {
	topic := events.TopicMatch
	if eventType == model.EventMatchSettled {
		topic = events.TopicSettlement
	}
	e.deps.Bus.Publish(ctx, events.Event{
		Topic:     topic,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload: model.MatchEventPayload{
			MatchID:     m.ID,
			Asset:       m.Asset,
			BuyOrderID:  m.BuyOrderID,
			SellOrderID: m.SellOrderID,
			Amount:      m.Amount,
			Price:       m.Price,
			Status:      m.Status,
			Reference:   m.SettlementRef,
			Timestamp:   time.Now().UTC(),
		},
	})
}

func oppositeSide(side string) string {
	if side == model.OrderSideBuy {
		return model.OrderSideSell
	}
	return model.OrderSideBuy
}
