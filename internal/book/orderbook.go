// Package book implements the per-asset order book. Each book is an
// independently lockable unit: all mutation and stats recomputation happens
// under the book's lock, so no caller ever observes a half-updated book.
package book

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/blockdesk/otcengine/internal/model"
)

// Stats are derived values recomputed synchronously on every mutation.
type Stats struct {
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	Spread      decimal.Decimal
	BidDepth    decimal.Decimal
	AskDepth    decimal.Decimal
	DailyVolume decimal.Decimal
	TradeCount  int64
	LastUpdate  time.Time
}

// OrderBook holds the open orders of one asset, both sides kept in match
// priority order: bids best-first by descending price, asks best-first by
// ascending price, ties broken by priority score then submission time.
// Market orders sort ahead of all limit orders on their side.
type OrderBook struct {
	mu    sync.RWMutex
	asset string

	bids   *btree.BTreeG[*model.Order]
	asks   *btree.BTreeG[*model.Order]
	orders map[uuid.UUID]*model.Order

	stats    Stats
	statsDay time.Time
}

// NewOrderBook creates an empty book for the asset.
func NewOrderBook(asset string) *OrderBook {
	return &OrderBook{
		asset:  asset,
		bids:   btree.NewBTreeG(lessBids),
		asks:   btree.NewBTreeG(lessAsks),
		orders: make(map[uuid.UUID]*model.Order),
	}
}

// lessBids orders buy-side entries best-first: market orders, then
// descending price, then descending priority, then earlier submission.
func lessBids(a, b *model.Order) bool {
	if am, bm := a.Type == model.OrderTypeMarket, b.Type == model.OrderTypeMarket; am != bm {
		return am
	}
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	return lessTies(a, b)
}

// lessAsks orders sell-side entries best-first: market orders, then
// ascending price, then descending priority, then earlier submission.
func lessAsks(a, b *model.Order) bool {
	if am, bm := a.Type == model.OrderTypeMarket, b.Type == model.OrderTypeMarket; am != bm {
		return am
	}
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	return lessTies(a, b)
}

func lessTies(a, b *model.Order) bool {
	if !a.Priority.Equal(b.Priority) {
		return a.Priority.GreaterThan(b.Priority)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// Asset returns the asset this book belongs to.
func (ob *OrderBook) Asset() string { return ob.asset }

// Insert places the order on its side of the book and recomputes stats.
func (ob *OrderBook) Insert(o *model.Order) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if o.Asset != ob.asset {
		return fmt.Errorf("order %s is for %s, book is %s", o.ID, o.Asset, ob.asset)
	}
	if _, exists := ob.orders[o.ID]; exists {
		return fmt.Errorf("order %s already in book", o.ID)
	}

	ob.sideTree(o.Side).Set(o)
	ob.orders[o.ID] = o
	ob.recomputeStats()
	return nil
}

// Remove takes the order out of the book. Reports false for unknown ids.
func (ob *OrderBook) Remove(orderID uuid.UUID) (*model.Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.orders[orderID]
	if !ok {
		return nil, false
	}
	ob.sideTree(o.Side).Delete(o)
	delete(ob.orders, orderID)
	ob.recomputeStats()
	return o, true
}

// Get returns the resting order with the given id, if present.
func (ob *OrderBook) Get(orderID uuid.UUID) (*model.Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.orders[orderID]
	return o, ok
}

// Len returns the number of resting orders across both sides.
func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.orders)
}

// SideOrders returns the given side's orders in match priority order,
// filtered to matchable statuses.
func (ob *OrderBook) SideOrders(side string) []*model.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var out []*model.Order
	ob.sideTree(side).Scan(func(o *model.Order) bool {
		if o.IsMatchable() {
			out = append(out, o)
		}
		return true
	})
	return out
}

// Orders returns every resting order, bids before asks, in priority order.
func (ob *OrderBook) Orders() []*model.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	out := make([]*model.Order, 0, len(ob.orders))
	ob.bids.Scan(func(o *model.Order) bool {
		out = append(out, o)
		return true
	})
	ob.asks.Scan(func(o *model.Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

// BestBidAsk returns the best limit prices on each side; zero when a side
// has no limit orders.
func (ob *OrderBook) BestBidAsk() (bid, ask decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.stats.BestBid, ob.stats.BestAsk
}

// Stats returns a copy of the book's derived stats.
func (ob *OrderBook) Stats() Stats {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.stats
}

// RecordTrade accumulates daily volume and trade count, rolling over at UTC
// midnight.
func (ob *OrderBook) RecordTrade(amount decimal.Decimal) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	day := time.Now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(ob.statsDay) {
		ob.statsDay = day
		ob.stats.DailyVolume = decimal.Zero
		ob.stats.TradeCount = 0
	}
	ob.stats.DailyVolume = ob.stats.DailyVolume.Add(amount)
	ob.stats.TradeCount++
	ob.stats.LastUpdate = time.Now().UTC()
}

// Resort re-seats an order whose priority-relevant fields changed while it
// rested (iceberg tranche refresh does not move it, but a price amendment
// would). Callers must still hold the engine's per-asset lock.
func (ob *OrderBook) Resort(o *model.Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, ok := ob.orders[o.ID]; !ok {
		return
	}
	tree := ob.sideTree(o.Side)
	tree.Delete(o)
	tree.Set(o)
	ob.recomputeStats()
}

// Snapshot aggregates up to depth price levels per side. Iceberg orders
// contribute only their visible tranche.
func (ob *OrderBook) Snapshot(depth int) model.OrderBookSnapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	snap := model.OrderBookSnapshot{
		Asset:       ob.asset,
		Bids:        aggregateLevels(ob.bids, depth),
		Asks:        aggregateLevels(ob.asks, depth),
		BestBid:     ob.stats.BestBid,
		BestAsk:     ob.stats.BestAsk,
		Spread:      ob.stats.Spread,
		BidDepth:    ob.stats.BidDepth,
		AskDepth:    ob.stats.AskDepth,
		DailyVolume: ob.stats.DailyVolume,
		TradeCount:  ob.stats.TradeCount,
		LastUpdate:  ob.stats.LastUpdate,
	}
	return snap
}

func aggregateLevels(tree *btree.BTreeG[*model.Order], depth int) []model.PriceLevel {
	var levels []model.PriceLevel
	tree.Scan(func(o *model.Order) bool {
		if o.Type == model.OrderTypeMarket {
			// Market orders carry no price level.
			return true
		}
		visible := o.MatchableAmount()
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Amount = levels[n-1].Amount.Add(visible)
			levels[n-1].Orders++
			return true
		}
		if depth > 0 && len(levels) >= depth {
			return false
		}
		levels = append(levels, model.PriceLevel{Price: o.Price, Amount: visible, Orders: 1})
		return true
	})
	return levels
}

func (ob *OrderBook) sideTree(side string) *btree.BTreeG[*model.Order] {
	if side == model.OrderSideBuy {
		return ob.bids
	}
	return ob.asks
}

// recomputeStats must run with ob.mu held after every tree mutation.
func (ob *OrderBook) recomputeStats() {
	ob.stats.BestBid = decimal.Zero
	ob.stats.BestAsk = decimal.Zero
	ob.stats.BidDepth = decimal.Zero
	ob.stats.AskDepth = decimal.Zero

	ob.bids.Scan(func(o *model.Order) bool {
		if o.Type != model.OrderTypeMarket && ob.stats.BestBid.IsZero() {
			ob.stats.BestBid = o.Price
		}
		ob.stats.BidDepth = ob.stats.BidDepth.Add(o.MatchableAmount())
		return true
	})
	ob.asks.Scan(func(o *model.Order) bool {
		if o.Type != model.OrderTypeMarket && ob.stats.BestAsk.IsZero() {
			ob.stats.BestAsk = o.Price
		}
		ob.stats.AskDepth = ob.stats.AskDepth.Add(o.MatchableAmount())
		return true
	})

	if !ob.stats.BestBid.IsZero() && !ob.stats.BestAsk.IsZero() {
		ob.stats.Spread = ob.stats.BestAsk.Sub(ob.stats.BestBid)
	} else {
		ob.stats.Spread = decimal.Zero
	}
	ob.stats.LastUpdate = time.Now().UTC()
}
