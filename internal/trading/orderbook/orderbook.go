// Package orderbook implements the per-market continuous double auction.
//
// Orders rest in price levels held in two B-trees (bids descending, asks
// ascending by effective priority); within a level orders queue strictly
// FIFO. Matching walks the opposite side while the incoming order crosses,
// emitting fills at the resting order's price.
//
// Concurrency model: the book has no internal locking. All mutation happens
// on the owning market's single matching worker (see the router package),
// which serializes submits, cancels and expiry sweeps for one market.
package orderbook

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/openpool/poolex/internal/money"
	"github.com/openpool/poolex/internal/trading/model"
)

// InvariantViolation is raised when matching state contradicts itself. It is
// a logic bug, never an input problem: the market worker recovers it, alerts
// and halts the market rather than continuing on corrupt state.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string { return "matching invariant violated: " + e.Reason }

func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(&InvariantViolation{Reason: fmt.Sprintf(format, args...)})
	}
}

// ErrInsufficientLiquidity rejects a FOK order whose full quantity cannot be
// matched at acceptable prices. The book is left untouched.
var ErrInsufficientLiquidity = model.Validationf("fill-or-kill: insufficient crossing liquidity")

// priceLevel is a FIFO queue of resting orders at one price.
type priceLevel struct {
	price  money.Money
	orders []*model.Order
}

func (pl *priceLevel) totalRemaining(excludeTrader uuid.UUID) int64 {
	var total int64
	for _, o := range pl.orders {
		if o.TraderID == excludeTrader {
			continue
		}
		total += o.Remaining()
	}
	return total
}

func (pl *priceLevel) remove(orderID uuid.UUID) bool {
	for i, o := range pl.orders {
		if o.ID == orderID {
			pl.orders = append(pl.orders[:i], pl.orders[i+1:]...)
			return true
		}
	}
	return false
}

// Level is one aggregated price level of a depth snapshot.
type Level struct {
	Price    money.Money `json:"price"`
	Quantity int64       `json:"quantity"`
}

// OrderBook holds the resting orders for a single market.
type OrderBook struct {
	marketID   string
	bids       *btree.Map[int64, *priceLevel] // keyed by scaled price, scanned in reverse
	asks       *btree.Map[int64, *priceLevel] // keyed by scaled price, scanned forward
	ordersByID map[uuid.UUID]*model.Order
	logger     *zap.Logger
}

// New creates an empty book for the given market.
func New(marketID string, logger *zap.Logger) *OrderBook {
	return &OrderBook{
		marketID:   marketID,
		bids:       btree.NewMap[int64, *priceLevel](32),
		asks:       btree.NewMap[int64, *priceLevel](32),
		ordersByID: make(map[uuid.UUID]*model.Order),
		logger:     logger.With(zap.String("market", marketID)),
	}
}

// MarketID returns the market this book belongs to.
func (ob *OrderBook) MarketID() string { return ob.marketID }

// BestBid returns the highest resting bid price.
func (ob *OrderBook) BestBid() (money.Money, bool) {
	if k, _, ok := ob.bids.Max(); ok {
		return money.Money(k), true
	}
	return 0, false
}

// BestAsk returns the lowest resting ask price.
func (ob *OrderBook) BestAsk() (money.Money, bool) {
	if k, _, ok := ob.asks.Min(); ok {
		return money.Money(k), true
	}
	return 0, false
}

// BestOpposite is the best price on the side an incoming order would match
// against; the trade ledger samples it before and after each match for the
// price-impact metrics.
func (ob *OrderBook) BestOpposite(takerSide string) (money.Money, bool) {
	if takerSide == model.SideBid {
		return ob.BestAsk()
	}
	return ob.BestBid()
}

// Order returns a resting order by ID.
func (ob *OrderBook) Order(id uuid.UUID) (*model.Order, bool) {
	o, ok := ob.ordersByID[id]
	return o, ok
}

// crosses reports whether an incoming order is willing to trade at the given
// resting price. Market orders cross any price.
func crosses(incoming *model.Order, restingPrice money.Money) bool {
	if incoming.Kind == model.KindMarket {
		return true
	}
	if incoming.Side == model.SideBid {
		return !incoming.LimitPrice.LessThan(restingPrice)
	}
	return !incoming.LimitPrice.GreaterThan(restingPrice)
}

// availableAgainst totals the opposite-side liquidity the order could legally
// consume (crossing prices only, own resting orders excluded). Used for the
// FOK all-or-nothing pre-check.
func (ob *OrderBook) availableAgainst(order *model.Order) int64 {
	var total int64
	scan := func(key int64, level *priceLevel) bool {
		if !crosses(order, money.Money(key)) {
			return false
		}
		total += level.totalRemaining(order.TraderID)
		return total < order.Remaining()
	}
	if order.Side == model.SideBid {
		ob.asks.Scan(scan)
	} else {
		ob.bids.Reverse(scan)
	}
	return total
}

// Submit matches the incoming order against the book and returns the fills
// produced, oldest first. The remainder of a LIMIT GTC order rests in the
// book; IOC/FOK remainders and MARKET remainders never rest. A FOK order
// that cannot fill completely is rejected with ErrInsufficientLiquidity and
// zero fills.
//
// Submit mutates FilledQuantity on both sides of each match; status
// transitions remain the lifecycle manager's job.
func (ob *OrderBook) Submit(order *model.Order) ([]model.Fill, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if order.MarketID != ob.marketID {
		return nil, model.Validationf("order market %q does not match book %q", order.MarketID, ob.marketID)
	}
	if _, dup := ob.ordersByID[order.ID]; dup {
		return nil, model.Validationf("order %s already resting", order.ID)
	}

	if order.TimeInForce == model.TimeInForceFOK {
		if ob.availableAgainst(order) < order.Remaining() {
			return nil, ErrInsufficientLiquidity
		}
	}

	fills := ob.match(order)

	if order.Remaining() > 0 && order.Kind == model.KindLimit && order.TimeInForce == model.TimeInForceGTC {
		ob.rest(order)
	}
	return fills, nil
}

// match runs the price-time priority loop for one incoming order.
func (ob *OrderBook) match(taker *model.Order) []model.Fill {
	var fills []model.Fill
	var emptied []int64

	opposite := ob.asks
	forward := true
	if taker.Side == model.SideAsk {
		opposite = ob.bids
		forward = false
	}

	walk := func(key int64, level *priceLevel) bool {
		price := money.Money(key)
		if !crosses(taker, price) {
			return false
		}
		// FIFO within the level; same-trader orders are skipped, not removed.
		kept := level.orders[:0]
		for i, maker := range level.orders {
			if taker.Remaining() == 0 {
				kept = append(kept, level.orders[i:]...)
				break
			}
			if maker.TraderID == taker.TraderID {
				kept = append(kept, maker)
				continue
			}
			qty := min64(taker.Remaining(), maker.Remaining())
			invariant(qty > 0, "match quantity %d for maker %s / taker %s", qty, maker.ID, taker.ID)

			taker.FilledQuantity += qty
			maker.FilledQuantity += qty
			invariant(taker.FilledQuantity <= taker.Quantity, "taker %s overfilled", taker.ID)
			invariant(maker.FilledQuantity <= maker.Quantity, "maker %s overfilled", maker.ID)

			fills = append(fills, model.Fill{
				ID:            uuid.New(),
				MarketID:      ob.marketID,
				MakerOrderID:  maker.ID,
				TakerOrderID:  taker.ID,
				MakerTraderID: maker.TraderID,
				TakerTraderID: taker.TraderID,
				Price:         price, // maker price improvement rule
				Quantity:      qty,
				TakerSide:     taker.Side,
				Timestamp:     time.Now().UTC(),
			})

			if maker.Remaining() > 0 {
				kept = append(kept, maker)
			} else {
				delete(ob.ordersByID, maker.ID)
			}
		}
		level.orders = kept
		if len(level.orders) == 0 {
			emptied = append(emptied, key)
		}
		return taker.Remaining() > 0
	}

	if forward {
		opposite.Scan(walk)
	} else {
		opposite.Reverse(walk)
	}
	for _, key := range emptied {
		opposite.Delete(key)
	}
	return fills
}

// rest inserts the remainder of a LIMIT GTC order at its limit price.
func (ob *OrderBook) rest(order *model.Order) {
	invariant(order.Kind == model.KindLimit, "only limit orders rest, got %s", order.Kind)
	side := ob.bids
	if order.Side == model.SideAsk {
		side = ob.asks
	}
	key := order.LimitPrice.Units()
	level, ok := side.Get(key)
	if !ok {
		level = &priceLevel{price: order.LimitPrice}
		side.Set(key, level)
	}
	level.orders = append(level.orders, order)
	ob.ordersByID[order.ID] = order
}

// Cancel removes a resting order from the book. It returns false when the
// order is not resting (already filled, expired, or never rested).
func (ob *OrderBook) Cancel(orderID uuid.UUID) bool {
	order, ok := ob.ordersByID[orderID]
	if !ok {
		return false
	}
	ob.removeResting(order)
	return true
}

func (ob *OrderBook) removeResting(order *model.Order) {
	side := ob.bids
	if order.Side == model.SideAsk {
		side = ob.asks
	}
	key := order.LimitPrice.Units()
	if level, ok := side.Get(key); ok {
		level.remove(order.ID)
		if len(level.orders) == 0 {
			side.Delete(key)
		}
	}
	delete(ob.ordersByID, order.ID)
}

// CollectExpired removes and returns every resting order whose expiry is at
// or before now. Called by the lifecycle manager's sweep on the market worker.
func (ob *OrderBook) CollectExpired(now time.Time) []*model.Order {
	var expired []*model.Order
	for _, order := range ob.ordersByID {
		if order.ExpiresAt != nil && !order.ExpiresAt.After(now) {
			expired = append(expired, order)
		}
	}
	for _, order := range expired {
		ob.removeResting(order)
	}
	return expired
}

// Depth returns up to n aggregated price levels per side, best first.
func (ob *OrderBook) Depth(n int) (bids, asks []Level) {
	ob.bids.Reverse(func(key int64, level *priceLevel) bool {
		bids = append(bids, Level{Price: money.Money(key), Quantity: level.totalRemaining(uuid.Nil)})
		return len(bids) < n
	})
	ob.asks.Scan(func(key int64, level *priceLevel) bool {
		asks = append(asks, Level{Price: money.Money(key), Quantity: level.totalRemaining(uuid.Nil)})
		return len(asks) < n
	})
	return bids, asks
}

// RestingCount reports how many orders are currently resting.
func (ob *OrderBook) RestingCount() int { return len(ob.ordersByID) }

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
