// Package lifecycle owns order state transitions. The order book mutates
// filled quantities during matching; everything else about an order's status
// (PENDING -> PARTIALLY_FILLED -> FILLED / CANCELLED / EXPIRED, timestamps,
// the cancel-vs-match race guard, the expiry sweep) is decided here.
package lifecycle

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openpool/poolex/internal/trading/model"
	"github.com/openpool/poolex/internal/trading/orderbook"
)

var (
	// ErrOrderNotFound means the order was never registered with this market.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderNotCancellable is returned when a cancel races a match that has
	// already begun processing fills for the order, or when the order is
	// terminal. A computed match is final.
	ErrOrderNotCancellable = errors.New("order not cancellable")
)

// Manager tracks every order of one market, both resting and completed, and
// applies fill events to them. Like the book it is confined to the market's
// matching worker; the pass guard exists for callers that bypass the queue.
type Manager struct {
	book   *orderbook.OrderBook
	orders map[uuid.UUID]*model.Order
	inPass map[uuid.UUID]struct{}
	logger *zap.Logger
}

// NewManager creates a lifecycle manager bound to one market's book.
func NewManager(book *orderbook.OrderBook, logger *zap.Logger) *Manager {
	return &Manager{
		book:   book,
		orders: make(map[uuid.UUID]*model.Order),
		inPass: make(map[uuid.UUID]struct{}),
		logger: logger.With(zap.String("market", book.MarketID())),
	}
}

// Register stores a validated order ahead of its matching pass.
func (m *Manager) Register(order *model.Order) {
	order.Status = model.OrderStatusPending
	order.UpdatedAt = order.CreatedAt
	m.orders[order.ID] = order
}

// Get returns a tracked order.
func (m *Manager) Get(orderID uuid.UUID) (*model.Order, bool) {
	o, ok := m.orders[orderID]
	return o, ok
}

// BeginPass marks the orders touched by an in-flight matching pass; cancels
// against them are rejected until EndPass.
func (m *Manager) BeginPass(fills []model.Fill, taker *model.Order) {
	m.inPass[taker.ID] = struct{}{}
	for _, f := range fills {
		m.inPass[f.MakerOrderID] = struct{}{}
	}
}

// EndPass clears the pass guard.
func (m *Manager) EndPass() {
	clear(m.inPass)
}

// ApplyFills updates maker and taker order state for each fill of one pass.
// Quantities were already decremented by the book during matching; this
// recomputes statuses and stamps fill times.
func (m *Manager) ApplyFills(taker *model.Order, fills []model.Fill) {
	for _, fill := range fills {
		maker, ok := m.orders[fill.MakerOrderID]
		if !ok {
			// Every maker was registered when it first arrived; a miss is a
			// bookkeeping bug, not bad input.
			m.logger.Error("fill references unknown maker order",
				zap.String("fill_id", fill.ID.String()),
				zap.String("maker_order_id", fill.MakerOrderID.String()))
			continue
		}
		m.refreshStatus(maker, fill.Timestamp)
	}
	if len(fills) > 0 {
		m.refreshStatus(taker, fills[len(fills)-1].Timestamp)
	}
}

// FinalizeSubmission settles the taker's status once its pass is complete:
// a remainder that rested stays live, any other remainder is cancelled
// (IOC/FOK semantics, and MARKET orders never rest).
func (m *Manager) FinalizeSubmission(taker *model.Order) {
	if taker.Remaining() == 0 {
		return // refreshStatus already marked it FILLED
	}
	_, resting := m.book.Order(taker.ID)
	if !resting {
		taker.Status = model.OrderStatusCancelled
		taker.UpdatedAt = time.Now().UTC()
	}
}

func (m *Manager) refreshStatus(order *model.Order, at time.Time) {
	order.UpdatedAt = at
	switch {
	case order.Remaining() == 0:
		order.Status = model.OrderStatusFilled
		if order.FilledAt == nil {
			filledAt := at
			order.FilledAt = &filledAt
		}
	case order.FilledQuantity > 0:
		order.Status = model.OrderStatusPartiallyFilled
	}
}

// Cancel pulls a live order from the book and marks it CANCELLED.
func (m *Manager) Cancel(orderID uuid.UUID) error {
	order, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if _, racing := m.inPass[orderID]; racing {
		return ErrOrderNotCancellable
	}
	if order.IsTerminal() {
		return ErrOrderNotCancellable
	}
	m.book.Cancel(orderID)
	order.Status = model.OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()
	return nil
}

// SweepExpired pulls every order past its expiry from the book and marks it
// EXPIRED. This is the only status mutation outside the fill and cancel
// paths.
func (m *Manager) SweepExpired(now time.Time) []*model.Order {
	expired := m.book.CollectExpired(now)
	for _, order := range expired {
		order.Status = model.OrderStatusExpired
		order.UpdatedAt = now
		m.logger.Info("order expired",
			zap.String("order_id", order.ID.String()),
			zap.Int64("remaining", order.Remaining()))
	}
	return expired
}

// RestoreQuantity returns matched quantity to an order after a permanently
// failed settlement whose opposite leg never moved funds. Terminal orders
// keep their state; the failure then lives only on the trade record.
func (m *Manager) RestoreQuantity(orderID uuid.UUID, qty int64) bool {
	order, ok := m.orders[orderID]
	if !ok || order.IsTerminal() {
		return false
	}
	if qty <= 0 || qty > order.FilledQuantity {
		return false
	}
	order.FilledQuantity -= qty
	if order.FilledQuantity == 0 {
		order.Status = model.OrderStatusPending
	} else {
		order.Status = model.OrderStatusPartiallyFilled
	}
	order.UpdatedAt = time.Now().UTC()
	return true
}
