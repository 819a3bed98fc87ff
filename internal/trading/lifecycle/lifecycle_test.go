package lifecycle

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openpool/poolex/internal/money"
	"github.com/openpool/poolex/internal/trading/model"
	"github.com/openpool/poolex/internal/trading/orderbook"
)

const testMarket = "POOL-ALPHA"

func setup(t *testing.T) (*orderbook.OrderBook, *Manager) {
	t.Helper()
	book := orderbook.New(testMarket, zap.NewNop())
	return book, NewManager(book, zap.NewNop())
}

func order(side, price string, qty int64) *model.Order {
	return &model.Order{
		ID:          uuid.New(),
		MarketID:    testMarket,
		TraderID:    uuid.New(),
		Side:        side,
		Kind:        model.KindLimit,
		Quantity:    qty,
		LimitPrice:  money.MustParse(price),
		TimeInForce: model.TimeInForceGTC,
		CreatedAt:   time.Now(),
	}
}

// submit registers, matches, applies and finalizes like the market worker.
func submit(t *testing.T, book *orderbook.OrderBook, m *Manager, o *model.Order) []model.Fill {
	t.Helper()
	m.Register(o)
	fills, err := book.Submit(o)
	require.NoError(t, err)
	m.BeginPass(fills, o)
	m.ApplyFills(o, fills)
	m.EndPass()
	m.FinalizeSubmission(o)
	return fills
}

func TestFillTransitions(t *testing.T) {
	book, m := setup(t)

	ask := order(model.SideAsk, "10.00", 100)
	submit(t, book, m, ask)
	assert.Equal(t, model.OrderStatusPending, ask.Status)

	bid := order(model.SideBid, "10.00", 150)
	fills := submit(t, book, m, bid)
	require.Len(t, fills, 1)

	assert.Equal(t, model.OrderStatusFilled, ask.Status)
	require.NotNil(t, ask.FilledAt)
	assert.Equal(t, model.OrderStatusPartiallyFilled, bid.Status)
	assert.Nil(t, bid.FilledAt)
	assert.Equal(t, bid.Quantity, bid.FilledQuantity+bid.Remaining())
}

func TestIOCRemainderCancelled(t *testing.T) {
	book, m := setup(t)
	submit(t, book, m, order(model.SideAsk, "10.00", 30))

	ioc := order(model.SideBid, "10.00", 100)
	ioc.TimeInForce = model.TimeInForceIOC
	submit(t, book, m, ioc)

	assert.Equal(t, model.OrderStatusCancelled, ioc.Status)
	assert.Equal(t, int64(30), ioc.FilledQuantity)
}

func TestCancel(t *testing.T) {
	book, m := setup(t)
	o := order(model.SideBid, "9.00", 10)
	submit(t, book, m, o)

	require.NoError(t, m.Cancel(o.ID))
	assert.Equal(t, model.OrderStatusCancelled, o.Status)
	assert.Equal(t, 0, book.RestingCount())

	assert.ErrorIs(t, m.Cancel(o.ID), ErrOrderNotCancellable)
	assert.ErrorIs(t, m.Cancel(uuid.New()), ErrOrderNotFound)
}

func TestCancelRejectedDuringMatchingPass(t *testing.T) {
	book, m := setup(t)
	maker := order(model.SideAsk, "10.00", 10)
	submit(t, book, m, maker)

	taker := order(model.SideBid, "10.00", 5)
	m.Register(taker)
	fills, err := book.Submit(taker)
	require.NoError(t, err)
	m.BeginPass(fills, taker)

	// Once the match has been computed, neither side can be pulled back.
	assert.ErrorIs(t, m.Cancel(maker.ID), ErrOrderNotCancellable)
	assert.ErrorIs(t, m.Cancel(taker.ID), ErrOrderNotCancellable)

	m.ApplyFills(taker, fills)
	m.EndPass()
	m.FinalizeSubmission(taker)

	// After the pass the resting remainder cancels normally.
	require.NoError(t, m.Cancel(maker.ID))
}

func TestSweepExpired(t *testing.T) {
	book, m := setup(t)
	now := time.Now()

	o := order(model.SideBid, "9.00", 10)
	exp := now.Add(time.Minute)
	o.ExpiresAt = &exp
	submit(t, book, m, o)

	expired := m.SweepExpired(now.Add(time.Hour))
	require.Len(t, expired, 1)
	assert.Equal(t, model.OrderStatusExpired, o.Status)
	assert.Equal(t, 0, book.RestingCount())

	assert.Empty(t, m.SweepExpired(now.Add(2*time.Hour)))
}

func TestRestoreQuantity(t *testing.T) {
	book, m := setup(t)
	submit(t, book, m, order(model.SideAsk, "10.00", 40))

	bid := order(model.SideBid, "10.00", 100)
	submit(t, book, m, bid)
	require.Equal(t, int64(40), bid.FilledQuantity)

	// Reversal after a permanently failed settlement.
	assert.True(t, m.RestoreQuantity(bid.ID, 40))
	assert.Equal(t, int64(0), bid.FilledQuantity)
	assert.Equal(t, model.OrderStatusPending, bid.Status)

	// Terminal orders are left alone.
	require.NoError(t, m.Cancel(bid.ID))
	assert.False(t, m.RestoreQuantity(bid.ID, 10))

	// Bogus quantities are refused.
	assert.False(t, m.RestoreQuantity(uuid.New(), 1))
}
