package orderbook

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openpool/poolex/internal/money"
	"github.com/openpool/poolex/internal/trading/model"
)

const testMarket = "POOL-ALPHA"

func newBook(t *testing.T) *OrderBook {
	t.Helper()
	return New(testMarket, zap.NewNop())
}

func limitOrder(trader uuid.UUID, side, price string, qty int64) *model.Order {
	return &model.Order{
		ID:          uuid.New(),
		MarketID:    testMarket,
		TraderID:    trader,
		Side:        side,
		Kind:        model.KindLimit,
		Quantity:    qty,
		LimitPrice:  money.MustParse(price),
		Status:      model.OrderStatusPending,
		TimeInForce: model.TimeInForceGTC,
		CreatedAt:   time.Now(),
	}
}

func marketOrder(trader uuid.UUID, side string, qty int64) *model.Order {
	return &model.Order{
		ID:          uuid.New(),
		MarketID:    testMarket,
		TraderID:    trader,
		Side:        side,
		Kind:        model.KindMarket,
		Quantity:    qty,
		Status:      model.OrderStatusPending,
		TimeInForce: model.TimeInForceIOC,
		CreatedAt:   time.Now(),
	}
}

func TestSubmitRejectsMalformedOrders(t *testing.T) {
	ob := newBook(t)

	bad := limitOrder(uuid.New(), model.SideBid, "10.00", 0)
	_, err := ob.Submit(bad)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	bad = limitOrder(uuid.New(), model.SideBid, "10.00", 5)
	bad.LimitPrice = money.Zero
	_, err = ob.Submit(bad)
	assert.True(t, model.IsValidation(err))

	bad = limitOrder(uuid.New(), model.SideBid, "10.00", 5)
	bad.MarketID = "UNKNOWN"
	_, err = ob.Submit(bad)
	assert.True(t, model.IsValidation(err))

	assert.Equal(t, 0, ob.RestingCount(), "rejected orders must leave no state")
}

func TestPartialFillRestsRemainder(t *testing.T) {
	// Resting ASK 100 @ 10.00 from A; incoming BID LIMIT GTC 150 @ 10.00
	// from B: one fill of 100 @ 10.00, B rests with remaining 50.
	ob := newBook(t)
	a, b := uuid.New(), uuid.New()

	ask := limitOrder(a, model.SideAsk, "10.00", 100)
	fills, err := ob.Submit(ask)
	require.NoError(t, err)
	assert.Empty(t, fills)

	bid := limitOrder(b, model.SideBid, "10.00", 150)
	fills, err = ob.Submit(bid)
	require.NoError(t, err)
	require.Len(t, fills, 1)

	assert.Equal(t, int64(100), fills[0].Quantity)
	assert.Equal(t, money.MustParse("10.00"), fills[0].Price)
	assert.Equal(t, ask.ID, fills[0].MakerOrderID)
	assert.Equal(t, bid.ID, fills[0].TakerOrderID)
	assert.Equal(t, model.SideBid, fills[0].TakerSide)

	assert.Equal(t, int64(50), bid.Remaining())
	assert.Equal(t, int64(0), ask.Remaining())

	best, ok := ob.BestBid()
	require.True(t, ok)
	assert.Equal(t, money.MustParse("10.00"), best)
	_, ok = ob.BestAsk()
	assert.False(t, ok, "fully filled ask must leave the book")
}

func TestMakerPriceImprovement(t *testing.T) {
	// Taker bids 10.50 against a resting ask at 10.00: trade prints at the
	// maker's 10.00, never at the taker's worse price.
	ob := newBook(t)
	ob.Submit(limitOrder(uuid.New(), model.SideAsk, "10.00", 10))

	fills, err := ob.Submit(limitOrder(uuid.New(), model.SideBid, "10.50", 10))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, money.MustParse("10.00"), fills[0].Price)
}

func TestPriceTimePriority(t *testing.T) {
	ob := newBook(t)
	first := limitOrder(uuid.New(), model.SideAsk, "10.00", 10)
	second := limitOrder(uuid.New(), model.SideAsk, "10.00", 10)
	cheaper := limitOrder(uuid.New(), model.SideAsk, "9.50", 10)
	require2 := func(_ []model.Fill, err error) { require.NoError(t, err) }
	require2(ob.Submit(first))
	require2(ob.Submit(second))
	require2(ob.Submit(cheaper))

	fills, err := ob.Submit(marketOrder(uuid.New(), model.SideBid, 25))
	require.NoError(t, err)
	require.Len(t, fills, 3)

	// Best price first, then FIFO within the 10.00 level.
	assert.Equal(t, cheaper.ID, fills[0].MakerOrderID)
	assert.Equal(t, money.MustParse("9.50"), fills[0].Price)
	assert.Equal(t, first.ID, fills[1].MakerOrderID)
	assert.Equal(t, second.ID, fills[2].MakerOrderID)
	assert.Equal(t, int64(5), fills[2].Quantity)
	assert.Equal(t, int64(5), second.Remaining())
}

func TestNoSelfTrade(t *testing.T) {
	ob := newBook(t)
	trader := uuid.New()
	other := uuid.New()

	own := limitOrder(trader, model.SideAsk, "10.00", 10)
	theirs := limitOrder(other, model.SideAsk, "10.00", 10)
	ob.Submit(own)
	ob.Submit(theirs)

	fills, err := ob.Submit(limitOrder(trader, model.SideBid, "10.00", 10))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, theirs.ID, fills[0].MakerOrderID, "own resting order must be skipped")

	// The skipped order stays resting and keeps its queue position.
	_, stillThere := ob.Order(own.ID)
	assert.True(t, stillThere)
	assert.Equal(t, int64(10), own.Remaining())
}

func TestSelfOrderSkippedEvenWhenBestPriced(t *testing.T) {
	ob := newBook(t)
	trader := uuid.New()
	other := uuid.New()

	ob.Submit(limitOrder(trader, model.SideAsk, "9.00", 10)) // best, but same trader
	behind := limitOrder(other, model.SideAsk, "10.00", 10)
	ob.Submit(behind)

	fills, err := ob.Submit(limitOrder(trader, model.SideBid, "10.00", 10))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, behind.ID, fills[0].MakerOrderID)
	assert.Equal(t, money.MustParse("10.00"), fills[0].Price)
}

func TestFOKAllOrNothing(t *testing.T) {
	ob := newBook(t)
	ob.Submit(limitOrder(uuid.New(), model.SideAsk, "10.00", 60))

	fok := limitOrder(uuid.New(), model.SideBid, "10.00", 100)
	fok.TimeInForce = model.TimeInForceFOK
	fills, err := ob.Submit(fok)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Empty(t, fills)
	assert.Equal(t, int64(0), fok.FilledQuantity)
	assert.Equal(t, 1, ob.RestingCount(), "book must be unchanged")

	// With enough liquidity the same order fills completely.
	ob.Submit(limitOrder(uuid.New(), model.SideAsk, "10.00", 40))
	fok2 := limitOrder(uuid.New(), model.SideBid, "10.00", 100)
	fok2.TimeInForce = model.TimeInForceFOK
	fills, err = ob.Submit(fok2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fok2.Remaining())
	assert.Len(t, fills, 2)
}

func TestFOKIgnoresOwnLiquidity(t *testing.T) {
	ob := newBook(t)
	trader := uuid.New()
	ob.Submit(limitOrder(trader, model.SideAsk, "10.00", 100))

	fok := limitOrder(trader, model.SideBid, "10.00", 100)
	fok.TimeInForce = model.TimeInForceFOK
	_, err := ob.Submit(fok)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestIOCRemainderDoesNotRest(t *testing.T) {
	ob := newBook(t)
	ob.Submit(limitOrder(uuid.New(), model.SideAsk, "10.00", 30))

	ioc := limitOrder(uuid.New(), model.SideBid, "10.00", 100)
	ioc.TimeInForce = model.TimeInForceIOC
	fills, err := ob.Submit(ioc)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(70), ioc.Remaining())
	_, resting := ob.Order(ioc.ID)
	assert.False(t, resting)
}

func TestMarketOrderNeverRests(t *testing.T) {
	ob := newBook(t)
	ob.Submit(limitOrder(uuid.New(), model.SideAsk, "10.00", 30))
	ob.Submit(limitOrder(uuid.New(), model.SideAsk, "11.00", 30))

	mo := marketOrder(uuid.New(), model.SideBid, 100)
	fills, err := ob.Submit(mo)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, money.MustParse("10.00"), fills[0].Price)
	assert.Equal(t, money.MustParse("11.00"), fills[1].Price)
	assert.Equal(t, int64(40), mo.Remaining())
	assert.Equal(t, 0, ob.RestingCount())
}

func TestQuantityConservationAcrossFills(t *testing.T) {
	ob := newBook(t)
	orders := []*model.Order{
		limitOrder(uuid.New(), model.SideAsk, "10.00", 7),
		limitOrder(uuid.New(), model.SideAsk, "10.10", 13),
		limitOrder(uuid.New(), model.SideAsk, "10.20", 29),
	}
	for _, o := range orders {
		_, err := ob.Submit(o)
		require.NoError(t, err)
	}
	taker := limitOrder(uuid.New(), model.SideBid, "10.20", 40)
	_, err := ob.Submit(taker)
	require.NoError(t, err)

	for _, o := range append(orders, taker) {
		assert.Equal(t, o.Quantity, o.FilledQuantity+o.Remaining())
		assert.GreaterOrEqual(t, o.FilledQuantity, int64(0))
		assert.LessOrEqual(t, o.FilledQuantity, o.Quantity)
	}
}

func TestCancel(t *testing.T) {
	ob := newBook(t)
	order := limitOrder(uuid.New(), model.SideBid, "9.00", 10)
	ob.Submit(order)

	assert.True(t, ob.Cancel(order.ID))
	assert.False(t, ob.Cancel(order.ID), "second cancel finds nothing")
	_, ok := ob.BestBid()
	assert.False(t, ok)
}

func TestCollectExpired(t *testing.T) {
	ob := newBook(t)
	now := time.Now()

	expiring := limitOrder(uuid.New(), model.SideBid, "9.00", 10)
	past := now.Add(30 * time.Minute)
	expiring.ExpiresAt = &past
	keeper := limitOrder(uuid.New(), model.SideBid, "9.50", 10)
	ob.Submit(expiring)
	ob.Submit(keeper)

	expired := ob.CollectExpired(now.Add(time.Hour))
	require.Len(t, expired, 1)
	assert.Equal(t, expiring.ID, expired[0].ID)
	assert.Equal(t, 1, ob.RestingCount())

	best, ok := ob.BestBid()
	require.True(t, ok)
	assert.Equal(t, money.MustParse("9.50"), best)
}

func TestDepthSnapshot(t *testing.T) {
	ob := newBook(t)
	ob.Submit(limitOrder(uuid.New(), model.SideBid, "9.00", 10))
	ob.Submit(limitOrder(uuid.New(), model.SideBid, "9.00", 5))
	ob.Submit(limitOrder(uuid.New(), model.SideBid, "8.50", 20))
	ob.Submit(limitOrder(uuid.New(), model.SideAsk, "10.00", 8))

	bids, asks := ob.Depth(10)
	require.Len(t, bids, 2)
	require.Len(t, asks, 1)
	assert.Equal(t, money.MustParse("9.00"), bids[0].Price)
	assert.Equal(t, int64(15), bids[0].Quantity)
	assert.Equal(t, money.MustParse("8.50"), bids[1].Price)
	assert.Equal(t, money.MustParse("10.00"), asks[0].Price)
}
