package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/openpool/poolex/internal/money"
	"github.com/openpool/poolex/internal/trading/fees"
	"github.com/openpool/poolex/internal/trading/model"
)

const testMarket = "POOL-ALPHA"

func newFill(price string, qty int64) model.Fill {
	return model.Fill{
		ID:            uuid.New(),
		MarketID:      testMarket,
		MakerOrderID:  uuid.New(),
		TakerOrderID:  uuid.New(),
		MakerTraderID: uuid.New(),
		TakerTraderID: uuid.New(),
		Price:         money.MustParse(price),
		Quantity:      qty,
		TakerSide:     model.SideBid,
		Timestamp:     time.Now().UTC(),
	}
}

func newLedger(t *testing.T, provider fees.Provider) *Ledger {
	t.Helper()
	return New(provider, nil, zap.NewNop())
}

func standardFees() fees.Provider {
	return fees.NewStaticProvider(map[string]fees.Schedule{
		testMarket: {PlatformFeeBps: 250, RoyaltyBps: 500, RoyaltyRecipient: "royalty-account"},
	})
}

func TestRecordComputesExactSplit(t *testing.T) {
	// Worked example: gross 17.00, platform 250 bps, royalty 500 bps.
	l := newLedger(t, standardFees())
	fill := newFill("17.00", 1)

	trade, err := l.Record(context.Background(), fill, money.MustParse("17.00"), money.Zero)
	require.NoError(t, err)

	assert.Equal(t, money.MustParse("17.00"), trade.GrossValue)
	assert.Equal(t, money.MustParse("0.425"), trade.PlatformFee)
	assert.Equal(t, money.MustParse("0.85"), trade.RoyaltyFee)
	assert.Equal(t, money.MustParse("15.725"), trade.NetSellerAmount)
	assert.Equal(t, trade.GrossValue, trade.PlatformFee+trade.RoyaltyFee+trade.NetSellerAmount)
	assert.Equal(t, "royalty-account", trade.RoyaltyRecipient)
	assert.Equal(t, model.SettlementPending, trade.SettlementStatus)
	assert.Equal(t, int64(1), trade.Version)
	assert.Equal(t, fill.BuyerID(), trade.BuyerID)
	assert.Equal(t, fill.SellerID(), trade.SellerID)
}

func TestConservationAcrossFeeRange(t *testing.T) {
	for _, bps := range []int64{0, 1, 250, 3333, 9999, 10_000} {
		provider := fees.NewStaticProvider(map[string]fees.Schedule{
			testMarket: {PlatformFeeBps: bps, RoyaltyBps: 0},
		})
		l := newLedger(t, provider)
		// quantity of one smallest lot at an awkward price
		trade, err := l.Record(context.Background(), newFill("0.00000033", 1), money.Zero, money.Zero)
		require.NoError(t, err)
		assert.Equal(t, trade.GrossValue, trade.PlatformFee+trade.RoyaltyFee+trade.NetSellerAmount,
			"conservation must hold at %d bps", bps)
	}
}

func TestDuplicateFillRejected(t *testing.T) {
	l := newLedger(t, standardFees())
	fill := newFill("10.00", 5)

	_, err := l.Record(context.Background(), fill, money.Zero, money.Zero)
	require.NoError(t, err)
	_, err = l.Record(context.Background(), fill, money.Zero, money.Zero)
	assert.ErrorIs(t, err, ErrDuplicateFill)

	assert.Len(t, l.ListByMarket(testMarket, time.Time{}), 1)
}

func TestMissingFeeScheduleDoesNotBlock(t *testing.T) {
	l := newLedger(t, fees.NewStaticProvider(nil))
	trade, err := l.Record(context.Background(), newFill("10.00", 3), money.Zero, money.Zero)
	require.NoError(t, err)

	assert.True(t, trade.FeeScheduleMissing)
	assert.True(t, trade.PlatformFee.IsZero())
	assert.True(t, trade.RoyaltyFee.IsZero())
	assert.Equal(t, trade.GrossValue, trade.NetSellerAmount)
}

func TestInvalidFeeScheduleTreatedAsMissing(t *testing.T) {
	provider := fees.NewStaticProvider(map[string]fees.Schedule{
		testMarket: {PlatformFeeBps: 9_000, RoyaltyBps: 9_000},
	})
	l := newLedger(t, provider)
	trade, err := l.Record(context.Background(), newFill("10.00", 3), money.Zero, money.Zero)
	require.NoError(t, err)
	assert.True(t, trade.FeeScheduleMissing)
}

func TestListByMarketSince(t *testing.T) {
	l := newLedger(t, standardFees())
	old := newFill("10.00", 1)
	old.Timestamp = time.Now().Add(-time.Hour)
	recent := newFill("10.00", 2)

	_, err := l.Record(context.Background(), old, money.Zero, money.Zero)
	require.NoError(t, err)
	_, err = l.Record(context.Background(), recent, money.Zero, money.Zero)
	require.NoError(t, err)

	all := l.ListByMarket(testMarket, time.Time{})
	require.Len(t, all, 2)
	assert.Equal(t, old.ID, all[0].FillID, "append order preserved")

	filtered := l.ListByMarket(testMarket, time.Now().Add(-time.Minute))
	require.Len(t, filtered, 1)
	assert.Equal(t, recent.ID, filtered[0].FillID)

	assert.Empty(t, l.ListByMarket("OTHER", time.Time{}))
}

func TestUpdateSettlementVersionCheck(t *testing.T) {
	l := newLedger(t, standardFees())
	trade, err := l.Record(context.Background(), newFill("10.00", 1), money.Zero, money.Zero)
	require.NoError(t, err)

	updated, err := l.UpdateSettlement(context.Background(), trade.ID, trade.Version, func(t *model.Trade) {
		t.SettlementStatus = model.SettlementSubmitted
		t.LedgerTxRef = "tx-1"
	})
	require.NoError(t, err)
	assert.Equal(t, trade.Version+1, updated.Version)

	// A stale pass carrying the old version must be rejected.
	_, err = l.UpdateSettlement(context.Background(), trade.ID, trade.Version, func(t *model.Trade) {
		t.SettlementStatus = model.SettlementFailed
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := l.Get(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementSubmitted, got.SettlementStatus)

	_, err = l.UpdateSettlement(context.Background(), uuid.New(), 1, func(*model.Trade) {})
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestSubmittedBefore(t *testing.T) {
	l := newLedger(t, standardFees())
	stale := newFill("10.00", 1)
	stale.Timestamp = time.Now().Add(-time.Hour)
	trade, err := l.Record(context.Background(), stale, money.Zero, money.Zero)
	require.NoError(t, err)
	_, err = l.UpdateSettlement(context.Background(), trade.ID, 1, func(t *model.Trade) {
		t.SettlementStatus = model.SettlementSubmitted
	})
	require.NoError(t, err)

	fresh, err := l.Record(context.Background(), newFill("10.00", 1), money.Zero, money.Zero)
	require.NoError(t, err)
	_, err = l.UpdateSettlement(context.Background(), fresh.ID, 1, func(t *model.Trade) {
		t.SettlementStatus = model.SettlementSubmitted
	})
	require.NoError(t, err)

	stuck := l.SubmittedBefore(time.Now().Add(-time.Minute))
	require.Len(t, stuck, 1)
	assert.Equal(t, trade.ID, stuck[0].ID)
}

func TestGormWriteThrough(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	repo, err := NewGormRepository(db)
	require.NoError(t, err)

	l := New(standardFees(), repo, zap.NewNop())
	trade, err := l.Record(context.Background(), newFill("10.00", 2), money.Zero, money.Zero)
	require.NoError(t, err)

	_, err = l.UpdateSettlement(context.Background(), trade.ID, 1, func(t *model.Trade) {
		t.SettlementStatus = model.SettlementSettled
		t.LedgerTxRef = "tx-42"
	})
	require.NoError(t, err)

	var stored model.Trade
	require.NoError(t, db.First(&stored, "id = ?", trade.ID).Error)
	assert.Equal(t, model.SettlementSettled, stored.SettlementStatus)
	assert.Equal(t, "tx-42", stored.LedgerTxRef)
	assert.Equal(t, trade.GrossValue, stored.GrossValue)
}
