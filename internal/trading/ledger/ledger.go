// Package ledger implements the durable, append-only record of executed
// trades. Each Fill becomes exactly one Trade, with its fee/royalty split
// computed at execution time using exact fixed-point arithmetic and its
// price-impact metrics captured around the match.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openpool/poolex/internal/money"
	"github.com/openpool/poolex/internal/trading/fees"
	"github.com/openpool/poolex/internal/trading/model"
)

var (
	// ErrDuplicateFill rejects a replayed fill; fillID is the idempotency key.
	ErrDuplicateFill = errors.New("fill already recorded")

	// ErrTradeNotFound means no trade exists for the given ID.
	ErrTradeNotFound = errors.New("trade not found")

	// ErrVersionConflict rejects a settlement write based on stale state.
	ErrVersionConflict = errors.New("trade version conflict")
)

// Repository persists trades behind the in-memory log. Implementations must
// tolerate replays of the same trade ID (upsert semantics).
type Repository interface {
	SaveTrade(ctx context.Context, trade *model.Trade) error
	UpdateTrade(ctx context.Context, trade *model.Trade) error
}

// Ledger is the append-only trade log. Market workers append; the settlement
// reconciler is the only writer of settlement fields, under an optimistic
// version check.
type Ledger struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*model.Trade
	byFill   map[uuid.UUID]uuid.UUID
	byMarket map[string][]*model.Trade // append order per market

	feeProvider fees.Provider
	repo        Repository // optional write-through store
	logger      *zap.Logger
}

// New creates a ledger. repo may be nil for purely in-memory operation
// (tests); feeProvider must not be nil.
func New(feeProvider fees.Provider, repo Repository, logger *zap.Logger) *Ledger {
	return &Ledger{
		byID:        make(map[uuid.UUID]*model.Trade),
		byFill:      make(map[uuid.UUID]uuid.UUID),
		byMarket:    make(map[string][]*model.Trade),
		feeProvider: feeProvider,
		repo:        repo,
		logger:      logger,
	}
}

// Record appends the trade derived from a fill. Replays of the same fillID
// return ErrDuplicateFill and no state change. A missing or invalid fee
// schedule records the trade with zeroed fees and FeeScheduleMissing set:
// fee configuration problems must never block matching.
func (l *Ledger) Record(ctx context.Context, fill model.Fill, priceBefore, priceAfter money.Money) (*model.Trade, error) {
	gross := fill.Price.MulUnits(fill.Quantity)

	trade := &model.Trade{
		ID:               uuid.New(),
		FillID:           fill.ID,
		MarketID:         fill.MarketID,
		MakerOrderID:     fill.MakerOrderID,
		TakerOrderID:     fill.TakerOrderID,
		BuyerID:          fill.BuyerID(),
		SellerID:         fill.SellerID(),
		TakerSide:        fill.TakerSide,
		Price:            fill.Price,
		Quantity:         fill.Quantity,
		GrossValue:       gross,
		PriceBeforeFill:  priceBefore,
		PriceAfterFill:   priceAfter,
		SettlementStatus: model.SettlementPending,
		Version:          1,
		ExecutedAt:       fill.Timestamp,
	}

	schedule, err := l.feeProvider.GetFeeSchedule(fill.MarketID)
	if err == nil {
		err = schedule.Validate()
	}
	if err != nil {
		trade.FeeScheduleMissing = true
		l.logger.Warn("recording trade with zeroed fees",
			zap.String("market", fill.MarketID),
			zap.String("fill_id", fill.ID.String()),
			zap.Error(err))
	} else {
		trade.PlatformFee, trade.RoyaltyFee, trade.NetSellerAmount =
			money.SplitBps(gross, schedule.PlatformFeeBps, schedule.RoyaltyBps)
		trade.RoyaltyRecipient = schedule.RoyaltyRecipient
	}
	if trade.FeeScheduleMissing {
		trade.NetSellerAmount = gross
	}

	l.mu.Lock()
	if _, dup := l.byFill[fill.ID]; dup {
		l.mu.Unlock()
		return nil, ErrDuplicateFill
	}
	l.byFill[fill.ID] = trade.ID
	l.byID[trade.ID] = trade
	l.byMarket[trade.MarketID] = append(l.byMarket[trade.MarketID], trade)
	l.mu.Unlock()

	if l.repo != nil {
		if err := l.repo.SaveTrade(ctx, trade); err != nil {
			// The in-memory append already happened exactly once; the next
			// settlement write retries persistence of the full row.
			l.logger.Error("trade write-through failed",
				zap.String("trade_id", trade.ID.String()), zap.Error(err))
		}
	}
	return copyTrade(trade), nil
}

// Get returns a snapshot of one trade.
func (l *Ledger) Get(tradeID uuid.UUID) (*model.Trade, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	trade, ok := l.byID[tradeID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(trade), nil
}

// ListByMarket returns the market's trades executed at or after since, in
// append order.
func (l *Ledger) ListByMarket(marketID string, since time.Time) []*model.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*model.Trade
	for _, trade := range l.byMarket[marketID] {
		if trade.ExecutedAt.Before(since) {
			continue
		}
		out = append(out, copyTrade(trade))
	}
	return out
}

// UpdateSettlement applies a settlement mutation when the caller's expected
// version still matches; stale reconciliation passes get ErrVersionConflict.
// Only the settlement reconciler calls this.
func (l *Ledger) UpdateSettlement(ctx context.Context, tradeID uuid.UUID, expectedVersion int64, mutate func(*model.Trade)) (*model.Trade, error) {
	l.mu.Lock()
	trade, ok := l.byID[tradeID]
	if !ok {
		l.mu.Unlock()
		return nil, ErrTradeNotFound
	}
	if trade.Version != expectedVersion {
		l.mu.Unlock()
		return nil, ErrVersionConflict
	}
	mutate(trade)
	trade.Version++
	snapshot := copyTrade(trade)
	l.mu.Unlock()

	if l.repo != nil {
		if err := l.repo.UpdateTrade(ctx, snapshot); err != nil {
			l.logger.Error("settlement update write-through failed",
				zap.String("trade_id", tradeID.String()), zap.Error(err))
		}
	}
	return snapshot, nil
}

// SubmittedBefore returns snapshots of trades stuck in SUBMITTED since
// before the cutoff, oldest first; the reconcile sweep re-queries these
// against the external ledger.
func (l *Ledger) SubmittedBefore(cutoff time.Time) []*model.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*model.Trade
	for _, trade := range l.byID {
		if trade.SettlementStatus == model.SettlementSubmitted && trade.ExecutedAt.Before(cutoff) {
			out = append(out, copyTrade(trade))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out
}

// PendingBefore returns trades still PENDING_SETTLEMENT that were executed
// before the cutoff; the sweep re-enqueues submissions lost to a crash or a
// full queue.
func (l *Ledger) PendingBefore(cutoff time.Time) []*model.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*model.Trade
	for _, trade := range l.byID {
		if trade.SettlementStatus == model.SettlementPending && trade.ExecutedAt.Before(cutoff) {
			out = append(out, copyTrade(trade))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out
}

// FindByLedgerTxRef resolves the trade a ledger confirmation refers to.
func (l *Ledger) FindByLedgerTxRef(ledgerTxRef string) (*model.Trade, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, trade := range l.byID {
		if trade.LedgerTxRef == ledgerTxRef {
			return copyTrade(trade), nil
		}
	}
	return nil, ErrTradeNotFound
}

func copyTrade(t *model.Trade) *model.Trade {
	cp := *t
	return &cp
}
