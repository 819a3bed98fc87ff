// Package router is the single entry point for order flow. Each market gets
// one matching worker goroutine fed by a bounded queue, so all operations
// against one market are strictly serialized (linearizable matching) while
// different markets proceed concurrently. Matching work never blocks on
// I/O; settlement hand-off is a non-blocking enqueue.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openpool/poolex/internal/metrics"
	"github.com/openpool/poolex/internal/trading/ledger"
	"github.com/openpool/poolex/internal/trading/lifecycle"
	"github.com/openpool/poolex/internal/trading/model"
	"github.com/openpool/poolex/internal/trading/orderbook"
)

var (
	// ErrUnknownMarket rejects orders for markets the router was not
	// configured with.
	ErrUnknownMarket = model.Validationf("unknown market")

	// ErrMarketHalted is returned after a matching invariant violation
	// stopped the market pending operator investigation.
	ErrMarketHalted = errors.New("market halted")

	// ErrQueueFull signals backpressure on the market's inbound queue.
	ErrQueueFull = errors.New("market queue full")
)

// TradeSettler receives newly recorded trades; the settlement reconciler
// implements it.
type TradeSettler interface {
	Enqueue(tradeID uuid.UUID)
}

// Config tunes the router.
type Config struct {
	QueueSize           int
	ExpirySweepInterval time.Duration
}

// DefaultConfig returns sensible defaults for a single-process deployment.
func DefaultConfig() Config {
	return Config{QueueSize: 1024, ExpirySweepInterval: time.Second}
}

// SubmitResult is the synchronous answer to an order submission.
type SubmitResult struct {
	Order  *model.Order
	Fills  []model.Fill
	Trades []*model.Trade
}

type marketWorker struct {
	book      *orderbook.OrderBook
	lifecycle *lifecycle.Manager
	ops       chan func()
	halted    bool
}

// Router dispatches order operations to per-market workers.
type Router struct {
	cfg     Config
	trades  *ledger.Ledger
	settler TradeSettler
	logger  *zap.Logger

	mu            sync.RWMutex
	markets       map[string]*marketWorker
	orderToMarket map[uuid.UUID]string

	wg sync.WaitGroup
}

// New creates a router over the given trade ledger and settler.
func New(cfg Config, trades *ledger.Ledger, settler TradeSettler, logger *zap.Logger) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Router{
		cfg:           cfg,
		trades:        trades,
		settler:       settler,
		logger:        logger,
		markets:       make(map[string]*marketWorker),
		orderToMarket: make(map[uuid.UUID]string),
	}
}

// AddMarket registers a market and starts its matching worker. The worker
// stops when ctx is cancelled.
func (r *Router) AddMarket(ctx context.Context, marketID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[marketID]; exists {
		return model.Validationf("market %q already registered", marketID)
	}
	book := orderbook.New(marketID, r.logger)
	w := &marketWorker{
		book:      book,
		lifecycle: lifecycle.NewManager(book, r.logger),
		ops:       make(chan func(), r.cfg.QueueSize),
	}
	r.markets[marketID] = w

	r.wg.Add(1)
	go r.runWorker(ctx, marketID, w)
	return nil
}

// Markets lists registered market IDs.
func (r *Router) Markets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.markets))
	for id := range r.markets {
		out = append(out, id)
	}
	return out
}

// Wait blocks until every market worker has exited.
func (r *Router) Wait() { r.wg.Wait() }

func (r *Router) runWorker(ctx context.Context, marketID string, w *marketWorker) {
	defer r.wg.Done()
	var sweep <-chan time.Time
	if r.cfg.ExpirySweepInterval > 0 {
		ticker := time.NewTicker(r.cfg.ExpirySweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-w.ops:
			r.runOp(marketID, w, op)
		case <-sweep:
			r.runOp(marketID, w, func() {
				expired := w.lifecycle.SweepExpired(time.Now().UTC())
				if len(expired) > 0 {
					r.logger.Info("expired resting orders",
						zap.String("market", marketID),
						zap.Int("count", len(expired)))
				}
			})
		}
	}
}

// runOp executes one serialized operation, containing invariant panics: the
// market is halted and alerted, never silently continued on corrupt state,
// and one bad order never kills the worker loop.
func (r *Router) runOp(marketID string, w *marketWorker, op func()) {
	defer func() {
		if rec := recover(); rec != nil {
			w.halted = true
			if iv, ok := rec.(*orderbook.InvariantViolation); ok {
				r.logger.Error("matching invariant violated, halting market",
					zap.String("market", marketID),
					zap.String("reason", iv.Reason))
				return
			}
			r.logger.Error("market worker panic, halting market",
				zap.String("market", marketID),
				zap.Any("panic", rec),
				zap.Stack("stack"))
		}
	}()
	op()
}

func (r *Router) worker(marketID string) (*marketWorker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.markets[marketID]
	if !ok {
		return nil, ErrUnknownMarket
	}
	return w, nil
}

// dispatch enqueues op on the market's queue and waits for completion.
func (r *Router) dispatch(ctx context.Context, w *marketWorker, op func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		op()
	}
	select {
	case w.ops <- wrapped:
	default:
		return ErrQueueFull
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// SubmitOrder validates, matches and records an order synchronously on its
// market's worker, returning the initial fills and the trades they produced.
func (r *Router) SubmitOrder(ctx context.Context, order *model.Order) (*SubmitResult, error) {
	if err := order.Validate(); err != nil {
		metrics.OrdersRejected.WithLabelValues(order.MarketID, "validation").Inc()
		return nil, err
	}
	w, err := r.worker(order.MarketID)
	if err != nil {
		return nil, err
	}

	var result *SubmitResult
	var opErr error
	err = r.dispatch(ctx, w, func() {
		if w.halted {
			opErr = ErrMarketHalted
			return
		}
		result, opErr = r.processSubmission(ctx, w, order)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	if result == nil {
		// The op panicked mid-match and was recovered by the worker.
		return nil, ErrMarketHalted
	}
	return result, nil
}

// processSubmission runs entirely on the market worker.
func (r *Router) processSubmission(ctx context.Context, w *marketWorker, order *model.Order) (*SubmitResult, error) {
	started := time.Now()
	defer func() {
		metrics.MatchDuration.WithLabelValues(order.MarketID).Observe(time.Since(started).Seconds())
	}()

	w.lifecycle.Register(order)

	priceBefore, _ := w.book.BestOpposite(order.Side)
	fills, err := w.book.Submit(order)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(order.MarketID, rejectReason(err)).Inc()
		return nil, err
	}
	priceAfter, _ := w.book.BestOpposite(order.Side)

	w.lifecycle.BeginPass(fills, order)
	w.lifecycle.ApplyFills(order, fills)
	w.lifecycle.EndPass()
	w.lifecycle.FinalizeSubmission(order)

	r.mu.Lock()
	r.orderToMarket[order.ID] = order.MarketID
	r.mu.Unlock()

	trades := make([]*model.Trade, 0, len(fills))
	for _, fill := range fills {
		trade, err := r.trades.Record(ctx, fill, priceBefore, priceAfter)
		if err != nil {
			// Fills are unique per pass; a duplicate here is a logic bug.
			r.logger.Error("trade record failed",
				zap.String("fill_id", fill.ID.String()), zap.Error(err))
			continue
		}
		trades = append(trades, trade)
		if r.settler != nil {
			r.settler.Enqueue(trade.ID)
		}
	}

	metrics.OrdersSubmitted.WithLabelValues(order.MarketID, order.Status).Inc()
	if len(fills) > 0 {
		metrics.Fills.WithLabelValues(order.MarketID).Add(float64(len(fills)))
		var qty int64
		for _, f := range fills {
			qty += f.Quantity
		}
		metrics.FillQuantity.WithLabelValues(order.MarketID).Add(float64(qty))
	}

	r.logger.Info("order processed",
		zap.String("market", order.MarketID),
		zap.String("order_id", order.ID.String()),
		zap.String("status", order.Status),
		zap.Int("fills", len(fills)))

	return &SubmitResult{Order: order, Fills: fills, Trades: trades}, nil
}

// rejectReason buckets submit errors for the rejection counter.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, orderbook.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case model.IsValidation(err):
		return "validation"
	default:
		return "other"
	}
}

// CancelOrder cancels a live order, serialized on its market's worker.
func (r *Router) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	r.mu.RLock()
	marketID, ok := r.orderToMarket[orderID]
	r.mu.RUnlock()
	if !ok {
		return lifecycle.ErrOrderNotFound
	}
	w, err := r.worker(marketID)
	if err != nil {
		return err
	}
	var opErr error
	if err := r.dispatch(ctx, w, func() {
		if w.halted {
			opErr = ErrMarketHalted
			return
		}
		opErr = w.lifecycle.Cancel(orderID)
	}); err != nil {
		return err
	}
	return opErr
}

// GetOrder returns a snapshot of any order the router has seen.
func (r *Router) GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	r.mu.RLock()
	marketID, ok := r.orderToMarket[orderID]
	r.mu.RUnlock()
	if !ok {
		return nil, lifecycle.ErrOrderNotFound
	}
	w, err := r.worker(marketID)
	if err != nil {
		return nil, err
	}
	var snapshot model.Order
	var opErr error
	if err := r.dispatch(ctx, w, func() {
		o, ok := w.lifecycle.Get(orderID)
		if !ok {
			opErr = lifecycle.ErrOrderNotFound
			return
		}
		snapshot = *o
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return &snapshot, nil
}

// Depth returns an aggregated book snapshot for one market.
func (r *Router) Depth(ctx context.Context, marketID string, levels int) (bids, asks []orderbook.Level, err error) {
	w, err := r.worker(marketID)
	if err != nil {
		return nil, nil, err
	}
	err = r.dispatch(ctx, w, func() {
		bids, asks = w.book.Depth(levels)
	})
	return bids, asks, err
}

// RestoreOrderQuantity implements settlement.OrderReverser: the restore runs
// on the owning market's worker, fire-and-forget, so the reconciler never
// blocks matching.
func (r *Router) RestoreOrderQuantity(marketID string, orderID uuid.UUID, qty int64) {
	w, err := r.worker(marketID)
	if err != nil {
		r.logger.Error("reversal for unknown market", zap.String("market", marketID))
		return
	}
	op := func() {
		if w.lifecycle.RestoreQuantity(orderID, qty) {
			r.logger.Info("restored quantity after failed settlement",
				zap.String("market", marketID),
				zap.String("order_id", orderID.String()),
				zap.Int64("quantity", qty))
		}
	}
	select {
	case w.ops <- op:
	default:
		r.logger.Error("reversal dropped, market queue full",
			zap.String("market", marketID),
			zap.String("order_id", orderID.String()))
	}
}
