// Package trading wires the matching, ledger and settlement components into
// one service with a narrow API surface.
package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openpool/poolex/internal/ledgerclient"
	"github.com/openpool/poolex/internal/trading/fees"
	"github.com/openpool/poolex/internal/trading/ledger"
	"github.com/openpool/poolex/internal/trading/model"
	"github.com/openpool/poolex/internal/trading/orderbook"
	"github.com/openpool/poolex/internal/trading/router"
	"github.com/openpool/poolex/internal/trading/settlement"
)

// TradingService defines trading operations for dependency injection.
type TradingService interface {
	Start(ctx context.Context) error
	Stop() error
	SubmitOrder(ctx context.Context, order *model.Order) (*router.SubmitResult, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID) error
	GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	GetTrade(tradeID uuid.UUID) (*model.Trade, error)
	ListTradesByMarket(marketID string, since time.Time) []*model.Trade
	GetOrderBook(ctx context.Context, marketID string, depth int) (bids, asks []orderbook.Level, err error)
	Markets() []string
	ConfirmSettlement(ctx context.Context, ledgerTxRef string, outcome ledgerclient.TransferStatus) error
}

// Options carries everything NewService needs beyond its hard dependencies.
type Options struct {
	Markets          []string
	FeeSchedules     map[string]fees.Schedule
	DefaultSchedule  *fees.Schedule
	RouterConfig     router.Config
	SettlementConfig settlement.Config
}

// Service implements TradingService.
type Service struct {
	logger     *zap.Logger
	trades     *ledger.Ledger
	router     *router.Router
	reconciler *settlement.Reconciler

	opts   Options
	cancel context.CancelFunc
}

// NewService assembles the trading stack. db may be nil to run without the
// trade write-through store; ledgerClient is the external settlement ledger.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerClient ledgerclient.Client, opts Options) (*Service, error) {
	if len(opts.Markets) == 0 {
		return nil, fmt.Errorf("at least one market is required")
	}
	for id, s := range opts.FeeSchedules {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("fee schedule for %q: %w", id, err)
		}
	}

	provider := fees.NewStaticProvider(opts.FeeSchedules)
	if opts.DefaultSchedule != nil {
		if err := opts.DefaultSchedule.Validate(); err != nil {
			return nil, fmt.Errorf("default fee schedule: %w", err)
		}
		provider = provider.WithDefault(*opts.DefaultSchedule)
	}

	var repo ledger.Repository
	if db != nil {
		gormRepo, err := ledger.NewGormRepository(db)
		if err != nil {
			return nil, fmt.Errorf("trade store: %w", err)
		}
		repo = gormRepo
	}
	trades := ledger.New(provider, repo, logger)

	svc := &Service{logger: logger, trades: trades, opts: opts}

	// The router implements quantity reversal for the reconciler; the
	// reconciler receives trades from the router. Build router first with
	// a settler indirection to break the cycle.
	svc.reconciler = settlement.New(opts.SettlementConfig, trades, ledgerClient, nil, logger)
	svc.router = router.New(opts.RouterConfig, trades, svc.reconciler, logger)
	svc.reconciler.SetReverser(svc.router)

	return svc, nil
}

// Start launches market workers and the settlement pool. Stop cancels them.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, marketID := range s.opts.Markets {
		if err := s.router.AddMarket(runCtx, marketID); err != nil {
			cancel()
			return fmt.Errorf("add market %q: %w", marketID, err)
		}
	}
	s.reconciler.Start(runCtx)

	s.logger.Info("trading service started",
		zap.Strings("markets", s.opts.Markets))
	return nil
}

// Stop shuts the workers down and waits for them.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.router.Wait()
	s.reconciler.Wait()
	s.logger.Info("trading service stopped")
	return nil
}

func (s *Service) SubmitOrder(ctx context.Context, order *model.Order) (*router.SubmitResult, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = model.OrderStatusPending
	}
	return s.router.SubmitOrder(ctx, order)
}

func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID) error {
	return s.router.CancelOrder(ctx, orderID)
}

func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return s.router.GetOrder(ctx, orderID)
}

func (s *Service) GetTrade(tradeID uuid.UUID) (*model.Trade, error) {
	return s.trades.Get(tradeID)
}

func (s *Service) ListTradesByMarket(marketID string, since time.Time) []*model.Trade {
	return s.trades.ListByMarket(marketID, since)
}

func (s *Service) GetOrderBook(ctx context.Context, marketID string, depth int) ([]orderbook.Level, []orderbook.Level, error) {
	return s.router.Depth(ctx, marketID, depth)
}

func (s *Service) Markets() []string { return s.router.Markets() }

// ConfirmSettlement feeds an asynchronous ledger confirmation into the
// reconciler, typically from a webhook.
func (s *Service) ConfirmSettlement(ctx context.Context, ledgerTxRef string, outcome ledgerclient.TransferStatus) error {
	return s.reconciler.OnConfirmation(ctx, ledgerTxRef, outcome)
}
