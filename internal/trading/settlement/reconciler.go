// Package settlement reconciles recorded trades against the external
// ledger. A pool of workers submits atomic multi-party transfers, tracks
// confirmation, and drives each trade to SETTLED, FAILED or DISPUTED under
// partial failure. Submission is at-least-once; the client-generated
// idempotency token makes the on-chain effect at-most-once.
//
// Settlement is the only part of the system allowed to block on I/O; it is
// fully isolated from the matching workers.
package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openpool/poolex/internal/ledgerclient"
	"github.com/openpool/poolex/internal/metrics"
	"github.com/openpool/poolex/internal/trading/ledger"
	"github.com/openpool/poolex/internal/trading/model"
)

// tokenNamespace fixes the derivation of idempotency tokens from trade IDs,
// so a token can be recomputed after a crash.
var tokenNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// IdempotencyToken derives the stable submission token for a trade.
func IdempotencyToken(tradeID uuid.UUID) string {
	return uuid.NewSHA1(tokenNamespace, []byte("trade:"+tradeID.String())).String()
}

// OrderReverser restores matched quantity to orders after a permanently
// failed settlement. The router implements it by scheduling the restore on
// the owning market's worker.
type OrderReverser interface {
	RestoreOrderQuantity(marketID string, orderID uuid.UUID, qty int64)
}

// Config tunes the reconciler.
type Config struct {
	Workers         int
	QueueSize       int
	MaxAttempts     int
	BackoffBase     time.Duration
	AttemptTimeout  time.Duration
	ConfirmTimeout  time.Duration // how long a SUBMITTED trade may sit before the sweep re-queries it
	SweepInterval   time.Duration
	PlatformAccount string
}

// DefaultConfig mirrors the documented retry policy: base 2s backoff,
// five attempts.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       1024,
		MaxAttempts:     5,
		BackoffBase:     2 * time.Second,
		AttemptTimeout:  10 * time.Second,
		ConfirmTimeout:  time.Minute,
		SweepInterval:   30 * time.Second,
		PlatformAccount: "platform-fees",
	}
}

// Reconciler owns every write to a trade's settlement fields.
type Reconciler struct {
	cfg      Config
	trades   *ledger.Ledger
	client   ledgerclient.Client
	reverser OrderReverser
	logger   *zap.Logger

	queue chan uuid.UUID
	wg    sync.WaitGroup

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a reconciler; Start launches its workers.
func New(cfg Config, trades *ledger.Ledger, client ledgerclient.Client, reverser OrderReverser, logger *zap.Logger) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Reconciler{
		cfg:      cfg,
		trades:   trades,
		client:   client,
		reverser: reverser,
		logger:   logger,
		queue:    make(chan uuid.UUID, cfg.QueueSize),
		sleep:    sleepCtx,
	}
}

// SetReverser installs the quantity reverser after construction. The router
// needs the reconciler at build time and vice versa; wiring resolves the
// cycle by setting the reverser last, before Start.
func (r *Reconciler) SetReverser(rev OrderReverser) { r.reverser = rev }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start launches the submission workers and the periodic reconcile sweep.
// It returns immediately; cancel ctx to stop.
func (r *Reconciler) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case tradeID := <-r.queue:
					r.process(ctx, tradeID)
				}
			}
		}()
	}
	if r.cfg.SweepInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(r.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.Reconcile(ctx)
				}
			}
		}()
	}
}

// Wait blocks until all workers have drained after ctx cancellation.
func (r *Reconciler) Wait() { r.wg.Wait() }

// Enqueue schedules a recorded trade for submission. A full queue is not an
// error: the periodic sweep picks up anything still PENDING_SETTLEMENT.
func (r *Reconciler) Enqueue(tradeID uuid.UUID) {
	select {
	case r.queue <- tradeID:
		metrics.SettlementQueueDepth.Set(float64(len(r.queue)))
	default:
		r.logger.Warn("settlement queue full, deferring to sweep",
			zap.String("trade_id", tradeID.String()))
	}
}

// process drives one trade from PENDING_SETTLEMENT to a terminal or parked
// state. Errors never escape: outcomes land on the trade record.
func (r *Reconciler) process(ctx context.Context, tradeID uuid.UUID) {
	trade, err := r.trades.Get(tradeID)
	if err != nil {
		r.logger.Error("settlement for unknown trade", zap.String("trade_id", tradeID.String()))
		return
	}
	if trade.SettlementStatus != model.SettlementPending {
		return // already handled by an earlier pass
	}

	token := IdempotencyToken(trade.ID)
	legs := r.buildLegs(trade)

	// Crash recovery: a previous run may have submitted this token already.
	if prior, found, err := r.client.FindTransferByToken(ctx, token); err == nil && found {
		r.adoptSubmission(ctx, trade, prior)
		return
	}

	for attempt := trade.Attempts + 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		result, err := r.client.SubmitTransfer(attemptCtx, token, legs)
		cancel()

		trade = r.bumpAttempts(ctx, trade, err)
		if trade == nil {
			return // lost the version race; another pass owns this trade
		}

		switch {
		case err == nil && result.Status == ledgerclient.SubmitAccepted:
			r.adoptSubmission(ctx, trade, result)
			return
		case err == nil: // synchronous REJECTED
			r.fail(ctx, trade, "ledger rejected transfer")
			return
		case ledgerclient.IsPermanent(err):
			r.fail(ctx, trade, err.Error())
			return
		case ledgerclient.IsAmbiguous(err):
			// Before retrying an ambiguous submit, ask whether it landed.
			if prior, found, qerr := r.client.FindTransferByToken(ctx, token); qerr == nil && found {
				r.adoptSubmission(ctx, trade, prior)
				return
			}
		case ledgerclient.IsTransient(err):
			// fall through to backoff
		default:
			r.logger.Error("unclassified ledger error treated as transient",
				zap.String("trade_id", trade.ID.String()), zap.Error(err))
		}

		if attempt < r.cfg.MaxAttempts {
			metrics.SettlementRetries.Inc()
			if r.sleep(ctx, r.backoff(attempt)) != nil {
				return
			}
			continue
		}

		// Retries exhausted. An ambiguous ending is never guessed at.
		if ledgerclient.IsAmbiguous(err) {
			r.dispute(ctx, trade, err.Error())
		} else {
			r.fail(ctx, trade, fmt.Sprintf("retries exhausted: %v", err))
		}
		return
	}
}

func (r *Reconciler) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// buildLegs constructs the atomic transfer: buyer pays gross, seller
// receives the net residual, platform and royalty recipient receive their
// fees. Legs always net to zero because the split is conservative by
// construction.
func (r *Reconciler) buildLegs(trade *model.Trade) []ledgerclient.TransferLeg {
	legs := []ledgerclient.TransferLeg{
		{Account: trade.BuyerID.String(), Amount: trade.GrossValue, Direction: ledgerclient.DirectionDebit},
		{Account: trade.SellerID.String(), Amount: trade.NetSellerAmount, Direction: ledgerclient.DirectionCredit},
	}
	if trade.PlatformFee.IsPositive() {
		legs = append(legs, ledgerclient.TransferLeg{
			Account: r.cfg.PlatformAccount, Amount: trade.PlatformFee, Direction: ledgerclient.DirectionCredit,
		})
	}
	if trade.RoyaltyFee.IsPositive() {
		legs = append(legs, ledgerclient.TransferLeg{
			Account: trade.RoyaltyRecipient, Amount: trade.RoyaltyFee, Direction: ledgerclient.DirectionCredit,
		})
	}
	return legs
}

// bumpAttempts persists the attempt counter; returns the refreshed trade or
// nil when a concurrent pass already advanced it.
func (r *Reconciler) bumpAttempts(ctx context.Context, trade *model.Trade, attemptErr error) *model.Trade {
	updated, err := r.trades.UpdateSettlement(ctx, trade.ID, trade.Version, func(t *model.Trade) {
		t.Attempts++
		if attemptErr != nil {
			t.LastError = attemptErr.Error()
		}
	})
	if err != nil {
		r.logger.Warn("attempt bump lost version race",
			zap.String("trade_id", trade.ID.String()), zap.Error(err))
		return nil
	}
	return updated
}

// adoptSubmission records an accepted submission and immediately checks
// finality once; an unconfirmed transfer stays SUBMITTED for the sweep.
func (r *Reconciler) adoptSubmission(ctx context.Context, trade *model.Trade, result ledgerclient.SubmitResult) {
	updated, err := r.trades.UpdateSettlement(ctx, trade.ID, trade.Version, func(t *model.Trade) {
		t.SettlementStatus = model.SettlementSubmitted
		t.LedgerTxRef = result.LedgerTxRef
		t.LastError = ""
	})
	if err != nil {
		r.logger.Warn("submission adopt lost version race",
			zap.String("trade_id", trade.ID.String()), zap.Error(err))
		return
	}
	status, err := r.client.GetTransferStatus(ctx, result.LedgerTxRef)
	if err != nil {
		return // sweep will follow up
	}
	r.applyOutcome(ctx, updated, status)
}

// OnConfirmation is the external finality callback: the ledger (or its
// gateway) reports the terminal status for a transfer reference.
func (r *Reconciler) OnConfirmation(ctx context.Context, ledgerTxRef string, outcome ledgerclient.TransferStatus) error {
	trade, err := r.trades.FindByLedgerTxRef(ledgerTxRef)
	if err != nil {
		return fmt.Errorf("confirmation for unknown transfer %s: %w", ledgerTxRef, err)
	}
	r.applyOutcome(ctx, trade, outcome)
	return nil
}

func (r *Reconciler) applyOutcome(ctx context.Context, trade *model.Trade, status ledgerclient.TransferStatus) {
	if trade.SettlementTerminal() {
		return
	}
	switch status {
	case ledgerclient.StatusConfirmed:
		r.settle(ctx, trade)
	case ledgerclient.StatusFailed:
		r.fail(ctx, trade, "ledger reported transfer failed")
	case ledgerclient.StatusPending:
		// finality not reached; sweep tries again
	case ledgerclient.StatusUnknown:
		if trade.Attempts >= r.cfg.MaxAttempts {
			r.dispute(ctx, trade, "ledger reports unknown after max retries")
		} else {
			r.bumpAttempts(ctx, trade, fmt.Errorf("transfer status unknown"))
		}
	}
}

func (r *Reconciler) settle(ctx context.Context, trade *model.Trade) {
	now := time.Now().UTC()
	_, err := r.trades.UpdateSettlement(ctx, trade.ID, trade.Version, func(t *model.Trade) {
		t.SettlementStatus = model.SettlementSettled
		t.SettledAt = &now
		t.LastError = ""
	})
	if err != nil {
		r.logger.Warn("settle lost version race", zap.String("trade_id", trade.ID.String()), zap.Error(err))
		return
	}
	metrics.SettlementOutcomes.WithLabelValues("settled").Inc()
	r.logger.Info("trade settled",
		zap.String("trade_id", trade.ID.String()),
		zap.String("market", trade.MarketID),
		zap.String("ledger_tx_ref", trade.LedgerTxRef))
}

// fail marks the trade FAILED and reverses the matched quantity on both
// orders. Legs are ledger-atomic, so a failed transfer moved no funds on
// either side.
func (r *Reconciler) fail(ctx context.Context, trade *model.Trade, reason string) {
	_, err := r.trades.UpdateSettlement(ctx, trade.ID, trade.Version, func(t *model.Trade) {
		t.SettlementStatus = model.SettlementFailed
		t.LastError = reason
	})
	if err != nil {
		r.logger.Warn("fail lost version race", zap.String("trade_id", trade.ID.String()), zap.Error(err))
		return
	}
	metrics.SettlementOutcomes.WithLabelValues("failed").Inc()
	r.logger.Error("trade settlement failed",
		zap.String("trade_id", trade.ID.String()),
		zap.String("market", trade.MarketID),
		zap.String("reason", reason))
	if r.reverser != nil {
		r.reverser.RestoreOrderQuantity(trade.MarketID, trade.MakerOrderID, trade.Quantity)
		r.reverser.RestoreOrderQuantity(trade.MarketID, trade.TakerOrderID, trade.Quantity)
	}
}

func (r *Reconciler) dispute(ctx context.Context, trade *model.Trade, reason string) {
	_, err := r.trades.UpdateSettlement(ctx, trade.ID, trade.Version, func(t *model.Trade) {
		t.SettlementStatus = model.SettlementDisputed
		t.LastError = reason
	})
	if err != nil {
		r.logger.Warn("dispute lost version race", zap.String("trade_id", trade.ID.String()), zap.Error(err))
		return
	}
	metrics.SettlementOutcomes.WithLabelValues("disputed").Inc()
	r.logger.Error("trade settlement disputed, manual resolution required",
		zap.String("trade_id", trade.ID.String()),
		zap.String("market", trade.MarketID),
		zap.String("reason", reason))
}

// Reconcile is the periodic sweep: it re-enqueues PENDING_SETTLEMENT trades
// that slipped past the queue (or predate a crash) and re-queries the
// ledger for SUBMITTED trades older than the confirmation timeout.
func (r *Reconciler) Reconcile(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.ConfirmTimeout)

	for _, trade := range r.trades.PendingBefore(cutoff) {
		r.Enqueue(trade.ID)
	}

	for _, trade := range r.trades.SubmittedBefore(cutoff) {
		status, err := r.client.GetTransferStatus(ctx, trade.LedgerTxRef)
		if err != nil {
			r.logger.Warn("reconcile status query failed",
				zap.String("trade_id", trade.ID.String()), zap.Error(err))
			continue
		}
		r.applyOutcome(ctx, trade, status)
	}
}
