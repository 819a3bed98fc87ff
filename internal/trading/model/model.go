package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openpool/poolex/internal/money"
)

// Constants for order sides, kinds, statuses and time in force options.
const (
	// Order sides
	SideBid = "BID"
	SideAsk = "ASK"

	// Order kinds
	KindLimit  = "LIMIT"
	KindMarket = "MARKET"

	// Order statuses
	OrderStatusPending         = "PENDING"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusExpired         = "EXPIRED"

	// Time in force
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill

	// Trade settlement statuses
	SettlementPending   = "PENDING_SETTLEMENT"
	SettlementSubmitted = "SUBMITTED"
	SettlementSettled   = "SETTLED"
	SettlementFailed    = "FAILED"
	SettlementDisputed  = "DISPUTED"
)

// ValidationError marks malformed input rejected synchronously before any
// state change.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError anywhere in its chain.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Order represents a buy or sell order for pool-token shares in one market.
type Order struct {
	ID             uuid.UUID   `json:"id"`
	MarketID       string      `json:"market_id"`
	TraderID       uuid.UUID   `json:"trader_id"`
	Side           string      `json:"side"`
	Kind           string      `json:"kind"`
	Quantity       int64       `json:"quantity"`
	FilledQuantity int64       `json:"filled_quantity"`
	LimitPrice     money.Money `json:"limit_price"` // zero for MARKET orders
	Status         string      `json:"status"`
	TimeInForce    string      `json:"time_in_force"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	FilledAt       *time.Time  `json:"filled_at,omitempty"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Quantity - o.FilledQuantity }

// IsTerminal reports whether the order can never fill again.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Validate rejects malformed orders before they reach the book.
func (o *Order) Validate() error {
	if o.MarketID == "" {
		return Validationf("market id is required")
	}
	if o.TraderID == uuid.Nil {
		return Validationf("trader id is required")
	}
	if o.Side != SideBid && o.Side != SideAsk {
		return Validationf("unknown side %q", o.Side)
	}
	if o.Kind != KindLimit && o.Kind != KindMarket {
		return Validationf("unknown order kind %q", o.Kind)
	}
	if o.Quantity <= 0 {
		return Validationf("quantity must be positive, got %d", o.Quantity)
	}
	if o.Kind == KindLimit && !o.LimitPrice.IsPositive() {
		return Validationf("limit price must be positive, got %s", o.LimitPrice)
	}
	if o.Kind == KindMarket && !o.LimitPrice.IsZero() {
		return Validationf("market orders carry no limit price")
	}
	switch o.TimeInForce {
	case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
	default:
		return Validationf("unknown time in force %q", o.TimeInForce)
	}
	if o.ExpiresAt != nil && !o.ExpiresAt.After(o.CreatedAt) {
		return Validationf("expiry must be after creation time")
	}
	return nil
}

// Fill is the ephemeral record of one match, produced exactly once by the
// order book and consumed by the lifecycle manager and the trade ledger.
type Fill struct {
	ID            uuid.UUID   `json:"id"`
	MarketID      string      `json:"market_id"`
	MakerOrderID  uuid.UUID   `json:"maker_order_id"`
	TakerOrderID  uuid.UUID   `json:"taker_order_id"`
	MakerTraderID uuid.UUID   `json:"maker_trader_id"`
	TakerTraderID uuid.UUID   `json:"taker_trader_id"`
	Price         money.Money `json:"price"` // the resting order's price
	Quantity      int64       `json:"quantity"`
	TakerSide     string      `json:"taker_side"`
	Timestamp     time.Time   `json:"timestamp"`
}

// BuyerID returns the trader on the bid side of the fill.
func (f *Fill) BuyerID() uuid.UUID {
	if f.TakerSide == SideBid {
		return f.TakerTraderID
	}
	return f.MakerTraderID
}

// SellerID returns the trader on the ask side of the fill.
func (f *Fill) SellerID() uuid.UUID {
	if f.TakerSide == SideBid {
		return f.MakerTraderID
	}
	return f.TakerTraderID
}

// Trade is the durable record derived 1:1 from a Fill. Monetary fields are
// exact: GrossValue == PlatformFee + RoyaltyFee + NetSellerAmount always.
// Settlement fields are written only by the settlement reconciler under an
// optimistic version check.
type Trade struct {
	ID                 uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	FillID             uuid.UUID   `json:"fill_id" gorm:"type:uuid;uniqueIndex"`
	MarketID           string      `json:"market_id" gorm:"index:idx_trades_market_time,priority:1"`
	MakerOrderID       uuid.UUID   `json:"maker_order_id" gorm:"type:uuid"`
	TakerOrderID       uuid.UUID   `json:"taker_order_id" gorm:"type:uuid"`
	BuyerID            uuid.UUID   `json:"buyer_id" gorm:"type:uuid"`
	SellerID           uuid.UUID   `json:"seller_id" gorm:"type:uuid"`
	TakerSide          string      `json:"taker_side"`
	Price              money.Money `json:"price"`
	Quantity           int64       `json:"quantity"`
	GrossValue         money.Money `json:"gross_value"`
	PlatformFee        money.Money `json:"platform_fee"`
	RoyaltyFee         money.Money `json:"royalty_fee"`
	NetSellerAmount    money.Money `json:"net_seller_amount"`
	RoyaltyRecipient   string      `json:"royalty_recipient,omitempty"`
	FeeScheduleMissing bool        `json:"fee_schedule_missing"`
	PriceBeforeFill    money.Money `json:"price_before_fill"`
	PriceAfterFill     money.Money `json:"price_after_fill"`
	SettlementStatus   string      `json:"settlement_status" gorm:"index"`
	LedgerTxRef        string      `json:"ledger_tx_ref,omitempty"`
	Attempts           int         `json:"attempts"`
	LastError          string      `json:"last_error,omitempty"`
	Version            int64       `json:"version"`
	ExecutedAt         time.Time   `json:"executed_at" gorm:"index:idx_trades_market_time,priority:2"`
	SettledAt          *time.Time  `json:"settled_at,omitempty"`
}

// SettlementTerminal reports whether the trade's settlement can no longer
// change automatically.
func (t *Trade) SettlementTerminal() bool {
	switch t.SettlementStatus {
	case SettlementSettled, SettlementFailed, SettlementDisputed:
		return true
	}
	return false
}
