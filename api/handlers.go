package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openpool/poolex/internal/ledgerclient"
	"github.com/openpool/poolex/internal/money"
	"github.com/openpool/poolex/internal/trading/ledger"
	"github.com/openpool/poolex/internal/trading/lifecycle"
	"github.com/openpool/poolex/internal/trading/model"
	"github.com/openpool/poolex/internal/trading/router"
)

type submitOrderRequest struct {
	MarketID    string     `json:"market_id" binding:"required"`
	TraderID    string     `json:"trader_id" binding:"required,uuid"`
	Side        string     `json:"side" binding:"required,oneof=BID ASK"`
	Kind        string     `json:"kind" binding:"required,oneof=LIMIT MARKET"`
	Quantity    int64      `json:"quantity" binding:"required,gt=0"`
	LimitPrice  string     `json:"limit_price,omitempty"`
	TimeInForce string     `json:"time_in_force,omitempty" binding:"omitempty,oneof=GTC IOC FOK"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type submitOrderResponse struct {
	Order  *model.Order   `json:"order"`
	Fills  []model.Fill   `json:"fills"`
	Trades []*model.Trade `json:"trades"`
}

type confirmationRequest struct {
	LedgerTxRef string `json:"ledger_tx_ref" binding:"required"`
	Outcome     string `json:"outcome" binding:"required,oneof=CONFIRMED FAILED"`
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order := &model.Order{
		MarketID:    req.MarketID,
		TraderID:    uuid.MustParse(req.TraderID),
		Side:        req.Side,
		Kind:        req.Kind,
		Quantity:    req.Quantity,
		TimeInForce: req.TimeInForce,
		ExpiresAt:   req.ExpiresAt,
	}
	if order.TimeInForce == "" {
		order.TimeInForce = model.TimeInForceGTC
	}
	if req.LimitPrice != "" {
		price, err := money.Parse(req.LimitPrice)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit_price: " + err.Error()})
			return
		}
		order.LimitPrice = price
	}

	result, err := s.trading.SubmitOrder(c.Request.Context(), order)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, submitOrderResponse{
		Order:  result.Order,
		Fills:  result.Fills,
		Trades: result.Trades,
	})
}

func (s *Server) getOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, err := s.trading.GetOrder(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	if err := s.trading.CancelOrder(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) getTrade(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade id"})
		return
	}
	trade, err := s.trading.GetTrade(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (s *Server) listMarkets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"markets": s.trading.Markets()})
}

func (s *Server) listMarketTrades(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}
	trades := s.trading.ListTradesByMarket(c.Param("id"), since)
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getOrderBook(c *gin.Context) {
	depth := 20
	bids, asks, err := s.trading.GetOrderBook(c.Request.Context(), c.Param("id"), depth)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids, "asks": asks})
}

// settlementConfirmation receives asynchronous transfer outcomes pushed by
// the external ledger.
func (s *Server) settlementConfirmation(c *gin.Context) {
	var req confirmationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome := ledgerclient.StatusConfirmed
	if req.Outcome == "FAILED" {
		outcome = ledgerclient.StatusFailed
	}
	if err := s.trading.ConfirmSettlement(c.Request.Context(), req.LedgerTxRef, outcome); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrOrderNotFound),
		errors.Is(err, ledger.ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrOrderNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, router.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, router.ErrMarketHalted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case model.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
