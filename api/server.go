// Package api exposes the trading service over HTTP.
package api

import (
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openpool/poolex/internal/trading"
)

// Server represents the API server.
type Server struct {
	router  *gin.Engine
	logger  *zap.Logger
	trading trading.TradingService
}

// NewServer creates the API server over an assembled trading service.
func NewServer(logger *zap.Logger, tradingSvc trading.TradingService) *Server {
	server := &Server{
		logger:  logger,
		trading: tradingSvc,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Start starts the API server.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router returns the internal Gin engine for testing purposes.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/orders", s.submitOrder)
		v1.GET("/orders/:id", s.getOrder)
		v1.DELETE("/orders/:id", s.cancelOrder)

		v1.GET("/trades/:id", s.getTrade)
		v1.GET("/markets", s.listMarkets)
		v1.GET("/markets/:id/trades", s.listMarketTrades)
		v1.GET("/markets/:id/book", s.getOrderBook)

		v1.POST("/settlements/confirmations", s.settlementConfirmation)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "markets": s.trading.Markets()})
}
