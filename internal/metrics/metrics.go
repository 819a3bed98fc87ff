// Package metrics exposes Prometheus instrumentation for order flow and
// settlement. Collectors are registered on the default registry and served
// from the HTTP server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolex_orders_submitted_total",
			Help: "Orders accepted by the router, labelled by terminal submit outcome.",
		},
		[]string{"market", "status"},
	)

	OrdersRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolex_orders_rejected_total",
			Help: "Orders rejected before matching.",
		},
		[]string{"market", "reason"},
	)

	Fills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolex_fills_total",
			Help: "Individual fills produced by the matching engine.",
		},
		[]string{"market"},
	)

	FillQuantity = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolex_fill_quantity_total",
			Help: "Total matched share quantity.",
		},
		[]string{"market"},
	)

	MatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poolex_match_duration_seconds",
			Help:    "Wall time of one submission pass on the market worker.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
		},
		[]string{"market"},
	)

	SettlementOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolex_settlements_total",
			Help: "Settlement attempts that reached a terminal state.",
		},
		[]string{"outcome"},
	)

	SettlementRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poolex_settlement_retries_total",
			Help: "Transfer submissions retried after a transient failure.",
		},
	)

	SettlementQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolex_settlement_queue_depth",
			Help: "Trades waiting in the reconciler queue.",
		},
	)
)
