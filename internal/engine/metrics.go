package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ordersSubmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpcore",
		Subsystem: "engine",
		Name:      "orders_submitted_total",
		Help:      "Orders accepted by direction and order type",
	},
	[]string{"direction", "kind"},
)

var transitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpcore",
		Subsystem: "engine",
		Name:      "status_transitions_total",
		Help:      "Order status transitions",
	},
	[]string{"from", "to"},
)

var openPositions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "perpcore",
	Subsystem: "engine",
	Name:      "open_positions",
	Help:      "Filled or settled orders currently tracked",
})

var liquidations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "perpcore",
	Subsystem: "engine",
	Name:      "liquidations_total",
	Help:      "Positions closed by crossing their liquidation price",
})

var settlementAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpcore",
		Subsystem: "settlement",
		Name:      "attempts_total",
		Help:      "Settlement gateway calls by kind and result",
	},
	[]string{"kind", "result"},
)

var settlementFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpcore",
		Subsystem: "settlement",
		Name:      "failures_total",
		Help:      "Settlements whose retries were exhausted",
	},
	[]string{"kind"},
)

var journalSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "perpcore",
	Subsystem: "engine",
	Name:      "journal_skipped_total",
	Help:      "Terminal orders not journaled because the archive queue was full",
})
