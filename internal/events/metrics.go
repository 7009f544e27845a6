package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var subscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "perpcore",
	Subsystem: "hub",
	Name:      "subscribers",
	Help:      "Number of open event subscriptions",
})

var eventsPublished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "perpcore",
		Subsystem: "hub",
		Name:      "events_published_total",
		Help:      "Events published to the hub by type",
	},
	[]string{"type"},
)

// pricesCoalesced counts undelivered price events replaced by a newer quote.
var pricesCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "perpcore",
	Subsystem: "hub",
	Name:      "prices_coalesced_total",
	Help:      "Stale price events replaced before delivery",
})
