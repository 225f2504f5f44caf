package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_created_total", Help: "Total rides created"})
	AcceptsTotal          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_total", Help: "Total successful ride assignments"})
	AcceptConflicts       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the race"})
	PositionsPublished    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "positions_published_total", Help: "Position updates accepted and broadcast"})
	PositionsDroppedStale = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "positions_dropped_stale_total", Help: "Position updates dropped by the staleness guard"})
	RoomsActive           = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "rooms_active", Help: "Number of live ride rooms"})

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "status_transitions_total", Help: "Committed ride status transitions"},
		[]string{"to"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
