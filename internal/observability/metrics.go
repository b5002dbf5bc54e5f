package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersTotal           = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_total", Help: "Offers pushed to rider candidates"})
	AcceptsTotal          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "accepts_total", Help: "Offers accepted by the current candidate"})
	RejectsTotal          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "rejects_total", Help: "Offers rejected by the current candidate"})
	OfferTimeoutsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offer_timeouts_total", Help: "Offers that lapsed without a response"})
	MatchesAbandonedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "matches_abandoned_total", Help: "Matching sessions ended with no rider"})
	MatchLatency          = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "trip_dispatch", Name: "match_latency_seconds", Help: "Time from matching start to acceptance", Buckets: prometheus.ExponentialBuckets(0.5, 2, 10)})
	RidersOnline          = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_dispatch", Name: "riders_online", Help: "Riders currently marked online"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trip_transitions_total", Help: "Trip status transitions applied"},
		[]string{"to"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
