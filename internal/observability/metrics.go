package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_lifecycle"

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Total rides created in requesting state"})
	Transitions    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Accepted ride status transitions"},
		[]string{"from", "to"},
	)
	TransitionRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transition_rejects_total", Help: "Rejected ride status transitions"},
		[]string{"from", "to"},
	)
	ActiveRides     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_ride_subscriptions", Help: "Open active-ride subscriptions"})
	HistoryWrites   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "history_writes_total", Help: "Trip history writes by result"}, []string{"result"})
	StoreRetries    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "store_write_retries_total", Help: "Ride store write attempts that were retried"})
	RouteLookups    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "route_lookups_total", Help: "Route lookups by cache result"}, []string{"result"})
	Payments        = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "payments_total", Help: "Payment attempts by method and status"}, []string{"method", "status"})
	ReviewsAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reviews_total", Help: "Driver reviews accepted"})
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_updates_total", Help: "Driver location updates written to the pool"})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Ride events published by result"}, []string{"result"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
