package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

var (
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_open", Help: "Number of live realtime connections"})
	RoomsActive     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "rooms_active", Help: "Number of non-empty rooms"})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcasts_total", Help: "Total room broadcasts"})
	DeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_total", Help: "Messages delivered to subscribers"})
	DropsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "send_failures_total", Help: "Sends that failed and evicted the subscriber"})

	SamplesAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_accepted_total", Help: "Accepted location samples"})
	SamplesRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_rejected_total", Help: "Rejected location samples"})
	IngestLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "ingest_latency_seconds", Help: "Location ingest latency seconds"})

	ETAFallbacks   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "eta_fallbacks_total", Help: "Routing provider failures answered with haversine"})
	ETAUnavailable = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "eta_unavailable_total", Help: "ETA requests that produced no estimate"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "order_transitions_total", Help: "Order status transitions by target status"},
		[]string{"status"},
	)

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
