package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch_engine", Name: "drivers_online", Help: "Number of online drivers"})

	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "requests_created_total", Help: "Total ride/delivery requests created"})
	MatchesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "matches_total", Help: "Total successful assignments"})
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "dispatch_engine", Name: "match_latency_seconds", Help: "Request-to-accept latency"})

	OffersCreated       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "offers_created_total", Help: "Total driver offers issued"})
	OffersExpired       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "offers_expired_total", Help: "Total offers expired without response"})
	OffersRejected      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "offers_rejected_total", Help: "Total offers rejected by drivers"})
	AssignmentConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "assignment_conflicts_total", Help: "Total CAS losses during assignment"})
	DispatchExhausted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "dispatch_exhausted_total", Help: "Requests that ran out of candidates or retry budget"})

	SurgeMultiplier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "dispatch_engine", Name: "surge_multiplier", Help: "Current surge multiplier per zone and class"},
		[]string{"zone", "class"},
	)
	QuotaExhaustions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "quota_exhaustions_total", Help: "Quota decrements refused for empty allowance"})

	EscrowHolds        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "escrow_holds_total", Help: "Escrow transactions opened"})
	EscrowReleases     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "escrow_releases_total", Help: "Escrow transactions released"})
	EscrowRefunds      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "escrow_refunds_total", Help: "Escrow transactions refunded"})
	EscrowAutoReleases = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "escrow_auto_releases_total", Help: "Escrow transactions released by the background sweep"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch_engine", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch_engine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
