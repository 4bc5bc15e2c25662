// Package metrics holds the prometheus collectors shared across the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GatewayRequests counts gateway HTTP calls by operation and outcome
	// (ok, error, rate_limited, breaker_open).
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "derivdash",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Gateway requests by operation and outcome.",
	}, []string{"op", "outcome"})

	// RateLimitRetries counts backoff sleeps taken after a rate-limit
	// rejection in the ticker fetch pool.
	RateLimitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "derivdash",
		Subsystem: "gateway",
		Name:      "rate_limit_retries_total",
		Help:      "Backoff retries after rate-limit rejections.",
	})

	// RefreshDuration observes per-KPI refresh latency.
	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "derivdash",
		Subsystem: "engine",
		Name:      "refresh_duration_seconds",
		Help:      "KPI refresh duration.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"kpi"})

	// RefreshErrors counts failed KPI refreshes.
	RefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "derivdash",
		Subsystem: "engine",
		Name:      "refresh_errors_total",
		Help:      "KPI refreshes that ended in an error state.",
	}, []string{"kpi"})
)
