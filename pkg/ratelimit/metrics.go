package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// acquiredTotal counts granted tokens by strategy.
	acquiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ratelimit_acquired_total",
			Help: "Total rate limiter acquisitions by strategy",
		},
		[]string{"strategy"},
	)

	// throttledTotal counts throttle events by strategy.
	throttledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ratelimit_throttled_total",
			Help: "Total throttle events by strategy",
		},
		[]string{"strategy"},
	)

	// droppedTotal counts requests rejected by the drop strategy.
	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ratelimit_dropped_total",
			Help: "Total requests dropped by the drop strategy",
		},
	)

	// queueDepth tracks queued waiters under the queue strategy.
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_ratelimit_queue_depth",
			Help: "Number of callers currently queued for a token",
		},
	)
)
