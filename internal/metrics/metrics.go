// Package metrics provides Prometheus instrumentation for fleetsend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsend_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetsend_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Fleet metrics.
var (
	ConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetsend_connected_workers",
		Help: "Number of workers with a live control channel.",
	})

	ObserverConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetsend_observer_connections",
		Help: "Number of connected observer (frontend/admin) channels.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsend_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)

// Dispatch and billing metrics.
var (
	TasksCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsend_tasks_created_total",
		Help: "Total number of tasks created.",
	})

	ShardsPushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsend_shards_pushed_total",
		Help: "Total number of shards successfully pushed to workers.",
	})

	ShardPushFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsend_shard_push_failures_total",
		Help: "Total number of shard pushes that failed or timed out.",
	})

	ShardResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsend_shard_results_total",
		Help: "Total number of shard results processed.",
	}, []string{"deducted"})

	StaleShardsReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsend_stale_shards_reclaimed_total",
		Help: "Total number of running shards reset to pending by the reclaim sweep.",
	})

	CreditsDebitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetsend_credits_debited_total",
		Help: "Total credits debited across all shard results.",
	})
)
