package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rr_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rr_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rr_outbox_lag_seconds",
			Help: "Age of the oldest event relayed in the last outbox batch",
		},
	)

	PublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rr_publish_retries_total",
			Help: "Total event publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rr_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)

	HoldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rr_holds_total",
			Help: "Payment-scoped holds by outcome",
		},
		[]string{"result"},
	)

	LockConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rr_lock_conflicts_total",
			Help: "Lock acquisitions rejected because a bucket was already held",
		},
	)

	CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rr_commits_total",
			Help: "Reservation finalize attempts by outcome",
		},
		[]string{"result"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rr_transitions_total",
			Help: "Lifecycle transitions by event and outcome",
		},
		[]string{"event", "result"},
	)

	IdempotencyReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rr_idempotency_replays_total",
			Help: "Requests answered from the idempotency cache",
		},
	)

	SweptLocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rr_swept_locks_total",
			Help: "Expired hold locks removed by the sweeper",
		},
	)
)
