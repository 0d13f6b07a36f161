package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_requests_latency_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Transactions
	TransactionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_transactions_created_total",
			Help: "Transactions created, by type",
		},
		[]string{"type"},
	)
	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_transaction_transitions_total",
			Help: "Applied status transitions, by source and target status",
		},
		[]string{"source", "status"},
	)
	LimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_limit_rejections_total",
			Help: "Transactions rejected by limit checks, by code",
		},
		[]string{"code"},
	)
	ProcessorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_processor_errors_total",
			Help: "Failed calls to the payment processor, by operation",
		},
		[]string{"op"},
	)
	ExpiredTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pix_transactions_expired_total",
			Help: "Transactions expired by the sweeper",
		},
	)

	// Webhooks
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pix_webhook_deliveries_total",
			Help: "Outbound webhook delivery attempts, by outcome",
		},
		[]string{"outcome"},
	)

	// Worker queue
	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Current worker queue depth",
		},
	)

	initOnce sync.Once
)

// Handler serves /metrics.
var Handler = promhttp.Handler

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			RequestLatency,
			TransactionsCreated,
			StatusTransitions,
			LimitRejections,
			ProcessorErrors,
			ExpiredTransactions,
			WebhookDeliveries,
			WorkerQueueDepth,
		)
	})
}
