package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shop_orders_created_total",
		Help: "Total number of orders created by checkout",
	})

	CheckoutFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_checkout_failed_total",
		Help: "Total number of rejected checkouts",
	}, []string{"code"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shop_orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_order_transitions_total",
		Help: "Committed order status transitions",
	}, []string{"to"})

	StockMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_stock_movements_total",
		Help: "Committed stock ledger mutations",
	}, []string{"direction"})

	StockDecrementsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shop_stock_decrements_failed_total",
		Help: "Stock decrements refused for insufficient stock",
	})

	StockLockLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shop_stock_lock_latency_seconds",
		Help:    "Latency of locked stock mutations",
		Buckets: prometheus.DefBuckets,
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shop_payment_attempts_total",
		Help: "Total number of payment attempts",
	})

	PaymentOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_payment_outcomes_total",
		Help: "Payment results by outcome",
	}, []string{"outcome"})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shop_payment_processing_latency_seconds",
		Help:    "Latency of gateway calls",
		Buckets: prometheus.DefBuckets,
	})

	RFMUsersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_rfm_users_total",
		Help: "Users handled by RFM recomputation",
	}, []string{"result"})

	ReportRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_report_runs_total",
		Help: "Sales report generations",
	}, []string{"type", "result"})

	SchedulerJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shop_scheduler_job_duration_seconds",
		Help:    "Duration of scheduled jobs",
		Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
	}, []string{"job"})

	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_cache_requests_total",
		Help: "Cache lookups by namespace and result",
	}, []string{"namespace", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
