package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	}, []string{"payment_method"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"reason"})

	OrdersDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_delivered_total",
		Help: "Total number of orders confirmed as delivered",
	})

	StockReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_reserve_latency_seconds",
		Help:    "Latency of the order creation transaction including stock reservation",
		Buckets: prometheus.DefBuckets,
	})

	StockReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_failed_total",
		Help: "Total number of failed stock reservations",
	}, []string{"reason"})

	WarehouseResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_resolutions_total",
		Help: "Warehouse resolutions by source",
	}, []string{"source"})

	PipelineTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_transitions_total",
		Help: "Status transitions applied by the pipeline",
	}, []string{"to"})

	PipelineStaleJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stale_jobs_total",
		Help: "Jobs that found the order already past their transition",
	}, []string{"kind"})

	PipelineArmFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_arm_failures_total",
		Help: "Orders whose next transition could not be scheduled",
	})

	PipelineRearmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_rearmed_total",
		Help: "Jobs scheduled by the re-arm sweeper",
	})

	JobsScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_scheduled_total",
		Help: "Jobs accepted by the scheduler",
	}, []string{"kind"})

	JobsDeduplicatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_deduplicated_total",
		Help: "Schedule calls collapsed by the idempotency key",
	}, []string{"kind"})

	JobRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_job_retries_total",
		Help: "Failed jobs re-enqueued with backoff",
	}, []string{"kind"})

	JobsDeadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_dead_total",
		Help: "Jobs that exhausted their retries",
	}, []string{"kind"})

	JobsRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_requeued_total",
		Help: "Jobs whose lease expired and were put back on the queue",
	})

	JobQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_job_queue_depth",
		Help: "Number of jobs per queue set",
	}, []string{"set"})

	JobProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_job_processing_latency_seconds",
		Help:    "Latency of handling one pipeline job",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhook_events_total",
		Help: "Payment webhook deliveries by event and outcome",
	}, []string{"event", "outcome"})

	PaymentIntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_intents_total",
		Help: "Gateway payment intents by outcome",
	}, []string{"outcome"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_refunds_total",
		Help: "Gateway refunds by outcome",
	}, []string{"outcome"})

	NotificationsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_notifications_failed_total",
		Help: "Notifications that could not be published",
	})

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
