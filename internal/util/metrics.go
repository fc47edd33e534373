package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_orders_created_total",
		Help: "Total number of orders created",
	})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_transitions_total",
		Help: "Total number of committed status transitions",
	}, []string{"action", "group"})

	TransitionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_transitions_failed_total",
		Help: "Total number of rejected or failed status transitions",
	}, []string{"reason"})

	TransitionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "workflow_transition_latency_seconds",
		Help:    "Latency of applying a status transition, dispatch included",
		Buckets: prometheus.DefBuckets,
	})

	IntentsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_intents_emitted_total",
		Help: "Total number of side-effect intents emitted by the dispatcher",
	}, []string{"type"})

	IntentDeliveryFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_intent_delivery_failed_total",
		Help: "Total number of intent batches that could not be delivered",
	})

	OutboxQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_outbox_queued_total",
		Help: "Total number of intents queued in the outbox after failed delivery",
	})

	OutboxRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_outbox_relayed_total",
		Help: "Outbox intents handled by the relay by outcome",
	}, []string{"outcome"})

	SweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_sweep_runs_total",
		Help: "Total number of timeout sweep cycles",
	})

	SweepOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_sweep_orders_total",
		Help: "Orders handled by the timeout sweep by outcome",
	}, []string{"outcome"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "workflow_sweep_duration_seconds",
		Help:    "Duration of a timeout sweep cycle",
		Buckets: prometheus.DefBuckets,
	})

	StockAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_stock_adjustments_total",
		Help: "Stock adjustment intents applied by the intent worker",
	}, []string{"direction", "result"})

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
