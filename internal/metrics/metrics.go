// Package metrics holds the Prometheus collectors for the billing service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts dispatched webhook events by type and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskboard",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Webhook events by event type and reconciliation outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks reconciliation latency per event type.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskboard",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Webhook reconciliation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookRejectedTotal counts requests refused before dispatch.
	WebhookRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskboard",
		Subsystem: "billing",
		Name:      "webhook_rejected_total",
		Help:      "Webhook requests rejected before reconciliation, by reason.",
	}, []string{"reason"})

	// HTTPRequestsTotal counts HTTP requests by route pattern, method and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskboard",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "status"})

	// HTTPRequestDuration tracks HTTP latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskboard",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

var (
	// SweepRunsTotal counts lapse sweeps by result.
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskboard",
		Subsystem: "billing",
		Name:      "lapse_sweeps_total",
		Help:      "Lapse sweeper runs by result.",
	}, []string{"result"})

	// SweepDuration tracks how long each lapse sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskboard",
		Subsystem: "billing",
		Name:      "lapse_sweep_duration_seconds",
		Help:      "Lapse sweep duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// SubscriptionsExpiredTotal counts cancellations expired by the sweeper.
	SubscriptionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskboard",
		Subsystem: "billing",
		Name:      "subscriptions_expired_total",
		Help:      "Cancelled subscriptions moved to expired after their period ended.",
	})
)
