package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// webhookRequestsTotal counts inbound webhook deliveries by source and
	// HTTP status.
	webhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "revguard",
		Subsystem: "api",
		Name:      "webhook_requests_total",
		Help:      "Inbound webhook requests by source and HTTP status.",
	}, []string{"source", "status"})

	// webhookDuration tracks receiver latency. The receiver only logs and
	// enqueues, so anything above milliseconds means a saturated queue or DB.
	webhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "revguard",
		Subsystem: "api",
		Name:      "webhook_duration_seconds",
		Help:      "Webhook receiver latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	// accessChecksTotal counts reported access observations by outcome.
	accessChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "revguard",
		Subsystem: "api",
		Name:      "access_checks_total",
		Help:      "Access check reports by result.",
	}, []string{"has_access"})

	// issueTransitionsTotal counts issue status changes made over the API.
	issueTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "revguard",
		Subsystem: "api",
		Name:      "issue_transitions_total",
		Help:      "Issue status transitions by target status.",
	}, []string{"status"})
)
