package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var creditOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditledger",
	Subsystem: "api",
	Name:      "operations_total",
	Help:      "Total credit operations by kind and outcome.",
}, []string{"operation", "status"})

var webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditledger",
	Subsystem: "webhook",
	Name:      "events_total",
	Help:      "Total payment webhook deliveries by event type and action taken.",
}, []string{"type", "action"})

var rateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "creditledger",
	Subsystem: "api",
	Name:      "rate_limited_total",
	Help:      "Total requests rejected by the per-account rate limiter.",
})

func observeOperation(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	creditOperations.WithLabelValues(operation, status).Inc()
}
