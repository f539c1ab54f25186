package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPRequestDuration records request latency by route, method and status.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"method", "route", "status"},
)

// RateLimitDeniedTotal counts requests denied by the token-bucket limiter.
var RateLimitDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "ratelimit",
		Name:      "denied_total",
		Help:      "Total number of requests denied by the rate limiter, by scope.",
	},
	[]string{"scope"},
)

// QuotaDeniedTotal counts requests denied for exceeding the daily token quota.
var QuotaDeniedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "quota",
		Name:      "denied_total",
		Help:      "Total number of requests denied for exceeding the daily token quota.",
	},
)

// BreakerStateGauge reports the current state of a named circuit breaker
// (0 = closed, 1 = half_open, 2 = open).
var BreakerStateGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Current circuit breaker state (0=closed, 1=half_open, 2=open).",
	},
	[]string{"name"},
)

// UpstreamCallsTotal counts outbound calls to the model provider by outcome.
var UpstreamCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "upstream",
		Name:      "calls_total",
		Help:      "Total number of upstream model-provider calls, by outcome.",
	},
	[]string{"purpose", "outcome"},
)

// UsageTokensTotal accumulates metered tokens by model and direction.
var UsageTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "usage",
		Name:      "tokens_total",
		Help:      "Total metered tokens, by model and direction.",
	},
	[]string{"model", "direction"},
)

// RetrievalDuration records time spent scoring and selecting context items.
var RetrievalDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "memory",
		Name:      "retrieval_duration_seconds",
		Help:      "Time spent scoring and selecting context items for recall.",
		Buckets:   prometheus.DefBuckets,
	},
)

// IngestItemsTotal counts items persisted by the extractor/consolidator, by
// item kind and outcome (added vs updated).
var IngestItemsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "memory",
		Name:      "ingest_items_total",
		Help:      "Total context items persisted by ingestion, by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

// ModelsDeprecatedTotal counts models transitioned to deprecated by catalogue sync.
var ModelsDeprecatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "catalogue",
		Name:      "models_deprecated_total",
		Help:      "Total number of models transitioned to deprecated status by catalogue sync.",
	},
)

// All returns the gateway-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		RateLimitDeniedTotal,
		QuotaDeniedTotal,
		BreakerStateGauge,
		UpstreamCallsTotal,
		UsageTokensTotal,
		RetrievalDuration,
		IngestItemsTotal,
		ModelsDeprecatedTotal,
	}
}

// NewRegistry builds a Prometheus registry with the Go/process collectors
// plus the given domain collectors.
func NewRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
