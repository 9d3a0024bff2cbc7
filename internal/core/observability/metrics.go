// Package observability defines the Prometheus instruments for agent calls
// and cache operations. Init must run before any helper records a sample;
// helpers are no-ops until then so library code never has to care.
package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type instruments struct {
	agentCallsTotal   *prometheus.CounterVec
	agentCallDuration *prometheus.HistogramVec
	agentRetriesTotal *prometheus.CounterVec
	fallbacksTotal    *prometheus.CounterVec

	cacheOpTotal    *prometheus.CounterVec
	cacheOpDuration *prometheus.HistogramVec
	cacheResults    *prometheus.CounterVec

	invalidationsTotal *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var cur atomic.Pointer[instruments]

func Init(reg prometheus.Registerer) {
	f := promauto.With(reg)

	in := &instruments{
		agentCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_calls_total",
				Help: "Agent RPC calls by agent, protocol and outcome.",
			},
			[]string{"agent", "protocol", "outcome"},
		),
		agentCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_call_duration_seconds",
				Help:    "End-to-end agent call latency including retries.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"agent", "protocol"},
		),
		agentRetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_retries_total",
				Help: "Retry attempts by agent and error code.",
			},
			[]string{"agent", "code"},
		),
		fallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_fallbacks_total",
				Help: "Responses served from static fallback data.",
			},
			[]string{"agent"},
		),
		cacheOpTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_op_total",
				Help: "Cache store operations by op and status.",
			},
			[]string{"op", "status"},
		),
		cacheOpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_op_duration_seconds",
				Help:    "Cache store operation latency in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"op"},
		),
		cacheResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_results_total",
				Help: "Cache lookups by outcome.",
			},
			[]string{"outcome"},
		),
		invalidationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_invalidation_events_total",
				Help: "Processed invalidation events by op and status.",
			},
			[]string{"op", "status"},
		),
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"method", "route", "status"},
		),
	}

	cur.Store(in)
}

func get() *instruments { return cur.Load() }

func ObserveAgentCall(agent, protocol, outcome string, durationSeconds float64) {
	in := get()
	if in == nil {
		return
	}
	in.agentCallsTotal.WithLabelValues(agent, protocol, outcome).Inc()
	in.agentCallDuration.WithLabelValues(agent, protocol).Observe(durationSeconds)
}

func IncAgentRetry(agent string, code int) {
	if in := get(); in != nil {
		in.agentRetriesTotal.WithLabelValues(agent, strconv.Itoa(code)).Inc()
	}
}

func IncFallback(agent string) {
	if in := get(); in != nil {
		in.fallbacksTotal.WithLabelValues(agent).Inc()
	}
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	in := get()
	if in == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	in.cacheOpTotal.WithLabelValues(op, status).Inc()
	in.cacheOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func IncCacheHit() {
	if in := get(); in != nil {
		in.cacheResults.WithLabelValues("hit").Inc()
	}
}

func IncCacheMiss() {
	if in := get(); in != nil {
		in.cacheResults.WithLabelValues("miss").Inc()
	}
}

// IncCacheEvicted records an entry dropped on read (expired or version skew).
func IncCacheEvicted(reason string) {
	if in := get(); in != nil {
		in.cacheResults.WithLabelValues(reason).Inc()
	}
}

// ObserveInvalidation records one consumed invalidation event. Skipped
// events (stale sequence, validation failure) pass their reason as status.
func ObserveInvalidation(op, status string) {
	if in := get(); in != nil {
		in.invalidationsTotal.WithLabelValues(op, status).Inc()
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	in := get()
	if in == nil {
		return
	}
	st := strconv.Itoa(status)
	in.httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	in.httpRequestDuration.WithLabelValues(method, route, st).Observe(durationSeconds)
}
