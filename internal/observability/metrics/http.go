package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pawmise"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in 5xx responses.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	toolInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_invocations_total",
		Help:      "Agent tool invocations by tool and outcome.",
	}, []string{"tool", "outcome"})

	toolLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_invocation_duration_seconds",
		Help:      "Latency of agent tool invocations, including waiting for receipts.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"tool"})

	agentRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_runs_total",
		Help:      "Agent runs by kind and outcome.",
	}, []string{"kind", "outcome"})

	agentLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_run_duration_seconds",
		Help:      "Latency of agent runs.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	sessionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_swept_total",
		Help:      "Chat sessions evicted for inactivity.",
	})

	tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Background tasks by kind and final status.",
	}, []string{"kind", "status"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		toolInvocations, toolLatency,
		agentRuns, agentLatency,
		sessionsSwept, tasksFinished,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveToolInvocation records one tool call made on behalf of the model.
func ObserveToolInvocation(tool string, err error, duration time.Duration) {
	toolInvocations.WithLabelValues(tool, outcome(err == nil)).Inc()
	toolLatency.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveAgentRun records a chat turn or an orchestrated flow.
func ObserveAgentRun(kind string, success bool, duration time.Duration) {
	agentRuns.WithLabelValues(kind, outcome(success)).Inc()
	agentLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveSessionsSwept adds the number of sessions evicted by one sweep.
func ObserveSessionsSwept(n int) {
	if n > 0 {
		sessionsSwept.Add(float64(n))
	}
}

// ObserveTaskFinished records the terminal status of a background task.
func ObserveTaskFinished(kind, status string) {
	tasksFinished.WithLabelValues(kind, status).Inc()
}

// Registry exposes the collector registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
