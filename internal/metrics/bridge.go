package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	subsystemBridge  = "bridge"
	subsystemCircuit = "circuit_breaker"
	subsystemMCP     = "mcp"
	subsystemCache   = "client_cache"
)

var (
	// === Bridge Operation Metrics ===

	// BridgeToolCalls counts bridge operations by outcome
	BridgeToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBridge,
			Name:      "operations_total",
			Help:      "Total number of bridge operations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// BridgeToolDuration measures bridge operation latency
	BridgeToolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemBridge,
			Name:      "operation_duration_seconds",
			Help:      "Bridge operation latency in seconds",
			Buckets:   DurationBuckets,
		},
		[]string{"tool"},
	)

	// BridgeAgentForwards counts messages proxied to agents
	BridgeAgentForwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBridge,
			Name:      "agent_forwards_total",
			Help:      "Total number of messages forwarded to agents",
		},
		[]string{"agent", "namespace", "mode"},
	)

	// BridgeRequests counts REST facade requests
	BridgeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBridge,
			Name:      "http_requests_total",
			Help:      "Total number of REST requests",
		},
		[]string{"route", "status_code"},
	)

	// === Circuit Breaker Metrics ===

	// CircuitBreakerActive shows active requests
	CircuitBreakerActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemCircuit,
			Name:      "active",
			Help:      "Number of active requests in the circuit breaker",
		},
		[]string{"agent"},
	)

	// CircuitBreakerWaiting shows queued requests
	CircuitBreakerWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemCircuit,
			Name:      "waiting",
			Help:      "Number of requests waiting in the queue",
		},
		[]string{"agent"},
	)

	// CircuitBreakerRejections counts rejections
	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCircuit,
			Name:      "rejections_total",
			Help:      "Total number of circuit breaker rejections",
		},
		[]string{"agent", "reason"},
	)

	// === MCP Protocol Metrics ===

	// MCPConnectionsActive shows active MCP connections
	MCPConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemMCP,
			Name:      "connections_active",
			Help:      "Number of active MCP connections",
		},
		[]string{"transport"},
	)

	// MCPRequestsTotal counts MCP requests
	MCPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemMCP,
			Name:      "requests_total",
			Help:      "Total number of MCP requests",
		},
		[]string{"method", "transport"},
	)

	// MCPRequestDuration measures MCP request latency
	MCPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemMCP,
			Name:      "request_duration_seconds",
			Help:      "MCP request latency in seconds",
			Buckets:   DurationBuckets,
		},
		[]string{"method"},
	)

	// === Identity Client Cache Metrics ===

	// ClientCacheLookups counts cache lookups by result
	ClientCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCache,
			Name:      "lookups_total",
			Help:      "Identity client cache lookups by result (hit, miss, expired)",
		},
		[]string{"result"},
	)

	// ClientCacheEntries shows cached identity clients
	ClientCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemCache,
			Name:      "entries",
			Help:      "Number of cached identity-scoped clients",
		},
	)

	// registry holds all bridge metrics
	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		// Bridge metrics
		BridgeToolCalls,
		BridgeToolDuration,
		BridgeAgentForwards,
		BridgeRequests,
		// Circuit breaker metrics
		CircuitBreakerActive,
		CircuitBreakerWaiting,
		CircuitBreakerRejections,
		// MCP metrics
		MCPConnectionsActive,
		MCPRequestsTotal,
		MCPRequestDuration,
		// Client cache metrics
		ClientCacheLookups,
		ClientCacheEntries,
	)

	// Also register Go runtime and process collectors
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for bridge metrics
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordToolCall records a bridge operation
func RecordToolCall(tool, outcome string, duration float64) {
	BridgeToolCalls.WithLabelValues(tool, outcome).Inc()
	BridgeToolDuration.WithLabelValues(tool).Observe(duration)
}

// RecordAgentForward records a message forwarded to an agent
func RecordAgentForward(agent, namespace, mode string) {
	BridgeAgentForwards.WithLabelValues(agent, namespace, mode).Inc()
}

// RecordRequest records a REST request
func RecordRequest(route, statusCode string) {
	BridgeRequests.WithLabelValues(route, statusCode).Inc()
}

// SetCircuitBreakerActive sets the active count for a circuit breaker
func SetCircuitBreakerActive(agent string, count int) {
	CircuitBreakerActive.WithLabelValues(agent).Set(float64(count))
}

// SetCircuitBreakerWaiting sets the waiting count for a circuit breaker
func SetCircuitBreakerWaiting(agent string, count int) {
	CircuitBreakerWaiting.WithLabelValues(agent).Set(float64(count))
}

// RecordCircuitBreakerRejection records a circuit breaker rejection
func RecordCircuitBreakerRejection(agent, reason string) {
	CircuitBreakerRejections.WithLabelValues(agent, reason).Inc()
}

// SetMCPConnectionsActive sets the active MCP connection count
func SetMCPConnectionsActive(transport string, count int) {
	MCPConnectionsActive.WithLabelValues(transport).Set(float64(count))
}

// RecordMCPRequest records an MCP request
func RecordMCPRequest(method, transport string, duration float64) {
	MCPRequestsTotal.WithLabelValues(method, transport).Inc()
	MCPRequestDuration.WithLabelValues(method).Observe(duration)
}

// RecordClientCacheLookup records an identity client cache lookup
func RecordClientCacheLookup(result string) {
	ClientCacheLookups.WithLabelValues(result).Inc()
}

// SetClientCacheEntries sets the cached client count
func SetClientCacheEntries(count int) {
	ClientCacheEntries.Set(float64(count))
}
