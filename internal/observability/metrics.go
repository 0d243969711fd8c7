package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime counters and histograms for the agent loop.
//
// Tracked series:
//   - messages processed, by channel and outcome
//   - LLM requests and latency, by model and status
//   - tool executions and latency, by tool and status
//   - iterations needed per request
type Metrics struct {
	MessagesProcessed *prometheus.CounterVec
	LLMRequests       *prometheus.CounterVec
	LLMDuration       *prometheus.HistogramVec
	ToolExecutions    *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	Iterations        prometheus.Histogram
}

// NewMetrics creates and registers the metric set. Pass
// prometheus.DefaultRegisterer in production; tests use a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "minibot_messages_processed_total",
			Help: "Inbound messages processed, by channel and outcome.",
		}, []string{"channel", "status"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "minibot_llm_requests_total",
			Help: "LLM streaming requests, by model and finish reason.",
		}, []string{"model", "status"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "minibot_llm_request_seconds",
			Help:    "LLM streaming request latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "minibot_tool_executions_total",
			Help: "Tool invocations, by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "minibot_tool_execution_seconds",
			Help:    "Tool execution latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		Iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "minibot_agent_iterations",
			Help:    "Model-call iterations needed to answer one message.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 20},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesProcessed,
			m.LLMRequests,
			m.LLMDuration,
			m.ToolExecutions,
			m.ToolDuration,
			m.Iterations,
		)
	}
	return m
}
