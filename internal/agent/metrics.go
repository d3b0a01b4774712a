package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	transitions  *prometheus.CounterVec
	turns        *prometheus.CounterVec
	iterations   prometheus.Histogram
	approvals    *prometheus.CounterVec
	toolResults  *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	retries      prometheus.Counter
	compactions  *prometheus.CounterVec
	tokens       *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_state_transitions_total",
			Help: "Turn state machine transitions",
		}, []string{"from", "to"}),
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_turns_total",
			Help: "Completed turns by outcome",
		}, []string{"outcome"}),
		iterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentloop_turn_iterations",
			Help:    "Model round trips per turn",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
		}),
		approvals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_approvals_total",
			Help: "Approval gate outcomes",
		}, []string{"decision", "response"}),
		toolResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_tool_results_total",
			Help: "Tool results by tool and error kind",
		}, []string{"tool", "kind"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentloop_tool_duration_seconds",
			Help:    "Tool execution time",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"tool"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "agentloop_backend_retries_total",
			Help: "Model backend retries",
		}),
		compactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_compactions_total",
			Help: "History compactions by outcome",
		}, []string{"outcome"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_tokens_total",
			Help: "Tokens reported by the backend",
		}, []string{"type"}),
	}
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) turn(outcome string, iterations int) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.iterations.Observe(float64(iterations))
}

func (m *Metrics) approval(decision, response string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(decision, response).Inc()
}

func (m *Metrics) toolResult(tool, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "ok"
	}
	m.toolResults.WithLabelValues(tool, kind).Inc()
	if elapsed > 0 {
		m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) compaction(outcome string) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) usage(prompt, completion, cached int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("prompt").Add(float64(prompt))
	m.tokens.WithLabelValues("completion").Add(float64(completion))
	m.tokens.WithLabelValues("cached").Add(float64(cached))
}
