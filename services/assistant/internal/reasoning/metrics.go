package reasoning

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ToolCalls       *prometheus.CounterVec
	GuardRejections *prometheus.CounterVec
	QueryDuration   prometheus.Histogram
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_tool_calls_total",
			Help: "Tool calls issued by the reasoning loops.",
		}, []string{"tool", "status"}),
		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_sql_guard_rejections_total",
			Help: "Model-written queries refused before execution.",
		}, []string{"kind"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_sql_query_duration_seconds",
			Help:    "Latency of scoped read-only queries.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
	if registry != nil {
		registry.MustRegister(m.ToolCalls, m.GuardRejections, m.QueryDuration)
	}
	return m
}

func (m *Metrics) toolCall(tool, status string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) guardRejection(kind string) {
	if m == nil {
		return
	}
	m.GuardRejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeQuery(seconds float64) {
	if m == nil {
		return
	}
	m.QueryDuration.Observe(seconds)
}
