package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ChatTurns           *prometheus.CounterVec
	ChatLatency         *prometheus.HistogramVec
	PermissionFallbacks *prometheus.CounterVec
	AgentReloads        *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ChatTurns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_chat_turns_total",
				Help: "Total chat turns by outcome.",
			},
			[]string{"status"},
		),
		ChatLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assistant_chat_latency_seconds",
				Help:    "Chat turn latency in seconds.",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60, 90},
			},
			[]string{"status"},
		),
		PermissionFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_permission_fallbacks_total",
				Help: "Permission lookups that fell back to deny-all.",
			},
			[]string{"reason"},
		),
		AgentReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_agent_reloads_total",
				Help: "Reasoning agent (re)initialisations by outcome.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.ChatTurns,
		m.ChatLatency,
		m.PermissionFallbacks,
		m.AgentReloads,
	)
	return m
}
