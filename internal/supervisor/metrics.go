package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	agentStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_supervisor_agent_starts_total",
		Help: "Agent processes launched.",
	}, []string{"agent"})
	agentCrashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_supervisor_agent_crashes_total",
		Help: "Agent processes found dead or exited non-zero without a stop request.",
	}, []string{"agent"})
	agentStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_supervisor_agent_stops_total",
		Help: "Confirmed agent stops.",
	}, []string{"agent"})
	agentsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "push_supervisor_agents_running",
		Help: "Agents with a live process after the last reconcile.",
	})
)
