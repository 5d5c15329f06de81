package push

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_agent_batches_sent_total",
		Help: "Batches accepted by the remote.",
	}, []string{"agent"})
	sendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_agent_send_failures_total",
		Help: "Failed batch sends.",
	}, []string{"agent"})
	recordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_agent_dropped_records_total",
		Help: "Records evicted from a full buffer.",
	}, []string{"agent"})
	recordsBuffered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "push_agent_buffered_records",
		Help: "Records waiting to be sent.",
	}, []string{"agent"})
	degradedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "push_agent_degraded",
		Help: "1 while the agent is degraded.",
	}, []string{"agent"})
)
