package gps

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gpsFixes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metagps_fixes_published_total",
		Help: "Fresh fixes published by the relay.",
	})
	gpsStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metagps_stale_published_total",
		Help: "Fixes republished with the stale flag set.",
	})
	gpsReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metagps_upstream_reconnects_total",
		Help: "Upstream connections that dropped after being established.",
	})
	gpsLinkState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metagps_upstream_state",
		Help: "0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
	})
	metaGPSSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metagps_kismet_updates_total",
		Help: "Position updates sent to Kismet meta GPS sources.",
	}, []string{"name"})
	metaGPSFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metagps_kismet_failures_total",
		Help: "Kismet websocket connect or session failures.",
	}, []string{"name"})
)
