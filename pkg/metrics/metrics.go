// Package metrics exposes NeutMon's Prometheus instrumentation: per-phase
// outcome counters, per-session attempt counters, and a traceroute hop
// histogram, served over --metrics-addr.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PhasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neutmon_phases_total", Help: "Total phases completed, by direction, flow, and outcome.",
	}, []string{"direction", "flow", "outcome"})

	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neutmon_attempts_total", Help: "Total session attempts, by whether they finished.",
	}, []string{"finished"})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neutmon_sessions_total", Help: "Total client sessions handled, by outcome.",
	}, []string{"outcome"})

	TracerouteHopsResolved = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neutmon_traceroute_hops_resolved",
		Help:    "Number of hops resolved to a non-* address per traceroute leg.",
		Buckets: prometheus.LinearBuckets(0, 2, 16), // 0..30 hops
	})
)
