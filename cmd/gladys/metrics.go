package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gladys-project/gladys/pkg/orchestrator"
)

// metrics are the orchestrator's process-level gauges/counters, scraped via
// /metrics (promhttp.HandlerFor over the process's own registry, wired in
// main.go).
type metrics struct {
	queueDepth      prometheus.GaugeFunc
	queueDropped    prometheus.CounterFunc
	pendingOutcomes prometheus.GaugeFunc
	subscribers     prometheus.GaugeFunc
}

func registerMetrics(reg *prometheus.Registry, orch *orchestrator.Orchestrator) {
	m := &metrics{
		queueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gladys",
			Subsystem: "orchestrator",
			Name:      "queue_depth",
			Help:      "Current number of events waiting in the priority queue.",
		}, func() float64 { return float64(orch.Queue.Len()) }),
		queueDropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gladys",
			Subsystem: "orchestrator",
			Name:      "queue_dropped_total",
			Help:      "Cumulative count of events dropped under backpressure.",
		}, func() float64 { return float64(orch.Queue.Dropped()) }),
		pendingOutcomes: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gladys",
			Subsystem: "orchestrator",
			Name:      "pending_outcomes",
			Help:      "Current number of heuristic fires awaiting outcome resolution.",
		}, func() float64 { return float64(orch.Outcome.PendingCount()) }),
		subscribers: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gladys",
			Subsystem: "orchestrator",
			Name:      "subscribers",
			Help:      "Current number of live event subscribers.",
		}, func() float64 { return float64(orch.Subscribers.Count()) }),
	}
	reg.MustRegister(m.queueDepth, m.queueDropped, m.pendingOutcomes, m.subscribers)
}
