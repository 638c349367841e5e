// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics registers the Prometheus counters/gauges the node
// exposes at GET /metrics. Adapted from the deleted teacher
// api/metrics/{metrics.go,gatherer.go}: the Registerer/Registry shape
// is kept, the counters renamed from consensus "prisms" to elections,
// control-channel sequence numbers, and job/frame throughput.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is a prometheus registerer + gatherer, exactly the teacher's shape.
type Registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// NewRegistry creates a new prometheus registry.
func NewRegistry() Registry {
	return prometheus.NewRegistry()
}

// Metrics is the full set of node-level metrics.
type Metrics struct {
	ElectionsStarted   prometheus.Counter
	ElectionsWon       prometheus.Counter
	ControlMessagesSent prometheus.Counter
	JobsCreated        prometheus.Counter
	JobsCompleted      prometheus.Counter
	JobsCanceled       prometheus.Counter
	FramesRendered     prometheus.Counter
	FramesAssigned     prometheus.Gauge
	StalePeersDetected prometheus.Counter
}

// New creates and registers every metric under namespace.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ElectionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "elections_started_total", Help: "Number of elections this node initiated.",
		}),
		ElectionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "elections_won_total", Help: "Number of elections this node won.",
		}),
		ControlMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "control_messages_sent_total", Help: "Control-channel messages broadcast while leader.",
		}),
		JobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_created_total", Help: "Jobs created while leader.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_completed_total", Help: "Jobs that reached completed_video.",
		}),
		JobsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_canceled_total", Help: "Jobs that transitioned to canceled.",
		}),
		FramesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_rendered_total", Help: "Rendered frames this node accepted from workers while leader.",
		}),
		FramesAssigned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "frames_assigned", Help: "Frames currently assigned to this node across in-progress jobs.",
		}),
		StalePeersDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_peers_detected_total", Help: "Peers the failure monitor has marked stale.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.ElectionsStarted, m.ElectionsWon, m.ControlMessagesSent,
		m.JobsCreated, m.JobsCompleted, m.JobsCanceled,
		m.FramesRendered, m.FramesAssigned, m.StalePeersDetected,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
