// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package httpapi wires the HTTP surface named in spec.md §6: job
// submission/intake endpoints, the election control plane, and the
// operational /healthz and /metrics endpoints. Grounded on the shape
// of the deleted teacher api/server.go (route registration over a
// shared handle constructed once and passed to every handler), now
// routed with gorilla/mux instead of the teacher's chi-like mux.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/log"

	"github.com/luxfi/renderfarm/election"
	"github.com/luxfi/renderfarm/healthcheck"
	"github.com/luxfi/renderfarm/job"
	"github.com/luxfi/renderfarm/metrics"
	"github.com/luxfi/renderfarm/rflog"
	"github.com/luxfi/renderfarm/scene"
)

// Handle bundles every collaborator a handler needs. Constructed once
// in main/node.Node and threaded through, per spec.md §9's "owned
// service handle" note.
type Handle struct {
	Coordinator *job.Coordinator
	Worker      *job.Worker
	Client      *job.Client
	Store       *job.Store
	Election    *election.Engine
	Health      *healthcheck.Registry
	Metrics     *metrics.Metrics
	Analyzer    scene.Analyzer
	Logger      log.Logger
}

// NewRouter builds the mux.Router exposing every route in spec.md §6
// plus the operational endpoints.
func NewRouter(h *Handle) *mux.Router {
	if h.Logger == nil {
		h.Logger = rflog.NewNoOp()
	}
	r := mux.NewRouter()

	r.HandleFunc("/api/jobs/upload", h.uploadJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/create", h.createJob).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/create", h.createJob).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/broadcast-to-workers", h.broadcastToWorkers).Methods(http.MethodPost)
	r.HandleFunc("/api/worker/submit-job", h.submitJobToWorker).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/submit-frames", h.submitFrame).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/send-video-to-client", h.receiveVideo).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/analyze", h.analyzeScene).Methods(http.MethodPost)

	r.HandleFunc("/api/election/start", h.electionStart).Methods(http.MethodPost)
	r.HandleFunc("/api/election/status", h.electionStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/election/notify_node_disconnection", h.notifyNodeDisconnection).Methods(http.MethodPost)

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

const requestTimeout = 30 * time.Second
