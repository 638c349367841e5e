// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package failuremonitor reacts to the three disappearances of
// spec.md §4.5: worker loss, leader loss, client loss. Stale-peer
// bookkeeping is grounded on the deleted teacher
// networking/benchlist.manager (mutex-guarded map + threshold),
// generalized from "bench a misbehaving validator" to "mark a peer
// stale and notify once".
package failuremonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/renderfarm/election"
	"github.com/luxfi/renderfarm/membership"
	"github.com/luxfi/renderfarm/metrics"
	"github.com/luxfi/renderfarm/rflog"
)

// Reactor receives the three disappearance notifications. job.Coordinator
// and job.Client implement the relevant subsets; defined here so
// failuremonitor has no import-time dependency on job.
type Reactor interface {
	// WorkerLost is called on the leader for every stale non-leader peer;
	// the implementation decides which jobs, if any, it worked on.
	WorkerLost(ip string)
	// ClientLost is called on the leader for every stale non-leader peer;
	// the implementation decides which jobs, if any, it submitted.
	ClientLost(ip string)
}

// Sender is what the monitor needs to broadcast POP_STALE_LEADER. A fresh
// election is started through the election engine, not through Sender.
type Sender interface {
	BroadcastPopStaleLeader(ip string) error
}

// Monitor periodically scans the Membership Table for stale entries
// and reacts per spec.md §4.5. One-shot: a peer is reported at most
// once per disappearance, so a flapping peer doesn't re-trigger every tick.
//
// Only the current leader reacts to a stale worker/client locally; every
// other node forwards the disappearance to the leader over HTTP
// (spec.md §4.2 "Stale non-leader peers are reported to the current
// leader via an HTTP notification"), mirroring
// original_source/backend/api/device.py's node_disconnected handler.
type Monitor struct {
	table      *membership.Table
	engine     *election.Engine
	sender     Sender
	reactor    Reactor
	staleAfter time.Duration
	interval   time.Duration
	logger     log.Logger
	metrics    *metrics.Metrics

	httpPort int
	http     *http.Client

	mu       sync.Mutex
	reported map[string]struct{}
}

// New constructs a Monitor. httpPort/httpTimeout are used to forward
// stale-peer notifications to the current leader when this node isn't it.
func New(table *membership.Table, engine *election.Engine, sender Sender, reactor Reactor, staleAfter, interval time.Duration, httpPort int, httpTimeout time.Duration, logger log.Logger) *Monitor {
	if logger == nil {
		logger = rflog.NewNoOp()
	}
	return &Monitor{
		table:      table,
		engine:     engine,
		sender:     sender,
		reactor:    reactor,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger,
		httpPort:   httpPort,
		http:       &http.Client{Timeout: httpTimeout},
		reported:   make(map[string]struct{}),
	}
}

// SetMetrics attaches the node's metrics registry. Optional; nil-safe
// if never called.
func (m *Monitor) SetMetrics(met *metrics.Metrics) {
	m.metrics = met
}

// Run scans every interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	// A peer that is in the table again has rejoined; clear its marker so
	// its next disappearance is reported.
	for _, e := range m.table.Snapshot() {
		m.Forget(e.IP)
	}

	removed := m.table.RemoveStale(m.staleAfter, time.Now())
	if len(removed) == 0 {
		return
	}

	for _, e := range removed {
		m.react(ctx, e)
	}
}

// react reacts to one stale entry. A peer's recorded Role comes from
// its own beacons (it advertises the role it last learned for itself),
// so a stale Leader-role entry is what signals leader loss here,
// independent of whatever this node's own election state currently says.
func (m *Monitor) react(ctx context.Context, e membership.Entry) {
	m.mu.Lock()
	_, already := m.reported[e.IP]
	m.reported[e.IP] = struct{}{}
	m.mu.Unlock()
	if already {
		return
	}

	if e.Role == membership.RoleLeader {
		m.logger.Info("leader went stale, popping and re-electing", "leader", e.IP)
		if err := m.sender.BroadcastPopStaleLeader(e.IP); err != nil {
			m.logger.Warn("failed to broadcast pop-stale-leader", "error", err)
		}
		if err := m.engine.InitiateElection(ctx); err != nil {
			m.logger.Warn("failed to initiate election after leader loss", "error", err)
		}
		return
	}

	// A stale peer may be a worker on one job and the client that
	// submitted another; the coordinator knows which, if any, apply.
	m.logger.Info("peer went stale", "ip", e.IP, "role", e.Role)
	if m.metrics != nil {
		m.metrics.StalePeersDetected.Inc()
	}

	if m.engine.State().Role != membership.RoleLeader {
		m.forwardToLeader(ctx, e.IP)
		return
	}

	if m.reactor != nil {
		m.reactor.WorkerLost(e.IP)
		m.reactor.ClientLost(e.IP)
	}
}

// forwardToLeader POSTs the stale ip to the current leader's
// notify_node_disconnection endpoint, for nodes that aren't themselves
// leader (spec.md §4.2).
func (m *Monitor) forwardToLeader(ctx context.Context, ip string) {
	leaderIP := m.engine.State().CurrentLeader
	if leaderIP == "" {
		m.logger.Warn("no known leader to forward stale-peer notification to", "ip", ip)
		return
	}

	body, _ := json.Marshal(map[string]string{"ip": ip})
	url := fmt.Sprintf("http://%s:%d/api/election/notify_node_disconnection", leaderIP, m.httpPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		m.logger.Warn("failed to build stale-peer notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		m.logger.Warn("failed to notify leader of stale peer", "leader", leaderIP, "ip", ip, "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Forget clears the one-shot report marker for ip. scan calls it for
// every peer currently in the table, i.e. once it has rejoined.
func (m *Monitor) Forget(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reported, ip)
}
