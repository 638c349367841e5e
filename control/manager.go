// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/renderfarm/election"
	"github.com/luxfi/renderfarm/metrics"
	"github.com/luxfi/renderfarm/rflog"
)

// LeaderObserver is notified when the current leader is replaced by a
// different one. job.Client implements this to drop the jobs it
// submitted through the ip that is no longer leader (spec.md §4.8).
type LeaderObserver interface {
	LeaderLost(ip string) []string
}

// Manager rebuilds the control-channel role (Sequencer or Client) on
// every leader change, per spec.md §4.4 "Leader-change behavior": the
// new leader starts a fresh Sequencer (seq=1), everyone else stops any
// previous client and connects to the new leader.
type Manager struct {
	selfIP        string
	sequencerPort int
	dispatcher    Dispatcher
	logger        log.Logger
	observer      LeaderObserver
	metrics       *metrics.Metrics

	mu           sync.Mutex
	sequencer    *Sequencer
	client       *Client
	lastLeaderIP string
}

// NewManager constructs a Manager that will subscribe to changes.
func NewManager(selfIP string, sequencerPort int, dispatcher Dispatcher, logger log.Logger) *Manager {
	if logger == nil {
		logger = rflog.NewNoOp()
	}
	return &Manager{
		selfIP:        selfIP,
		sequencerPort: sequencerPort,
		dispatcher:    dispatcher,
		logger:        logger,
	}
}

// SetLeaderObserver attaches a LeaderObserver to be notified whenever
// the current leader changes away from its previous value. Optional;
// nil-safe if never called.
func (m *Manager) SetLeaderObserver(o LeaderObserver) {
	m.observer = o
}

// SetMetrics attaches the node's metrics registry to every Sequencer
// this Manager constructs from now on. Optional; nil-safe if never called.
func (m *Manager) SetMetrics(met *metrics.Metrics) {
	m.metrics = met
}

// Run consumes leader-change events until ctx is canceled, tearing
// down and rebuilding the control-channel role on each change.
func (m *Manager) Run(ctx context.Context, changes <-chan election.LeaderChange) {
	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			m.onLeaderChange(change)
		}
	}
}

func (m *Manager) onLeaderChange(change election.LeaderChange) {
	m.teardown()

	m.mu.Lock()
	prevLeaderIP := m.lastLeaderIP
	m.lastLeaderIP = change.LeaderIP
	m.mu.Unlock()
	if m.observer != nil && prevLeaderIP != "" && prevLeaderIP != change.LeaderIP {
		m.observer.LeaderLost(prevLeaderIP)
	}

	if change.IsSelf {
		seq := NewSequencer(m.sequencerPort, m.logger)
		seq.SetMetrics(m.metrics)
		if err := seq.Start(); err != nil {
			m.logger.Error("failed to start sequencer", "error", err)
			return
		}
		m.mu.Lock()
		m.sequencer = seq
		m.mu.Unlock()
		return
	}

	c := NewClient(m.dispatcher, m.logger)
	addr := fmt.Sprintf("%s:%d", change.LeaderIP, m.sequencerPort)
	if err := c.Connect(addr); err != nil {
		m.logger.Warn("failed to connect to new leader's sequencer", "leader", change.LeaderIP, "error", err)
		return
	}
	m.mu.Lock()
	m.client = c
	m.mu.Unlock()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	seq, client := m.sequencer, m.client
	m.sequencer, m.client = nil, nil
	m.mu.Unlock()

	if seq != nil {
		seq.Stop()
	}
	if client != nil {
		client.Close()
		client.Reset()
	}
}

// Sequencer returns the current Sequencer, or nil if this node is not leader.
func (m *Manager) Sequencer() *Sequencer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequencer
}

// Client returns the current Client, or nil if this node is the leader.
func (m *Manager) Client() *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}
