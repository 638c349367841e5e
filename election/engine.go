// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package election implements the LeLann-Chang-Roberts ring election
// with a leader-announcement phase (spec.md §4.3), using the corrected
// branch order from §9: is_leader check, then self-return, then
// lexicographic compare, then participant-flag duplicate suppression.
package election

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/renderfarm/membership"
	"github.com/luxfi/renderfarm/metrics"
	"github.com/luxfi/renderfarm/rflog"
	"github.com/luxfi/renderfarm/wire"

	"github.com/luxfi/log"
)

// Sender is what the Engine needs from the transport that owns the UDP
// socket (implemented by discovery.Service). Defined here, not in
// discovery, so election has no import-time dependency on discovery.
type Sender interface {
	SendToken(ip string, token wire.LCRTokenMsg) error
	BroadcastElectionInit(init wire.ElectionInitMsg) error
	BroadcastPopStaleLeader(ip string) error
}

// ScoreSource reports this node's current election weight.
type ScoreSource interface {
	Score(ctx context.Context) (int, error)
	Freeze()
	Unfreeze()
}

// LeaderChange is emitted whenever the engine's view of the current
// leader changes, including the initial election.
type LeaderChange struct {
	LeaderIP string
	IsSelf   bool
}

// State is the election state per node from spec.md §3.
type State struct {
	Participant    bool
	CurrentLeader  string
	Role           membership.Role
	ElectionActive bool
}

// Engine runs the ring election protocol for one node.
type Engine struct {
	self    membership.Identity
	table   *membership.Table
	scorer  ScoreSource
	sender  Sender
	logger  log.Logger
	metrics *metrics.Metrics

	tokenDelay time.Duration

	mu    sync.Mutex
	state State

	changes chan LeaderChange
}

// New constructs an Engine. sender is typically the discovery.Service
// for this node, supplied after it is constructed.
func New(self membership.Identity, table *membership.Table, scorer ScoreSource, sender Sender, tokenDelay time.Duration, logger log.Logger) *Engine {
	if logger == nil {
		logger = rflog.NewNoOp()
	}
	return &Engine{
		self:       self,
		table:      table,
		scorer:     scorer,
		sender:     sender,
		logger:     logger,
		tokenDelay: tokenDelay,
		state:      State{Role: membership.RoleUndefined},
		changes:    make(chan LeaderChange, 16),
	}
}

// SetMetrics attaches the node's metrics registry. Optional; nil-safe
// if never called (tests construct an Engine without one).
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Changes returns the channel of leader-change events. Never closed.
func (e *Engine) Changes() <-chan LeaderChange {
	return e.changes
}

// State returns a copy of the current election state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// InitiateElection starts a new election round: it resets local state
// and, unless the ring is a single node (in which case it wins
// immediately without sending anything), broadcasts ELECTION_INIT and
// sends its own candidate token to its successor after tokenDelay.
func (e *Engine) InitiateElection(ctx context.Context) error {
	if e.metrics != nil {
		e.metrics.ElectionsStarted.Inc()
	}

	e.mu.Lock()
	e.state = State{Participant: false, CurrentLeader: "", Role: membership.RoleUndefined, ElectionActive: true}
	e.mu.Unlock()

	ring := e.table.Ring()
	if len(ring) == 1 && ring[0] == e.self.IP {
		e.declareSelfLeader()
		return nil
	}

	if err := e.sender.BroadcastElectionInit(wire.ElectionInitMsg{IP: e.self.IP, Name: e.self.Name}); err != nil {
		return err
	}

	e.scorer.Freeze()
	score, err := e.scorer.Score(ctx)
	if err != nil {
		e.scorer.Unfreeze()
		return err
	}

	select {
	case <-time.After(e.tokenDelay):
	case <-ctx.Done():
		e.scorer.Unfreeze()
		return ctx.Err()
	}

	successor, ok := e.sendOwnToken(score)
	if !ok {
		return nil
	}
	e.logger.Debug("sent initial candidate token", "successor", successor)
	return nil
}

// HandleElectionInit resets this node's election state in response to
// a peer-initiated election.
func (e *Engine) HandleElectionInit(msg wire.ElectionInitMsg) {
	e.mu.Lock()
	e.state = State{Participant: false, CurrentLeader: "", Role: e.state.Role, ElectionActive: true}
	e.mu.Unlock()
	e.scorer.Freeze()
}

// HandlePopStaleLeader drops the named leader from local state, idempotently.
func (e *Engine) HandlePopStaleLeader(msg wire.PopStaleLeaderMsg) {
	e.table.Remove(msg.IP)

	e.mu.Lock()
	if e.state.CurrentLeader == msg.IP {
		e.state.CurrentLeader = ""
		e.state.Role = membership.RoleUndefined
	}
	e.mu.Unlock()
}

// HandleLCRToken applies the token-handling rules of spec.md §4.3 in
// the corrected order mandated by §9: is_leader, then self-return, then
// lexicographic compare, then participant-flag suppression.
func (e *Engine) HandleLCRToken(ctx context.Context, token wire.LCRTokenMsg) {
	selfScore, err := e.scorer.Score(ctx)
	if err != nil {
		e.logger.Warn("failed to read score while handling token", "error", err)
		return
	}

	// The outgoing token is sent after e.mu is released, so a transport
	// that delivers synchronously back into this engine cannot deadlock.
	var sendTo string
	var out wire.LCRTokenMsg
	defer func() {
		if sendTo != "" {
			_ = e.sender.SendToken(sendTo, out)
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	if token.IsLeader {
		e.state.CurrentLeader = token.IP
		if token.IP == e.self.IP {
			e.state.Role = membership.RoleLeader
		} else {
			e.state.Role = membership.RoleWorker
		}
		e.state.ElectionActive = false
		e.scorer.Unfreeze()

		if token.IP != e.self.IP {
			if succ, ok := e.successorLocked(); ok {
				sendTo, out = succ, token
			}
		}
		e.emitLocked(token.IP)
		return
	}

	if token.IP == e.self.IP {
		e.state.Role = membership.RoleLeader
		e.state.CurrentLeader = e.self.IP
		if e.metrics != nil {
			e.metrics.ElectionsWon.Inc()
		}
		succ, ok := e.successorLocked()
		if ok {
			sendTo, out = succ, wire.LCRTokenMsg{Score: selfScore, IP: e.self.IP, IsLeader: true}
		}
		return
	}

	if greater(token.Score, token.IP, selfScore, e.self.IP) {
		e.state.Participant = true
		if succ, ok := e.successorLocked(); ok {
			sendTo, out = succ, token
		}
		return
	}

	if !e.state.Participant {
		e.state.Participant = true
		if succ, ok := e.successorLocked(); ok {
			sendTo, out = succ, wire.LCRTokenMsg{Score: selfScore, IP: e.self.IP, IsLeader: false}
		}
		return
	}

	// M < S and participant already true: drop, preventing double circulation.
}

func (e *Engine) declareSelfLeader() {
	e.mu.Lock()
	e.state.Role = membership.RoleLeader
	e.state.CurrentLeader = e.self.IP
	e.state.ElectionActive = false
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ElectionsWon.Inc()
	}
	e.scorer.Unfreeze()
	e.emit(e.self.IP)
}

func (e *Engine) sendOwnToken(score int) (string, bool) {
	e.mu.Lock()
	succ, ok := e.successorLocked()
	e.mu.Unlock()
	if !ok {
		return "", false
	}
	if err := e.sender.SendToken(succ, wire.LCRTokenMsg{Score: score, IP: e.self.IP, IsLeader: false}); err != nil {
		e.logger.Warn("failed to send candidate token", "successor", succ, "error", err)
		return succ, false
	}
	return succ, true
}

// successorLocked must be called with e.mu held.
func (e *Engine) successorLocked() (string, bool) {
	ring := e.table.Ring()
	return membership.Successor(ring, e.self.IP)
}

func (e *Engine) emitLocked(leaderIP string) {
	go e.emit(leaderIP)
}

func (e *Engine) emit(leaderIP string) {
	select {
	case e.changes <- LeaderChange{LeaderIP: leaderIP, IsSelf: leaderIP == e.self.IP}:
	default:
		e.logger.Warn("leader change channel full, dropping event", "leader", leaderIP)
	}
}

// greater reports whether composite (mScore,mIP) is lexicographically
// greater than (sScore,sIP): higher score wins, ties broken by higher ip.
func greater(mScore int, mIP string, sScore int, sIP string) bool {
	if mScore != sScore {
		return mScore > sScore
	}
	return mIP > sIP
}
