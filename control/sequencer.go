// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package control implements the ordered control channel (spec.md
// §4.4): a leader-hosted TCP fan-out sequencer and the client side that
// buffers out-of-order deliveries. Grounded on
// original_source/backend/services/sequencer_tcp.py's
// SequencerServer/SequencedClient almost 1:1 in semantics, re-expressed
// with goroutines and channels instead of Python threads.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/renderfarm/metrics"
	"github.com/luxfi/renderfarm/rflog"
	"github.com/luxfi/renderfarm/wire"
)

// ErrNotLeader is returned when a Broadcast is attempted on a Sequencer
// that has already been stopped.
var ErrNotLeader = errors.New("control: sequencer is not running")

// writerQueueSize bounds the per-connection fan-out queue (design note:
// a single writer task per connection consuming a bounded queue).
const writerQueueSize = 64

// Sequencer is the leader-side half of the control channel: it accepts
// TCP connections and assigns every broadcast message a strictly
// increasing sequence number, starting at 1 for this incarnation.
type Sequencer struct {
	port    int
	logger  log.Logger
	metrics *metrics.Metrics

	listener net.Listener

	allocMu sync.Mutex
	nextSeq uint64

	connsMu sync.Mutex
	conns   map[*conn]struct{}

	wg   sync.WaitGroup
	done chan struct{}
}

type conn struct {
	c     net.Conn
	queue chan wire.ControlMessage
}

// NewSequencer constructs a Sequencer bound to port. Call Start to
// begin accepting connections.
func NewSequencer(port int, logger log.Logger) *Sequencer {
	if logger == nil {
		logger = rflog.NewNoOp()
	}
	return &Sequencer{
		port:    port,
		logger:  logger,
		nextSeq: 1,
		conns:   make(map[*conn]struct{}),
		done:    make(chan struct{}),
	}
}

// SetMetrics attaches the node's metrics registry. Optional; nil-safe
// if never called.
func (s *Sequencer) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Start begins listening and accepting connections in a background goroutine.
func (s *Sequencer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("control: sequencer listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every connection, ending this incarnation.
func (s *Sequencer) Stop() {
	close(s.done)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.connsMu.Lock()
	for c := range s.conns {
		_ = c.c.Close()
		close(c.queue)
	}
	s.conns = make(map[*conn]struct{})
	s.connsMu.Unlock()

	s.wg.Wait()
}

func (s *Sequencer) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Warn("sequencer accept failed", "error", err)
				return
			}
		}
		c := &conn{c: nc, queue: make(chan wire.ControlMessage, writerQueueSize)}
		s.connsMu.Lock()
		s.conns[c] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.writerLoop(c)
	}
}

// writerLoop is the single writer task per connection; it drains the
// bounded queue so seq order on the wire matches allocation order
// without holding the allocation lock during I/O.
func (s *Sequencer) writerLoop(c *conn) {
	defer s.wg.Done()
	enc := json.NewEncoder(c.c)
	for msg := range c.queue {
		if err := enc.Encode(msg); err != nil {
			s.logger.Warn("sequencer write failed, dropping connection", "error", err)
			s.drop(c)
			return
		}
	}
}

func (s *Sequencer) drop(c *conn) {
	s.connsMu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		_ = c.c.Close()
	}
	s.connsMu.Unlock()
}

// Broadcast atomically allocates the next seq and enqueues the message
// on every live connection's writer queue. If a connection's queue is
// full, that connection is dropped rather than blocking the broadcast.
func (s *Sequencer) Broadcast(msgType wire.ControlType, payload map[string]any) (uint64, error) {
	select {
	case <-s.done:
		return 0, ErrNotLeader
	default:
	}
	s.allocMu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	msg := wire.ControlMessage{Seq: seq, Type: msgType, Payload: payload}
	s.fanOut(msg)
	s.allocMu.Unlock()
	if s.metrics != nil {
		s.metrics.ControlMessagesSent.Inc()
	}
	return seq, nil
}

func (s *Sequencer) fanOut(msg wire.ControlMessage) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		select {
		case c.queue <- msg:
		default:
			s.logger.Warn("sequencer writer queue full, dropping connection")
			go s.drop(c)
		}
	}
}

// ConnectionCount returns the number of live subscriber connections.
func (s *Sequencer) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}
