// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/renderfarm/rflog"
	"github.com/luxfi/renderfarm/wire"
)

// Dispatcher receives control messages in strict seq order, exactly as
// the leader allocated them.
type Dispatcher interface {
	Dispatch(wire.ControlMessage)
}

// Client is the non-leader half of the control channel: a persistent
// connection to the current leader that buffers out-of-order
// deliveries by seq and drains contiguous runs in order.
type Client struct {
	logger log.Logger
	dial   func(addr string) (net.Conn, error)

	mu           sync.Mutex
	nextExpected uint64
	buffer       map[uint64]wire.ControlMessage
	conn         net.Conn
	stopped      bool

	dispatcher Dispatcher
}

// NewClient constructs a Client. dial may be overridden in tests; it
// defaults to net.Dial("tcp", addr).
func NewClient(dispatcher Dispatcher, logger log.Logger) *Client {
	if logger == nil {
		logger = rflog.NewNoOp()
	}
	return &Client{
		logger:       logger,
		dial:         func(addr string) (net.Conn, error) { return net.Dial("tcp", addr) },
		nextExpected: 1,
		buffer:       make(map[uint64]wire.ControlMessage),
		dispatcher:   dispatcher,
	}
}

// Connect dials addr and starts reading lines in a background goroutine.
// Per spec.md §4.4, a new leader means a fresh sequence space: callers
// must call Reset before Connect for a newly elected leader.
func (c *Client) Connect(addr string) error {
	conn, err := c.dial(addr)
	if err != nil {
		return fmt.Errorf("control: client connect %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.stopped = false
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Reset clears the reorder buffer and restarts next_expected at 1, for
// use when adopting a new leader incarnation.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextExpected = 1
	c.buffer = make(map[uint64]wire.ControlMessage)
}

// Close tears down the connection without affecting the reorder buffer state.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			c.mu.Lock()
			stopped := c.stopped
			c.mu.Unlock()
			if !stopped {
				c.logger.Warn("control client read failed, connection lost", "error", err)
			}
			return
		}

		var msg wire.ControlMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			c.logger.Warn("control client dropping malformed line", "error", err)
			continue
		}
		c.Receive(msg)
	}
}

// Receive applies the buffering rule of spec.md §4.4: discard if
// seq < next_expected, dispatch immediately and advance if
// seq == next_expected, otherwise buffer and drain any contiguous run
// that the new arrival completes.
func (c *Client) Receive(msg wire.ControlMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Seq < c.nextExpected {
		return
	}
	if msg.Seq != c.nextExpected {
		c.buffer[msg.Seq] = msg
		return
	}

	c.dispatchLocked(msg)
	for {
		next, ok := c.buffer[c.nextExpected]
		if !ok {
			break
		}
		delete(c.buffer, next.Seq)
		c.dispatchLocked(next)
	}
}

func (c *Client) dispatchLocked(msg wire.ControlMessage) {
	c.nextExpected = msg.Seq + 1
	if c.dispatcher != nil {
		c.dispatcher.Dispatch(msg)
	}
}

// NextExpected reports the next seq this client expects, for tests and diagnostics.
func (c *Client) NextExpected() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextExpected
}
