// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package control

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/renderfarm/rflog"
	"github.com/luxfi/renderfarm/wire"
)

type recordingDispatcher struct {
	seen []uint64
}

func (d *recordingDispatcher) Dispatch(msg wire.ControlMessage) {
	d.seen = append(d.seen, msg.Seq)
}

// TestClientBuffersAndDrainsReorderedMessages is spec.md §8 scenario 6:
// messages 1,3,2,6,4,5 arrive out of order; dispatch order must be
// strictly 1..6.
func TestClientBuffersAndDrainsReorderedMessages(t *testing.T) {
	d := &recordingDispatcher{}
	c := NewClient(d, rflog.NewNoOp())

	arrival := []uint64{1, 3, 2, 6, 4, 5}
	for _, seq := range arrival {
		c.Receive(wire.ControlMessage{Seq: seq, Type: wire.ControlJobCreated})
	}

	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, d.seen)
	require.Equal(t, uint64(7), c.NextExpected())
}

func TestClientDiscardsStaleSeq(t *testing.T) {
	d := &recordingDispatcher{}
	c := NewClient(d, rflog.NewNoOp())

	c.Receive(wire.ControlMessage{Seq: 1, Type: wire.ControlJobCreated})
	c.Receive(wire.ControlMessage{Seq: 1, Type: wire.ControlJobCreated})
	c.Receive(wire.ControlMessage{Seq: 2, Type: wire.ControlJobBroadcastBegin})

	require.Equal(t, []uint64{1, 2}, d.seen)
}

func TestClientResetRestartsSequenceSpace(t *testing.T) {
	d := &recordingDispatcher{}
	c := NewClient(d, rflog.NewNoOp())

	c.Receive(wire.ControlMessage{Seq: 1, Type: wire.ControlJobCreated})
	c.Receive(wire.ControlMessage{Seq: 2, Type: wire.ControlJobBroadcastBegin})
	require.Equal(t, uint64(3), c.NextExpected())

	c.Reset()
	require.Equal(t, uint64(1), c.NextExpected())

	c.Receive(wire.ControlMessage{Seq: 1, Type: wire.ControlJobCreated})
	require.Equal(t, []uint64{1, 2, 1}, d.seen)
}
