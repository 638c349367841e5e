// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package control

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/renderfarm/rflog"
	"github.com/luxfi/renderfarm/wire"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestSequencerAssignsStrictlyIncreasingSeq(t *testing.T) {
	port := freePort(t)
	seq := NewSequencer(port, rflog.NewNoOp())
	require.NoError(t, seq.Start())
	defer seq.Stop()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	// give the accept loop a moment to register the connection.
	require.Eventually(t, func() bool { return seq.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	n1, err := seq.Broadcast(wire.ControlJobCreated, nil)
	require.NoError(t, err)
	n2, err := seq.Broadcast(wire.ControlJobBroadcastBegin, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n1)
	require.Equal(t, uint64(2), n2)

	reader := bufio.NewReader(conn)
	var got []wire.ControlMessage
	for i := 0; i < 2; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		var msg wire.ControlMessage
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		got = append(got, msg)
	}

	require.Equal(t, uint64(1), got[0].Seq)
	require.Equal(t, wire.ControlJobCreated, got[0].Type)
	require.Equal(t, uint64(2), got[1].Seq)
	require.Equal(t, wire.ControlJobBroadcastBegin, got[1].Type)
}
