// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package failuremonitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/renderfarm/election"
	"github.com/luxfi/renderfarm/membership"
	"github.com/luxfi/renderfarm/rflog"
	"github.com/luxfi/renderfarm/wire"
)

type fakeScorer struct{ score int }

func (f *fakeScorer) Score(context.Context) (int, error) { return f.score, nil }
func (f *fakeScorer) Freeze()                             {}
func (f *fakeScorer) Unfreeze()                           {}

type fakeElectionSender struct {
	mu     sync.Mutex
	popped []string
}

func (s *fakeElectionSender) SendToken(ip string, token wire.LCRTokenMsg) error     { return nil }
func (s *fakeElectionSender) BroadcastElectionInit(init wire.ElectionInitMsg) error { return nil }
func (s *fakeElectionSender) BroadcastPopStaleLeader(ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.popped = append(s.popped, ip)
	return nil
}

type recordingReactor struct {
	mu         sync.Mutex
	workerLost []string
	clientLost []string
}

func (r *recordingReactor) WorkerLost(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workerLost = append(r.workerLost, ip)
}

func (r *recordingReactor) ClientLost(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientLost = append(r.clientLost, ip)
}

func testHTTPPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

// TestMonitorReportsStalePeerOnce covers the leader's path: a stale
// worker/client is reacted to locally, and at most once per disappearance.
func TestMonitorReportsStalePeerOnce(t *testing.T) {
	tbl := membership.New(membership.Identity{Name: "self", IP: "10.0.0.1"}, 1)

	eng := election.New(
		membership.Identity{Name: "self", IP: "10.0.0.1"},
		tbl,
		&fakeScorer{score: 1},
		&fakeElectionSender{},
		time.Millisecond,
		rflog.NewNoOp(),
	)
	// single-node ring: this node declares itself leader immediately.
	require.NoError(t, eng.InitiateElection(context.Background()))
	require.Equal(t, membership.RoleLeader, eng.State().Role)

	tbl.Upsert("worker", "10.0.0.2", 1, membership.RoleWorker, false)

	reactor := &recordingReactor{}
	sender := &fakeElectionSender{}
	// staleAfter=0 makes every non-self entry immediately stale.
	mon := New(tbl, eng, sender, reactor, 0, time.Hour, 0, time.Second, rflog.NewNoOp())

	mon.scan(context.Background())
	mon.scan(context.Background())

	reactor.mu.Lock()
	defer reactor.mu.Unlock()
	require.Len(t, reactor.workerLost, 1, "a repeated stale scan must report at most once")
	require.Equal(t, "10.0.0.2", reactor.workerLost[0])
	require.Len(t, reactor.clientLost, 1)
}

// TestMonitorForwardsStalePeerToLeaderWhenNotLeader covers the
// non-leader path: the stale peer is forwarded to the current leader
// over HTTP instead of being reacted to locally.
func TestMonitorForwardsStalePeerToLeaderWhenNotLeader(t *testing.T) {
	var mu sync.Mutex
	var gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	port := testHTTPPort(t, srv)

	tbl := membership.New(membership.Identity{Name: "self", IP: "10.0.0.2"}, 1)
	tbl.Upsert("worker", "10.0.0.3", 1, membership.RoleWorker, false)

	eng := election.New(
		membership.Identity{Name: "self", IP: "10.0.0.2"},
		tbl,
		&fakeScorer{score: 1},
		&fakeElectionSender{},
		time.Millisecond,
		rflog.NewNoOp(),
	)
	// simulate this node having already learned of a leader elsewhere,
	// via the httptest server's own loopback address.
	eng.HandleLCRToken(context.Background(), wire.LCRTokenMsg{IP: "127.0.0.1", IsLeader: true})
	require.NotEqual(t, membership.RoleLeader, eng.State().Role)

	reactor := &recordingReactor{}
	mon := New(tbl, eng, &fakeElectionSender{}, reactor, 0, time.Hour, port, time.Second, rflog.NewNoOp())
	mon.scan(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotPath != ""
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, "/api/election/notify_node_disconnection", gotPath)
	require.Equal(t, "10.0.0.3", gotBody["ip"])
	mu.Unlock()

	reactor.mu.Lock()
	defer reactor.mu.Unlock()
	require.Empty(t, reactor.workerLost, "a non-leader must not react locally")
	require.Empty(t, reactor.clientLost, "a non-leader must not react locally")
}

func TestMonitorReelectsOnLeaderLoss(t *testing.T) {
	tbl := membership.New(membership.Identity{Name: "self", IP: "10.0.0.2"}, 5)
	tbl.Upsert("leader", "10.0.0.1", 10, membership.RoleLeader, false)

	sender := &fakeElectionSender{}
	eng := election.New(
		membership.Identity{Name: "self", IP: "10.0.0.2"},
		tbl,
		&fakeScorer{score: 5},
		sender,
		time.Millisecond,
		rflog.NewNoOp(),
	)
	// start an election round on this node; the monitor recognises leader
	// loss from the stale entry's Leader role, not from this node's state.
	require.NoError(t, eng.InitiateElection(context.Background()))

	mon := New(tbl, eng, sender, &recordingReactor{}, 0, time.Hour, 0, time.Second, rflog.NewNoOp())
	mon.scan(context.Background())

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Contains(t, sender.popped, "10.0.0.1")
}
