// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package job

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/renderfarm/membership"
	"github.com/luxfi/renderfarm/wire"
)

const (
	deadline = 2 * time.Second
	tick     = 10 * time.Millisecond
)

type fakeBroadcaster struct {
	mu  sync.Mutex
	log []wire.ControlType
}

func (b *fakeBroadcaster) Broadcast(msgType wire.ControlType, payload map[string]any) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, msgType)
	return uint64(len(b.log)), nil
}

type fakeStitcher struct {
	called bool
}

func (s *fakeStitcher) Stitch(ctx context.Context, rendersDir string, fps int) (string, error) {
	s.called = true
	path := rendersDir + "/output_video.mp4"
	if err := os.WriteFile(path, []byte("video-bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func newTestTable(t *testing.T, selfIP string, peers ...string) *membership.Table {
	t.Helper()
	tbl := membership.New(membership.Identity{Name: "self", IP: selfIP}, 100)
	for _, p := range peers {
		tbl.Upsert("peer-"+p, p, 100, membership.RoleWorker, false)
	}
	return tbl
}

func testHTTPPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestCoordinatorCreateWritesJobAndScene(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	tbl := newTestTable(t, "10.0.0.1", "10.0.0.2")
	bc := &fakeBroadcaster{}
	coord := NewCoordinator(store, tbl, bc, &fakeStitcher{}, 5050, 0, nil)

	j, err := coord.Create("scene.blend", []byte("scene-bytes"), Metadata{FrameStart: 1, FrameEnd: 10, FPS: 24})
	require.NoError(t, err)
	require.NotEmpty(t, j.JobID)
	require.Equal(t, StatusCreated, j.Status)
	require.Equal(t, 2, j.NoOfNodes)

	loaded, err := store.Load(j.JobID)
	require.NoError(t, err)
	require.Equal(t, j.JobID, loaded.JobID)

	require.Contains(t, bc.log, wire.ControlJobCreated)
}

func TestCoordinatorBroadcastToWorkersShardsAndPushes(t *testing.T) {
	var received []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received = append(received, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	port := testHTTPPort(t, srv)

	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	tbl := newTestTable(t, "127.0.0.1", "127.0.0.1")
	bc := &fakeBroadcaster{}
	coord := NewCoordinator(store, tbl, bc, &fakeStitcher{}, port, 0, nil)

	j, err := coord.Create("scene.blend", []byte("scene-bytes"), Metadata{
		FrameStart: 1, FrameEnd: 4, FPS: 24, InitiatorClientIP: "9.9.9.9",
	})
	require.NoError(t, err)

	err = coord.BroadcastToWorkers(context.Background(), j.JobID)
	require.NoError(t, err)

	loaded, err := store.Load(j.JobID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, loaded.Status)
	require.Equal(t, 4, loaded.TotalFrames)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, received)
	for _, p := range received {
		require.Equal(t, "/api/worker/submit-job", p)
	}

	require.Contains(t, bc.log, wire.ControlJobBroadcastBegin)
	require.Contains(t, bc.log, wire.ControlJobSent)
	require.Contains(t, bc.log, wire.ControlJobBroadcastDone)
	require.Contains(t, bc.log, wire.ControlJobCommit)
}

func TestCoordinatorSubmitFrameFinalizesWhenComplete(t *testing.T) {
	var videoReceived bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		videoReceived = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	port := testHTTPPort(t, srv)

	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	tbl := newTestTable(t, "127.0.0.1")
	bc := &fakeBroadcaster{}
	stitch := &fakeStitcher{}
	coord := NewCoordinator(store, tbl, bc, stitch, port, 0, nil)

	j := Job{
		JobID:           "job-1",
		Filename:        "scene.blend",
		Status:          StatusInProgress,
		TotalFrames:     1,
		RemainingFrames: 1,
		Metadata:        Metadata{InitiatorClientIP: "127.0.0.1", FPS: 24},
	}
	require.NoError(t, store.Create(j))

	err = coord.SubmitFrame(context.Background(), j.JobID, 1, []byte("png-bytes"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return stitch.called }, deadline, tick)
	require.Eventually(t, func() bool {
		loaded, err := store.Load(j.JobID)
		return err == nil && loaded.Status == StatusCompletedVideo
	}, deadline, tick)
	require.Eventually(t, func() bool { return videoReceived }, deadline, tick)
}

func TestCoordinatorSubmitFrameRejectsWrongStatus(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	tbl := newTestTable(t, "127.0.0.1")
	coord := NewCoordinator(store, tbl, &fakeBroadcaster{}, &fakeStitcher{}, 5050, 0, nil)

	j := Job{JobID: "job-2", Status: StatusCreated}
	require.NoError(t, store.Create(j))

	err = coord.SubmitFrame(context.Background(), j.JobID, 1, []byte("x"))
	require.ErrorIs(t, err, ErrWrongStatus)
}

func TestCoordinatorWorkerLostReassignsFrames(t *testing.T) {
	// "127.0.0.1" and "localhost" both dial back to this same test
	// server, letting two distinct Assignments keys stand in for two
	// surviving workers that must each receive an HTTP push.
	var mu sync.Mutex
	var pushed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pushed = append(pushed, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	port := testHTTPPort(t, srv)

	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	tbl := newTestTable(t, "127.0.0.1", "localhost", "10.0.0.2")
	bc := &fakeBroadcaster{}
	coord := NewCoordinator(store, tbl, bc, &fakeStitcher{}, port, 0, nil)

	j := Job{
		JobID:    "job-3",
		Filename: "scene.blend",
		Status:   StatusInProgress,
		Assignments: map[string][]int{
			"127.0.0.1": {1, 2},
			"localhost": {3, 4},
			"10.0.0.2":  {5, 6},
		},
		TotalFrames:     6,
		RemainingFrames: 2,
	}
	require.NoError(t, store.Create(j))
	scenePath := store.ScenePath(j.JobID, j.Filename)
	require.NoError(t, os.WriteFile(scenePath, []byte("scene-bytes"), 0o644))

	coord.WorkerLost("10.0.0.2")

	original, err := store.Load("job-3")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, original.Status)

	reassigned, err := store.Load("job-3_reassign")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, reassigned.Status)

	total := 0
	for _, frames := range reassigned.Assignments {
		total += len(frames)
	}
	require.Equal(t, 2, total)
	require.NotContains(t, reassigned.Assignments, "10.0.0.2")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pushed) == 2
	}, deadline, tick, "both surviving workers must receive the reassigned job over HTTP")

	mu.Lock()
	defer mu.Unlock()
	for _, p := range pushed {
		require.Equal(t, "/api/worker/submit-job", p)
	}
	require.Contains(t, bc.log, wire.ControlJobSent)
}

func TestCoordinatorClientLostCancelsJobsAndBroadcasts(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	tbl := newTestTable(t, "10.0.0.1")
	bc := &fakeBroadcaster{}
	coord := NewCoordinator(store, tbl, bc, &fakeStitcher{}, 5050, 0, nil)

	j := Job{JobID: "job-4", Status: StatusInProgress, Metadata: Metadata{InitiatorClientIP: "9.9.9.9"}}
	require.NoError(t, store.Create(j))

	coord.ClientLost("9.9.9.9")

	loaded, err := store.Load("job-4")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, loaded.Status)
	require.Contains(t, bc.log, wire.ControlCancelAll)
}
