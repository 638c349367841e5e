// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/renderfarm/control"
	"github.com/luxfi/renderfarm/election"
	"github.com/luxfi/renderfarm/healthcheck"
	"github.com/luxfi/renderfarm/job"
	"github.com/luxfi/renderfarm/membership"
	"github.com/luxfi/renderfarm/metrics"
	"github.com/luxfi/renderfarm/wire"
)

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(wire.ControlType, map[string]any) (uint64, error) { return 1, nil }

type noopStitcher struct{}

func (noopStitcher) Stitch(ctx context.Context, dir string, fps int) (string, error) {
	return dir + "/output_video.mp4", nil
}

type noopScorer struct{}

func (noopScorer) Score(context.Context) (int, error) { return 100, nil }
func (noopScorer) Freeze()                             {}
func (noopScorer) Unfreeze()                           {}

type noopSender struct{}

func (noopSender) SendToken(string, wire.LCRTokenMsg) error        { return nil }
func (noopSender) BroadcastElectionInit(wire.ElectionInitMsg) error { return nil }
func (noopSender) BroadcastPopStaleLeader(string) error             { return nil }

func newTestHandle(t *testing.T) *Handle {
	t.Helper()
	dir := t.TempDir()
	store, err := job.NewStore(dir)
	require.NoError(t, err)

	tbl := membership.New(membership.Identity{Name: "self", IP: "127.0.0.1"}, 100)
	reg := metrics.NewRegistry()
	m, err := metrics.New("test", reg)
	require.NoError(t, err)

	eng := election.New(membership.Identity{Name: "self", IP: "127.0.0.1"}, tbl, noopScorer{}, noopSender{}, time.Millisecond, nil)
	coord := job.NewCoordinator(store, tbl, noopBroadcaster{}, noopStitcher{}, 5050, time.Second, nil)
	worker := job.NewWorker(store, nil, control.NewPendingCommits(), 5050, time.Second, nil)
	client := job.NewClient(tbl, 5050, time.Second, nil)

	return &Handle{
		Coordinator: coord,
		Worker:      worker,
		Client:      client,
		Store:       store,
		Election:    eng,
		Health:      healthcheck.NewRegistry(),
		Metrics:     m,
	}
}

func TestHealthzReturnsOK(t *testing.T) {
	h := newTestHandle(t)
	r := NewRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateJobEndToEnd(t *testing.T) {
	h := newTestHandle(t)
	r := NewRouter(h)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("blend_file", "scene.blend")
	require.NoError(t, err)
	_, _ = part.Write([]byte("scene-bytes"))
	meta, _ := json.Marshal(job.Metadata{FrameStart: 1, FrameEnd: 10, FPS: 24})
	require.NoError(t, w.WriteField("metadata", string(meta)))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/jobs/create", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotEmpty(t, body["job_id"])
}

func TestCreateJobRejectsMissingScene(t *testing.T) {
	h := newTestHandle(t)
	r := NewRouter(h)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/jobs/create", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitFrameRejectsWrongStatus(t *testing.T) {
	h := newTestHandle(t)
	r := NewRouter(h)

	require.NoError(t, h.Store.Create(job.Job{JobID: "job-x", Status: job.StatusCreated}))

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "1.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("png-bytes"))
	require.NoError(t, w.WriteField("uuid", "job-x"))
	require.NoError(t, w.WriteField("frame", "1"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/submit-frames", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestElectionStatusReturnsState(t *testing.T) {
	h := newTestHandle(t)
	r := NewRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/election/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Role")
}
