// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/luxfi/renderfarm/job"
)

// jsonError writes a {"error": msg} body with the given status, per
// spec.md §7 ("reject at the HTTP boundary with a 4xx-equivalent
// response; no internal state changes").
func jsonError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func jsonOK(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func readMultipartFile(r *http.Request, field string) (string, []byte, error) {
	f, hdr, err := r.FormFile(field)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", nil, err
	}
	return hdr.Filename, data, nil
}

func (h *Handle) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

// createJob is the leader-only job-creation endpoint: POST /jobs/create.
func (h *Handle) createJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		jsonError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}

	filename, sceneData, err := readMultipartFile(r, "blend_file")
	if err != nil || len(sceneData) == 0 {
		jsonError(w, http.StatusBadRequest, "missing scene file")
		return
	}

	var meta job.Metadata
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			jsonError(w, http.StatusBadRequest, "malformed metadata")
			return
		}
	}

	j, err := h.Coordinator.Create(filename, sceneData, meta)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.Metrics.JobsCreated.Inc()
	jsonOK(w, map[string]string{"job_id": j.JobID})
}

// uploadJob is the client-side submission endpoint: it forwards the
// upload to the current leader via job.Client.
func (h *Handle) uploadJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		jsonError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	filename, sceneData, err := readMultipartFile(r, "file")
	if err != nil || len(sceneData) == 0 {
		jsonError(w, http.StatusBadRequest, "missing scene file")
		return
	}

	var meta job.Metadata
	if raw := r.FormValue("metadata"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &meta)
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	jobID, err := h.Client.Submit(ctx, filename, sceneData, meta)
	if err != nil {
		if err == job.ErrNoLeader {
			jsonError(w, http.StatusServiceUnavailable, "no leader known")
			return
		}
		jsonError(w, http.StatusBadGateway, err.Error())
		return
	}
	jsonOK(w, map[string]string{"job_id": jobID})
}

// broadcastToWorkers is the leader-only sharding + push endpoint:
// POST /api/jobs/broadcast-to-workers {uuid}.
func (h *Handle) broadcastToWorkers(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UUID == "" {
		jsonError(w, http.StatusBadRequest, "missing uuid")
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	if err := h.Coordinator.BroadcastToWorkers(ctx, body.UUID); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonOK(w, map[string]string{"status": "broadcast"})
}

// submitJobToWorker is the worker intake endpoint: POST
// /api/worker/submit-job (multipart blend_file, metadata, uuid).
func (h *Handle) submitJobToWorker(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		jsonError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}

	raw := r.FormValue("metadata")
	if raw == "" {
		jsonError(w, http.StatusBadRequest, "missing metadata")
		return
	}
	var payload struct {
		Job    job.Job `json:"job"`
		Frames []int   `json:"frames"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		jsonError(w, http.StatusBadRequest, "malformed metadata")
		return
	}

	_, sceneData, err := readMultipartFile(r, "blend_file")
	if err != nil || len(sceneData) == 0 {
		jsonError(w, http.StatusBadRequest, "missing scene file")
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	if err := h.Worker.AcceptJob(ctx, payload.Job, sceneData, payload.Frames); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonOK(w, map[string]string{"status": "accepted"})
}

// submitFrame is the rendered-frame intake endpoint at the leader:
// POST /api/jobs/submit-frames (multipart image, form uuid, frame).
func (h *Handle) submitFrame(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		jsonError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	jobID := r.FormValue("uuid")
	frameStr := r.FormValue("frame")
	if jobID == "" || frameStr == "" {
		jsonError(w, http.StatusBadRequest, "missing uuid or frame")
		return
	}
	frameIdx, err := strconv.Atoi(frameStr)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "malformed frame index")
		return
	}
	_, image, err := readMultipartFile(r, "image")
	if err != nil || len(image) == 0 {
		jsonError(w, http.StatusBadRequest, "missing image")
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	if err := h.Coordinator.SubmitFrame(ctx, jobID, frameIdx, image); err != nil {
		if err == job.ErrWrongStatus {
			jsonError(w, http.StatusConflict, "job is not in_progress")
			return
		}
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.Metrics.FramesRendered.Inc()
	jsonOK(w, map[string]string{"status": "accepted"})
}

// receiveVideo is the client-side delivery endpoint: POST
// /api/jobs/send-video-to-client (multipart video, form uuid,
// client_ip, status). Persists the video under this node's own job
// store and marks the local job completed_video.
func (h *Handle) receiveVideo(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		jsonError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	jobID := r.FormValue("uuid")
	if jobID == "" {
		jsonError(w, http.StatusBadRequest, "missing uuid")
		return
	}
	_, video, err := readMultipartFile(r, "video")
	if err != nil || len(video) == 0 {
		jsonError(w, http.StatusBadRequest, "missing video")
		return
	}

	if err := os.MkdirAll(h.Store.RendersDir(jobID), 0o755); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to persist video")
		return
	}
	if err := os.WriteFile(h.Store.VideoPath(jobID), video, 0o644); err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to persist video")
		return
	}

	if _, err := h.Store.Update(jobID, func(j *job.Job) error {
		j.Status = job.StatusCompletedVideo
		return nil
	}); err != nil {
		h.Logger.Warn("receiveVideo: failed to update local job status", "job_id", jobID, "error", err)
	}
	h.Metrics.JobsCompleted.Inc()
	jsonOK(w, map[string]string{"status": "received"})
}

// analyzeScene is a supplemental endpoint (SPEC_FULL.md expansion)
// exposing the scene.Analyzer collaborator so clients can learn a
// scene's frame range/fps before submitting metadata explicitly.
func (h *Handle) analyzeScene(w http.ResponseWriter, r *http.Request) {
	if h.Analyzer == nil {
		jsonError(w, http.StatusNotImplemented, "scene analysis requires a configured analyzer")
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		jsonError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	_, sceneData, err := readMultipartFile(r, "blend_file")
	if err != nil || len(sceneData) == 0 {
		jsonError(w, http.StatusBadRequest, "missing scene file")
		return
	}

	tmp, err := os.CreateTemp("", "analyze-*.blend")
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "failed to stage scene file")
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(sceneData); err != nil {
		tmp.Close()
		jsonError(w, http.StatusInternalServerError, "failed to stage scene file")
		return
	}
	tmp.Close()

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	info, err := h.Analyzer.Analyze(ctx, tmp.Name())
	if err != nil {
		jsonError(w, http.StatusBadGateway, err.Error())
		return
	}
	jsonOK(w, info)
}

// electionStart triggers InitiateElection on this node.
func (h *Handle) electionStart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	if err := h.Election.InitiateElection(ctx); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonOK(w, map[string]string{"status": "election_started"})
}

// electionStatus reports this node's current election.State.
func (h *Handle) electionStatus(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, h.Election.State())
}

// notifyNodeDisconnection is the HTTP notification path named in
// spec.md §4.2 ("Stale non-leader peers are reported to the current
// leader via an HTTP notification"). The leader reacts exactly as its
// own failure monitor would for a locally-detected disappearance.
func (h *Handle) notifyNodeDisconnection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" {
		jsonError(w, http.StatusBadRequest, "missing ip")
		return
	}
	if h.Coordinator != nil {
		h.Coordinator.WorkerLost(body.IP)
		h.Coordinator.ClientLost(body.IP)
	}
	jsonOK(w, map[string]string{"status": "acknowledged"})
}

// healthz reports the aggregated health.Report as JSON.
func (h *Handle) healthz(w http.ResponseWriter, r *http.Request) {
	report := h.Health.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}
