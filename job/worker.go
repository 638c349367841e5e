// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package job

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/renderfarm/control"
	"github.com/luxfi/renderfarm/metrics"
	"github.com/luxfi/renderfarm/renderer"
	"github.com/luxfi/renderfarm/rflog"
	"github.com/luxfi/renderfarm/wire"
)

// Worker is the non-leader render runtime of spec.md §4.7: it accepts
// a job package pushed by the leader, renders its assigned frames one
// at a time (re-checking status between frames so STOP_RENDER/
// CANCEL_JOB take effect promptly), uploads each frame to the leader,
// and obeys control-channel commands as they arrive. Grounded on
// original_source/backend/api/worker.py's render loop.
type Worker struct {
	store    *Store
	render   renderer.Renderer
	pending  *control.PendingCommits
	http     *httpClient
	httpPort int
	logger   log.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// SetMetrics attaches the node's metrics registry. Optional; nil-safe
// if never called (tests construct a Worker without one).
func (w *Worker) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

// NewWorker constructs a Worker.
func NewWorker(store *Store, render renderer.Renderer, pending *control.PendingCommits, httpPort int, httpTimeout time.Duration, logger log.Logger) *Worker {
	if logger == nil {
		logger = rflog.NewNoOp()
	}
	return &Worker{
		store:    store,
		render:   render,
		pending:  pending,
		http:     newHTTPClient(httpTimeout),
		httpPort: httpPort,
		logger:   logger,
		cancel:   make(map[string]context.CancelFunc),
	}
}

// AcceptJob persists the scene file + metadata pushed by the leader
// for jobID, then starts rendering this worker's assigned frames in
// the background. If a JOB_COMMIT already arrived for jobID before
// the upload landed (spec.md §4.4 cross-channel race), it is applied
// immediately.
func (w *Worker) AcceptJob(parent context.Context, j Job, sceneData []byte, frames []int) error {
	if err := w.store.Create(j); err != nil {
		return err
	}
	scenePath := w.store.ScenePath(j.JobID, j.Filename)
	if err := os.WriteFile(scenePath, sceneData, 0o644); err != nil {
		return fmt.Errorf("job: worker write scene file: %w", err)
	}

	if w.pending != nil && w.pending.TakeIfPending(j.JobID) {
		if _, err := w.store.Update(j.JobID, func(job *Job) error {
			job.Status = StatusCompletedFrames
			return nil
		}); err != nil {
			w.logger.Warn("failed to apply pending commit", "job_id", j.JobID, "error", err)
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	w.mu.Lock()
	w.cancel[j.JobID] = cancel
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.FramesAssigned.Add(float64(len(frames)))
	}
	go w.renderLoop(ctx, j.JobID, frames)
	return nil
}

func (w *Worker) renderLoop(ctx context.Context, jobID string, frames []int) {
	defer w.clearCancel(jobID)

	j, err := w.store.Load(jobID)
	if err != nil {
		w.logger.Error("render loop: failed to load job", "job_id", jobID, "error", err)
		return
	}
	scenePath := w.store.ScenePath(jobID, j.Filename)

	for _, frame := range frames {
		select {
		case <-ctx.Done():
			return
		default:
		}

		current, err := w.store.Load(jobID)
		if err != nil {
			w.logger.Error("render loop: failed to re-check status", "job_id", jobID, "error", err)
			return
		}
		if current.Status != StatusInProgress {
			w.logger.Info("render loop: stopping, job no longer in progress", "job_id", jobID, "status", current.Status)
			return
		}

		output := w.store.FramePath(jobID, frame)
		if err := w.render.Render(ctx, scenePath, frame, output); err != nil {
			w.logger.Error("render loop: frame failed", "job_id", jobID, "frame", frame, "error", err)
			continue
		}

		if err := w.uploadFrame(ctx, j, frame, output); err != nil {
			w.logger.Warn("render loop: frame upload failed", "job_id", jobID, "frame", frame, "error", err)
		}
		if w.metrics != nil {
			w.metrics.FramesAssigned.Add(-1)
		}
	}
}

func (w *Worker) uploadFrame(ctx context.Context, j Job, frame int, framePath string) error {
	data, err := os.ReadFile(framePath)
	if err != nil {
		return fmt.Errorf("job: read rendered frame %d: %w", frame, err)
	}
	url := fmt.Sprintf("http://%s:%d/api/jobs/submit-frames", j.LeaderIP, w.httpPort)
	resp, err := w.http.postMultipart(ctx, url,
		[]multipartField{
			{name: "uuid", data: []byte(j.JobID)},
			{name: "frame", data: []byte(fmt.Sprintf("%d", frame))},
		},
		[]multipartFile{{field: "image", filename: fmt.Sprintf("%d.png", frame), data: data}},
	)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("job: leader rejected frame %d: status %d", frame, resp.StatusCode)
	}
	return nil
}

func (w *Worker) clearCancel(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancel, jobID)
}

// Dispatch implements control.Dispatcher, per spec.md:117's distinct
// STOP_RENDER/CANCEL_JOB/CANCEL_ALL semantics: STOP_RENDER stops this
// worker's in-flight render for the named job but keeps its rendered
// frames on disk; CANCEL_JOB additionally deletes the job's directory;
// CANCEL_ALL stops every job and deletes every job directory. JOB_COMMIT
// is recorded as pending if the job package hasn't arrived yet
// (spec.md §4.4).
func (w *Worker) Dispatch(msg wire.ControlMessage) {
	switch msg.Type {
	case wire.ControlStopRender:
		jobID, _ := msg.Payload["job_id"].(string)
		w.stopJob(jobID)
	case wire.ControlCancelJob:
		jobID, _ := msg.Payload["job_id"].(string)
		w.cancelJob(jobID)
	case wire.ControlCancelAll:
		w.cancelAll()
	case wire.ControlJobCommit:
		jobID, _ := msg.Payload["job_id"].(string)
		w.commit(jobID)
	}
}

// stopJob halts any in-flight render for jobID and marks it canceled,
// leaving already-rendered frames and the job directory in place.
func (w *Worker) stopJob(jobID string) {
	if jobID == "" {
		return
	}
	w.haltRender(jobID)
	if _, err := w.store.Update(jobID, func(job *Job) error {
		job.Status = StatusCanceled
		return nil
	}); err != nil {
		w.logger.Debug("stopJob: failed to update status (job may not exist locally yet)", "job_id", jobID, "error", err)
	}
}

// cancelJob halts any in-flight render for jobID and deletes its job
// directory entirely (spec.md:117 "CANCEL_JOB").
func (w *Worker) cancelJob(jobID string) {
	if jobID == "" {
		return
	}
	w.haltRender(jobID)
	if err := w.store.Remove(jobID); err != nil {
		w.logger.Debug("cancelJob: failed to remove job dir (job may not exist locally yet)", "job_id", jobID, "error", err)
	}
}

// cancelAll halts every in-flight render and deletes every local job
// directory (spec.md:117 "CANCEL_ALL").
func (w *Worker) cancelAll() {
	w.mu.Lock()
	for _, cancel := range w.cancel {
		cancel()
	}
	w.mu.Unlock()
	if err := w.store.RemoveAll(); err != nil {
		w.logger.Warn("cancelAll: failed to remove all job dirs", "error", err)
	}
}

func (w *Worker) haltRender(jobID string) {
	w.mu.Lock()
	cancel, ok := w.cancel[jobID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

func (w *Worker) commit(jobID string) {
	if jobID == "" {
		return
	}
	if _, err := w.store.Load(jobID); err != nil {
		if w.pending != nil {
			w.pending.Mark(jobID)
		}
		return
	}
	if _, err := w.store.Update(jobID, func(job *Job) error {
		job.Status = StatusCompletedFrames
		return nil
	}); err != nil {
		w.logger.Warn("commit: failed to update status", "job_id", jobID, "error", err)
	}
}
