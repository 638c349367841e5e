// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package job

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"

	"github.com/luxfi/renderfarm/membership"
	"github.com/luxfi/renderfarm/metrics"
	"github.com/luxfi/renderfarm/rflog"
	"github.com/luxfi/renderfarm/stitcher"
	"github.com/luxfi/renderfarm/wire"
)

// Broadcaster is the leader's control-channel fan-out. Satisfied by
// *control.Sequencer; defined here to avoid an import cycle.
type Broadcaster interface {
	Broadcast(msgType wire.ControlType, payload map[string]any) (uint64, error)
}

// Coordinator is the leader-role job pipeline of spec.md §4.6: job
// creation, sharding, broadcast to workers, frame intake, and
// finalization. Grounded on original_source/backend/api/jobs.py.
type Coordinator struct {
	store       *Store
	table       *membership.Table
	broadcaster Broadcaster
	stitcher    stitcher.Stitcher
	http        *httpClient
	httpPort    int
	logger      log.Logger
	metrics     *metrics.Metrics
}

// SetMetrics attaches the node's metrics registry. Optional; nil-safe
// if never called (tests construct a Coordinator without one).
func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(store *Store, table *membership.Table, broadcaster Broadcaster, stc stitcher.Stitcher, httpPort int, httpTimeout time.Duration, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = rflog.NewNoOp()
	}
	return &Coordinator{
		store:       store,
		table:       table,
		broadcaster: broadcaster,
		stitcher:    stc,
		http:        newHTTPClient(httpTimeout),
		httpPort:    httpPort,
		logger:      logger,
	}
}

// Create writes a new job's directory, metadata, and scene file, and
// emits JOB_CREATED (spec.md §4.6 "Creation").
func (c *Coordinator) Create(filename string, sceneData []byte, meta Metadata) (Job, error) {
	if filename == "" || len(sceneData) == 0 {
		return Job{}, fmt.Errorf("%w: missing scene file", ErrBadInput)
	}

	ring := c.table.Ring()
	scores := make(map[string]int, len(ring))
	for _, e := range c.table.Snapshot() {
		scores[e.IP] = e.Score
	}

	j := Job{
		JobID:     uuid.New().String(),
		Filename:  filename,
		CreatedAt: time.Now().UTC(),
		Status:    StatusCreated,
		LeaderIP:  c.table.Self().IP,
		NoOfNodes: len(ring),
		Metadata:  meta,
		Scores:    scores,
	}

	if err := c.store.Create(j); err != nil {
		return Job{}, err
	}
	scenePath := c.store.ScenePath(j.JobID, filename)
	if err := os.WriteFile(scenePath, sceneData, 0o644); err != nil {
		return Job{}, fmt.Errorf("job: write scene file: %w", err)
	}

	if _, err := c.broadcaster.Broadcast(wire.ControlJobCreated, map[string]any{"job_id": j.JobID}); err != nil {
		c.logger.Warn("failed to broadcast JOB_CREATED", "job_id", j.JobID, "error", err)
	}
	return j, nil
}

// BroadcastToWorkers shards the job's frame range across the current
// ring and pushes the scene file + metadata to every worker over HTTP,
// per spec.md §4.6 "Broadcast".
func (c *Coordinator) BroadcastToWorkers(ctx context.Context, jobID string) error {
	j, err := c.store.Load(jobID)
	if err != nil {
		return err
	}

	ring := c.table.Ring()
	participant := ParseParticipation(j.Metadata.InitiatorIsParticipant)
	assignments := ShardFrames(ring, j.Metadata.InitiatorClientIP, participant, j.Metadata.FrameStart, j.Metadata.FrameEnd)

	total := 0
	for _, frames := range assignments {
		total += len(frames)
	}

	j, err = c.store.Update(jobID, func(job *Job) error {
		job.Assignments = assignments
		job.TotalFrames = total
		job.RemainingFrames = total
		job.Status = StatusInProgress
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := c.broadcaster.Broadcast(wire.ControlJobBroadcastBegin, map[string]any{"job_id": jobID}); err != nil {
		c.logger.Warn("failed to broadcast JOB_BROADCAST_BEGIN", "error", err)
	}

	scenePath := c.store.ScenePath(jobID, j.Filename)
	sceneData, err := os.ReadFile(scenePath)
	if err != nil {
		return fmt.Errorf("job: read scene file for broadcast: %w", err)
	}

	workers := make([]string, 0, len(assignments))
	for ip := range assignments {
		workers = append(workers, ip)
	}
	sort.Strings(workers)

	for _, ip := range workers {
		if err := c.pushToWorker(ctx, ip, j, sceneData, assignments[ip]); err != nil {
			c.logger.Warn("failed to push job to worker", "worker", ip, "error", err)
			continue
		}
		if _, err := c.broadcaster.Broadcast(wire.ControlJobSent, map[string]any{"job_id": jobID, "worker": ip}); err != nil {
			c.logger.Warn("failed to broadcast JOB_SENT", "error", err)
		}
	}

	if _, err := c.broadcaster.Broadcast(wire.ControlJobBroadcastDone, map[string]any{"job_id": jobID}); err != nil {
		c.logger.Warn("failed to broadcast JOB_BROADCAST_DONE", "error", err)
	}
	if _, err := c.broadcaster.Broadcast(wire.ControlJobCommit, map[string]any{"job_id": jobID}); err != nil {
		c.logger.Warn("failed to broadcast JOB_COMMIT", "error", err)
	}
	return nil
}

func (c *Coordinator) pushToWorker(ctx context.Context, ip string, j Job, sceneData []byte, frames []int) error {
	url := fmt.Sprintf("http://%s:%d/api/worker/submit-job", ip, c.httpPort)
	resp, err := c.http.postMultipart(ctx, url,
		[]multipartField{
			{name: "uuid", data: []byte(j.JobID)},
			metadataField("metadata", workerJobPayload{Job: j, Frames: frames}),
		},
		[]multipartFile{{field: "blend_file", filename: j.Filename, data: sceneData}},
	)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("job: worker %s rejected job push: status %d", ip, resp.StatusCode)
	}
	return nil
}

// workerJobPayload is what submit-job's metadata field carries.
type workerJobPayload struct {
	Job    Job   `json:"job"`
	Frames []int `json:"frames"`
}

// SubmitFrame accepts one rendered frame upload at the leader
// (spec.md §4.6 "Frame intake"). Rejects with ErrWrongStatus if the
// job is not in_progress.
func (c *Coordinator) SubmitFrame(ctx context.Context, jobID string, frameIdx int, image []byte) error {
	j, err := c.store.Load(jobID)
	if err != nil {
		return err
	}
	if j.Status != StatusInProgress {
		return ErrWrongStatus
	}

	if err := os.WriteFile(c.store.FramePath(jobID, frameIdx), image, 0o644); err != nil {
		return fmt.Errorf("job: write frame %d: %w", frameIdx, err)
	}

	onDisk, err := c.store.CountFrames(jobID)
	if err != nil {
		return err
	}

	j, err = c.store.Update(jobID, func(job *Job) error {
		if job.RemainingFrames > 0 {
			job.RemainingFrames--
		}
		if job.RemainingFrames <= 0 || onDisk >= job.TotalFrames {
			job.Status = StatusCompletedFrames
		}
		return nil
	})
	if err != nil {
		return err
	}

	if j.Status == StatusCompletedFrames {
		go c.finalize(context.WithoutCancel(ctx), jobID)
	}
	return nil
}

// finalize stitches the renders directory and delivers the resulting
// video to the client (spec.md §4.6 "Finalization").
func (c *Coordinator) finalize(ctx context.Context, jobID string) {
	j, err := c.store.Load(jobID)
	if err != nil {
		c.logger.Error("finalize: failed to load job", "job_id", jobID, "error", err)
		return
	}

	videoPath, err := c.stitcher.Stitch(ctx, c.store.RendersDir(jobID), j.Metadata.FPS)
	if err != nil {
		c.logger.Error("finalize: stitch failed", "job_id", jobID, "error", err)
		return
	}

	if _, err := c.store.Update(jobID, func(job *Job) error {
		job.Status = StatusCompletedVideo
		return nil
	}); err != nil {
		c.logger.Error("finalize: failed to mark completed_video", "job_id", jobID, "error", err)
		return
	}

	videoData, err := os.ReadFile(videoPath)
	if err != nil {
		c.logger.Error("finalize: failed to read stitched video", "job_id", jobID, "error", err)
		return
	}

	url := fmt.Sprintf("http://%s:%d/api/jobs/send-video-to-client", j.Metadata.InitiatorClientIP, c.httpPort)
	resp, err := c.http.postMultipart(ctx, url,
		[]multipartField{
			{name: "uuid", data: []byte(jobID)},
			{name: "client_ip", data: []byte(j.Metadata.InitiatorClientIP)},
			{name: "status", data: []byte(StatusCompletedVideo)},
		},
		[]multipartFile{{field: "video", filename: "output_video.mp4", data: videoData}},
	)
	if err != nil {
		c.logger.Error("finalize: failed to deliver video", "job_id", jobID, "error", err)
		return
	}
	defer drainAndClose(resp)
}

// WorkerLost implements failuremonitor.Reactor: it reassigns every
// in-progress job's slice belonging to ip across the remaining
// workers (spec.md §4.5 "Worker lost").
func (c *Coordinator) WorkerLost(ip string) {
	ids, err := c.store.List()
	if err != nil {
		c.logger.Warn("worker-lost scan: failed to list jobs", "error", err)
		return
	}
	for _, id := range ids {
		j, err := c.store.Load(id)
		if err != nil || j.Status != StatusInProgress {
			continue
		}
		lost, ok := j.Assignments[ip]
		if !ok || len(lost) == 0 {
			continue
		}
		c.reassign(j, ip, lost)
	}
}

func (c *Coordinator) reassign(original Job, lostIP string, lostFrames []int) {
	remaining := make([]string, 0, len(original.Assignments))
	for ip := range original.Assignments {
		if ip != lostIP {
			remaining = append(remaining, ip)
		}
	}
	sort.Strings(remaining)

	redistributed := splitEvenly(lostFrames, remaining)

	newJob := original
	newJob.JobID = original.JobID + "_reassign"
	newJob.Status = StatusInProgress
	newJob.Assignments = make(map[string][]int, len(remaining))
	for ip := range original.Assignments {
		if ip == lostIP {
			continue
		}
		newJob.Assignments[ip] = redistributed[ip]
	}
	newJob.TotalFrames = len(lostFrames)
	newJob.RemainingFrames = len(lostFrames)

	if err := c.store.Create(newJob); err != nil {
		c.logger.Error("failed to create reassignment job", "job_id", newJob.JobID, "error", err)
		return
	}

	if _, err := c.store.Update(original.JobID, func(job *Job) error {
		job.Status = StatusCanceled
		return nil
	}); err != nil {
		c.logger.Error("failed to cancel original job after reassignment", "job_id", original.JobID, "error", err)
	} else if c.metrics != nil {
		c.metrics.JobsCanceled.Inc()
	}

	c.pushReassignment(original, newJob, redistributed)

	c.logger.Info("reassigned lost worker's frames", "lost_worker", lostIP, "reassign_job", newJob.JobID, "frames", len(lostFrames))
}

// pushReassignment re-broadcasts the reassignment job to every worker
// it names, per spec.md §4.5 ("re-broadcasts the new job"). The scene
// file lives under the original job's directory; it is copied into the
// reassignment job's own directory before being pushed out, mirroring
// BroadcastToWorkers's scene-read-then-push sequence.
func (c *Coordinator) pushReassignment(original, newJob Job, redistributed map[string][]int) {
	scenePath := c.store.ScenePath(original.JobID, original.Filename)
	sceneData, err := os.ReadFile(scenePath)
	if err != nil {
		c.logger.Error("reassignment: failed to read scene file", "job_id", original.JobID, "error", err)
		return
	}
	if err := os.WriteFile(c.store.ScenePath(newJob.JobID, newJob.Filename), sceneData, 0o644); err != nil {
		c.logger.Error("reassignment: failed to copy scene file", "job_id", newJob.JobID, "error", err)
		return
	}

	workers := make([]string, 0, len(redistributed))
	for ip := range redistributed {
		workers = append(workers, ip)
	}
	sort.Strings(workers)

	ctx := context.Background()
	for _, ip := range workers {
		frames := redistributed[ip]
		if len(frames) == 0 {
			continue
		}
		if err := c.pushToWorker(ctx, ip, newJob, sceneData, frames); err != nil {
			c.logger.Warn("reassignment: failed to push job to worker", "worker", ip, "error", err)
			continue
		}
		if _, err := c.broadcaster.Broadcast(wire.ControlJobSent, map[string]any{"job_id": newJob.JobID, "worker": ip}); err != nil {
			c.logger.Warn("failed to broadcast JOB_SENT for reassignment", "error", err)
		}
	}
}

// splitEvenly distributes frames across workers using even split with
// remainder sprinkling, per spec.md §4.5.
func splitEvenly(frames []int, workers []string) map[string][]int {
	out := make(map[string][]int, len(workers))
	if len(workers) == 0 {
		return out
	}
	base := len(frames) / len(workers)
	extra := len(frames) % len(workers)
	cursor := 0
	for i, w := range workers {
		count := base
		if i < extra {
			count++
		}
		out[w] = append([]int{}, frames[cursor:cursor+count]...)
		cursor += count
	}
	return out
}

// ClientLost implements failuremonitor.Reactor: it cancels jobs
// initiated by ip and tells workers to stop (spec.md §4.5 "Client lost").
func (c *Coordinator) ClientLost(ip string) {
	ids, err := c.store.List()
	if err != nil {
		c.logger.Warn("client-lost scan: failed to list jobs", "error", err)
		return
	}
	found := false
	for _, id := range ids {
		j, err := c.store.Load(id)
		if err != nil || j.Metadata.InitiatorClientIP != ip {
			continue
		}
		if j.Status == StatusCanceled || j.Status == StatusCompletedVideo {
			continue
		}
		found = true
		if _, err := c.store.Update(id, func(job *Job) error {
			job.Status = StatusCanceled
			return nil
		}); err != nil {
			c.logger.Error("failed to cancel job after client loss", "job_id", id, "error", err)
		} else if c.metrics != nil {
			c.metrics.JobsCanceled.Inc()
		}
	}
	if found {
		if _, err := c.broadcaster.Broadcast(wire.ControlCancelAll, map[string]any{"reason": "client_lost", "client_ip": ip}); err != nil {
			c.logger.Warn("failed to broadcast CANCEL_ALL", "error", err)
		}
	}
}
