// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package job implements the job life-cycle engine of spec.md §3/§4.6-
// §4.8: the Job/Frame data model, deterministic sharding, the leader's
// Coordinator, the worker's render runtime, and the client submission
// flow. Grounded on original_source/backend/api/jobs.py (creation,
// sharding/broadcast, frame intake, finalize),
// backend/api/worker.py (render loop), and
// backend/api/election.py/newclient.py (client resubmission flow).
package job

import (
	"errors"
	"time"
)

// Status is one state in the job life cycle (spec.md §4.6).
type Status string

const (
	StatusCreated         Status = "created"
	StatusInProgress      Status = "in_progress"
	StatusCompletedFrames Status = "completed_frames"
	StatusCompletedVideo  Status = "completed_video"
	StatusCanceled        Status = "canceled"
)

var (
	// ErrJobNotFound is returned when a job_id is unknown.
	ErrJobNotFound = errors.New("job: not found")
	// ErrNoLeader is returned when an operation requires a known leader
	// and none is currently elected.
	ErrNoLeader = errors.New("job: no leader elected")
	// ErrWrongStatus is returned when an operation is attempted against
	// a job whose status forbids it (e.g. frame intake on a non-in_progress job).
	ErrWrongStatus = errors.New("job: wrong status for this operation")
	// ErrBadInput rejects malformed submissions at the HTTP boundary.
	ErrBadInput = errors.New("job: bad input")
)

// Metadata is the submission-time parameters of a job (spec.md §6
// "metadata" object).
type Metadata struct {
	FrameStart            int    `json:"frame_start"`
	FrameEnd              int    `json:"frame_end"`
	FPS                   int    `json:"fps"`
	Renderer              string `json:"renderer,omitempty"`
	InitiatorClientIP     string `json:"initiator_client_ip"`
	InitiatorIsParticipant string `json:"initiator_is_participant,omitempty"`
}

// Job is the authoritative job record, owned by the leader for the
// job's lifetime; each worker holds a local copy authoritative only
// for its own slice and status (spec.md §3 Ownership).
type Job struct {
	JobID     string    `json:"job_id"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
	LeaderIP  string    `json:"leader_ip"`
	NoOfNodes int       `json:"no_of_nodes"`

	Metadata Metadata `json:"metadata"`

	Assignments     map[string][]int `json:"jobs"`
	TotalFrames     int              `json:"total_no_frames"`
	RemainingFrames int              `json:"remaining_frames"`
	Scores          map[string]int   `json:"scores"`
}

// ParseParticipation implements the supplemental contract of
// SPEC_FULL.md §3: absent or the literal string "undefined" means the
// initiator is excluded from the workers list; anything else that
// parses as a falsy value also excludes it; otherwise the initiator
// participates. Mirrors backend/api/jobs.py:create_job's handling of
// the HTML-form default.
func ParseParticipation(raw string) bool {
	switch raw {
	case "", "undefined", "false", "False", "0":
		return false
	default:
		return true
	}
}

// CanTransition reports whether moving from "from" to "to" is legal.
// Every non-terminal status may move to canceled; created/in_progress/
// completed_frames/completed_video otherwise only advance forward.
func CanTransition(from, to Status) bool {
	if to == StatusCanceled {
		return from != StatusCanceled && from != StatusCompletedVideo
	}
	order := map[Status]int{
		StatusCreated:         0,
		StatusInProgress:      1,
		StatusCompletedFrames: 2,
		StatusCompletedVideo:  3,
	}
	fromN, fromOK := order[from]
	toN, toOK := order[to]
	return fromOK && toOK && toN == fromN+1
}
