// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

// ControlType enumerates the known control-channel message types.
type ControlType string

const (
	ControlJobCreated         ControlType = "JOB_CREATED"
	ControlJobBroadcastBegin  ControlType = "JOB_BROADCAST_BEGIN"
	ControlJobSent            ControlType = "JOB_SENT"
	ControlJobBroadcastDone   ControlType = "JOB_BROADCAST_DONE"
	ControlJobCommit          ControlType = "JOB_COMMIT"
	ControlStopRender         ControlType = "STOP_RENDER"
	ControlCancelJob          ControlType = "CANCEL_JOB"
	ControlCancelAll          ControlType = "CANCEL_ALL"
)

// ControlMessage is the line-delimited JSON envelope carried over the
// sequencer's TCP connections: {"seq":<u64>,"type":<string>,"payload":<object>}\n
type ControlMessage struct {
	Seq     uint64          `json:"seq"`
	Type    ControlType     `json:"type"`
	Payload map[string]any  `json:"payload,omitempty"`
}
