// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package scene defines the supplemental Analyzer collaborator
// behind POST /api/jobs/analyze (SPEC_FULL.md §4.6), grounded on
// original_source/backend/api/jobs.py:analyze_blend and
// backend/services/blender_service.py.
package scene

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

// Info is what a pre-submission scene analysis reports back to the client.
type Info struct {
	FrameStart int    `json:"frame_start"`
	FrameEnd   int    `json:"frame_end"`
	FPS        int    `json:"fps"`
	Engine     string `json:"engine"`
}

// Analyzer inspects a scene file and reports its frame range, frame
// rate, and render engine, so a client can pre-fill a job submission.
type Analyzer interface {
	Analyze(ctx context.Context, sceneFile string) (Info, error)
}

// ExecAnalyzer shells out to the renderer binary in a background-script
// mode to print the scene's frame range/fps/engine, mirroring
// blender_service.py's analysis invocation.
type ExecAnalyzer struct {
	Path   string
	Script string
}

var analysisLine = regexp.MustCompile(`^(\w+)=(.+)$`)

// NewExecAnalyzer returns an Analyzer backed by the renderer binary at
// path, running the introspection script at scriptPath.
func NewExecAnalyzer(path, scriptPath string) *ExecAnalyzer {
	return &ExecAnalyzer{Path: path, Script: scriptPath}
}

// Analyze runs the renderer in background mode with the introspection
// script and parses its `key=value` stdout lines.
func (a *ExecAnalyzer) Analyze(ctx context.Context, sceneFile string) (Info, error) {
	if a.Path == "" {
		return Info{}, fmt.Errorf("scene: no renderer binary configured")
	}
	cmd := exec.CommandContext(ctx, a.Path, "-b", sceneFile, "--python", a.Script)
	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("scene: analyze %s: %w", sceneFile, err)
	}

	info := Info{FPS: 24, Engine: "unknown"}
	for _, line := range splitLines(out) {
		m := analysisLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch m[1] {
		case "frame_start":
			info.FrameStart, _ = strconv.Atoi(m[2])
		case "frame_end":
			info.FrameEnd, _ = strconv.Atoi(m[2])
		case "fps":
			info.FPS, _ = strconv.Atoi(m[2])
		case "engine":
			info.Engine = m[2]
		}
	}
	return info, nil
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}
