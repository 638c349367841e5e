// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package renderer defines the out-of-scope rendering collaborator
// named in spec.md §6 and a default implementation that shells out to
// an external binary, grounded on
// original_source/backend/services/blender_service.py's subprocess
// invocation pattern.
package renderer

import (
	"context"
	"fmt"
	"os/exec"
)

// Renderer takes a scene file and a frame index and produces an image
// at outputTemplate (a path, possibly containing a frame placeholder
// the concrete implementation resolves).
type Renderer interface {
	Render(ctx context.Context, sceneFile string, frameIdx int, outputTemplate string) error
}

// ExecRenderer shells out to the binary at path (typically
// $BLENDER_PATH) for each frame.
type ExecRenderer struct {
	Path string
}

// NewExecRenderer returns a Renderer backed by the binary at path.
func NewExecRenderer(path string) *ExecRenderer {
	return &ExecRenderer{Path: path}
}

// Render invokes the renderer binary with the scene path, output
// template, and frame index, mirroring blender_service.py's
// `blender -b scene -o output -f frame -a` invocation shape.
func (r *ExecRenderer) Render(ctx context.Context, sceneFile string, frameIdx int, outputTemplate string) error {
	if r.Path == "" {
		return fmt.Errorf("renderer: no renderer binary configured")
	}
	cmd := exec.CommandContext(ctx, r.Path,
		"-b", sceneFile,
		"-o", outputTemplate,
		"-f", fmt.Sprintf("%d", frameIdx),
		"-a",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("renderer: frame %d: %w: %s", frameIdx, err, out)
	}
	return nil
}
