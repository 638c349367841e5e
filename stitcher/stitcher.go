// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stitcher defines the out-of-scope video-stitching
// collaborator named in spec.md §6 and a default implementation that
// shells out to ffmpeg, grounded on
// original_source/backend/services/ffmpeg_service.py.
package stitcher

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
)

// Stitcher joins an ordered set of frame images under rendersDir into
// a single video at fps frames per second, returning the output path.
type Stitcher interface {
	Stitch(ctx context.Context, rendersDir string, fps int) (videoPath string, err error)
}

// FFmpegStitcher shells out to the ffmpeg binary at Path.
type FFmpegStitcher struct {
	Path string
}

// NewFFmpegStitcher returns a Stitcher backed by the binary at path.
func NewFFmpegStitcher(path string) *FFmpegStitcher {
	return &FFmpegStitcher{Path: path}
}

// Stitch invokes ffmpeg against `<rendersDir>/%d.png` at the given
// frame rate, writing `<rendersDir>/output_video.mp4`.
func (s *FFmpegStitcher) Stitch(ctx context.Context, rendersDir string, fps int) (string, error) {
	if s.Path == "" {
		return "", fmt.Errorf("stitcher: no ffmpeg binary configured")
	}
	output := filepath.Join(rendersDir, "output_video.mp4")
	cmd := exec.CommandContext(ctx, s.Path,
		"-y",
		"-framerate", fmt.Sprintf("%d", fps),
		"-i", filepath.Join(rendersDir, "%d.png"),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		output,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("stitcher: stitch %s: %w: %s", rendersDir, err, out)
	}
	return output, nil
}
