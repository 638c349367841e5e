// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the renderfarm node's startup configuration: a
// single struct loaded from YAML, overridden by environment variables,
// and validated once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoName is returned when Validate finds an empty node name.
	ErrNoName = errors.New("config: node name must not be empty")
	// ErrNoJobsDir is returned when Validate finds an empty jobs directory.
	ErrNoJobsDir = errors.New("config: jobs directory must not be empty")
	// ErrBadPort is returned when Validate finds a port outside 1-65535.
	ErrBadPort = errors.New("config: port must be between 1 and 65535")
)

// Config is the renderfarm node's full runtime configuration.
type Config struct {
	// NodeName is the human-readable name advertised in beacons.
	NodeName string `yaml:"node_name"`

	// DiscoveryPort is the UDP port used for beacons and election tokens.
	DiscoveryPort int `yaml:"discovery_port"`
	// SequencerPort is the TCP port the leader's control channel listens on.
	SequencerPort int `yaml:"sequencer_port"`
	// HTTPPort is the port the HTTP surface listens on.
	HTTPPort int `yaml:"http_port"`

	// BeaconInterval is how often a DISCOVER beacon is sent.
	BeaconInterval time.Duration `yaml:"beacon_interval"`
	// StaleAfter is the age at which a membership entry is considered stale.
	StaleAfter time.Duration `yaml:"stale_after"`
	// StaleCheckInterval is how often the failure monitor scans for stale entries.
	StaleCheckInterval time.Duration `yaml:"stale_check_interval"`
	// ScoreInterval is the minimum interval between resource score recomputation.
	ScoreInterval time.Duration `yaml:"score_interval"`
	// ElectionTokenDelay is the pause between ELECTION_INIT and sending the
	// initiator's own candidate token.
	ElectionTokenDelay time.Duration `yaml:"election_token_delay"`
	// HTTPTimeout bounds outbound HTTP calls between nodes.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// JobsDir is the root directory under which per-job directories are created.
	JobsDir string `yaml:"jobs_dir"`

	// BlenderPath is the renderer binary invoked for each frame.
	BlenderPath string `yaml:"blender_path"`
	// FFmpegPath is the stitcher binary invoked to produce the final video.
	FFmpegPath string `yaml:"ffmpeg_path"`
	// SceneAnalysisScript is the introspection script passed to the
	// renderer binary's background mode for POST /api/jobs/analyze.
	SceneAnalysisScript string `yaml:"scene_analysis_script"`

	// MetricsNamespace prefixes every Prometheus metric this node registers.
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// Default returns a Config with the spec's documented defaults.
func Default() Config {
	return Config{
		NodeName:           hostnameOrDefault(),
		DiscoveryPort:      8888,
		SequencerPort:      8890,
		HTTPPort:           5050,
		BeaconInterval:     3 * time.Second,
		StaleAfter:         10 * time.Second,
		StaleCheckInterval: 2 * time.Second,
		ScoreInterval:      10 * time.Second,
		ElectionTokenDelay: 500 * time.Millisecond,
		HTTPTimeout:        20 * time.Second,
		JobsDir:            "jobs",
		BlenderPath:         os.Getenv("BLENDER_PATH"),
		FFmpegPath:          "ffmpeg",
		SceneAnalysisScript: "",
		MetricsNamespace:   "renderfarm",
	}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "renderfarm-node"
	}
	return h
}

// Load reads a YAML config file starting from Default, then applies
// environment variable overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BLENDER_PATH"); v != "" {
		c.BlenderPath = v
	}
	if v := os.Getenv("RENDERFARM_NODE_NAME"); v != "" {
		c.NodeName = v
	}
	if v := os.Getenv("RENDERFARM_JOBS_DIR"); v != "" {
		c.JobsDir = v
	}
}

// Validate checks the config for obviously invalid values.
func (c Config) Validate() error {
	if c.NodeName == "" {
		return ErrNoName
	}
	if c.JobsDir == "" {
		return ErrNoJobsDir
	}
	for _, p := range []int{c.DiscoveryPort, c.SequencerPort, c.HTTPPort} {
		if p < 1 || p > 65535 {
			return ErrBadPort
		}
	}
	return nil
}
