// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package healthcheck aggregates per-component health into the report
// served at GET /healthz. Adapted from the deleted teacher
// api/health/health.go: the Checker/Report/Check shapes are kept,
// re-pointed at node health instead of chain health.
package healthcheck

import (
	"context"
	"sync"
	"time"
)

// Checker is implemented by anything with a health opinion — in node,
// the membership-table and election-engine checkers.
type Checker interface {
	HealthCheck(context.Context) (any, error)
}

// Check is one named health check's result.
type Check struct {
	Name     string        `json:"name"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Details  any           `json:"details,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report aggregates every registered check.
type Report struct {
	Healthy  bool          `json:"healthy"`
	Checks   []Check       `json:"checks,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Registry owns the set of named checkers and produces a Report on demand.
type Registry struct {
	mu       sync.Mutex
	checkers map[string]Checker
}

// NewRegistry constructs an empty health Registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a named checker. A later call with the same name replaces it.
func (r *Registry) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = c
}

// Health runs every registered checker and aggregates the result.
func (r *Registry) Health(ctx context.Context) Report {
	r.mu.Lock()
	checkers := make(map[string]Checker, len(r.checkers))
	for name, c := range r.checkers {
		checkers[name] = c
	}
	r.mu.Unlock()

	start := time.Now()
	report := Report{Healthy: true}
	for name, c := range checkers {
		checkStart := time.Now()
		details, err := c.HealthCheck(ctx)
		check := Check{Name: name, Healthy: err == nil, Details: details, Duration: time.Since(checkStart)}
		if err != nil {
			check.Error = err.Error()
			report.Healthy = false
		}
		report.Checks = append(report.Checks, check)
	}
	report.Duration = time.Since(start)
	return report
}
