// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package control

import "sync"

// PendingCommits remembers JOB_COMMIT arrivals that raced ahead of the
// HTTP job-package upload (spec.md §4.4 cross-channel rule), so the
// worker can re-apply the commit as soon as the scene file lands.
type PendingCommits struct {
	mu    sync.Mutex
	jobs  map[string]struct{}
}

// NewPendingCommits constructs an empty set.
func NewPendingCommits() *PendingCommits {
	return &PendingCommits{jobs: make(map[string]struct{})}
}

// Mark records that JOB_COMMIT arrived for jobID before the upload.
func (p *PendingCommits) Mark(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs[jobID] = struct{}{}
}

// TakeIfPending reports whether jobID had a pending commit and clears
// it atomically, so it is applied at most once.
func (p *PendingCommits) TakeIfPending(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.jobs[jobID]
	if ok {
		delete(p.jobs, jobID)
	}
	return ok
}
