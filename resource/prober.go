// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package resource computes the election-weight score advertised in
// discovery beacons: a composite of free disk, available memory, and
// CPU idleness. Grounded on c6ai-hlf-easy/node/peer.go's use of
// gopsutil for host introspection, generalized from per-process
// sampling to whole-host sampling.
package resource

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const giB = 1 << 30

// Prober reports a non-negative integer score derived from free disk,
// available memory, and CPU idleness (spec.md §4.1). It caches its last
// score and refuses to recompute while frozen, so the composite UID
// stays stable for the duration of an election.
type Prober struct {
	path          string
	scoreInterval time.Duration

	mu       sync.Mutex
	frozen   bool
	lastAt   time.Time
	lastScore int
	haveScore bool
}

// NewProber returns a Prober that samples usage of the filesystem
// rooted at path (typically the jobs directory's volume).
func NewProber(path string, scoreInterval time.Duration) *Prober {
	return &Prober{path: path, scoreInterval: scoreInterval}
}

// Freeze prevents recomputation until Unfreeze is called, so the score
// used as an election tiebreaker cannot change mid-election.
func (p *Prober) Freeze() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frozen = true
}

// Unfreeze re-enables recomputation.
func (p *Prober) Unfreeze() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frozen = false
}

// Score returns the current score, recomputing it if the cache is
// stale, unfrozen, and scoreInterval has elapsed since the last sample.
func (p *Prober) Score(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.frozen && p.haveScore {
		defer p.mu.Unlock()
		return p.lastScore, nil
	}
	if p.haveScore && time.Since(p.lastAt) < p.scoreInterval {
		defer p.mu.Unlock()
		return p.lastScore, nil
	}
	p.mu.Unlock()

	score, err := p.sample(ctx)
	if err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.haveScore {
			return p.lastScore, nil
		}
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastScore = score
	p.lastAt = time.Now()
	p.haveScore = true
	return score, nil
}

func (p *Prober) sample(ctx context.Context) (int, error) {
	diskStat, err := disk.UsageWithContext(ctx, p.path)
	if err != nil {
		return 0, err
	}
	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	cpuPercents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	cpuPercent := 0.0
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	freeDiskGiB := float64(diskStat.Free) / giB
	availMemGiB := float64(vmStat.Available) / giB

	return Formula(freeDiskGiB, availMemGiB, cpuPercent), nil
}

// Formula implements spec.md §4.1's exact scoring function so it can be
// exercised independently of gopsutil in tests:
// score = floor(free_disk_GiB*50 + avail_mem_GiB*30 + (100-cpu_pct)*30)
func Formula(freeDiskGiB, availMemGiB, cpuPercent float64) int {
	raw := freeDiskGiB*50 + availMemGiB*30 + (100-cpuPercent)*30
	if raw < 0 {
		raw = 0
	}
	return int(math.Floor(raw))
}
