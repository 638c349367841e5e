// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package job

import "sort"

// ShardFrames implements the deterministic sharding rule of spec.md
// §4.6: ring is the sorted ip sequence; if participant is false,
// clientIP is excluded from the workers list and N is decremented.
// Frames are consecutive ranges, the first `extra` workers (in ring
// order) getting one additional frame.
func ShardFrames(ring []string, clientIP string, participant bool, frameStart, frameEnd int) map[string][]int {
	workers := make([]string, 0, len(ring))
	for _, ip := range ring {
		if !participant && ip == clientIP {
			continue
		}
		workers = append(workers, ip)
	}
	sort.Strings(workers)

	n := len(workers)
	assignments := make(map[string][]int, n)
	if n == 0 {
		return assignments
	}

	total := frameEnd - frameStart + 1
	if total <= 0 {
		for _, w := range workers {
			assignments[w] = nil
		}
		return assignments
	}

	base := total / n
	extra := total % n

	cursor := frameStart
	for i, w := range workers {
		count := base
		if i < extra {
			count++
		}
		frames := make([]int, 0, count)
		for f := cursor; f < cursor+count; f++ {
			frames = append(frames, f)
		}
		assignments[w] = frames
		cursor += count
	}
	return assignments
}
