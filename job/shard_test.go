// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package job

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenarioTwoThreeParticipantWorkers is spec.md §8 scenario 2.
func TestScenarioTwoThreeParticipantWorkers(t *testing.T) {
	ring := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	got := ShardFrames(ring, "", true, 1, 10)

	require.Equal(t, []int{1, 2, 3, 4}, got["10.0.0.1"])
	require.Equal(t, []int{5, 6, 7}, got["10.0.0.2"])
	require.Equal(t, []int{8, 9, 10}, got["10.0.0.3"])
}

// TestScenarioThreeNonParticipantInitiator is spec.md §8 scenario 3.
func TestScenarioThreeNonParticipantInitiator(t *testing.T) {
	ring := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	got := ShardFrames(ring, "10.0.0.1", false, 1, 5)

	require.NotContains(t, got, "10.0.0.1")
	require.Equal(t, []int{1, 2, 3}, got["10.0.0.2"])
	require.Equal(t, []int{4, 5}, got["10.0.0.3"])
}

func TestShardingFairness(t *testing.T) {
	ring := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	got := ShardFrames(ring, "", true, 1, 23)

	counts := make(map[string]int)
	for ip, frames := range got {
		counts[ip] = len(frames)
	}
	for i := range ring {
		for j := range ring {
			diff := counts[ring[i]] - counts[ring[j]]
			if diff < 0 {
				diff = -diff
			}
			require.LessOrEqual(t, diff, 1)
		}
	}
}

func TestShardingNoDuplicateOrMissingFrames(t *testing.T) {
	ring := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	got := ShardFrames(ring, "", true, 100, 117)

	seen := make(map[int]bool)
	for _, frames := range got {
		for _, f := range frames {
			require.False(t, seen[f], "frame %d assigned twice", f)
			seen[f] = true
		}
	}
	require.Len(t, seen, 18)
}
