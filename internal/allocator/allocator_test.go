package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocate_Empty(t *testing.T) {
	assert.Nil(t, Allocate(nil))
}

func TestAllocate_PercentsSumTo100(t *testing.T) {
	stats := []ProjectStats{
		{ProjectID: "a", Priority: 5, QueuedCount: 10, BlockedCount: 2, HighComplexityQueued: 8},
		{ProjectID: "b", Priority: 2, QueuedCount: 3, BlockedCount: 0, HighComplexityQueued: 0},
		{ProjectID: "c", Priority: 8, QueuedCount: 0, BlockedCount: 0, HighComplexityQueued: 0},
	}
	allocations := Allocate(stats)

	var opusTotal, sonnetTotal float64
	for _, a := range allocations {
		opusTotal += a.RecommendedOpusPercent
		sonnetTotal += a.RecommendedSonnetPercent
	}
	assert.InDelta(t, 100, opusTotal, 0.01)
	assert.InDelta(t, 100, sonnetTotal, 0.01)
}

func TestAllocate_HigherBacklogAndComplexityGetsMoreOpus(t *testing.T) {
	stats := []ProjectStats{
		{ProjectID: "heavy", Priority: 5, QueuedCount: 20, BlockedCount: 5, HighComplexityQueued: 18},
		{ProjectID: "light", Priority: 5, QueuedCount: 2, BlockedCount: 0, HighComplexityQueued: 0},
	}
	allocations := Allocate(stats)

	byID := map[string]float64{}
	for _, a := range allocations {
		byID[a.ProjectID] = a.RecommendedOpusPercent
	}
	assert.Greater(t, byID["heavy"], byID["light"])
}

func TestAllocate_NoBacklogSplitsEqually(t *testing.T) {
	stats := []ProjectStats{
		{ProjectID: "a", Priority: 5},
		{ProjectID: "b", Priority: 5},
	}
	allocations := Allocate(stats)
	assert.InDelta(t, 50, allocations[0].RecommendedOpusPercent, 0.01)
	assert.InDelta(t, 50, allocations[1].RecommendedOpusPercent, 0.01)
}

func TestAllocate_SortedByProjectID(t *testing.T) {
	stats := []ProjectStats{
		{ProjectID: "zeta", QueuedCount: 1},
		{ProjectID: "alpha", QueuedCount: 1},
	}
	allocations := Allocate(stats)
	assert.Equal(t, "alpha", allocations[0].ProjectID)
	assert.Equal(t, "zeta", allocations[1].ProjectID)
}

func TestAllocate_ReasoningPopulated(t *testing.T) {
	stats := []ProjectStats{{ProjectID: "a", QueuedCount: 5, HighComplexityQueued: 2}}
	allocations := Allocate(stats)
	assert.Len(t, allocations[0].Reasoning, 3)
}
