// Package allocator implements the Resource Allocator: given per-project
// backlog pressure, proposes how the available opus/sonnet capacity should
// be split across projects. It never launches anything; its output is
// consumed by the dispatch loop and by operator-facing recommendations.
package allocator

import (
	"fmt"
	"sort"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

// ProjectStats is the allocator's view of one project's current load.
type ProjectStats struct {
	ProjectID string
	// Priority is the project's own priority, 1-10.
	Priority int
	// QueuedCount and BlockedCount measure backlog pressure.
	QueuedCount int
	BlockedCount int
	// HighComplexityQueued is how many of QueuedCount are high-complexity,
	// used to bias the opus/sonnet split toward opus.
	HighComplexityQueued int
}

// pressure is a project's raw demand signal: backlog size scaled up by its
// declared priority.
func (p ProjectStats) pressure() float64 {
	backlog := float64(p.QueuedCount + p.BlockedCount)
	return backlog * (1 + float64(p.Priority)/10.0)
}

// opusAffinity is the fraction of a project's queued work that is
// high-complexity, in [0,1]. Projects with no queued work default to 0.5 so
// they do not skew the normalization in either direction.
func (p ProjectStats) opusAffinity() float64 {
	if p.QueuedCount == 0 {
		return 0.5
	}
	affinity := float64(p.HighComplexityQueued) / float64(p.QueuedCount)
	if affinity > 1 {
		return 1
	}
	return affinity
}

// Allocate computes a ResourceAllocation per project. RecommendedOpusPercent
// sums to 100 across the returned list, and so does
// RecommendedSonnetPercent, independently.
func Allocate(stats []ProjectStats) []domain.ResourceAllocation {
	if len(stats) == 0 {
		return nil
	}

	rawOpus := make([]float64, len(stats))
	rawSonnet := make([]float64, len(stats))
	var totalOpus, totalSonnet float64
	for i, s := range stats {
		pressure := s.pressure()
		affinity := s.opusAffinity()
		rawOpus[i] = pressure * affinity
		rawSonnet[i] = pressure * (1 - affinity)
		totalOpus += rawOpus[i]
		totalSonnet += rawSonnet[i]
	}

	out := make([]domain.ResourceAllocation, len(stats))
	for i, s := range stats {
		opusPct := equalShare(len(stats))
		if totalOpus > 0 {
			opusPct = rawOpus[i] / totalOpus * 100
		}
		sonnetPct := equalShare(len(stats))
		if totalSonnet > 0 {
			sonnetPct = rawSonnet[i] / totalSonnet * 100
		}

		out[i] = domain.ResourceAllocation{
			ProjectID:                s.ProjectID,
			RecommendedOpusPercent:   opusPct,
			RecommendedSonnetPercent: sonnetPct,
			Reasoning:                reasoning(s, opusPct, sonnetPct),
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

func equalShare(n int) float64 {
	if n == 0 {
		return 0
	}
	return 100.0 / float64(n)
}

func reasoning(s ProjectStats, opusPct, sonnetPct float64) []string {
	return []string{
		fmt.Sprintf("backlog pressure: %d queued + %d blocked at project priority %d", s.QueuedCount, s.BlockedCount, s.Priority),
		fmt.Sprintf("opus affinity %.2f from %d/%d high-complexity queued tasks", s.opusAffinity(), s.HighComplexityQueued, s.QueuedCount),
		fmt.Sprintf("recommended opus=%.1f%% sonnet=%.1f%% of total pool", opusPct, sonnetPct),
	}
}
