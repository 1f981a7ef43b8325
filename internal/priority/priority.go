// Package priority implements the Priority Scorer: ranks queued tasks by a
// weighted blend of impact, urgency, efficiency, and dependency pressure.
package priority

import (
	"math"
	"sort"
	"time"

	"github.com/trafficcontrol/trafficcontrol/internal/calibration"
	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

// Weights are the configurable per-factor weights of the scorer's weighted
// sum. They need not sum to exactly 1.0, though the defaults do.
type Weights struct {
	Impact     float64
	Urgency    float64
	Efficiency float64
	Dependency float64
}

// DefaultWeights matches the spec's documented defaults.
func DefaultWeights() Weights {
	return Weights{Impact: 0.40, Urgency: 0.25, Efficiency: 0.20, Dependency: 0.15}
}

// ProjectContext carries the per-project facts the scorer's adjustments
// consult.
type ProjectContext struct {
	BacklogSize  int
	Underutilized bool
}

// Context is everything the scorer needs beyond the task list itself.
type Context struct {
	Now                 time.Time
	Weights             Weights
	LowBacklogThreshold int
	OpusUtilization     float64
	Projects            map[string]ProjectContext
	// HistoricalRatios maps task id to observed actual/estimated-session
	// ratios for similar past tasks, feeding the Efficiency factor.
	HistoricalRatios map[string][]float64
	// BlockerCounts maps task id to the number of queued/blocked tasks that
	// name it as their blocker.
	BlockerCounts map[string]int
}

// ScoreTasks computes a PriorityScore for every task and returns them sorted
// descending by TotalScore, with spec-defined tie-breaks: higher integer
// priority first, then older creation timestamp, then lexicographic task id.
func ScoreTasks(tasks []domain.Task, ctx Context) []domain.PriorityScore {
	weights := ctx.Weights
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}

	scores := make([]domain.PriorityScore, 0, len(tasks))
	for _, task := range tasks {
		scores = append(scores, scoreOne(task, ctx, weights))
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].TotalScore != scores[j].TotalScore {
			return scores[i].TotalScore > scores[j].TotalScore
		}
		ti, tj := taskByID(tasks, scores[i].TaskID), taskByID(tasks, scores[j].TaskID)
		if ti.Priority != tj.Priority {
			return ti.Priority > tj.Priority
		}
		if !ti.CreatedAt.Equal(tj.CreatedAt) {
			return ti.CreatedAt.Before(tj.CreatedAt)
		}
		return ti.ID < tj.ID
	})
	return scores
}

// GetTopPriorityTasks returns the top n scores from ScoreTasks(tasks, ctx).
// n may exceed len(tasks), in which case every score is returned.
func GetTopPriorityTasks(tasks []domain.Task, ctx Context, n int) []domain.PriorityScore {
	scored := ScoreTasks(tasks, ctx)
	if n >= len(scored) {
		return scored
	}
	return scored[:n]
}

func taskByID(tasks []domain.Task, id string) domain.Task {
	for _, t := range tasks {
		if t.ID == id {
			return t
		}
	}
	return domain.Task{}
}

func scoreOne(task domain.Task, ctx Context, weights Weights) domain.PriorityScore {
	impact, impactFactor := impactScore(task)
	urgency, urgencyFactor := urgencyScore(task, ctx.Now)
	efficiency, efficiencyFactor := efficiencyScore(task, ctx.HistoricalRatios[task.ID])
	dependency, dependencyFactor := dependencyScore(ctx.BlockerCounts[task.ID])

	weighted := impact*weights.Impact + urgency*weights.Urgency + efficiency*weights.Efficiency + dependency*weights.Dependency

	adjusted := weighted
	if proj, ok := ctx.Projects[task.ProjectID]; ok {
		if proj.BacklogSize < ctx.LowBacklogThreshold {
			adjusted += 20
		}
		if proj.Underutilized {
			adjusted += 10
		}
	}
	if task.Complexity == domain.ComplexityHigh && ctx.OpusUtilization >= 1.0 {
		adjusted -= 10
	}
	adjusted = clamp(adjusted, 0, 100)

	return domain.PriorityScore{
		TaskID:       task.ID,
		TotalScore:   adjusted,
		Impact:       impact,
		Urgency:      urgency,
		Efficiency:   efficiency,
		Dependency:   dependency,
		Factors:      []domain.FactorBreakdown{impactFactor, urgencyFactor, efficiencyFactor, dependencyFactor},
		CalculatedAt: ctx.Now,
	}
}

func impactScore(task domain.Task) (float64, domain.FactorBreakdown) {
	var score float64
	switch task.Complexity {
	case domain.ComplexityHigh:
		score = 100
	case domain.ComplexityMedium:
		score = 60
	case domain.ComplexityLow:
		score = 30
	default:
		score = 60
	}
	return score, domain.FactorBreakdown{
		Name:        "impact",
		Weight:      0,
		Raw:         score,
		Normalized:  score,
		Explanation: "complexity=" + string(task.Complexity),
	}
}

func urgencyScore(task domain.Task, now time.Time) (float64, domain.FactorBreakdown) {
	ageDays := 0.0
	if !task.CreatedAt.IsZero() {
		ageDays = now.Sub(task.CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
	}
	ageComponent := math.Min(ageDays*5, 60)
	priorityComponent := float64(task.Priority) * 4
	score := clamp(ageComponent+priorityComponent, 0, 100)
	return score, domain.FactorBreakdown{
		Name:        "urgency",
		Raw:         score,
		Normalized:  score,
		Explanation: "age and declared priority, capped at 100",
	}
}

func efficiencyScore(task domain.Task, ratios []float64) (float64, domain.FactorBreakdown) {
	if len(ratios) == 0 {
		return 50, domain.FactorBreakdown{
			Name:        "efficiency",
			Raw:         50,
			Normalized:  50,
			Explanation: "no historical estimate/actual pairs; neutral default",
		}
	}
	factor := calibration.Compute(&task.ProjectID, task.Complexity, ratios)
	deviation := math.Abs(factor.SessionsMultiplier - 1)
	score := clamp(100-deviation*100, 0, 100)
	return score, domain.FactorBreakdown{
		Name:        "efficiency",
		Raw:         score,
		Normalized:  score,
		Explanation: "derived from historical actual/estimated session ratio",
	}
}

func dependencyScore(blockerCount int) (float64, domain.FactorBreakdown) {
	score := clamp(float64(blockerCount)*20, 0, 100)
	return score, domain.FactorBreakdown{
		Name:        "dependency",
		Raw:         float64(blockerCount),
		Normalized:  score,
		Explanation: "tasks blocked on this one",
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
