// Package dispatch implements the Dispatch Loop (spec §4.11): the single
// logical worker that, on a fixed cadence, scores the queued backlog, asks
// the Resource Allocator for a per-project model split, and asks the Agent
// Session Manager to launch sessions within that plan — backing off behind
// the Circuit Breaker, the Rolling Spend Monitor, and the DB Health Monitor
// whenever any of them says no.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/trafficcontrol/trafficcontrol/internal/allocator"
	"github.com/trafficcontrol/trafficcontrol/internal/circuitbreaker"
	"github.com/trafficcontrol/trafficcontrol/internal/dbhealth"
	"github.com/trafficcontrol/trafficcontrol/internal/domain"
	"github.com/trafficcontrol/trafficcontrol/internal/priority"
	"github.com/trafficcontrol/trafficcontrol/internal/sessionmanager"
	"github.com/trafficcontrol/trafficcontrol/internal/spend"
)

// SessionLauncher is the subset of *sessionmanager.Manager the loop depends
// on. Kept as an interface so tests can substitute a fake without spinning
// up a real CLI Adapter. The dispatch loop only ever launches root sessions
// (LaunchOptions.ParentSessionID is always nil — subagents are spawned by
// the agent itself, not by this loop).
type SessionLauncher interface {
	Launch(ctx context.Context, task domain.Task, model domain.Model, opts sessionmanager.LaunchOptions) (string, error)
	Active() []domain.Session
	Cancel(id string) error
}

// Config tunes one Loop.
type Config struct {
	// TickInterval is how often RunOnce is invoked by Run.
	TickInterval time.Duration
	// PageSize bounds how many queued tasks are fetched per tick.
	PageSize int
	// LowBacklogThreshold feeds the Priority Scorer's low-backlog adjustment.
	LowBacklogThreshold int
	// Weights are the Priority Scorer's factor weights; zero value uses
	// priority.DefaultWeights().
	Weights priority.Weights
}

// modelPreference maps a task's complexity to the single model the
// allocator's opus/sonnet split is weighed against (spec §4.11 step 4:
// "choose model by allocation hint" — one model per task, not a fallback
// chain; a CapacityExhausted on that model skips the task, not the model).
var modelPreference = map[domain.Complexity]struct {
	primary   domain.Model
	secondary domain.Model
}{
	domain.ComplexityHigh:    {domain.ModelOpus, domain.ModelSonnet},
	domain.ComplexityMedium:  {domain.ModelSonnet, domain.ModelHaiku},
	domain.ComplexityLow:     {domain.ModelHaiku, domain.ModelSonnet},
	domain.ComplexityUnknown: {domain.ModelSonnet, domain.ModelHaiku},
}

// opusAllocationThreshold is the RecommendedOpusPercent above which a
// high-complexity task is launched on opus rather than its secondary model.
const opusAllocationThreshold = 40.0

// Result summarizes one RunOnce invocation, for logging and tests.
type Result struct {
	Degraded    bool
	SpendPaused bool
	SpendStop   bool
	Scored      int
	Launched    []string
	SkippedTask []string
}

// Loop is the Dispatch Loop. Safe for concurrent use; Run and RunOnce may be
// called from different goroutines (e.g. an operator-facing "tick now" hook)
// but the loop is logically single-worker — RunOnce serializes internally.
type Loop struct {
	cfg      Config
	tasks    domain.TaskSource
	projects domain.ProjectSource
	history  domain.HistoricalAccuracy
	sessions SessionLauncher
	breakers *circuitbreaker.Manager
	spendMon *spend.Monitor
	dbHealth *dbhealth.Monitor
	now      func() time.Time

	runMu sync.Mutex

	mu      sync.Mutex
	stopped bool
}

// New constructs a Loop.
func New(cfg Config, tasks domain.TaskSource, projects domain.ProjectSource, history domain.HistoricalAccuracy, sessions SessionLauncher, breakers *circuitbreaker.Manager, spendMon *spend.Monitor, dbHealth *dbhealth.Monitor) *Loop {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Loop{
		cfg:      cfg,
		tasks:    tasks,
		projects: projects,
		history:  history,
		sessions: sessions,
		breakers: breakers,
		spendMon: spendMon,
		dbHealth: dbHealth,
		now:      time.Now,
	}
}

// Run blocks, invoking RunOnce every TickInterval until ctx is done. It
// never spins: a tick in which nothing could be launched simply waits for
// the next tick (spec §4.11: "the loop sleeps until the next tick").
func (l *Loop) Run(ctx context.Context) {
	interval := l.cfg.TickInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil {
				slog.Error("dispatch tick failed", slog.Any("error", err))
			}
		}
	}
}

// Resume clears the operator-latched stopped state and the Spend Monitor's
// hard-limit latch, allowing launches to resume on the next tick.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.stopped = false
	l.mu.Unlock()
	l.spendMon.Resume()
}

// Stopped reports whether the loop is latched stopped awaiting operator
// resume (spec §4.11 step 5).
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// RunOnce executes exactly one dispatch tick (spec §4.11 steps 1-5).
func (l *Loop) RunOnce(ctx context.Context) (Result, error) {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	var result Result

	spendResult := l.spendMon.CheckThresholds()
	result.SpendPaused = spendResult.Pause
	result.SpendStop = spendResult.Stop

	if spendResult.Stop {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		for _, s := range l.sessions.Active() {
			if err := l.sessions.Cancel(s.ID); err != nil {
				slog.Warn("dispatch: failed to cancel session on hard spend stop",
					slog.String("session_id", s.ID), slog.Any("error", err))
			}
		}
		return result, nil
	}

	if l.Stopped() {
		return result, nil
	}

	degraded := l.dbHealth.IsDegraded()
	result.Degraded = degraded

	skipLaunch := degraded || spendResult.Pause || !l.anyModelAllowsOperation()
	if skipLaunch {
		return result, nil
	}

	tasks, err := l.tasks.QueuedTasks(ctx, l.cfg.PageSize)
	if err != nil {
		return result, err
	}
	result.Scored = len(tasks)
	if len(tasks) == 0 {
		return result, nil
	}

	scoreCtx, err := l.buildScoreContext(ctx, tasks)
	if err != nil {
		return result, err
	}
	scores := priority.ScoreTasks(tasks, scoreCtx)
	allocations := allocator.Allocate(l.buildProjectStats(tasks))
	allocByProject := make(map[string]domain.ResourceAllocation, len(allocations))
	for _, a := range allocations {
		allocByProject[a.ProjectID] = a
	}

	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, score := range scores {
		task, ok := byID[score.TaskID]
		if !ok || task.Status != domain.TaskQueued {
			continue
		}

		project, err := l.projects.Project(ctx, task.ProjectID)
		if err != nil {
			slog.Warn("dispatch: project lookup failed", slog.String("task_id", task.ID), slog.Any("error", err))
			continue
		}
		if project.Status == domain.ProjectPaused {
			result.SkippedTask = append(result.SkippedTask, task.ID)
			continue
		}

		model := chooseModel(task, allocByProject[task.ProjectID])
		if !l.breakers.AllowsOperation(model) {
			result.SkippedTask = append(result.SkippedTask, task.ID)
			continue
		}

		sessionID, err := l.sessions.Launch(ctx, task, model, sessionmanager.LaunchOptions{})
		if err != nil {
			if errors.Is(err, domain.ErrCapacityExhausted) {
				result.SkippedTask = append(result.SkippedTask, task.ID)
				continue
			}
			slog.Warn("dispatch: launch failed", slog.String("task_id", task.ID), slog.Any("error", err))
			result.SkippedTask = append(result.SkippedTask, task.ID)
			continue
		}
		result.Launched = append(result.Launched, sessionID)
	}

	return result, nil
}

// anyModelAllowsOperation gates the entire launch phase: if every model's
// breaker currently denies operation, there is nothing to gain by scoring
// and walking the backlog this tick (spec §4.11 step 1's generic "Circuit
// Breaker allowsOperation() is false").
func (l *Loop) anyModelAllowsOperation() bool {
	for _, m := range []domain.Model{domain.ModelOpus, domain.ModelSonnet, domain.ModelHaiku} {
		if l.breakers.AllowsOperation(m) {
			return true
		}
	}
	return false
}

// chooseModel picks one model for task per spec §4.11 step 4: a
// high-complexity task with strong opus allocation runs on opus; otherwise
// the complexity's default model is used.
func chooseModel(task domain.Task, alloc domain.ResourceAllocation) domain.Model {
	pref, ok := modelPreference[task.Complexity]
	if !ok {
		pref = modelPreference[domain.ComplexityUnknown]
	}
	if task.Complexity == domain.ComplexityHigh && alloc.RecommendedOpusPercent < opusAllocationThreshold {
		return pref.secondary
	}
	return pref.primary
}

// buildProjectStats aggregates the fetched task page into per-project
// backlog pressure for the Resource Allocator.
func (l *Loop) buildProjectStats(tasks []domain.Task) []allocator.ProjectStats {
	byProject := make(map[string]*allocator.ProjectStats)
	order := make([]string, 0)
	for _, t := range tasks {
		s, ok := byProject[t.ProjectID]
		if !ok {
			s = &allocator.ProjectStats{ProjectID: t.ProjectID, Priority: t.Priority}
			byProject[t.ProjectID] = s
			order = append(order, t.ProjectID)
		}
		switch t.Status {
		case domain.TaskQueued:
			s.QueuedCount++
			if t.Complexity == domain.ComplexityHigh {
				s.HighComplexityQueued++
			}
		case domain.TaskBlocked:
			s.BlockedCount++
		}
		if t.Priority > s.Priority {
			s.Priority = t.Priority
		}
	}
	out := make([]allocator.ProjectStats, 0, len(order))
	for _, id := range order {
		out = append(out, *byProject[id])
	}
	return out
}

// buildScoreContext resolves the Priority Scorer's Context: per-project
// backlog/underutilization facts, historical estimate/actual ratios (one
// persistence read per distinct project+complexity pair in the batch, not
// per task), opus utilization, and in-batch blocker counts (spec §4.9's
// Dependency factor: tasks in this fetched page naming a task as their
// blocker).
func (l *Loop) buildScoreContext(ctx context.Context, tasks []domain.Task) (priority.Context, error) {
	pctx := priority.Context{
		Now:                 l.now(),
		Weights:             l.cfg.Weights,
		LowBacklogThreshold: l.cfg.LowBacklogThreshold,
		Projects:            make(map[string]priority.ProjectContext),
		HistoricalRatios:    make(map[string][]float64),
		BlockerCounts:       make(map[string]int),
	}

	stats := l.buildProjectStats(tasks)
	for _, s := range stats {
		pctx.Projects[s.ProjectID] = priority.ProjectContext{
			BacklogSize:   s.QueuedCount + s.BlockedCount,
			Underutilized: s.QueuedCount < l.cfg.LowBacklogThreshold/2,
		}
	}

	for _, t := range tasks {
		if t.BlockedBy != nil {
			pctx.BlockerCounts[*t.BlockedBy]++
		}
	}

	type cacheKey struct {
		project    string
		complexity domain.Complexity
	}
	ratioCache := make(map[cacheKey][]float64)
	if l.history != nil {
		for _, t := range tasks {
			key := cacheKey{t.ProjectID, t.Complexity}
			ratios, ok := ratioCache[key]
			if !ok {
				projectID := t.ProjectID
				fetched, err := l.history.EstimateActualRatios(ctx, &projectID, t.Complexity)
				if err != nil {
					slog.Warn("dispatch: historical accuracy lookup failed",
						slog.String("project_id", t.ProjectID), slog.Any("error", err))
					fetched = nil
				}
				ratioCache[key] = fetched
				ratios = fetched
			}
			pctx.HistoricalRatios[t.ID] = ratios
		}
	}

	return pctx, nil
}
