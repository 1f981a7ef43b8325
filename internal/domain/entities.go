// Package domain defines core entities, ports, and domain-specific errors
// shared by every dispatch-loop component. Error sentinels live in errors.go.
package domain

import (
	"context"
	"time"
)

// Model is one of the three concurrency-capped agent models.
type Model string

// Supported models.
const (
	ModelOpus   Model = "opus"
	ModelSonnet Model = "sonnet"
	ModelHaiku  Model = "haiku"
)

// Complexity buckets drive the Priority Scorer's Impact factor and the
// Calibration Factor's grouping key.
type Complexity string

// Complexity values.
const (
	ComplexityLow     Complexity = "low"
	ComplexityMedium  Complexity = "medium"
	ComplexityHigh    Complexity = "high"
	ComplexityUnknown Complexity = ""
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

// Task status values.
const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskComplete   TaskStatus = "complete"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskCancelled
}

// Task is one unit of work in the backlog.
//
// Invariant: a task in TaskInProgress has exactly one active session; a task
// in TaskBlocked has a non-nil BlockedBy that resolves to a non-terminal task.
type Task struct {
	// ID is the unique identifier for the task.
	ID string
	// ProjectID is the project this task belongs to.
	ProjectID string
	// Title is a short human-readable summary.
	Title string
	// Description is the full task description.
	Description string
	// Status is the current lifecycle state.
	Status TaskStatus
	// Priority is an integer in [1,10]; higher runs sooner, all else equal.
	Priority int
	// Complexity feeds the Priority Scorer's Impact factor.
	Complexity Complexity
	// EstimatedPerModel is the estimated session count per model.
	EstimatedPerModel map[Model]int
	// ActualPerModel is the observed session count per model so far.
	ActualPerModel map[Model]int
	// BlockedBy is the id of the task blocking this one, if any.
	BlockedBy *string
	// Tags is an unordered set of free-form labels.
	Tags map[string]struct{}
	// CreatedAt is used by the Priority Scorer's Urgency factor and by the
	// dispatch loop's creation-time tie-break.
	CreatedAt time.Time
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	if t.Tags == nil {
		return false
	}
	_, ok := t.Tags[tag]
	return ok
}

// EstimateVsActualRatio returns actual/estimated sessions for model m, and
// false if no estimate is recorded (the ratio would be undefined).
func (t *Task) EstimateVsActualRatio(m Model) (float64, bool) {
	est := t.EstimatedPerModel[m]
	if est <= 0 {
		return 0, false
	}
	return float64(t.ActualPerModel[m]) / float64(est), true
}

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

// Project status values.
const (
	ProjectActive ProjectStatus = "active"
	ProjectPaused ProjectStatus = "paused"
)

// Project groups tasks under a shared pause/priority policy.
//
// Invariant: while Status == ProjectPaused, no new sessions may be started
// for tasks of this project; already-running sessions continue to drain.
type Project struct {
	// ID is the unique identifier for the project.
	ID string
	// Name is the human-readable project name.
	Name string
	// Status gates new session launches (see type doc).
	Status ProjectStatus
	// Priority is the project-level priority used by the Resource Allocator.
	Priority int
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

// Session status values.
const (
	SessionStarting  SessionStatus = "starting"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// TokenUsage is the normalized usage shape extractUsage produces: zero
// defaults for any field absent from the agent's result message.
type TokenUsage struct {
	InputTokens       int
	OutputTokens      int
	CacheReadTokens   int
	CacheCreateTokens int
}

// Total returns the sum of all counted token categories.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreateTokens
}

// Session is one execution of the agent binary bound to one task. Owned
// exclusively by the Agent Session Manager; destroyed only after the
// underlying subprocess has fully exited.
type Session struct {
	// ID is the manager-assigned session id, a UUID generated at launch. The
	// agent's own session id, reported in its result messages, is not stored
	// on Session.
	ID string
	// TaskID is the task this session is executing.
	TaskID string
	// Model is the model this session is running under.
	Model Model
	// Status is the current lifecycle state.
	Status SessionStatus
	// StartedAt is when the session was admitted (not necessarily when the
	// subprocess produced its first byte).
	StartedAt time.Time
	// Usage is the running token usage total.
	Usage TokenUsage
	// CostUSD is the running cost total, finalized on terminal transition.
	CostUSD float64
	// ParentID is the parent session id for a subagent, nil for a root.
	ParentID *string
	// Depth is 0 for a root session, parent.Depth+1 for a subagent.
	Depth int
	// LastActive is bumped on every observed tool_call event.
	LastActive time.Time
	// Error holds the terminal failure reason, if Status == SessionFailed.
	Error string
}

// SessionFinalized is emitted exactly once per session from the Manager's
// single-entry finalize path (spec §4.8). Payload shape supplemented in
// SPEC_FULL.md §C.2 since spec.md mandates only the event, not its fields.
type SessionFinalized struct {
	SessionID string
	TaskID    string
	Model     Model
	Status    SessionStatus
	CostUSD   float64
	Usage     TokenUsage
	Duration  time.Duration
	ParentID  *string
	Depth     int
	Error     string
	At        time.Time
}

// CapacitySnapshot reports the live admission state for one model.
//
// Invariant: 0 <= Current <= Limit; Current equals the number of non-terminal
// sessions of that model tracked by the manager.
type CapacitySnapshot struct {
	Model       Model
	Current     int
	Limit       int
	Available   int
	Utilization float64
}

// SpendRecord is one cost event. Pruned by the Rolling Spend Monitor once
// older than 2x its rolling window.
type SpendRecord struct {
	ID        string
	At        time.Time
	TaskID    string
	Model     Model
	AmountUSD float64
}

// FailureRecord describes one failure observation. The Circuit Breaker does
// not consume it; Breaker keeps only failure timestamps, pruned once older
// than the failure window.
type FailureRecord struct {
	ID      string
	At      time.Time
	Message string
	Context map[string]string
}

// CompletionRecord is one task-completion observation fed to the
// Productivity Monitor. Pruned by the productivity window.
type CompletionRecord struct {
	ID        string
	SessionID string
	TaskID    string
	Model     Model
	Success   bool
	Duration  time.Duration
	Usage     TokenUsage
	CostUSD   float64
	ErrorMsg  string
	At        time.Time
}

// Confidence bands a Calibration Factor's reliability given its sample size.
type Confidence string

// Confidence values.
const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// CalibrationFactor is a multiplier applied to an estimate to correct
// historical bias for a (project, complexity) pair, or globally when
// ProjectID is nil. Derived from the median (not mean, explicitly
// outlier-resistant) of completed tasks' actual/estimated-sessions ratios.
type CalibrationFactor struct {
	ProjectID          *string
	Complexity         Complexity
	SessionsMultiplier float64 // clamped to [0.5, 3.0]
	SampleSize         int
	Confidence         Confidence
}

// FactorBreakdown documents one weighted input to a PriorityScore, for audit.
type FactorBreakdown struct {
	Name        string
	Weight      float64
	Raw         float64
	Normalized  float64
	Explanation string
}

// PriorityScore is the Priority Scorer's output for one task.
type PriorityScore struct {
	TaskID       string
	TotalScore   float64 // [0, 100]
	Impact       float64
	Urgency      float64
	Efficiency   float64
	Dependency   float64
	Factors      []FactorBreakdown
	CalculatedAt time.Time
}

// ResourceAllocation is the Resource Allocator's recommendation for one
// project. The invariant is that each recommended percent sums to 100 across
// all projects in a given allocation run, not within a single project.
type ResourceAllocation struct {
	ProjectID                string
	RecommendedOpusPercent   float64
	RecommendedSonnetPercent float64
	Reasoning                []string
}

// Ports

// HistoricalAccuracy is the read-only port the Priority Scorer's Efficiency
// factor and the Calibration Factor use to look up a task's estimate/actual
// history. Backed in production by a read-only persistence adapter (spec §6:
// "the core consumes only read operations").
type HistoricalAccuracy interface {
	// EstimateActualRatios returns the actual/estimated session ratios for
	// completed tasks matching the given project (nil for all projects) and
	// complexity, most recent first.
	EstimateActualRatios(ctx context.Context, projectID *string, complexity Complexity) ([]float64, error)
}

// PricingLookup is the read-only port session cost computation uses to
// convert token usage into a USD amount (spec §6: "model pricing for cost
// computation").
type PricingLookup interface {
	// CostUSD returns the USD cost of the given usage under model m.
	CostUSD(m Model, usage TokenUsage) (float64, error)
}

// TaskSource is the read-only port the Dispatch Loop uses to page the queued
// backlog (spec §4.11 step 2: "Query queued tasks (bounded page)"). The
// backlog's storage and ordering-within-project guarantees are an external
// collaborator's concern; the core only requires a bounded page back.
type TaskSource interface {
	// QueuedTasks returns up to limit queued tasks.
	QueuedTasks(ctx context.Context, limit int) ([]Task, error)
}

// ProjectSource is the read-only port the Dispatch Loop and Resource
// Allocator use to look up project pause state and priority.
type ProjectSource interface {
	// Project returns the project with the given id.
	Project(ctx context.Context, id string) (Project, error)
}

// EventSink receives best-effort telemetry events (SessionFinalized, spend
// and productivity alerts) for an external notification collaborator to
// consume. Implementations must never block the caller meaningfully; errors
// are logged, not propagated (spec §5: monitors' hot paths stay O(1) and
// I/O-free).
type EventSink interface {
	// Publish sends one named event with an opaque JSON-able payload.
	Publish(ctx context.Context, eventType string, payload any)
}

// Context is a type alias to stdlib context.Context for convenience across
// layers, matching the teacher's layering convention.
type Context = context.Context
