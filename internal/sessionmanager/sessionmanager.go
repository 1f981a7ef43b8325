// Package sessionmanager implements the Agent Session Manager: it owns the
// sessionId -> session mapping and mediates the CLI Adapter, Capacity
// Tracker, and Subagent Tracker for every launched session.
package sessionmanager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trafficcontrol/trafficcontrol/internal/capacity"
	"github.com/trafficcontrol/trafficcontrol/internal/cliadapter"
	"github.com/trafficcontrol/trafficcontrol/internal/domain"
	"github.com/trafficcontrol/trafficcontrol/internal/subagent"
)

// QueryHandle is the subset of *cliadapter.Query the manager depends on.
// *cliadapter.Query satisfies this structurally.
type QueryHandle interface {
	Events() <-chan cliadapter.Event
	SessionID() string
	IsRunning() bool
	PartialResult() string
	Close() error
	Wait(ctx context.Context) error
	Err() error
}

// CLIAdapter starts a query. *cliadapter.Adapter is wrapped by AdapterShim
// to satisfy this interface.
type CLIAdapter interface {
	Start(ctx context.Context, prompt string, opts cliadapter.LaunchOptions) (QueryHandle, error)
}

// AdapterShim adapts *cliadapter.Adapter to CLIAdapter.
type AdapterShim struct{ *cliadapter.Adapter }

func (a AdapterShim) Start(ctx context.Context, prompt string, opts cliadapter.LaunchOptions) (QueryHandle, error) {
	q, err := a.Adapter.Start(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// QuestionNotifier surfaces an agent's AskUserQuestion tool call to whatever
// collaborator handles human-in-the-loop prompts. Implementations must not
// block the manager's event loop for long.
type QuestionNotifier interface {
	Notify(ctx context.Context, sessionID, question string)
}

// NoopNotifier discards questions. Used when no notification collaborator is
// wired.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string, string) {}

// SpendRecorder is the subset of *spend.Monitor the manager feeds on every
// finalize (spec §5: monitors "are called from ... completion handlers").
type SpendRecorder interface {
	RecordSpend(amountUSD float64, taskID string, model domain.Model)
}

// CompletionRecorder is the subset of *productivity.Monitor the manager
// feeds on every finalize.
type CompletionRecorder interface {
	RecordCompletion(rec domain.CompletionRecord)
}

// CircuitRecorder is the subset of *circuitbreaker.Manager the manager
// feeds on every finalize: a successful session counts toward closing an
// open breaker, a failed one counts toward tripping it.
type CircuitRecorder interface {
	RecordSuccess(model domain.Model)
	RecordFailure(model domain.Model, reason string)
}

// LaunchOptions configures one session launch.
type LaunchOptions struct {
	ParentSessionID    *string
	PermissionMode     cliadapter.PermissionMode
	ResumeSessionID    string
	AllowedTools       []string
	AppendSystemPrompt string
}

type trackedSession struct {
	mu      sync.Mutex
	session domain.Session
	query   QueryHandle
	once    sync.Once
}

// Manager owns every live session. Safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*trackedSession
	capacity    capacity.Tracker
	subagents   *subagent.Tracker
	cli         CLIAdapter
	pricing     domain.PricingLookup
	events      domain.EventSink
	notifier    QuestionNotifier
	spend       SpendRecorder
	completions CompletionRecorder
	breakers    CircuitRecorder
	now         func() time.Time
}

// New constructs a Manager. spend, completions, and breakers may be nil,
// in which case finalize simply skips feeding that monitor (tests that only
// care about session lifecycle need not wire all three).
func New(cli CLIAdapter, cap capacity.Tracker, subagents *subagent.Tracker, pricing domain.PricingLookup, events domain.EventSink, notifier QuestionNotifier, spendMon SpendRecorder, completions CompletionRecorder, breakers CircuitRecorder) *Manager {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Manager{
		sessions:    make(map[string]*trackedSession),
		capacity:    cap,
		subagents:   subagents,
		cli:         cli,
		pricing:     pricing,
		events:      events,
		notifier:    notifier,
		spend:       spendMon,
		completions: completions,
		breakers:    breakers,
		now:         time.Now,
	}
}

// Launch admits and starts one session for task under model. Returns the
// manager-assigned session id (distinct from, and assigned before, the
// agent's own session id which only becomes known once observed in a
// result message).
func (m *Manager) Launch(ctx context.Context, task domain.Task, model domain.Model, opts LaunchOptions) (string, error) {
	ok, err := m.capacity.TryReserve(ctx, model)
	if err != nil {
		return "", fmt.Errorf("op=sessionmanager.Launch: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("op=sessionmanager.Launch model=%s: %w", model, domain.ErrCapacityExhausted)
	}

	depth := 0
	if opts.ParentSessionID != nil {
		if !m.subagents.CanSpawn(*opts.ParentSessionID) {
			_ = m.capacity.Release(ctx, model)
			return "", fmt.Errorf("op=sessionmanager.Launch parent=%s: %w", *opts.ParentSessionID, domain.ErrDepthExceeded)
		}
		depth = m.subagents.Depth(*opts.ParentSessionID) + 1
	}

	query, err := m.cli.Start(ctx, task.Description, cliadapter.LaunchOptions{
		Model:              model,
		PermissionMode:     opts.PermissionMode,
		ResumeSessionID:    opts.ResumeSessionID,
		AllowedTools:       opts.AllowedTools,
		AppendSystemPrompt: opts.AppendSystemPrompt,
	})
	if err != nil {
		_ = m.capacity.Release(ctx, model)
		return "", fmt.Errorf("op=sessionmanager.Launch: %w", err)
	}

	localID := uuid.New().String()
	if opts.ParentSessionID != nil {
		if regErr := m.subagents.RegisterSub(*opts.ParentSessionID, localID); regErr != nil {
			_ = query.Close()
			_ = m.capacity.Release(ctx, model)
			return "", fmt.Errorf("op=sessionmanager.Launch: %w", regErr)
		}
	} else if regErr := m.subagents.RegisterRoot(localID); regErr != nil {
		_ = query.Close()
		_ = m.capacity.Release(ctx, model)
		return "", fmt.Errorf("op=sessionmanager.Launch: %w", regErr)
	}

	tracked := &trackedSession{
		query: query,
		session: domain.Session{
			ID:         localID,
			TaskID:     task.ID,
			Model:      model,
			Status:     domain.SessionStarting,
			StartedAt:  m.now(),
			ParentID:   opts.ParentSessionID,
			Depth:      depth,
			LastActive: m.now(),
		},
	}

	m.mu.Lock()
	m.sessions[localID] = tracked
	m.mu.Unlock()

	go m.pump(ctx, localID, tracked)

	return localID, nil
}

// Session returns a snapshot of one tracked session.
func (m *Manager) Session(id string) (domain.Session, bool) {
	m.mu.Lock()
	tracked, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return domain.Session{}, false
	}
	tracked.mu.Lock()
	defer tracked.mu.Unlock()
	return tracked.session, true
}

// Active returns every non-terminal tracked session.
func (m *Manager) Active() []domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Session, 0, len(m.sessions))
	for _, tracked := range m.sessions {
		tracked.mu.Lock()
		if !tracked.session.Status.IsTerminal() {
			out = append(out, tracked.session)
		}
		tracked.mu.Unlock()
	}
	return out
}

// Cancel terminates a running session externally (e.g. on spend-monitor
// stop). Finalization proceeds through the normal pump/finalize path once
// the subprocess exits.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	tracked, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=sessionmanager.Cancel id=%s: %w", id, domain.ErrSessionNotFound)
	}
	return tracked.query.Close()
}

func (m *Manager) pump(ctx context.Context, localID string, tracked *trackedSession) {
	firstMessage := true
	for ev := range tracked.query.Events() {
		tracked.mu.Lock()
		if firstMessage && tracked.session.Status == domain.SessionStarting {
			tracked.session.Status = domain.SessionActive
		}
		firstMessage = false
		tracked.mu.Unlock()

		switch ev.Kind {
		case cliadapter.EventToolCall:
			tracked.mu.Lock()
			tracked.session.LastActive = m.now()
			tracked.mu.Unlock()

		case cliadapter.EventQuestion:
			m.notifier.Notify(ctx, localID, ev.Question)

		case cliadapter.EventCompletion:
			m.finalize(ctx, localID, domain.SessionCompleted, "", ev.Usage, durationFromMs(ev.DurationMs))

		case cliadapter.EventError:
			m.finalize(ctx, localID, domain.SessionFailed, strings.Join(ev.Errors, "; "), ev.Usage, 0)
		}
	}

	// The process exited without emitting a completion/error event (crash,
	// external kill). Finalize is idempotent, so a prior event-driven
	// finalize already having run is a no-op here.
	if err := tracked.query.Wait(ctx); err != nil {
		status := domain.SessionFailed
		if ctx.Err() != nil {
			status = domain.SessionCancelled
		}
		m.finalize(ctx, localID, status, err.Error(), domain.TokenUsage{}, 0)
	} else {
		m.finalize(ctx, localID, domain.SessionCompleted, "", domain.TokenUsage{}, 0)
	}
}

func durationFromMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// finalize is the session's single-entry, idempotent terminal transition.
// Resolution of the capacity-accounting open question: any still-live
// descendants are finalized (and their capacity released) synchronously,
// before this session's own capacity is released, so current[M] never
// transiently over-counts a dead subtree.
func (m *Manager) finalize(ctx context.Context, localID string, status domain.SessionStatus, errMsg string, usage domain.TokenUsage, duration time.Duration) {
	m.mu.Lock()
	tracked, ok := m.sessions[localID]
	m.mu.Unlock()
	if !ok {
		return
	}

	tracked.once.Do(func() {
		m.finalizeChildrenFirst(ctx, localID)

		tracked.mu.Lock()
		tracked.session.Status = status
		tracked.session.Error = errMsg
		tracked.session.Usage = usage
		if cost, err := m.costOf(tracked.session.Model, usage); err == nil {
			tracked.session.CostUSD = cost
		} else {
			slog.Warn("cost lookup failed at finalize", slog.String("session_id", localID), slog.Any("error", err))
		}
		finalized := domain.SessionFinalized{
			SessionID: localID,
			TaskID:    tracked.session.TaskID,
			Model:     tracked.session.Model,
			Status:    status,
			CostUSD:   tracked.session.CostUSD,
			Usage:     usage,
			Duration:  duration,
			ParentID:  tracked.session.ParentID,
			Depth:     tracked.session.Depth,
			Error:     errMsg,
			At:        m.now(),
		}
		model := tracked.session.Model
		taskID := tracked.session.TaskID
		costUSD := tracked.session.CostUSD
		success := status == domain.SessionCompleted
		tracked.mu.Unlock()

		if m.events != nil {
			m.events.Publish(ctx, "session:finalized", finalized)
		}

		// Feed the rolling monitors on every finalize (spec §5: monitors
		// "are called from ... completion handlers"; §4.3/§4.4 record
		// cost/completion "on usage event"). These calls are O(1) and
		// I/O-free, so doing them inline keeps finalize's hot path cheap.
		if m.spend != nil {
			m.spend.RecordSpend(costUSD, taskID, model)
		}
		if m.completions != nil {
			m.completions.RecordCompletion(domain.CompletionRecord{
				SessionID: localID,
				TaskID:    taskID,
				Model:     model,
				Success:   success,
				Duration:  duration,
				Usage:     usage,
				CostUSD:   costUSD,
				ErrorMsg:  errMsg,
				At:        finalized.At,
			})
		}
		if m.breakers != nil {
			if success {
				m.breakers.RecordSuccess(model)
			} else {
				m.breakers.RecordFailure(model, errMsg)
			}
		}

		if err := m.capacity.Release(ctx, model); err != nil {
			slog.Warn("capacity release failed at finalize", slog.String("session_id", localID), slog.Any("error", err))
		}
		m.subagents.Remove(localID)

		m.mu.Lock()
		delete(m.sessions, localID)
		m.mu.Unlock()
	})
}

// finalizeChildrenFirst recursively finalizes every still-live descendant of
// localID as cancelled, deepest side effects (capacity release) occurring
// before the caller proceeds to its own release.
func (m *Manager) finalizeChildrenFirst(ctx context.Context, localID string) {
	for _, childID := range m.subagents.GetDescendants(localID) {
		m.mu.Lock()
		child, ok := m.sessions[childID]
		m.mu.Unlock()
		if !ok {
			continue
		}
		child.mu.Lock()
		alreadyTerminal := child.session.Status.IsTerminal()
		child.mu.Unlock()
		if alreadyTerminal {
			continue
		}
		_ = child.query.Close()
		m.finalize(ctx, childID, domain.SessionCancelled, "parent terminated", domain.TokenUsage{}, 0)
	}
}

func (m *Manager) costOf(model domain.Model, usage domain.TokenUsage) (float64, error) {
	if m.pricing == nil {
		return 0, nil
	}
	return m.pricing.CostUSD(model, usage)
}
