// Package circuitbreaker implements a per-model circuit breaker guarding
// session launches against a model provider in persistent failure.
//
// Unlike a simple consecutive-failure counter, trips are based on a sliding
// time window: N failures within W wall-clock time opens the circuit. This
// keeps an isolated old failure from counting against a model that has since
// recovered, while still reacting fast to a real outage.
package circuitbreaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

// State is one of the three circuit breaker states.
type State int

// Circuit breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state for logging and metrics labels.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker's trip/recovery behavior.
type Config struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// trips the circuit from Closed to Open.
	FailureThreshold int
	// FailureWindow bounds how far back a failure still counts toward the
	// threshold.
	FailureWindow time.Duration
	// OpenDuration is how long the circuit stays Open before allowing a
	// probe request (transition to HalfOpen).
	OpenDuration time.Duration
	// SuccessToClose is the number of consecutive successful probes in
	// HalfOpen required to close the circuit.
	SuccessToClose int
}

// OnStateChange is invoked after every transition. Implementations must not
// panic; a panic is caught and logged, never propagated to the caller that
// triggered the transition.
type OnStateChange func(modelID domain.Model, previous, next State, reason string)

// Breaker guards one model. Safe for concurrent use.
type Breaker struct {
	mu            sync.Mutex
	modelID       domain.Model
	cfg           Config
	state         State
	failureTimes  []time.Time
	halfOpenOK    int
	openedAt      time.Time
	onStateChange OnStateChange
	now           func() time.Time
}

// NewBreaker constructs a Closed breaker for modelID. onStateChange may be
// nil.
func NewBreaker(modelID domain.Model, cfg Config, onStateChange OnStateChange) *Breaker {
	return &Breaker{
		modelID:       modelID,
		cfg:           cfg,
		state:         Closed,
		onStateChange: onStateChange,
		now:           time.Now,
	}
}

// AllowsOperation reports whether a new session may be launched for this
// model right now. In Open state this also performs the on-demand
// Open->HalfOpen check: if OpenDuration has elapsed since the circuit
// tripped, the breaker advances to HalfOpen and allows this call. Every call
// made while HalfOpen is allowed too; the number of concurrent probes is not
// limited.
func (b *Breaker) AllowsOperation() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.transition(HalfOpen, "open duration elapsed")
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful operation. In HalfOpen, counts toward
// SuccessToClose and closes the circuit once reached. In Closed, it clears
// every recorded failure (failures don't carry across an intervening
// success, matching the teacher's reset-on-success idiom).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.SuccessToClose {
			b.failureTimes = nil
			b.transition(Closed, "recovered")
		}
	case Closed:
		b.failureTimes = nil
	}
}

// RecordFailure records a failed operation. In HalfOpen, any failure reopens
// the circuit immediately. In Closed, the failure is appended to the window;
// once FailureThreshold failures remain within FailureWindow, the circuit
// trips.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case HalfOpen:
		b.transition(Open, reason)
		b.openedAt = now
		b.halfOpenOK = 0
		return
	case Open:
		return
	}

	b.failureTimes = append(b.failureTimes, now)
	b.failureTimes = pruneBefore(b.failureTimes, now.Add(-b.cfg.FailureWindow))

	if len(b.failureTimes) >= b.cfg.FailureThreshold {
		b.openedAt = now
		b.transition(Open, reason)
	}
}

// Trip forces the circuit open regardless of its current failure count.
// Idempotent: tripping an already-open circuit just refreshes openedAt.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = b.now()
	b.halfOpenOK = 0
	if b.state != Open {
		b.transition(Open, reason)
	}
}

// Reset forces the circuit closed. With force=false, a Reset on an already
// Closed circuit is a no-op; with force=true it also clears the recorded
// failure window.
func (b *Breaker) Reset(force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Closed && !force {
		return
	}
	b.failureTimes = nil
	b.halfOpenOK = 0
	if b.state != Closed {
		b.transition(Closed, "manual reset")
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (b *Breaker) transition(next State, reason string) {
	prev := b.state
	b.state = next
	if prev == next {
		return
	}
	slog.Info("circuit breaker transition",
		slog.String("model", string(b.modelID)),
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
		slog.String("reason", reason))
	if b.onStateChange == nil {
		return
	}
	cb := b.onStateChange
	modelID := b.modelID
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("circuit breaker state-change callback panicked",
					slog.String("model", string(modelID)),
					slog.Any("panic", r))
			}
		}()
		cb(modelID, prev, next, reason)
	}()
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}

// Manager owns one Breaker per model, created lazily with a shared Config.
type Manager struct {
	mu            sync.Mutex
	cfg           Config
	breakers      map[domain.Model]*Breaker
	onStateChange OnStateChange
}

// NewManager constructs a Manager. onStateChange, if non-nil, is wired into
// every breaker it creates.
func NewManager(cfg Config, onStateChange OnStateChange) *Manager {
	return &Manager{
		cfg:           cfg,
		breakers:      make(map[domain.Model]*Breaker),
		onStateChange: onStateChange,
	}
}

// Get returns the breaker for m, creating one on first use.
func (m *Manager) Get(model domain.Model) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[model]; ok {
		return b
	}
	b := NewBreaker(model, m.cfg, m.onStateChange)
	m.breakers[model] = b
	return b
}

// AllowsOperation is a convenience wrapper around Get(model).AllowsOperation().
func (m *Manager) AllowsOperation(model domain.Model) bool {
	return m.Get(model).AllowsOperation()
}

// RecordSuccess is a convenience wrapper around Get(model).RecordSuccess().
func (m *Manager) RecordSuccess(model domain.Model) {
	m.Get(model).RecordSuccess()
}

// RecordFailure is a convenience wrapper around Get(model).RecordFailure().
func (m *Manager) RecordFailure(model domain.Model, reason string) {
	m.Get(model).RecordFailure(reason)
}

// Snapshot returns the current state of every breaker created so far.
func (m *Manager) Snapshot() map[domain.Model]State {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	models := make([]domain.Model, 0, len(m.breakers))
	for model, b := range m.breakers {
		breakers = append(breakers, b)
		models = append(models, model)
	}
	m.mu.Unlock()

	out := make(map[domain.Model]State, len(breakers))
	for i, b := range breakers {
		out[models[i]] = b.State()
	}
	return out
}

// AsCircuitOpenError returns domain.ErrCircuitOpen wrapped with the model and
// a fixed op tag, for callers that need an error rather than a bool.
func AsCircuitOpenError(model domain.Model) error {
	return fmt.Errorf("op=circuitbreaker.AllowsOperation model=%s: %w", model, domain.ErrCircuitOpen)
}
