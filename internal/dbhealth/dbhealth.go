// Package dbhealth implements the DB Health Monitor: classifies database
// errors, tracks consecutive failures, and gates the dispatch loop's launch
// phase while the persistence layer is degraded.
package dbhealth

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultClassifiers are the substrings IsDBError matches (case-insensitive)
// by default. Callers may supply their own list via NewMonitor.
var defaultClassifiers = []string{
	"supabase", "database", "connection", "network", "timeout", "econnrefused", "enotfound",
}

// IsDBError reports whether err's message contains any classifier substring,
// case-insensitively. nil errors are never DB errors.
func IsDBError(err error, classifiers []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, c := range classifiers {
		if strings.Contains(msg, strings.ToLower(c)) {
			return true
		}
	}
	return false
}

// RecoveryEvent is passed to OnRecovered.
type RecoveryEvent struct {
	DowntimeSince time.Time
	Downtime      time.Duration
}

// OnDegraded is invoked when the monitor enters degraded mode.
type OnDegraded func(lastErr error, consecutiveFailures int)

// OnRecovered is invoked when the monitor exits degraded mode.
type OnRecovered func(RecoveryEvent)

// Prober performs an out-of-band health check against the database. Returns
// nil on success.
type Prober func(ctx context.Context) error

// Config tunes one Monitor.
type Config struct {
	MaxConsecutiveFailures int
	Classifiers            []string
	RecoveryBackoff        backoff.BackOff
}

// Monitor tracks consecutive DB failures and degraded-mode state. Safe for
// concurrent use.
type Monitor struct {
	mu                  sync.Mutex
	cfg                 Config
	consecutiveFailures int
	degraded            bool
	degradedSince        time.Time
	lastErr             error
	now                 func() time.Time
	onDegraded          OnDegraded
	onRecovered         OnRecovered
}

// NewMonitor constructs a Monitor. A zero-value Classifiers list falls back
// to defaultClassifiers.
func NewMonitor(cfg Config, onDegraded OnDegraded, onRecovered OnRecovered) *Monitor {
	if len(cfg.Classifiers) == 0 {
		cfg.Classifiers = defaultClassifiers
	}
	return &Monitor{
		cfg:         cfg,
		now:         time.Now,
		onDegraded:  onDegraded,
		onRecovered: onRecovered,
	}
}

// IsDBError classifies err using this monitor's configured classifier list.
func (m *Monitor) IsDBError(err error) bool {
	return IsDBError(err, m.cfg.Classifiers)
}

// OnDBFailure records a failure. Once consecutive failures reach
// MaxConsecutiveFailures and the monitor is not already degraded, it enters
// degraded mode and fires onDegraded.
func (m *Monitor) OnDBFailure(err error) {
	m.mu.Lock()
	m.consecutiveFailures++
	m.lastErr = err
	enter := false
	if m.consecutiveFailures >= m.cfg.MaxConsecutiveFailures && !m.degraded {
		m.degraded = true
		m.degradedSince = m.now()
		enter = true
	}
	onDegraded := m.onDegraded
	failures := m.consecutiveFailures
	m.mu.Unlock()

	if enter {
		slog.Warn("database entering degraded mode",
			slog.Int("consecutive_failures", failures),
			slog.Any("last_error", err))
		if onDegraded != nil {
			safeCall(func() { onDegraded(err, failures) })
		}
	}
}

// OnDBSuccess resets the consecutive-failure counter. If the monitor was
// degraded, it exits degraded mode and fires onRecovered with the computed
// downtime.
func (m *Monitor) OnDBSuccess() {
	m.mu.Lock()
	m.consecutiveFailures = 0
	m.lastErr = nil
	var ev RecoveryEvent
	recovered := false
	if m.degraded {
		recovered = true
		ev = RecoveryEvent{DowntimeSince: m.degradedSince, Downtime: m.now().Sub(m.degradedSince)}
		m.degraded = false
		m.degradedSince = time.Time{}
	}
	onRecovered := m.onRecovered
	m.mu.Unlock()

	if recovered {
		slog.Info("database recovered", slog.Duration("downtime", ev.Downtime))
		if onRecovered != nil {
			safeCall(func() { onRecovered(ev) })
		}
	}
}

// IsDegraded reports whether the monitor currently gates the dispatch loop's
// launch phase.
func (m *Monitor) IsDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// AttemptDbRecovery runs an out-of-band probe with bounded exponential
// backoff. On a successful probe it drives the same recovery path as
// OnDBSuccess. Only the probe retries; agent sessions are never retried
// automatically.
func (m *Monitor) AttemptDbRecovery(ctx context.Context, probe Prober) error {
	b := m.cfg.RecoveryBackoff
	if b == nil {
		b = backoff.NewExponentialBackOff()
	}
	b = backoff.WithContext(b, ctx)

	err := backoff.Retry(func() error {
		return probe(ctx)
	}, b)
	if err != nil {
		m.OnDBFailure(err)
		return err
	}
	m.OnDBSuccess()
	return nil
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dbhealth callback panicked", slog.Any("panic", r))
		}
	}()
	fn()
}
