// Package productivity implements the Productivity Monitor: tracks task
// completions in a rolling window and raises alerts on sustained failure or
// degraded throughput.
package productivity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

// Config tunes one Monitor.
type Config struct {
	Window                  time.Duration
	FailureStreakThreshold  int
	LowSuccessRateThreshold float64
	MinimumCompletions      int
	SlowDurationThreshold   time.Duration
}

// AlertKind identifies which condition fired.
type AlertKind string

// Alert kinds.
const (
	AlertHighFailureStreak AlertKind = "high_failure_streak"
	AlertLowSuccessRate    AlertKind = "low_success_rate"
	AlertSlowCompletion    AlertKind = "slow_completion"
)

// Alert is the payload handed to OnAlert.
type Alert struct {
	Kind  AlertKind
	At    time.Time
	Value float64
}

// OnAlert is invoked when an alert condition first fires this clock hour.
type OnAlert func(Alert)

// ModelStats is per-model derived statistics.
type ModelStats struct {
	Count       int
	Success     int
	Failure     int
	AvgDuration time.Duration
}

// Stats is the Monitor's full derived-statistics snapshot.
type Stats struct {
	PerModel        map[domain.Model]ModelStats
	AvgTokensPerTask float64
	AvgCostPerTask   float64
	HourlyRate       float64
}

// Monitor tracks completion records and raises alerts. Safe for concurrent
// use; RecordCompletion performs no I/O.
type Monitor struct {
	mu               sync.Mutex
	cfg              Config
	records          []domain.CompletionRecord
	consecutiveFails int
	dedup            map[string]struct{}
	now              func() time.Time
	onAlert          OnAlert
}

// NewMonitor constructs a Monitor. onAlert may be nil.
func NewMonitor(cfg Config, onAlert OnAlert) *Monitor {
	return &Monitor{
		cfg:     cfg,
		dedup:   make(map[string]struct{}),
		now:     time.Now,
		onAlert: onAlert,
	}
}

// RecordCompletion records one task completion and evaluates alert
// conditions against the updated state.
func (m *Monitor) RecordCompletion(rec domain.CompletionRecord) {
	m.mu.Lock()
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.At.IsZero() {
		rec.At = m.now()
	}
	m.records = append(m.records, rec)
	m.pruneLocked()

	if rec.Success {
		m.consecutiveFails = 0
	} else {
		m.consecutiveFails++
	}

	var fires []Alert
	now := m.now()

	if m.consecutiveFails >= m.cfg.FailureStreakThreshold {
		if m.tryDedupLocked(AlertHighFailureStreak, now) {
			fires = append(fires, Alert{Kind: AlertHighFailureStreak, At: now, Value: float64(m.consecutiveFails)})
		}
	}

	windowRecords := m.windowRecordsLocked(now)
	if len(windowRecords) >= m.cfg.MinimumCompletions {
		successRate := successRate(windowRecords)
		if successRate < m.cfg.LowSuccessRateThreshold {
			if m.tryDedupLocked(AlertLowSuccessRate, now) {
				fires = append(fires, Alert{Kind: AlertLowSuccessRate, At: now, Value: successRate})
			}
		}
		avgDur := avgDuration(windowRecords)
		if avgDur > m.cfg.SlowDurationThreshold {
			if m.tryDedupLocked(AlertSlowCompletion, now) {
				fires = append(fires, Alert{Kind: AlertSlowCompletion, At: now, Value: float64(avgDur.Milliseconds())})
			}
		}
	}

	onAlert := m.onAlert
	m.mu.Unlock()

	if onAlert != nil {
		for _, a := range fires {
			safeFireAlert(onAlert, a)
		}
	}
}

// pruneLocked drops records older than the window. Must be called with m.mu held.
func (m *Monitor) pruneLocked() {
	cutoff := m.now().Add(-m.cfg.Window)
	i := 0
	for i < len(m.records) && m.records[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.records = append([]domain.CompletionRecord(nil), m.records[i:]...)
	}
}

func (m *Monitor) windowRecordsLocked(now time.Time) []domain.CompletionRecord {
	cutoff := now.Add(-m.cfg.Window)
	out := make([]domain.CompletionRecord, 0, len(m.records))
	for _, r := range m.records {
		if !r.At.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// tryDedupLocked returns true (and records the dedup key) the first time
// kind fires within the current clock hour; false on a repeat.
func (m *Monitor) tryDedupLocked(kind AlertKind, now time.Time) bool {
	key := string(kind) + "-" + now.Format("2006-01-02-15")
	if _, seen := m.dedup[key]; seen {
		return false
	}
	m.dedup[key] = struct{}{}
	return true
}

// Reset clears dedup keys so the next qualifying event re-fires regardless
// of the clock hour.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup = make(map[string]struct{})
}

// Stats computes derived statistics over the current window.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.windowRecordsLocked(m.now())
	perModel := make(map[domain.Model]ModelStats)
	totalTokens, totalCost := 0, 0.0
	durByModel := make(map[domain.Model]time.Duration)

	for _, r := range records {
		s := perModel[r.Model]
		s.Count++
		if r.Success {
			s.Success++
		} else {
			s.Failure++
		}
		durByModel[r.Model] += r.Duration
		perModel[r.Model] = s
		totalTokens += r.Usage.Total()
		totalCost += r.CostUSD
	}
	for model, s := range perModel {
		if s.Count > 0 {
			s.AvgDuration = durByModel[model] / time.Duration(s.Count)
		}
		perModel[model] = s
	}

	avgTokens, avgCost, hourly := 0.0, 0.0, 0.0
	if len(records) > 0 {
		avgTokens = float64(totalTokens) / float64(len(records))
		avgCost = totalCost / float64(len(records))
		hours := m.cfg.Window.Hours()
		if hours > 0 {
			hourly = float64(len(records)) / hours
		}
	}

	return Stats{
		PerModel:         perModel,
		AvgTokensPerTask: avgTokens,
		AvgCostPerTask:   avgCost,
		HourlyRate:       hourly,
	}
}

func successRate(records []domain.CompletionRecord) float64 {
	if len(records) == 0 {
		return 1
	}
	ok := 0
	for _, r := range records {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(records))
}

func avgDuration(records []domain.CompletionRecord) time.Duration {
	if len(records) == 0 {
		return 0
	}
	var total time.Duration
	for _, r := range records {
		total += r.Duration
	}
	return total / time.Duration(len(records))
}

func safeFireAlert(onAlert OnAlert, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("productivity monitor alert callback panicked", slog.Any("panic", r))
		}
	}()
	onAlert(a)
}
