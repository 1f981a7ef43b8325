// Package spend implements the Rolling Spend Monitor: a bounded,
// append-only ledger of cost events used to gate the dispatch loop when
// spend crosses a soft (pause) or hard (stop) threshold.
package spend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

// Config tunes one Monitor.
type Config struct {
	// Window is the rolling window spend is summed over.
	Window time.Duration
	// SoftLimitUSD triggers alert+pause once spend-in-window reaches it.
	SoftLimitUSD float64
	// HardLimitUSD triggers alert+pause+stop once spend-in-window reaches it.
	HardLimitUSD float64
	// AlertCooldown bounds how often the same alert category may re-fire.
	AlertCooldown time.Duration
}

// ThresholdResult is the outcome of evaluating spend-in-window against the
// configured limits.
type ThresholdResult struct {
	Alert       bool
	Pause       bool
	Stop        bool
	IsHardLimit bool
	SpendUSD    float64
}

// Alert is the payload handed to OnAlert.
type Alert struct {
	IsHardLimit bool
	AmountUSD   float64
	ThresholdUSD float64
	WindowUSD   float64
	TopTasks    []TaskSpend
	At          time.Time
}

// TaskSpend is one task's aggregated contribution to window spend.
type TaskSpend struct {
	TaskID     string
	AmountUSD  float64
	PercentOfWindow float64
}

// OnAlert is invoked when a threshold crossing first fires (subject to
// cooldown dedup). Implementations must not panic; a panic is recovered and
// logged so it can never escape checkThresholds.
type OnAlert func(Alert)

// Monitor tracks spend records and evaluates them against configured
// thresholds. Safe for concurrent use. Its hot path (RecordSpend) performs
// no I/O, per spec §5.
type Monitor struct {
	mu             sync.Mutex
	cfg            Config
	records        []domain.SpendRecord
	lastSoftAlert  time.Time
	lastHardAlert  time.Time
	hardLatched    bool
	now            func() time.Time
	onAlert        OnAlert
}

// NewMonitor constructs a Monitor. onAlert may be nil.
func NewMonitor(cfg Config, onAlert OnAlert) *Monitor {
	return &Monitor{
		cfg:     cfg,
		now:     time.Now,
		onAlert: onAlert,
	}
}

// RecordSpend appends one spend event at the current time.
func (m *Monitor) RecordSpend(amountUSD float64, taskID string, model domain.Model) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := domain.SpendRecord{
		ID:        ulid.Make().String(),
		At:        m.now(),
		TaskID:    taskID,
		Model:     model,
		AmountUSD: amountUSD,
	}
	m.records = append(m.records, rec)
	m.pruneLocked()
}

// pruneLocked drops records older than 2x the window. Must be called with
// m.mu held.
func (m *Monitor) pruneLocked() {
	cutoff := m.now().Add(-2 * m.cfg.Window)
	i := 0
	for i < len(m.records) && m.records[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.records = append([]domain.SpendRecord(nil), m.records[i:]...)
	}
}

// GetSpendInWindow sums all records within the last d.
func (m *Monitor) GetSpendInWindow(d time.Duration) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spendSinceLocked(m.now().Add(-d))
}

func (m *Monitor) spendSinceLocked(since time.Time) float64 {
	total := 0.0
	for _, r := range m.records {
		if r.At.After(since) || r.At.Equal(since) {
			total += r.AmountUSD
		}
	}
	return total
}

// CheckThresholds evaluates spend-in-window against the configured soft and
// hard limits, fires OnAlert (deduplicated per AlertCooldown), and returns
// the result for the dispatch loop to act on.
func (m *Monitor) CheckThresholds() ThresholdResult {
	m.mu.Lock()
	m.pruneLocked()
	now := m.now()
	spendUSD := m.spendSinceLocked(now.Add(-m.cfg.Window))

	var result ThresholdResult
	result.SpendUSD = spendUSD

	switch {
	case spendUSD >= m.cfg.HardLimitUSD:
		result.Alert, result.Pause, result.Stop, result.IsHardLimit = true, true, true, true
	case spendUSD >= m.cfg.SoftLimitUSD:
		result.Alert, result.Pause = true, true
	}

	var fire *Alert
	if result.Alert {
		if result.IsHardLimit {
			if now.Sub(m.lastHardAlert) >= m.cfg.AlertCooldown {
				m.lastHardAlert = now
				m.hardLatched = true
				a := m.buildAlertLocked(true, spendUSD, now)
				fire = &a
			}
		} else {
			if now.Sub(m.lastSoftAlert) >= m.cfg.AlertCooldown {
				m.lastSoftAlert = now
				a := m.buildAlertLocked(false, spendUSD, now)
				fire = &a
			}
		}
	}
	onAlert := m.onAlert
	m.mu.Unlock()

	if fire != nil && onAlert != nil {
		safeFireAlert(onAlert, *fire)
	}
	return result
}

// buildAlertLocked must be called with m.mu held.
func (m *Monitor) buildAlertLocked(hard bool, spendUSD float64, now time.Time) Alert {
	threshold := m.cfg.SoftLimitUSD
	if hard {
		threshold = m.cfg.HardLimitUSD
	}
	return Alert{
		IsHardLimit:  hard,
		AmountUSD:    spendUSD,
		ThresholdUSD: threshold,
		WindowUSD:    spendUSD,
		TopTasks:     topTasks(m.records, spendUSD),
		At:           now,
	}
}

func topTasks(records []domain.SpendRecord, windowTotal float64) []TaskSpend {
	byTask := make(map[string]float64)
	for _, r := range records {
		byTask[r.TaskID] += r.AmountUSD
	}
	out := make([]TaskSpend, 0, len(byTask))
	for taskID, amount := range byTask {
		pct := 0.0
		if windowTotal > 0 {
			pct = amount / windowTotal * 100
		}
		out = append(out, TaskSpend{TaskID: taskID, AmountUSD: amount, PercentOfWindow: pct})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AmountUSD > out[j].AmountUSD })
	return out
}

// Resume clears the hard-limit latch so a subsequent crossing re-fires an
// alert even within the same cooldown window. Operator-triggered.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hardLatched = false
	m.lastHardAlert = time.Time{}
}

// Reset clears all records, alert timestamps, and the hard-limit latch.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.lastSoftAlert = time.Time{}
	m.lastHardAlert = time.Time{}
	m.hardLatched = false
}

func safeFireAlert(onAlert OnAlert, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("spend monitor alert callback panicked", slog.Any("panic", r))
		}
	}()
	onAlert(a)
}

// AsSpendLimitError wraps domain.ErrSpendLimitExceeded with context, for
// callers that need an error rather than a ThresholdResult.
func AsSpendLimitError(hard bool) error {
	kind := "soft"
	if hard {
		kind = "hard"
	}
	return fmt.Errorf("op=spend.CheckThresholds kind=%s: %w", kind, domain.ErrSpendLimitExceeded)
}
