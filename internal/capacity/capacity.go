// Package capacity implements per-model admission control: at most Limit[M]
// concurrent sessions of model M may run at any time.
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

// Tracker is the admission-control port the Agent Session Manager consults
// before launching a session and notifies after a session terminates.
//
// Invariant (spec §8): for every model M, Current(M) always equals the
// number of non-terminal sessions of model M the manager currently tracks.
// Callers must pair every successful TryReserve with exactly one Release.
type Tracker interface {
	// TryReserve attempts to admit one more session of model m. Returns
	// false (no error) when the model is at capacity.
	TryReserve(ctx context.Context, m domain.Model) (bool, error)
	// Release gives back one slot of model m. Safe to call only after a
	// matching successful TryReserve.
	Release(ctx context.Context, m domain.Model) error
	// Snapshot reports current/limit/utilization for every tracked model.
	Snapshot(ctx context.Context) ([]domain.CapacitySnapshot, error)
}

// MemoryTracker is an in-process Tracker backed by a mutex-guarded map. Used
// when a single dispatcher instance owns all admission control (no
// REDIS_URL configured).
type MemoryTracker struct {
	mu      sync.Mutex
	limits  map[domain.Model]int
	current map[domain.Model]int
}

// NewMemoryTracker constructs a tracker with the given per-model limits.
func NewMemoryTracker(limits map[domain.Model]int) *MemoryTracker {
	cur := make(map[domain.Model]int, len(limits))
	lim := make(map[domain.Model]int, len(limits))
	for m, l := range limits {
		lim[m] = l
		cur[m] = 0
	}
	return &MemoryTracker{limits: lim, current: cur}
}

// TryReserve implements Tracker.
func (t *MemoryTracker) TryReserve(_ context.Context, m domain.Model) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := t.limits[m]
	if limit <= 0 {
		return false, fmt.Errorf("op=capacity.TryReserve model=%s: %w", m, domain.ErrInvalidArgument)
	}
	if t.current[m] >= limit {
		return false, nil
	}
	t.current[m]++
	return true, nil
}

// Release implements Tracker. Releasing below zero is a defect in the
// caller; it is clamped to zero rather than allowed to go negative, since a
// negative count would poison every subsequent admission decision.
func (t *MemoryTracker) Release(_ context.Context, m domain.Model) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current[m] > 0 {
		t.current[m]--
		return nil
	}
	slog.Warn("capacity: release called at zero, ignoring",
		slog.String("model", string(m)))
	return nil
}

// Snapshot implements Tracker.
func (t *MemoryTracker) Snapshot(_ context.Context) ([]domain.CapacitySnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.CapacitySnapshot, 0, len(t.limits))
	for m, limit := range t.limits {
		cur := t.current[m]
		util := 0.0
		if limit > 0 {
			util = float64(cur) / float64(limit)
		}
		out = append(out, domain.CapacitySnapshot{
			Model:       m,
			Current:     cur,
			Limit:       limit,
			Available:   limit - cur,
			Utilization: util,
		})
	}
	return out, nil
}
