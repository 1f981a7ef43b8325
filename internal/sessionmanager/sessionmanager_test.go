package sessionmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/trafficcontrol/internal/capacity"
	"github.com/trafficcontrol/trafficcontrol/internal/cliadapter"
	"github.com/trafficcontrol/trafficcontrol/internal/domain"
	"github.com/trafficcontrol/trafficcontrol/internal/subagent"
)

type fakeQuery struct {
	events  chan cliadapter.Event
	closed  bool
	waitErr error
	mu      sync.Mutex
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{events: make(chan cliadapter.Event, 8)}
}

func (q *fakeQuery) Events() <-chan cliadapter.Event { return q.events }
func (q *fakeQuery) SessionID() string                { return "agent-sess" }
func (q *fakeQuery) IsRunning() bool                  { q.mu.Lock(); defer q.mu.Unlock(); return !q.closed }
func (q *fakeQuery) PartialResult() string            { return "" }
func (q *fakeQuery) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	return nil
}
func (q *fakeQuery) Wait(context.Context) error { return q.waitErr }
func (q *fakeQuery) Err() error                 { return q.waitErr }

type fakeCLI struct {
	mu      sync.Mutex
	queries []*fakeQuery
	startErr error
}

func (c *fakeCLI) Start(ctx context.Context, prompt string, opts cliadapter.LaunchOptions) (QueryHandle, error) {
	if c.startErr != nil {
		return nil, c.startErr
	}
	q := newFakeQuery()
	c.mu.Lock()
	c.queries = append(c.queries, q)
	c.mu.Unlock()
	return q, nil
}

type fakePricing struct{}

func (fakePricing) CostUSD(domain.Model, domain.TokenUsage) (float64, error) { return 1.23, nil }

type fakeEvents struct {
	mu       sync.Mutex
	payloads []any
}

func (f *fakeEvents) Publish(_ context.Context, eventType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
}

type fakeSpend struct {
	mu      sync.Mutex
	records []domain.SpendRecord
}

func (f *fakeSpend) RecordSpend(amountUSD float64, taskID string, model domain.Model) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, domain.SpendRecord{AmountUSD: amountUSD, TaskID: taskID, Model: model})
}

func (f *fakeSpend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeCompletions struct {
	mu      sync.Mutex
	records []domain.CompletionRecord
}

func (f *fakeCompletions) RecordCompletion(rec domain.CompletionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func (f *fakeCompletions) all() []domain.CompletionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CompletionRecord(nil), f.records...)
}

type fakeBreakers struct {
	mu        sync.Mutex
	successes []domain.Model
	failures  []domain.Model
}

func (f *fakeBreakers) RecordSuccess(model domain.Model) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, model)
}

func (f *fakeBreakers) RecordFailure(model domain.Model, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, model)
}

func newTestManager(t *testing.T) (*Manager, *fakeCLI, capacity.Tracker) {
	t.Helper()
	cli := &fakeCLI{}
	cap := capacity.NewMemoryTracker(map[domain.Model]int{domain.ModelSonnet: 2, domain.ModelOpus: 1})
	subs, err := subagent.NewTracker(3)
	require.NoError(t, err)
	mgr := New(cli, cap, subs, fakePricing{}, &fakeEvents{}, nil, nil, nil, nil)
	return mgr, cli, cap
}

func TestLaunch_CapacityExhausted(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	task := domain.Task{ID: "t1"}

	_, err := mgr.Launch(context.Background(), task, domain.ModelOpus, LaunchOptions{})
	require.NoError(t, err)

	_, err = mgr.Launch(context.Background(), task, domain.ModelOpus, LaunchOptions{})
	assert.ErrorIs(t, err, domain.ErrCapacityExhausted)
}

func TestLaunch_DepthExceededReleasesCapacity(t *testing.T) {
	cli := &fakeCLI{}
	cap := capacity.NewMemoryTracker(map[domain.Model]int{domain.ModelSonnet: 10})
	subs, err := subagent.NewTracker(1)
	require.NoError(t, err)
	mgr := New(cli, cap, subs, fakePricing{}, &fakeEvents{}, nil, nil, nil, nil)
	task := domain.Task{ID: "t1"}

	rootID, err := mgr.Launch(context.Background(), task, domain.ModelSonnet, LaunchOptions{})
	require.NoError(t, err)

	childID, err := mgr.Launch(context.Background(), task, domain.ModelSonnet, LaunchOptions{ParentSessionID: &rootID})
	require.NoError(t, err)

	_, err = mgr.Launch(context.Background(), task, domain.ModelSonnet, LaunchOptions{ParentSessionID: &childID})
	assert.ErrorIs(t, err, domain.ErrDepthExceeded)

	snap, _ := cap.Snapshot(context.Background())
	assert.Equal(t, 2, snap[0].Current) // root + child only, failed grandchild released
}

func TestLaunch_CompletionFinalizesAndReleasesCapacity(t *testing.T) {
	mgr, cli, cap := newTestManager(t)
	task := domain.Task{ID: "t1"}

	id, err := mgr.Launch(context.Background(), task, domain.ModelOpus, LaunchOptions{})
	require.NoError(t, err)

	cli.queries[0].events <- cliadapter.Event{Kind: cliadapter.EventCompletion, Success: true, Usage: domain.TokenUsage{InputTokens: 10}}
	cli.queries[0].Close()

	assert.Eventually(t, func() bool {
		snap, _ := cap.Snapshot(context.Background())
		for _, s := range snap {
			if s.Model == domain.ModelOpus {
				return s.Current == 0
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	_, ok := mgr.Session(id)
	assert.False(t, ok, "finalized session should be removed from the live map")
}

func TestLaunch_ErrorEventFinalizesAsFailed(t *testing.T) {
	mgr, cli, _ := newTestManager(t)
	task := domain.Task{ID: "t1"}

	id, err := mgr.Launch(context.Background(), task, domain.ModelSonnet, LaunchOptions{})
	require.NoError(t, err)

	cli.queries[0].events <- cliadapter.Event{Kind: cliadapter.EventError, Errors: []string{"boom"}}
	cli.queries[0].Close()

	assert.Eventually(t, func() bool {
		_, ok := mgr.Session(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCancel_UnknownSession(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	err := mgr.Cancel("missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestLaunch_StartFailureReleasesCapacity(t *testing.T) {
	cli := &fakeCLI{startErr: assert.AnError}
	cap := capacity.NewMemoryTracker(map[domain.Model]int{domain.ModelOpus: 1})
	subs, _ := subagent.NewTracker(2)
	mgr := New(cli, cap, subs, fakePricing{}, &fakeEvents{}, nil, nil, nil, nil)

	_, err := mgr.Launch(context.Background(), domain.Task{ID: "t1"}, domain.ModelOpus, LaunchOptions{})
	assert.Error(t, err)

	snap, _ := cap.Snapshot(context.Background())
	assert.Equal(t, 0, snap[0].Current)
}

func TestFinalize_CascadesToChildrenBeforeParentRelease(t *testing.T) {
	mgr, cli, cap := newTestManager(t)
	task := domain.Task{ID: "t1"}

	rootID, err := mgr.Launch(context.Background(), task, domain.ModelSonnet, LaunchOptions{})
	require.NoError(t, err)
	_, err = mgr.Launch(context.Background(), task, domain.ModelSonnet, LaunchOptions{ParentSessionID: &rootID})
	require.NoError(t, err)

	// finalize the root directly; the still-live child must cascade-finalize too
	cli.queries[0].events <- cliadapter.Event{Kind: cliadapter.EventCompletion, Success: true}
	cli.queries[0].Close()

	assert.Eventually(t, func() bool {
		snap, _ := cap.Snapshot(context.Background())
		for _, s := range snap {
			if s.Model == domain.ModelSonnet {
				return s.Current == 0
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestFinalize_FeedsSpendProductivityAndCircuitBreaker(t *testing.T) {
	cli := &fakeCLI{}
	cap := capacity.NewMemoryTracker(map[domain.Model]int{domain.ModelOpus: 2})
	subs, err := subagent.NewTracker(3)
	require.NoError(t, err)
	spendMon := &fakeSpend{}
	completions := &fakeCompletions{}
	breakers := &fakeBreakers{}
	mgr := New(cli, cap, subs, fakePricing{}, &fakeEvents{}, nil, spendMon, completions, breakers)

	okID, err := mgr.Launch(context.Background(), domain.Task{ID: "t-ok"}, domain.ModelOpus, LaunchOptions{})
	require.NoError(t, err)
	cli.queries[0].events <- cliadapter.Event{Kind: cliadapter.EventCompletion, Success: true, Usage: domain.TokenUsage{InputTokens: 10}}
	cli.queries[0].Close()

	failID, err := mgr.Launch(context.Background(), domain.Task{ID: "t-fail"}, domain.ModelOpus, LaunchOptions{})
	require.NoError(t, err)
	cli.queries[1].events <- cliadapter.Event{Kind: cliadapter.EventError, Errors: []string{"boom"}}
	cli.queries[1].Close()

	assert.Eventually(t, func() bool {
		_, okLive := mgr.Session(okID)
		_, failLive := mgr.Session(failID)
		return !okLive && !failLive
	}, time.Second, 5*time.Millisecond)

	require.Len(t, completions.all(), 2)
	recsByTask := make(map[string]domain.CompletionRecord, 2)
	for _, r := range completions.all() {
		recsByTask[r.TaskID] = r
	}
	assert.True(t, recsByTask["t-ok"].Success)
	assert.False(t, recsByTask["t-fail"].Success)
	assert.Equal(t, "boom", recsByTask["t-fail"].ErrorMsg)

	assert.Equal(t, 2, spendMon.count())
	assert.Equal(t, []domain.Model{domain.ModelOpus}, breakers.successes)
	assert.Equal(t, []domain.Model{domain.ModelOpus}, breakers.failures)
}
