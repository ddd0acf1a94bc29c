package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/taskvault/internal/boundary"
	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/events"
)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

func testConfig() Config {
	return Config{
		Capacity:          10,
		TickInterval:      2 * time.Millisecond,
		DefaultTimeout:    time.Second,
		DefaultMaxRetries: 0,
		MaxInFlight:       1,
	}
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { q.Shutdown(time.Second) })
}

func noop(context.Context, any) error { return nil }

type recorder struct {
	mu    sync.Mutex
	order []any
}

func (r *recorder) handler(_ context.Context, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, data)
	return nil
}

func (r *recorder) seen() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.order...)
}

func TestProcessesByDescendingPriority(t *testing.T) {
	q := New(testConfig())
	rec := &recorder{}

	for _, p := range []int{1, 5, 3} {
		ok, err := q.Enqueue(Task{Type: "t", Handler: rec.handler, Data: p, Priority: p})
		require.NoError(t, err)
		require.True(t, ok)
	}

	startQueue(t, q)
	require.Eventually(t, func() bool { return q.Metrics().Processed == 3 }, waitFor, poll)
	assert.Equal(t, []any{5, 3, 1}, rec.seen())
}

func TestEqualPrioritiesRunFIFO(t *testing.T) {
	q := New(testConfig())
	rec := &recorder{}

	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := q.Enqueue(Task{Type: "t", Handler: rec.handler, Data: name, Priority: 2})
		require.NoError(t, err)
	}

	pending := q.Pending()
	require.Len(t, pending, 4)

	startQueue(t, q)
	require.Eventually(t, func() bool { return q.Metrics().Processed == 4 }, waitFor, poll)
	assert.Equal(t, []any{"a", "b", "c", "d"}, rec.seen())
}

func TestOverflowEvictsOnlyForHigherPriority(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 3
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	evictions := pub.Subscribe(Topic)
	q := New(cfg, WithPublisher(pub))

	for i := 0; i < 3; i++ {
		ok, err := q.Enqueue(Task{ID: string(rune('a' + i)), Type: "t", Handler: noop, Priority: 5})
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := q.Enqueue(Task{ID: "urgent", Type: "t", Handler: noop, Priority: 10})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, q.Len())
	m := q.Metrics()
	assert.Equal(t, int64(1), m.Evicted)
	assert.Zero(t, m.Overflow)

	pending := q.Pending()
	assert.Equal(t, "urgent", pending[0].ID)
	assert.Equal(t, []string{"urgent", "a", "b"}, []string{pending[0].ID, pending[1].ID, pending[2].ID},
		"the most recently queued of the lowest priority is evicted")

	select {
	case ev := <-evictions:
		assert.Equal(t, events.EventTaskEvicted, ev.Type)
		assert.Equal(t, "c", ev.Data.(events.TaskData).TaskID)
	case <-time.After(time.Second):
		t.Fatal("no eviction event")
	}

	ok, err = q.Enqueue(Task{ID: "low", Type: "t", Handler: noop, Priority: 1})
	require.NoError(t, err)
	assert.True(t, ok, "lower priority tasks are accepted over capacity")
	m = q.Metrics()
	assert.Equal(t, 4, m.Size)
	assert.Equal(t, int64(1), m.Evicted)
	assert.Equal(t, int64(1), m.Overflow)
}

func TestOverflowRejectPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 2
	cfg.OverflowPolicy = OverflowReject
	q := New(cfg)

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(Task{Type: "t", Handler: noop, Priority: 5})
		require.NoError(t, err)
	}

	ok, err := q.Enqueue(Task{Type: "t", Handler: noop, Priority: 5})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.Enqueue(Task{Type: "t", Handler: noop, Priority: 6})
	require.NoError(t, err)
	assert.True(t, ok)

	m := q.Metrics()
	assert.Equal(t, 2, m.Size)
	assert.Equal(t, int64(1), m.Rejected)
	assert.Equal(t, int64(1), m.Evicted)
}

func TestEnqueueValidatesTask(t *testing.T) {
	q := New(testConfig())

	tests := []struct {
		name string
		task Task
	}{
		{"missing type", Task{Handler: noop}},
		{"missing handler", Task{Type: "t"}},
		{"negative timeout", Task{Type: "t", Handler: noop, Timeout: -time.Second}},
		{"difficulty out of range", Task{Type: "t", Handler: noop, Difficulty: 11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := q.Enqueue(tt.task)
			assert.Error(t, err)
			assert.False(t, ok)
		})
	}
	assert.Zero(t, q.Len())
}

func TestFailedTaskIsRetried(t *testing.T) {
	q := New(testConfig())

	var calls atomic.Int32
	_, err := q.Enqueue(Task{Type: "flaky", MaxRetries: 3, Handler: func(context.Context, any) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}})
	require.NoError(t, err)

	startQueue(t, q)
	require.Eventually(t, func() bool { return q.Metrics().Processed == 1 }, waitFor, poll)

	m := q.Metrics()
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(2), m.Retried)
	assert.Zero(t, m.Failed)
}

func TestTaskFailsPermanentlyAfterRetries(t *testing.T) {
	var hookErr error
	var hookInfo Info
	hookCalled := make(chan struct{})
	q := New(testConfig(), WithFailureHook(func(info Info, err error) {
		hookInfo, hookErr = info, err
		close(hookCalled)
	}))

	var calls atomic.Int32
	_, err := q.Enqueue(Task{ID: "doomed", Type: "bad", MaxRetries: 2, Handler: func(context.Context, any) error {
		calls.Add(1)
		return errors.New("always")
	}})
	require.NoError(t, err)

	startQueue(t, q)
	select {
	case <-hookCalled:
	case <-time.After(waitFor):
		t.Fatal("failure hook not called")
	}

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "doomed", hookInfo.ID)
	assert.Equal(t, StatePermanentlyFailed, hookInfo.State)
	assert.Equal(t, 2, hookInfo.RetryCount)
	assert.EqualError(t, hookErr, "always")

	m := q.Metrics()
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(2), m.Retried)
}

func TestTaskTimeout(t *testing.T) {
	failed := make(chan error, 1)
	q := New(testConfig(), WithFailureHook(func(_ Info, err error) { failed <- err }))

	_, err := q.Enqueue(Task{
		Type:       "slow",
		MaxRetries: NoRetries,
		Timeout:    20 * time.Millisecond,
		Handler: func(ctx context.Context, _ any) error {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return nil
		},
	})
	require.NoError(t, err)

	startQueue(t, q)
	select {
	case err := <-failed:
		assert.ErrorIs(t, err, verrors.ErrTaskTimeout)
	case <-time.After(waitFor):
		t.Fatal("task did not time out")
	}

	m := q.Metrics()
	assert.Equal(t, int64(1), m.Timeouts)
	assert.Equal(t, int64(1), m.Failed)
	assert.Zero(t, m.Processed)
	assert.Less(t, m.Efficiency, 100.0)
}

func TestPanickingHandlerFailsWithoutRetry(t *testing.T) {
	q := New(testConfig())

	var calls atomic.Int32
	_, err := q.Enqueue(Task{Type: "panics", MaxRetries: 3, Handler: func(context.Context, any) error {
		calls.Add(1)
		panic("bad handler")
	}})
	require.NoError(t, err)

	startQueue(t, q)
	require.Eventually(t, func() bool { return q.Metrics().Failed == 1 }, waitFor, poll)
	assert.Equal(t, int32(1), calls.Load())
}

type gate struct {
	mu      sync.Mutex
	allow   bool
	denied  int
	settled []error
}

func (g *gate) Admit(*Task) (func(time.Duration, error), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.allow {
		g.denied++
		return nil, verrors.ErrResourceInsufficient
	}
	return func(_ time.Duration, err error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.settled = append(g.settled, err)
	}, nil
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allow = true
}

func (g *gate) snapshot() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.denied, len(g.settled)
}

func TestAdmitterDefersTasks(t *testing.T) {
	g := &gate{}
	q := New(testConfig(), WithAdmitter(g))

	_, err := q.Enqueue(Task{Type: "t", Handler: noop})
	require.NoError(t, err)

	startQueue(t, q)
	require.Eventually(t, func() bool {
		denied, _ := g.snapshot()
		return denied >= 3
	}, waitFor, poll)
	assert.Equal(t, 1, q.Len(), "denied task stays queued")
	assert.GreaterOrEqual(t, q.Metrics().Deferred, int64(3))

	g.open()
	require.Eventually(t, func() bool { return q.Metrics().Processed == 1 }, waitFor, poll)
	_, settled := g.snapshot()
	assert.Equal(t, 1, settled)
}

type refuseType string

func (r refuseType) Admit(task *Task) (func(time.Duration, error), error) {
	if task.Type == string(r) {
		return nil, boundary.Permanent(verrors.ErrResourceInsufficient)
	}
	return func(time.Duration, error) {}, nil
}

func TestPermanentlyRefusedTaskDoesNotBlockQueue(t *testing.T) {
	var mu sync.Mutex
	var failed []Info
	var failErr error
	hook := func(info Info, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, info)
		failErr = err
	}
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	sub := pub.Subscribe(Topic)

	q := New(testConfig(), WithAdmitter(refuseType("huge")), WithFailureHook(hook), WithPublisher(pub))
	rec := &recorder{}
	_, err := q.Enqueue(Task{Type: "huge", Priority: 10, Handler: rec.handler, Data: "huge"})
	require.NoError(t, err)
	_, err = q.Enqueue(Task{Type: "small", Priority: 1, Handler: rec.handler, Data: "small"})
	require.NoError(t, err)

	startQueue(t, q)
	require.Eventually(t, func() bool { return q.Metrics().Processed == 1 }, waitFor, poll)

	m := q.Metrics()
	assert.Equal(t, int64(1), m.Failed)
	assert.Zero(t, m.Size)
	assert.Equal(t, []any{"small"}, rec.seen())

	mu.Lock()
	require.Len(t, failed, 1)
	assert.Equal(t, "huge", failed[0].Type)
	assert.Equal(t, StatePermanentlyFailed, failed[0].State)
	assert.ErrorIs(t, failErr, verrors.ErrResourceInsufficient)
	mu.Unlock()

	ev := <-sub
	assert.Equal(t, events.EventTaskFailed, ev.Type)
}

func TestPanicUnderBoundaryIsCountedAndNotRetried(t *testing.T) {
	reg := boundary.NewRegistry(boundary.Options{Threshold: 10})
	q := New(testConfig(), WithBoundaries(reg, boundary.Options{Threshold: 10}))

	var calls atomic.Int32
	_, err := q.Enqueue(Task{Type: "archive", MaxRetries: 3, Handler: func(context.Context, any) error {
		calls.Add(1)
		panic("bad handler")
	}})
	require.NoError(t, err)

	startQueue(t, q)
	require.Eventually(t, func() bool { return q.Metrics().Failed == 1 }, waitFor, poll)

	assert.Equal(t, int32(1), calls.Load())
	statuses := reg.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, int64(1), statuses[0].Errors)
	assert.Contains(t, statuses[0].LastError, "bad handler")
}

func TestHandlersRunUnderBoundaries(t *testing.T) {
	reg := boundary.NewRegistry(boundary.Options{Threshold: 10})
	q := New(testConfig(), WithBoundaries(reg, boundary.Options{Threshold: 10}))

	var calls atomic.Int32
	_, err := q.Enqueue(Task{Type: "archive", MaxRetries: 1, Handler: func(context.Context, any) error {
		calls.Add(1)
		return errors.New("disk on fire")
	}})
	require.NoError(t, err)

	startQueue(t, q)
	require.Eventually(t, func() bool { return q.Metrics().Failed == 1 }, waitFor, poll)

	// The boundary makes one attempt per queue attempt.
	assert.Equal(t, int32(2), calls.Load())
	statuses := reg.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "task:archive", statuses[0].Name)
	assert.Equal(t, int64(2), statuses[0].Errors)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	q := New(testConfig())
	require.NoError(t, q.Start(context.Background()))

	started := make(chan struct{})
	_, err := q.Enqueue(Task{Type: "t", Handler: func(context.Context, any) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		return nil
	}})
	require.NoError(t, err)
	<-started

	assert.True(t, q.Shutdown(time.Second))
	assert.Equal(t, int64(1), q.Metrics().Processed)

	ok, err := q.Enqueue(Task{Type: "t", Handler: noop})
	assert.False(t, ok)
	assert.ErrorIs(t, err, verrors.ErrQueueClosed)
	assert.ErrorIs(t, q.Start(context.Background()), verrors.ErrQueueClosed)
}

func TestShutdownTimesOut(t *testing.T) {
	q := New(testConfig())
	require.NoError(t, q.Start(context.Background()))

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_, err := q.Enqueue(Task{Type: "t", Handler: func(context.Context, any) error {
		close(started)
		<-release
		return nil
	}})
	require.NoError(t, err)
	<-started

	assert.False(t, q.Shutdown(30*time.Millisecond))
}

func TestShutdownStopsDispatch(t *testing.T) {
	q := New(testConfig())
	require.NoError(t, q.Start(context.Background()))
	require.True(t, q.Shutdown(time.Second))

	// Tasks queued before start are never run once stopped.
	q2 := New(testConfig())
	var calls atomic.Int32
	_, err := q2.Enqueue(Task{Type: "t", Handler: func(context.Context, any) error {
		calls.Add(1)
		return nil
	}})
	require.NoError(t, err)
	require.True(t, q2.Shutdown(time.Second))
	q2.tick()
	assert.Zero(t, calls.Load())
}

func TestEfficiencyScore(t *testing.T) {
	var c counters
	assert.Equal(t, 100.0, c.efficiency())

	c.processed, c.failed, c.attempts = 3, 1, 4
	c.queued, c.overflow = 4, 0
	// 0.5*0.75 + 0.25*1 + 0.25*1
	assert.Equal(t, 87.5, c.efficiency())

	c.timeouts = 2
	c.overflow = 2
	// 0.5*0.75 + 0.25*0.5 + 0.25*0.5
	assert.Equal(t, 62.5, c.efficiency())
}

func TestAverageProcessingWindow(t *testing.T) {
	var c counters
	assert.Zero(t, c.avgDuration())

	for i := 0; i < processingWindow; i++ {
		c.recordDuration(10 * time.Millisecond)
	}
	assert.Equal(t, 10*time.Millisecond, c.avgDuration())

	for i := 0; i < processingWindow; i++ {
		c.recordDuration(30 * time.Millisecond)
	}
	assert.Equal(t, 30*time.Millisecond, c.avgDuration())
}
