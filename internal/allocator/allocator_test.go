package allocator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/boundary"
	"github.com/randalmurphal/taskvault/internal/events"
	"github.com/randalmurphal/taskvault/internal/queue"
)

func cpuOnly(n int) Config {
	cfg := DefaultConfig()
	cfg.Pools = map[string]PoolConfig{"cpu": {Available: n, Threshold: 0.8}}
	return cfg
}

func TestRequirement(t *testing.T) {
	base := Profile{"cpu": 1, "memory": 1}

	tests := []struct {
		name     string
		profile  Profile
		desc     Descriptor
		strategy Strategy
		want     map[string]int
	}{
		{"trivial balanced", base, Descriptor{}, StrategyBalanced, map[string]int{"cpu": 1, "memory": 1}},
		{"difficulty doubles", base, Descriptor{Difficulty: 5}, StrategyBalanced, map[string]int{"cpu": 2, "memory": 2}},
		{"long running", base, Descriptor{EstimatedDuration: 2 * time.Minute}, StrategyBalanced, map[string]int{"cpu": 2, "memory": 2}},
		{"conservative keeps minimum", base, Descriptor{}, StrategyConservative, map[string]int{"cpu": 1, "memory": 1}},
		{"aggressive rounds up", base, Descriptor{}, StrategyAggressive, map[string]int{"cpu": 2, "memory": 2}},
		{
			"everything",
			Profile{"cpu": 2, "background": 0},
			Descriptor{Difficulty: 10, EstimatedDuration: 10 * time.Minute},
			StrategyAggressive,
			map[string]int{"cpu": 14},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, requirement(tt.profile, tt.desc, tt.strategy))
		})
	}
}

func TestAllocateUntilExhausted(t *testing.T) {
	a := New(cpuOnly(4))

	var ids []string
	for i := 0; i < 4; i++ {
		res, err := a.AllocateResources(Descriptor{Type: "t"})
		require.NoError(t, err)
		assert.False(t, res.Degraded)
		ids = append(ids, res.ID)
	}

	_, err := a.AllocateResources(Descriptor{Type: "t"})
	require.Error(t, err)
	assert.ErrorIs(t, err, verrors.ErrResourceInsufficient)

	var ie *InsufficientError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "cpu", ie.Pool)
	assert.Equal(t, 1, ie.Need)
	assert.Zero(t, ie.Free)
	assert.Contains(t, err.Error(), "insufficient cpu resources")

	st := a.Status()
	require.Len(t, st.Pools, 1)
	assert.Equal(t, 4, st.Pools[0].Allocated)
	assert.True(t, st.Pools[0].Saturated)
	assert.Equal(t, int64(1), st.Denied)

	for _, id := range ids {
		require.NoError(t, a.ReleaseResources(id))
	}
	assert.Zero(t, a.Status().Pools[0].Allocated)
	assert.Zero(t, a.Status().ActiveReservations)
}

func TestDegradedAllocation(t *testing.T) {
	a := New(cpuOnly(10), WithProfile("big", Profile{"cpu": 10}), WithProfile("small", Profile{"cpu": 4}))

	small, err := a.AllocateResources(Descriptor{Type: "small"})
	require.NoError(t, err)

	big, err := a.AllocateResources(Descriptor{Type: "big"})
	require.NoError(t, err)
	assert.True(t, big.Degraded)
	assert.Equal(t, map[string]int{"cpu": 6}, big.Amounts)
	assert.Equal(t, int64(1), a.Status().Degraded)

	require.NoError(t, a.ReleaseResources(small.ID))
	require.NoError(t, a.ReleaseResources(big.ID))

	// Neither the full nor the degraded size fits.
	_, err = a.AllocateResources(Descriptor{Type: "small"})
	require.NoError(t, err)
	_, err = a.AllocateResources(Descriptor{Type: "small"})
	require.NoError(t, err)
	_, err = a.AllocateResources(Descriptor{Type: "big"})
	assert.ErrorIs(t, err, verrors.ErrResourceInsufficient)
}

func TestRequirementLargerThanPool(t *testing.T) {
	a := New(cpuOnly(1))

	// archive at difficulty 5 needs 4 cpu, 2 when degraded.
	_, err := a.AllocateResources(Descriptor{Type: "archive", Difficulty: 5})
	var ie *InsufficientError
	require.True(t, errors.As(err, &ie))
	assert.True(t, ie.Unsatisfiable())
	assert.Equal(t, 2, ie.Need)
	assert.Equal(t, 1, ie.Total)

	_, err = a.Admit(&queue.Task{Type: "archive", Difficulty: 5})
	assert.True(t, boundary.IsPermanent(err))
	assert.ErrorIs(t, err, verrors.ErrResourceInsufficient)
}

func TestContentionIsNotPermanent(t *testing.T) {
	a := New(cpuOnly(1))

	done, err := a.Admit(&queue.Task{Type: "t"})
	require.NoError(t, err)

	_, err = a.Admit(&queue.Task{Type: "t"})
	require.Error(t, err)
	assert.False(t, boundary.IsPermanent(err))
	var ie *InsufficientError
	require.True(t, errors.As(err, &ie))
	assert.False(t, ie.Unsatisfiable())

	done(time.Millisecond, nil)
	_, err = a.Admit(&queue.Task{Type: "t"})
	assert.NoError(t, err)
}

func TestReleaseUnknownReservation(t *testing.T) {
	a := New(cpuOnly(2))
	res, err := a.AllocateResources(Descriptor{})
	require.NoError(t, err)

	require.NoError(t, a.ReleaseResources(res.ID))
	assert.Error(t, a.ReleaseResources(res.ID))
	assert.Error(t, a.ReleaseResources("nope"))
}

func TestAllocatedStaysWithinBounds(t *testing.T) {
	a := New(cpuOnly(5))

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.AllocateResources(Descriptor{Difficulty: i % 3})
			st := a.Status()
			mu.Lock()
			maxSeen = max(maxSeen, st.Pools[0].Allocated)
			mu.Unlock()
			if err == nil {
				_ = a.ReleaseResources(res.ID)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, 5)
	st := a.Status()
	assert.Zero(t, st.Pools[0].Allocated)
	assert.Equal(t, st.Requests, st.Granted+st.Denied)
}

func TestStrategySelection(t *testing.T) {
	t.Run("balanced by default", func(t *testing.T) {
		a := New(cpuOnly(4))
		assert.Equal(t, StrategyBalanced, a.RecomputeStrategy())
	})

	t.Run("slow responses go conservative", func(t *testing.T) {
		a := New(cpuOnly(4))
		for i := 0; i < 3; i++ {
			a.RecordResponse(10*time.Second, nil)
		}
		assert.Equal(t, StrategyConservative, a.RecomputeStrategy())
	})

	t.Run("high error rate goes conservative", func(t *testing.T) {
		a := New(cpuOnly(4))
		for i := 0; i < 10; i++ {
			var err error
			if i < 6 {
				err = errors.New("failed")
			}
			a.RecordResponse(time.Millisecond, err)
		}
		assert.Equal(t, StrategyConservative, a.RecomputeStrategy())
	})

	t.Run("low efficiency goes aggressive", func(t *testing.T) {
		a := New(cpuOnly(1))
		_, err := a.AllocateResources(Descriptor{})
		require.NoError(t, err)
		for i := 0; i < 9; i++ {
			_, _ = a.AllocateResources(Descriptor{})
		}
		// 0.7*0.1 + 0.3*1.0
		assert.InDelta(t, 37.0, a.Status().Efficiency, 0.001)
		assert.Equal(t, StrategyAggressive, a.RecomputeStrategy())
	})
}

func TestStrategyScalesRequirement(t *testing.T) {
	a := New(cpuOnly(10))
	for i := 0; i < 3; i++ {
		a.RecordResponse(time.Minute, nil)
	}
	require.Equal(t, StrategyConservative, a.RecomputeStrategy())

	res, err := a.AllocateResources(Descriptor{Difficulty: 5})
	require.NoError(t, err)
	// ceil(1 * 2 * 0.75)
	assert.Equal(t, 2, res.Amounts["cpu"])
	assert.Equal(t, StrategyConservative, res.Strategy)
}

func TestStrategyChangePublishesEvent(t *testing.T) {
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	ch := pub.Subscribe(Topic)

	a := New(cpuOnly(4), WithPublisher(pub))
	a.RecordResponse(time.Hour, nil)
	a.RecomputeStrategy()

	select {
	case ev := <-ch:
		assert.Equal(t, events.EventStrategy, ev.Type)
		data := ev.Data.(events.StrategyData)
		assert.Equal(t, "balanced", data.From)
		assert.Equal(t, "conservative", data.To)
	case <-time.After(time.Second):
		t.Fatal("no strategy event")
	}

	// No event when the strategy is unchanged.
	a.RecomputeStrategy()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}
}

func TestPeriodicRecompute(t *testing.T) {
	cfg := cpuOnly(4)
	cfg.RecomputeInterval = 5 * time.Millisecond
	a := New(cfg)
	a.RecordResponse(time.Hour, nil)

	a.Start(context.Background())
	defer a.Stop()

	require.Eventually(t, func() bool {
		return a.Strategy() == StrategyConservative
	}, time.Second, 5*time.Millisecond)
}

func TestAdmitThrottlesQueue(t *testing.T) {
	a := New(cpuOnly(1))
	q := queue.New(queue.Config{TickInterval: 2 * time.Millisecond, MaxInFlight: 4}, queue.WithAdmitter(a))

	release := make(chan struct{})
	var mu sync.Mutex
	running, peak := 0, 0
	handler := func(context.Context, any) error {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(queue.Task{Type: "t", Handler: handler})
		require.NoError(t, err)
	}

	require.NoError(t, q.Start(context.Background()))
	require.Eventually(t, func() bool { return q.InFlight() == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, q.InFlight(), "pool of one admits one task at a time")

	close(release)
	require.Eventually(t, func() bool { return q.Metrics().Processed == 3 }, time.Second, 2*time.Millisecond)
	require.True(t, q.Shutdown(time.Second))

	st := a.Status()
	assert.Equal(t, 1, peak)
	assert.Zero(t, st.ActiveReservations)
	assert.Zero(t, st.Pools[0].Allocated)
	assert.Equal(t, int64(3), st.Granted)
}

func TestUnadmittableTaskFailsWithoutBlocking(t *testing.T) {
	a := New(cpuOnly(1))
	var mu sync.Mutex
	var failed []string
	q := queue.New(queue.Config{TickInterval: 2 * time.Millisecond, MaxInFlight: 4},
		queue.WithAdmitter(a),
		queue.WithFailureHook(func(info queue.Info, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, info.Type)
		}),
	)

	var ran []string
	handler := func(_ context.Context, data any) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, data.(string))
		return nil
	}
	_, err := q.Enqueue(queue.Task{Type: "archive", Priority: 10, Difficulty: 5, Handler: handler, Data: "archive"})
	require.NoError(t, err)
	_, err = q.Enqueue(queue.Task{Type: "default", Priority: 1, Handler: handler, Data: "default"})
	require.NoError(t, err)

	require.NoError(t, q.Start(context.Background()))
	require.Eventually(t, func() bool { return q.Metrics().Processed == 1 }, time.Second, 2*time.Millisecond)
	require.True(t, q.Shutdown(time.Second))

	assert.Equal(t, int64(1), q.Metrics().Failed)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"default"}, ran)
	assert.Equal(t, []string{"archive"}, failed)
	assert.Zero(t, a.Status().Pools[0].Allocated)
}
