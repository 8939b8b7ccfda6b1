package aggregate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stockflow/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func start(t *testing.T, opts Options) *Aggregator {
	t.Helper()
	opts.Logger = zerolog.Nop()
	a := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func event(payload domain.Payload, at time.Time) domain.Event {
	ev := domain.NewEvent("s1", payload)
	ev.OccurredAt = at
	return ev
}

// waitTotal polls until the actor has applied n events.
func waitTotal(t *testing.T, a *Aggregator, n int64) Stats {
	t.Helper()
	var st Stats
	require.Eventually(t, func() bool {
		var err error
		st, err = a.Snapshot(context.Background())
		return err == nil && st.TotalEvents == n
	}, time.Second, 5*time.Millisecond)
	return st
}

func TestCountersFollowEventTypes(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)}
	a := start(t, Options{Now: clock.Now})
	now := clock.Now()

	a.Apply(event(domain.ProductCreated{Product: domain.Product{ID: "p1"}}, now))
	a.Apply(event(domain.ProductCreated{Product: domain.Product{ID: "p2"}}, now))
	a.Apply(event(domain.ProductUpdated{Product: domain.Product{ID: "p1"}}, now))
	a.Apply(event(domain.ProductDeleted{ProductID: "p2"}, now))
	a.Apply(event(domain.LowStockWarning{ProductID: "p1"}, now))

	st := waitTotal(t, a, 5)
	assert.Equal(t, int64(1), st.TotalProducts)
	assert.Equal(t, StatusCounts{Created: 2, Updated: 1, Deleted: 1, LowStock: 1}, st.ProductsByStatus)
	assert.Equal(t, int64(2), st.EventsByType["ProductCreated"])
	assert.Equal(t, int64(5), st.HourlyStats["2026-03-01T10"])
	assert.Equal(t, now, st.LastUpdated)
}

func TestProductTotalFloorsAtZero(t *testing.T) {
	a := start(t, Options{})
	for i := 0; i < 3; i++ {
		a.Apply(event(domain.ProductDeleted{ProductID: "gone"}, time.Now()))
	}
	st := waitTotal(t, a, 3)
	assert.Zero(t, st.TotalProducts)
	assert.Equal(t, int64(3), st.ProductsByStatus.Deleted)
}

func TestHourlyBucketsOlderThanADayArePruned(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	a := start(t, Options{Now: clock.Now})

	first := clock.Now()
	a.Apply(event(domain.LowStockWarning{ProductID: "p1"}, first))
	st := waitTotal(t, a, 1)
	require.Contains(t, st.HourlyStats, "2026-03-01T10")

	clock.Advance(25 * time.Hour)
	a.Apply(event(domain.LowStockWarning{ProductID: "p1"}, clock.Now()))
	st = waitTotal(t, a, 2)
	assert.NotContains(t, st.HourlyStats, "2026-03-01T10")
	assert.Contains(t, st.HourlyStats, "2026-03-02T11")

	clock.Advance(time.Hour)
	a.Apply(event(domain.LowStockWarning{ProductID: "p1"}, clock.Now()))
	st = waitTotal(t, a, 3)
	assert.Contains(t, st.HourlyStats, "2026-03-02T11", "buckets inside the window are kept")
}

func TestSnapshotIsACopy(t *testing.T) {
	a := start(t, Options{})
	a.Apply(event(domain.LowStockWarning{ProductID: "p1"}, time.Now()))
	st := waitTotal(t, a, 1)

	st.EventsByType["LowStockWarning"] = 999
	for k := range st.HourlyStats {
		delete(st.HourlyStats, k)
	}

	again, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.EventsByType["LowStockWarning"])
	assert.Len(t, again.HourlyStats, 1)
}

func TestResetClearsEverything(t *testing.T) {
	a := start(t, Options{})
	a.Apply(event(domain.ProductCreated{Product: domain.Product{ID: "p1"}}, time.Now()))
	waitTotal(t, a, 1)

	st, err := a.Reset(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.TotalEvents)
	assert.Zero(t, st.TotalProducts)
	assert.Empty(t, st.EventsByType)
	assert.Empty(t, st.HourlyStats)
}

func TestFullMailboxDropsInsteadOfBlocking(t *testing.T) {
	a := New(Options{MailboxSize: 2, Logger: zerolog.Nop()})
	ev := event(domain.LowStockWarning{ProductID: "p"}, time.Now())
	assert.True(t, a.Apply(ev))
	assert.True(t, a.Apply(ev))
	assert.False(t, a.Apply(ev))
	assert.NoError(t, a.Handle(context.Background(), ev))
	assert.Equal(t, int64(2), a.Dropped())
}

func TestPanickingUpdateDoesNotKillActor(t *testing.T) {
	var calls int
	a := start(t, Options{OnUpdate: func(Stats) {
		calls++
		if calls == 1 {
			panic("observer bug")
		}
	}})
	a.Apply(event(domain.LowStockWarning{ProductID: "p"}, time.Now()))
	a.Apply(event(domain.LowStockWarning{ProductID: "p"}, time.Now()))
	waitTotal(t, a, 2)
}

func TestQueriesAfterStopReturnErrStopped(t *testing.T) {
	a := New(Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	_, err := a.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Error(t, a.Run(context.Background()), "run twice")
}
