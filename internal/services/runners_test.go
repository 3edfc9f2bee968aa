package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homesense-bridge/internal/health"
	"homesense-bridge/internal/models"
	"homesense-bridge/internal/reconcile"
	"homesense-bridge/internal/taxonomy"
)

type fakeStore struct {
	mu     sync.Mutex
	events []models.DomainEvent
	err    error
}

func (f *fakeStore) WriteEvent(_ context.Context, event models.DomainEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) written() []models.DomainEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DomainEvent(nil), f.events...)
}

func TestShouldPersist(t *testing.T) {
	assert.False(t, ShouldPersist(models.DomainEvent{Initial: true, Category: taxonomy.CategorySecurity}))
	assert.True(t, ShouldPersist(models.DomainEvent{Initial: false, Category: taxonomy.CategorySecurity}))
	assert.True(t, ShouldPersist(models.DomainEvent{Initial: true, Category: taxonomy.CategoryClimate}))
}

func TestEventWriterPersistsTransitions(t *testing.T) {
	store := &fakeStore{}
	w := NewEventWriter(store, 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	w.EventChan <- models.DomainEvent{ID: "initial", Initial: true, Category: taxonomy.CategorySecurity}
	w.EventChan <- models.DomainEvent{ID: "opened", Category: taxonomy.CategorySecurity}
	w.EventChan <- models.DomainEvent{ID: "co2", Initial: true, Category: taxonomy.CategoryClimate}

	require.Eventually(t, func() bool { return len(store.written()) == 2 }, time.Second, 5*time.Millisecond)
	written := store.written()
	assert.Equal(t, "opened", written[0].ID)
	assert.Equal(t, "co2", written[1].ID)

	cancel()
	<-done
}

func TestEventWriterSurvivesStoreErrors(t *testing.T) {
	store := &fakeStore{err: errors.New("bucket not found")}
	w := NewEventWriter(store, 4, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	w.EventChan <- models.DomainEvent{ID: "a", Category: taxonomy.CategoryClimate}
	w.EventChan <- models.DomainEvent{ID: "b", Category: taxonomy.CategoryClimate}
	close(w.EventChan)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not stop after its channel closed")
	}
	assert.Empty(t, store.written())
}

func TestHealthSchedulerRunOnce(t *testing.T) {
	tracker := health.NewTracker()
	device := models.NewDevice("0xc", "Climate", []string{"temperature"}, false)
	tracker.Update(device, models.Payload{"temperature": models.Number(20)}, nil, t0)

	s := NewHealthScheduler(tracker, time.Minute, zerolog.Nop())
	s.now = func() time.Time { return t0.Add(2 * time.Hour) }

	assert.Equal(t, 1, s.RunOnce())
	assert.Equal(t, 0, s.RunOnce())

	record, _ := tracker.Get(device.ID)
	assert.Equal(t, models.HealthCritical, record.Status)
}

func TestHealthSchedulerStartStop(t *testing.T) {
	tracker := health.NewTracker()
	device := models.NewDevice("0xc", "Climate", []string{"temperature"}, false)
	tracker.Update(device, models.Payload{"temperature": models.Number(20)}, nil, t0)

	s := NewHealthScheduler(tracker, 5*time.Millisecond, zerolog.Nop())
	s.now = func() time.Time { return t0.Add(7 * time.Hour) }

	s.Start(context.Background())
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		record, _ := tracker.Get(device.ID)
		return record.Status == models.HealthDead
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestHealthSchedulerDefaultInterval(t *testing.T) {
	s := NewHealthScheduler(health.NewTracker(), 0, zerolog.Nop())
	assert.Equal(t, 30*time.Second, s.interval)
}

func pendingDoor(t *testing.T) (*Pipeline, models.Device) {
	t.Helper()
	p := newTestPipeline(t, 0)
	door := models.NewDevice("0xdoor", "Front Door", []string{"contact"}, false)
	p.Handle(discovery(door))
	p.Handle(telemetry(door.Name, t0, models.Payload{"contact": models.Bool(false)}))
	require.Len(t, p.PendingReconciliation(), 1)
	return p, door
}

func TestReconcilerTrigger(t *testing.T) {
	p, door := pendingDoor(t)
	opened := t0.Add(-20 * time.Minute)

	querier := reconcile.QuerierFunc(func(context.Context, string, string, time.Time) (time.Time, bool, error) {
		return opened, true, nil
	})
	engine := reconcile.NewEngine(reconcile.DefaultConfig(), zerolog.Nop())
	r := NewReconciler(context.Background(), p, engine, querier, zerolog.Nop())
	defer r.Stop()

	require.True(t, r.Trigger("test"))
	require.Eventually(t, func() bool { return len(p.PendingReconciliation()) == 0 }, time.Second, 5*time.Millisecond)

	since, approximate, ok := p.Since(door.ID, taxonomy.EventDoorOpened)
	require.True(t, ok)
	assert.False(t, approximate)
	assert.True(t, opened.Equal(since))

	assert.False(t, r.Trigger("again"), "nothing left to reconcile")
}

func TestReconcilerWithoutQuerier(t *testing.T) {
	p, _ := pendingDoor(t)
	r := NewReconciler(context.Background(), p, reconcile.NewEngine(reconcile.DefaultConfig(), zerolog.Nop()), nil, zerolog.Nop())
	defer r.Stop()

	assert.False(t, r.Trigger("test"))
}

func TestReconcilerIgnoresTriggerWhileRunning(t *testing.T) {
	p, _ := pendingDoor(t)

	entered := make(chan struct{})
	var once sync.Once
	querier := reconcile.QuerierFunc(func(ctx context.Context, _, _ string, _ time.Time) (time.Time, bool, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return time.Time{}, false, ctx.Err()
	})
	engine := reconcile.NewEngine(reconcile.DefaultConfig(), zerolog.Nop())
	r := NewReconciler(context.Background(), p, engine, querier, zerolog.Nop())

	require.True(t, r.Trigger("connect"))
	<-entered
	assert.True(t, r.Running())
	assert.False(t, r.Trigger("api"))

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}

	assert.False(t, r.Running())
	assert.False(t, r.Trigger("after stop"))
	assert.Len(t, p.PendingReconciliation(), 1, "fallback kept after cancellation")
}

func TestReconcilerSchedulesOnFallback(t *testing.T) {
	p := newTestPipeline(t, 0)
	door := models.NewDevice("0xdoor", "Front Door", []string{"contact"}, false)
	p.Handle(discovery(door))
	opened := t0.Add(-45 * time.Minute)

	var mu sync.Mutex
	calls := 0
	querier := reconcile.QuerierFunc(func(context.Context, string, string, time.Time) (time.Time, bool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return opened, true, nil
	})
	r := NewReconciler(context.Background(), p, reconcile.NewEngine(reconcile.DefaultConfig(), zerolog.Nop()), querier, zerolog.Nop())
	r.delay = 200 * time.Millisecond
	defer r.Stop()
	p.OnApproximate(func() { r.Schedule("fallback stored") })

	// nothing pending after the connect, as before retained messages arrive
	assert.False(t, r.Trigger("mqtt connect"))

	p.Handle(telemetry(door.Name, t0, models.Payload{"contact": models.Bool(false)}))
	assert.True(t, r.Scheduled())

	require.Eventually(t, func() bool { return len(p.PendingReconciliation()) == 0 }, 2*time.Second, 5*time.Millisecond)
	since, approximate, ok := p.Since(door.ID, taxonomy.EventDoorOpened)
	require.True(t, ok)
	assert.False(t, approximate)
	assert.True(t, opened.Equal(since))

	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.False(t, r.Scheduled())
}

func TestReconcilerScheduleCoalesces(t *testing.T) {
	p, _ := pendingDoor(t)
	r := NewReconciler(context.Background(), p, reconcile.NewEngine(reconcile.DefaultConfig(), zerolog.Nop()), reconcile.QuerierFunc(
		func(context.Context, string, string, time.Time) (time.Time, bool, error) {
			return t0.Add(-time.Minute), true, nil
		}), zerolog.Nop())
	r.delay = time.Hour
	defer r.Stop()

	r.Schedule("first")
	r.mu.Lock()
	timer := r.timer
	r.mu.Unlock()
	require.NotNil(t, timer)

	r.Schedule("second")
	r.mu.Lock()
	assert.Same(t, timer, r.timer, "a pending batch is joined, not replaced")
	r.mu.Unlock()
}

func TestReconcilerStopCancelsScheduledBatch(t *testing.T) {
	p, _ := pendingDoor(t)

	called := make(chan struct{}, 1)
	querier := reconcile.QuerierFunc(func(context.Context, string, string, time.Time) (time.Time, bool, error) {
		called <- struct{}{}
		return t0, true, nil
	})
	r := NewReconciler(context.Background(), p, reconcile.NewEngine(reconcile.DefaultConfig(), zerolog.Nop()), querier, zerolog.Nop())
	r.delay = 30 * time.Millisecond

	r.Schedule("fallback stored")
	require.True(t, r.Scheduled())
	r.Stop()
	assert.False(t, r.Scheduled())

	select {
	case <-called:
		t.Fatal("a stopped reconciler ran its scheduled batch")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Len(t, p.PendingReconciliation(), 1)

	r.Schedule("after stop")
	assert.False(t, r.Scheduled())
}

func TestReconcilerScheduleWithoutQuerier(t *testing.T) {
	p, _ := pendingDoor(t)
	r := NewReconciler(context.Background(), p, reconcile.NewEngine(reconcile.DefaultConfig(), zerolog.Nop()), nil, zerolog.Nop())
	defer r.Stop()

	r.Schedule("fallback stored")
	assert.False(t, r.Scheduled())
}
