package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homesense-bridge/internal/models"
)

var fallback = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestEngine(sleep *recordingSleep) *Engine {
	return NewEngine(DefaultConfig(), zerolog.Nop(), WithSleep(sleep.sleep))
}

func target(name string) Target {
	return Target{
		DeviceID:   "id-" + name,
		DeviceName: name,
		EventType:  "door_opened",
		Since:      models.NewSince(fallback, true),
	}
}

func TestBackoffSchedule(t *testing.T) {
	e := NewEngine(DefaultConfig(), zerolog.Nop())

	assert.Equal(t, time.Duration(0), e.Backoff(0))
	assert.Equal(t, time.Second, e.Backoff(1))
	assert.Equal(t, 2*time.Second, e.Backoff(2))
	assert.Equal(t, 4*time.Second, e.Backoff(3))
}

func TestReconcileCorrectsFallback(t *testing.T) {
	sleep := &recordingSleep{}
	e := newTestEngine(sleep)
	opened := fallback.Add(-25 * time.Minute)

	var gotBefore time.Time
	querier := QuerierFunc(func(_ context.Context, deviceName, eventType string, before time.Time) (time.Time, bool, error) {
		assert.Equal(t, "Front Door", deviceName)
		assert.Equal(t, "door_opened", eventType)
		gotBefore = before
		return opened, true, nil
	})

	tg := target("Front Door")
	report, err := e.Reconcile(context.Background(), []Target{tg}, querier)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Corrected)
	assert.Equal(t, 1, report.Rounds)
	assert.Empty(t, sleep.delays)
	assert.True(t, fallback.Equal(gotBefore), "query is bounded by the fallback time")
	assert.True(t, opened.Equal(tg.Since.Time()))
	assert.False(t, tg.Since.Approximate())
}

func TestReconcileRetriesThenAbandons(t *testing.T) {
	sleep := &recordingSleep{}
	e := newTestEngine(sleep)

	calls := 0
	querier := QuerierFunc(func(context.Context, string, string, time.Time) (time.Time, bool, error) {
		calls++
		return time.Time{}, false, &StatusError{StatusCode: 503}
	})

	tg := target("Hall Motion")
	report, err := e.Reconcile(context.Background(), []Target{tg}, querier)
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleep.delays)
	assert.Equal(t, 3, report.Rounds)
	assert.Equal(t, 1, report.Exhausted)
	assert.True(t, fallback.Equal(tg.Since.Time()), "fallback kept after exhaustion")
	assert.True(t, tg.Since.Approximate())
	assert.False(t, e.Running())
}

func TestQueryDeadlineIsPerAttempt(t *testing.T) {
	sleep := &recordingSleep{}
	config := DefaultConfig()
	config.QueryTimeout = 20 * time.Millisecond
	e := NewEngine(config, zerolog.Nop(), WithSleep(sleep.sleep))

	var deadlines []time.Duration
	querier := QuerierFunc(func(ctx context.Context, _, _ string, _ time.Time) (time.Time, bool, error) {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		deadlines = append(deadlines, time.Until(deadline))
		<-ctx.Done()
		return time.Time{}, false, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	tg := target("Garage Door")
	report, err := e.Reconcile(ctx, []Target{tg}, querier)
	require.NoError(t, err)

	require.Len(t, deadlines, 3, "a timed-out query is transient and retried")
	for _, d := range deadlines {
		assert.LessOrEqual(t, d, 20*time.Millisecond)
	}
	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleep.delays)
	assert.Equal(t, 1, report.Exhausted)
	assert.NoError(t, ctx.Err(), "the batch context outlives each query deadline")
	assert.True(t, fallback.Equal(tg.Since.Time()))
	assert.True(t, tg.Since.Approximate())
}

func TestReconcileTransientThenSuccess(t *testing.T) {
	sleep := &recordingSleep{}
	e := newTestEngine(sleep)
	opened := fallback.Add(-time.Hour)

	calls := 0
	querier := QuerierFunc(func(context.Context, string, string, time.Time) (time.Time, bool, error) {
		calls++
		if calls == 1 {
			return time.Time{}, false, context.DeadlineExceeded
		}
		return opened, true, nil
	})

	tg := target("Garage")
	report, err := e.Reconcile(context.Background(), []Target{tg}, querier)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, sleep.delays)
	assert.Equal(t, 1, report.Corrected)
	assert.True(t, opened.Equal(tg.Since.Time()))
}

func TestPermanentFailureDoesNotAffectSiblings(t *testing.T) {
	sleep := &recordingSleep{}
	e := newTestEngine(sleep)
	opened := fallback.Add(-10 * time.Minute)

	calls := map[string]int{}
	querier := QuerierFunc(func(_ context.Context, deviceName, _ string, _ time.Time) (time.Time, bool, error) {
		calls[deviceName]++
		switch deviceName {
		case "bad":
			return time.Time{}, false, &StatusError{StatusCode: 400, Err: errors.New("bad flux")}
		case "missing":
			return time.Time{}, false, nil
		}
		return opened, true, nil
	})

	bad, missing, good := target("bad"), target("missing"), target("good")
	report, err := e.Reconcile(context.Background(), []Target{bad, missing, good}, querier)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Permanent)
	assert.Equal(t, 1, report.NotFound)
	assert.Equal(t, 1, report.Corrected)
	assert.Equal(t, 1, calls["bad"], "permanent failures are not retried")
	assert.Empty(t, sleep.delays)

	assert.True(t, bad.Since.Approximate())
	assert.True(t, missing.Since.Approximate(), "not found keeps the fallback")
	assert.True(t, fallback.Equal(missing.Since.Time()))
	assert.False(t, good.Since.Approximate())
}

func TestZeroTimeIsMalformed(t *testing.T) {
	e := newTestEngine(&recordingSleep{})
	querier := QuerierFunc(func(context.Context, string, string, time.Time) (time.Time, bool, error) {
		return time.Time{}, true, nil
	})

	tg := target("odd")
	report, err := e.Reconcile(context.Background(), []Target{tg}, querier)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Permanent)
	assert.True(t, tg.Since.Approximate())
}

func TestInFlightGuard(t *testing.T) {
	e := NewEngine(DefaultConfig(), zerolog.Nop())

	entered := make(chan struct{})
	release := make(chan struct{})
	querier := QuerierFunc(func(ctx context.Context, _ string, _ string, _ time.Time) (time.Time, bool, error) {
		close(entered)
		<-release
		return fallback.Add(-time.Minute), true, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := e.Reconcile(context.Background(), []Target{target("a")}, querier)
		done <- err
	}()

	<-entered
	assert.True(t, e.Running())

	_, err := e.Reconcile(context.Background(), []Target{target("b")}, querier)
	assert.ErrorIs(t, err, ErrInFlight)
	assert.True(t, IsInFlight(err))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, e.Running())
}

func TestCancellationReleasesGuard(t *testing.T) {
	e := NewEngine(DefaultConfig(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	entered := make(chan struct{})
	querier := QuerierFunc(func(qctx context.Context, _ string, _ string, _ time.Time) (time.Time, bool, error) {
		close(entered)
		<-qctx.Done()
		return time.Time{}, false, qctx.Err()
	})

	done := make(chan error, 1)
	tg := target("a")
	go func() {
		_, err := e.Reconcile(ctx, []Target{tg, target("b")}, querier)
		done <- err
	}()

	<-entered
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("reconcile did not stop after cancellation")
	}
	assert.False(t, e.Running())
	assert.True(t, tg.Since.Approximate())

	// the engine accepts a new batch afterwards
	_, err := e.Reconcile(context.Background(), nil, querier)
	assert.NoError(t, err)
}

func TestCancellationDuringBackoffKeepsWriteBacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewEngine(DefaultConfig(), zerolog.Nop(), WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	opened := fallback.Add(-time.Minute)

	querier := QuerierFunc(func(_ context.Context, deviceName, _ string, _ time.Time) (time.Time, bool, error) {
		if deviceName == "flaky" {
			return time.Time{}, false, fmt.Errorf("dial: %w", ErrTransient)
		}
		return opened, true, nil
	})

	good, flaky := target("good"), target("flaky")
	report, err := e.Reconcile(ctx, []Target{good, flaky}, querier)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Corrected)
	assert.False(t, good.Since.Approximate(), "write-back before cancellation is kept")
	assert.True(t, flaky.Since.Approximate())
	assert.False(t, e.Running())
}

func TestNilQuerierIsNoop(t *testing.T) {
	e := NewEngine(DefaultConfig(), zerolog.Nop())
	tg := target("a")

	report, err := e.Reconcile(context.Background(), []Target{tg}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Targets)
	assert.True(t, tg.Since.Approximate())
}
