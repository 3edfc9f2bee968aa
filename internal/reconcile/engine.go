// Package reconcile replaces locally approximated "since" timestamps with
// authoritative values from the time-series store, retrying transient
// failures with exponential backoff.
package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"homesense-bridge/internal/metrics"
	"homesense-bridge/internal/models"
)

// Target outcomes, also used as metric labels
const (
	OutcomeCorrected = "corrected"
	OutcomeNotFound  = "not_found"
	OutcomePermanent = "permanent"
	OutcomeExhausted = "exhausted"
)

// Querier looks up the most recent time an event was recorded for a device
// strictly before the given time
type Querier interface {
	LatestEventTime(ctx context.Context, deviceName, eventType string, before time.Time) (time.Time, bool, error)
}

// QuerierFunc adapts a function to Querier
type QuerierFunc func(ctx context.Context, deviceName, eventType string, before time.Time) (time.Time, bool, error)

func (f QuerierFunc) LatestEventTime(ctx context.Context, deviceName, eventType string, before time.Time) (time.Time, bool, error) {
	return f(ctx, deviceName, eventType, before)
}

// Target is one fallback timestamp awaiting correction
type Target struct {
	DeviceID   string
	DeviceName string
	EventType  string
	Since      *models.Since
}

// Config controls retries
type Config struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	QueryTimeout time.Duration
}

// DefaultConfig returns 3 attempts, 1s doubling backoff and a 5s deadline
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		QueryTimeout: 5 * time.Second,
	}
}

// Report summarizes one batch
type Report struct {
	Targets   int
	Corrected int
	NotFound  int
	Permanent int
	Exhausted int
	Rounds    int
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Engine runs at most one reconciliation batch at a time. A request made
// while a batch is running is dropped, not queued.
type Engine struct {
	config   Config
	logger   zerolog.Logger
	sleep    SleepFunc
	inFlight atomic.Bool
}

// Option configures an Engine
type Option func(*Engine)

// WithSleep replaces the backoff timer, mainly for tests
func WithSleep(sleep SleepFunc) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// NewEngine creates an engine; zero config fields take their defaults
func NewEngine(config Config, logger zerolog.Logger, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = defaults.BackoffBase
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = defaults.QueryTimeout
	}

	e := &Engine{
		config: config,
		logger: logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Running reports whether a batch is in flight
func (e *Engine) Running() bool {
	return e.inFlight.Load()
}

// Backoff returns the wait before the given retry round (1-based): 1x, 2x, 4x base
func (e *Engine) Backoff(round int) time.Duration {
	if round < 1 {
		return 0
	}
	return e.config.BackoffBase << (round - 1)
}

// Reconcile queries every target and writes back found timestamps. It
// returns ErrInFlight without doing anything if a batch is already
// running, and ctx.Err() if cancelled; write-backs made before a
// cancellation are kept.
func (e *Engine) Reconcile(ctx context.Context, targets []Target, querier Querier) (Report, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.logger.Debug().Int("targets", len(targets)).Msg("Reconciliation already running, request ignored")
		return Report{}, ErrInFlight
	}
	defer e.inFlight.Store(false)

	report := Report{Targets: len(targets)}
	if querier == nil {
		e.logger.Warn().Msg("No time-series querier configured, keeping fallback timestamps")
		return report, nil
	}

	pending := targets
	for attempt := 0; attempt < e.config.MaxAttempts && len(pending) > 0; attempt++ {
		if attempt > 0 {
			delay := e.Backoff(attempt)
			e.logger.Info().
				Int("attempt", attempt+1).
				Int("targets", len(pending)).
				Dur("backoff", delay).
				Msg("Retrying reconciliation after transient failures")
			if err := e.sleep(ctx, delay); err != nil {
				metrics.ObserveReconcileBatch("cancelled")
				return report, err
			}
		}
		report.Rounds++

		var retry []Target
		for _, target := range pending {
			if err := ctx.Err(); err != nil {
				metrics.ObserveReconcileBatch("cancelled")
				return report, err
			}

			outcome, err := e.reconcileOne(ctx, querier, target)
			if err != nil && ctx.Err() != nil {
				metrics.ObserveReconcileBatch("cancelled")
				return report, ctx.Err()
			}

			switch outcome {
			case OutcomeCorrected:
				report.Corrected++
				metrics.ObserveReconcileTarget(OutcomeCorrected)
			case OutcomeNotFound:
				report.NotFound++
				metrics.ObserveReconcileTarget(OutcomeNotFound)
			case OutcomePermanent:
				report.Permanent++
				metrics.ObserveReconcileTarget(OutcomePermanent)
				e.logger.Warn().Err(err).
					Str("device", target.DeviceName).
					Str("event_type", target.EventType).
					Msg("Reconciliation failed permanently, keeping fallback timestamp")
			default:
				retry = append(retry, target)
				e.logger.Debug().Err(err).
					Str("device", target.DeviceName).
					Int("attempt", attempt+1).
					Msg("Transient reconciliation failure")
			}
		}
		pending = retry
	}

	for _, target := range pending {
		report.Exhausted++
		metrics.ObserveReconcileTarget(OutcomeExhausted)
		e.logger.Warn().
			Str("device", target.DeviceName).
			Str("event_type", target.EventType).
			Int("attempts", e.config.MaxAttempts).
			Msg("Reconciliation retries exhausted, keeping fallback timestamp")
	}

	metrics.ObserveReconcileBatch(metrics.ResultSuccess)
	e.logger.Info().
		Int("targets", report.Targets).
		Int("corrected", report.Corrected).
		Int("not_found", report.NotFound).
		Int("permanent", report.Permanent).
		Int("exhausted", report.Exhausted).
		Msg("Reconciliation finished")

	return report, nil
}

// reconcileOne returns OutcomeCorrected, OutcomeNotFound, OutcomePermanent,
// or "" for a transient failure
func (e *Engine) reconcileOne(ctx context.Context, querier Querier, target Target) (string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, e.config.QueryTimeout)
	defer cancel()

	before := time.Now()
	if target.Since != nil {
		before = target.Since.Time()
	}

	at, found, err := querier.LatestEventTime(queryCtx, target.DeviceName, target.EventType, before)
	if err != nil {
		if Classify(err) == ClassTransient {
			return "", err
		}
		return OutcomePermanent, err
	}
	if !found {
		return OutcomeNotFound, nil
	}
	if at.IsZero() {
		return OutcomePermanent, ErrMalformedResponse
	}

	if target.Since != nil {
		target.Since.Correct(at)
	}
	e.logger.Debug().
		Str("device", target.DeviceName).
		Str("event_type", target.EventType).
		Time("since", at).
		Msg("Fallback timestamp corrected")
	return OutcomeCorrected, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsInFlight reports whether err is ErrInFlight
func IsInFlight(err error) bool {
	return errors.Is(err, ErrInFlight)
}
