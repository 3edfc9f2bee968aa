package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homesense-bridge/internal/reconcile"
)

// DefaultSettleDelay lets the burst of retained messages that follows a
// subscription arrive before a scheduled batch starts
const DefaultSettleDelay = 3 * time.Second

// Reconciler runs reconciliation batches in the background for triggers
// such as MQTT reconnects, API activation and newly stored fallbacks
type Reconciler struct {
	pipeline *Pipeline
	engine   *reconcile.Engine
	querier  reconcile.Querier
	logger   zerolog.Logger
	delay    time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer // pending scheduled batch
	wg     sync.WaitGroup
}

// NewReconciler binds an engine to the pipeline's pending targets. A nil
// querier means no store is configured; triggers are then no-ops.
func NewReconciler(ctx context.Context, pipeline *Pipeline, engine *reconcile.Engine, querier reconcile.Querier, logger zerolog.Logger) *Reconciler {
	runCtx, cancel := context.WithCancel(ctx)
	return &Reconciler{
		pipeline: pipeline,
		engine:   engine,
		querier:  querier,
		logger:   logger,
		delay:    DefaultSettleDelay,
		ctx:      runCtx,
		cancel:   cancel,
	}
}

// Running reports whether a batch is in flight
func (r *Reconciler) Running() bool {
	return r.engine.Running()
}

// Trigger starts a batch in the background. It returns false when a batch
// is already running, there is nothing to reconcile, or the reconciler has
// been stopped.
func (r *Reconciler) Trigger(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil || r.querier == nil {
		return false
	}
	if r.engine.Running() {
		r.logger.Debug().Str("reason", reason).Msg("Reconciliation already in flight, trigger ignored")
		return false
	}

	targets := r.pipeline.PendingReconciliation()
	if len(targets) == 0 {
		return false
	}

	r.logger.Info().Str("reason", reason).Int("targets", len(targets)).Msg("Starting reconciliation")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, err := r.engine.Reconcile(r.ctx, targets, r.querier)
		if err != nil && !reconcile.IsInFlight(err) {
			r.logger.Info().Err(err).Msg("Reconciliation stopped")
		}
	}()
	return true
}

// Schedule starts a batch after the settle delay. Calls made while a batch
// is already scheduled join it.
func (r *Reconciler) Schedule(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil || r.querier == nil || r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.delay, func() { r.fire(reason) })
}

func (r *Reconciler) fire(reason string) {
	r.mu.Lock()
	r.timer = nil
	r.mu.Unlock()

	if r.engine.Running() {
		// targets stored during the running batch are not part of it
		r.Schedule(reason)
		return
	}
	r.Trigger(reason)
}

// Stop cancels any scheduled or in-flight batch and waits for it to exit
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Scheduled reports whether a batch is waiting for its settle delay
func (r *Reconciler) Scheduled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}
