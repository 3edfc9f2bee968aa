package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"homesense-bridge/internal/metrics"
	"homesense-bridge/internal/models"
	"homesense-bridge/internal/taxonomy"
)

// EventStore persists domain events
type EventStore interface {
	WriteEvent(ctx context.Context, event models.DomainEvent) error
}

// EventWriter drains the pipeline's event channel into the store
type EventWriter struct {
	store        EventStore
	logger       zerolog.Logger
	writeTimeout time.Duration

	// EventChan is read by the writer and written by the pipeline
	EventChan chan models.DomainEvent
}

// NewEventWriter creates a writer with its own buffered input channel
func NewEventWriter(store EventStore, channelSize int, logger zerolog.Logger) *EventWriter {
	return &EventWriter{
		store:        store,
		logger:       logger,
		writeTimeout: 5 * time.Second,
		EventChan:    make(chan models.DomainEvent, channelSize),
	}
}

// Start writes events until ctx is cancelled
func (w *EventWriter) Start(ctx context.Context) {
	w.logger.Info().Msg("EventWriter: Starting...")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("EventWriter: Shutting down...")
			return
		case event, ok := <-w.EventChan:
			if !ok {
				w.logger.Info().Msg("EventWriter: Channel closed, shutting down...")
				return
			}
			w.write(ctx, event)
		}
	}
}

// ShouldPersist reports whether an event records a transition worth
// storing. Initial observations of security states only restate a state
// that began earlier; storing them would make the store's "latest
// door_opened" point at the bridge's start time.
func ShouldPersist(event models.DomainEvent) bool {
	return !(event.Initial && event.Category == taxonomy.CategorySecurity)
}

func (w *EventWriter) write(ctx context.Context, event models.DomainEvent) {
	if !ShouldPersist(event) {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()

	err := w.store.WriteEvent(writeCtx, event)
	metrics.ObserveStoreWrite(err)
	if err != nil {
		w.logger.Error().Err(err).
			Str("device", event.DeviceName).
			Str("event_type", event.EventType).
			Msg("Error saving event")
		return
	}

	w.logger.Debug().
		Str("device", event.DeviceName).
		Str("event_type", event.EventType).
		Str("severity", string(event.Severity)).
		Msg("Saved event")
}
