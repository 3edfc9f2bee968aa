package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"homesense-bridge/internal/models"
)

// Publisher republishes derived domain events from its channel
type Publisher struct {
	client mqtt.Client
	logger zerolog.Logger

	// EventChan is read by the publisher and written by the pipeline
	EventChan chan models.DomainEvent

	eventsTopic string // e.g., "homesense/events"
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	EventsTopic string
}

// NewPublisher creates a new MQTT publisher with its own buffered channel
func NewPublisher(client mqtt.Client, config PublisherConfig, channelSize int, logger zerolog.Logger) *Publisher {
	return &Publisher{
		client:      client,
		logger:      logger,
		EventChan:   make(chan models.DomainEvent, channelSize),
		eventsTopic: config.EventsTopic,
	}
}

// Start begins publishing events from the channel
// Runs until context is cancelled or channel is closed
func (p *Publisher) Start(ctx context.Context) {
	p.logger.Info().Msg("MQTT Publisher: Starting...")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("MQTT Publisher: Context cancelled, shutting down...")
			return

		case event, ok := <-p.EventChan:
			if !ok {
				p.logger.Info().Msg("MQTT Publisher: Event channel closed, shutting down...")
				return
			}

			if err := p.publishEvent(event); err != nil {
				p.logger.Error().Err(err).Str("device", event.DeviceName).Msg("Error publishing event")
			}
		}
	}
}

func (p *Publisher) publishEvent(event models.DomainEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := EventTopic(p.eventsTopic, event.DeviceName)
	token := p.client.Publish(topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish event: %w", token.Error())
	}

	p.logger.Debug().Str("topic", topic).Str("event_type", event.EventType).Msg("Published event")
	return nil
}

// EventTopic builds the per-device topic events are republished on
func EventTopic(base, deviceName string) string {
	return base + "/" + deviceName
}
