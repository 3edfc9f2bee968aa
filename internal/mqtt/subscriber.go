package mqtt

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"homesense-bridge/internal/metrics"
	"homesense-bridge/internal/models"
)

// Subscriber handles MQTT subscriptions and writes decoded messages to a
// channel
type Subscriber struct {
	client    mqtt.Client
	baseTopic string
	logger    zerolog.Logger
	now       func() time.Time

	// MessageChan is written by the subscriber and read by the pipeline
	MessageChan chan models.Message
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	BaseTopic string // e.g., "zigbee2mqtt"
}

// NewSubscriber creates a new MQTT subscriber writing to messageChan
func NewSubscriber(client mqtt.Client, config SubscriberConfig, messageChan chan models.Message, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		client:      client,
		baseTopic:   config.BaseTopic,
		logger:      logger,
		now:         time.Now,
		MessageChan: messageChan,
	}
}

// SubscribeAll subscribes to every topic under the base topic. It is safe
// to call again after a reconnect.
func (s *Subscriber) SubscribeAll() error {
	topic := s.baseTopic + "/#"
	token := s.client.Subscribe(topic, 1, s.handleMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}

	s.logger.Info().Str("topic", topic).Msg("Subscribed to device topics")
	return nil
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	decoded, ok, err := s.Decode(msg.Topic(), msg.Payload())
	if err != nil {
		metrics.ObserveMalformed()
		s.logger.Debug().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed message")
		return
	}
	if !ok {
		return
	}
	metrics.ObserveMessage(decoded.Kind.String())

	// Write to channel (non-blocking with timeout)
	select {
	case s.MessageChan <- decoded:
	case <-time.After(1 * time.Second):
		s.logger.Warn().
			Str("topic", msg.Topic()).
			Str("kind", decoded.Kind.String()).
			Msg("Message channel full, dropping message")
	}
}

// Decode turns one raw MQTT message into a pipeline message. ok is false
// for ignored topics.
func (s *Subscriber) Decode(topic string, payload []byte) (models.Message, bool, error) {
	kind, device, ok := ParseTopic(s.baseTopic, topic)
	if !ok {
		return models.Message{}, false, nil
	}

	msg := models.Message{Kind: kind, DeviceName: device, ReceivedAt: s.now()}

	switch kind {
	case models.MessageDiscovery:
		devices, err := DecodeDevices(payload)
		if err != nil {
			return models.Message{}, false, err
		}
		msg.Devices = devices
	case models.MessageAvailability:
		p, err := DecodeAvailability(payload)
		if err != nil {
			return models.Message{}, false, err
		}
		msg.Payload = p
	default:
		if len(payload) == 0 {
			// retained message cleared
			return models.Message{}, false, nil
		}
		p, declared, err := DecodeTelemetry(payload)
		if err != nil {
			return models.Message{}, false, err
		}
		msg.Payload = p
		msg.Declared = declared
	}
	return msg, true, nil
}
