package models

import "time"

// MessageKind distinguishes inbound feeds
type MessageKind int

const (
	MessageTelemetry MessageKind = iota
	MessageAvailability
	MessageDiscovery
)

func (k MessageKind) String() string {
	switch k {
	case MessageTelemetry:
		return "telemetry"
	case MessageAvailability:
		return "availability"
	case MessageDiscovery:
		return "discovery"
	}
	return "unknown"
}

// Message is one decoded inbound MQTT message
type Message struct {
	Kind       MessageKind
	DeviceName string
	Payload    Payload
	// Declared is the timestamp carried by the message itself, if any
	Declared   *time.Time
	Devices    []Device
	ReceivedAt time.Time
}
