package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity ranks a domain event
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Rank orders severities so the layered rules can keep the highest one
func (s Severity) Rank() int {
	switch s {
	case SeveritySuccess:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	default:
		return 0
	}
}

// Max returns the more severe of s and o
func (s Severity) Max(o Severity) Severity {
	if o.Rank() > s.Rank() {
		return o
	}
	return s
}

// DomainEvent is a discrete, deduplicated event derived from telemetry.
// Treat it as immutable once created.
type DomainEvent struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	DeviceID   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	DeviceType DeviceType `json:"device_type"`
	Room       string     `json:"room"`
	EventType  string     `json:"event_type"`
	Severity   Severity   `json:"severity"`
	Category   string     `json:"category"`
	IsAnomaly  bool       `json:"is_anomaly"`
	// Initial marks the first observation of a property since startup; it
	// reports existing state rather than a transition
	Initial  bool             `json:"initial,omitempty"`
	Property string           `json:"property"`
	Values   map[string]Value `json:"values"`
}

// Value returns the triggering property's value
func (e DomainEvent) Value() Value {
	return e.Values[e.Property]
}

// NewEventID returns a time-ordered unique identifier
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
