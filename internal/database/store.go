package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"homesense-bridge/internal/models"
)

// EventsMeasurement is the measurement (InfluxDB) or table (ClickHouse)
// holding domain events
const EventsMeasurement = "device_events"

// Store is a time-series backend for domain events
type Store interface {
	WriteEvent(ctx context.Context, event models.DomainEvent) error
	RecentEvents(ctx context.Context, limit int) ([]models.DomainEvent, error)
	LatestEventTime(ctx context.Context, deviceName, eventType string, before time.Time) (time.Time, bool, error)
	Close() error
}

// DeviceRegistry records the discovered device list
type DeviceRegistry interface {
	UpsertDevices(ctx context.Context, devices []models.Device) error
}

// eventRow is the flattened form both backends store
type eventRow struct {
	ID         string
	Timestamp  time.Time
	DeviceID   string
	DeviceName string
	DeviceType string
	Room       string
	EventType  string
	Severity   string
	Category   string
	IsAnomaly  bool
	Property   string
	Value      float64
	State      string
	Values     string
}

func toRow(event models.DomainEvent) (eventRow, error) {
	values, err := json.Marshal(event.Values)
	if err != nil {
		return eventRow{}, fmt.Errorf("failed to encode event values: %w", err)
	}

	row := eventRow{
		ID:         event.ID,
		Timestamp:  event.Timestamp,
		DeviceID:   event.DeviceID,
		DeviceName: event.DeviceName,
		DeviceType: string(event.DeviceType),
		Room:       event.Room,
		EventType:  event.EventType,
		Severity:   string(event.Severity),
		Category:   event.Category,
		IsAnomaly:  event.IsAnomaly,
		Property:   event.Property,
		Values:     string(values),
	}

	v := event.Value()
	row.State = v.String()
	if n, ok := v.AsNumber(); ok {
		row.Value = n
	} else if b, ok := v.AsBool(); ok && b {
		row.Value = 1
	}
	return row, nil
}

func (r eventRow) toEvent() (models.DomainEvent, error) {
	var values map[string]models.Value
	if r.Values != "" {
		if err := json.Unmarshal([]byte(r.Values), &values); err != nil {
			return models.DomainEvent{}, fmt.Errorf("failed to decode values of event %s: %w", r.ID, err)
		}
	}

	return models.DomainEvent{
		ID:         r.ID,
		Timestamp:  r.Timestamp,
		DeviceID:   r.DeviceID,
		DeviceName: r.DeviceName,
		DeviceType: models.DeviceType(r.DeviceType),
		Room:       r.Room,
		EventType:  r.EventType,
		Severity:   models.Severity(r.Severity),
		Category:   r.Category,
		IsAnomaly:  r.IsAnomaly,
		Property:   r.Property,
		Values:     values,
	}, nil
}
