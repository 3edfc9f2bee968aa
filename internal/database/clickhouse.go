package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"homesense-bridge/internal/models"
	"homesense-bridge/internal/reconcile"
)

// ClickHouseConfig holds ClickHouse connection settings
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseStore keeps events in a MergeTree table
type ClickHouseStore struct {
	conn   driver.Conn
	logger zerolog.Logger
}

// NewClickHouseStore creates a new ClickHouse connection and ensures the
// schema exists
func NewClickHouseStore(ctx context.Context, config ClickHouseConfig, logger zerolog.Logger) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{config.Addr},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info().Str("addr", config.Addr).Msg("Connected to ClickHouse")

	store := &ClickHouseStore{conn: conn, logger: logger}
	if err := store.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// InitSchema creates the necessary tables if they don't exist
func (s *ClickHouseStore) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := s.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	s.logger.Info().Msg("Database schema initialized successfully")
	return nil
}

// WriteEvent inserts one event row
func (s *ClickHouseStore) WriteEvent(ctx context.Context, event models.DomainEvent) error {
	row, err := toRow(event)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO device_events (timestamp, event_id, device_id, device_name, device_type, room,
			event_type, severity, category, is_anomaly, property, value, state, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err = s.conn.Exec(ctx, query,
		row.Timestamp,
		row.ID,
		row.DeviceID,
		row.DeviceName,
		row.DeviceType,
		row.Room,
		row.EventType,
		row.Severity,
		row.Category,
		row.IsAnomaly,
		row.Property,
		row.Value,
		row.State,
		row.Values,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", permanentIfServer(err))
	}
	return nil
}

// LatestEventTime returns the timestamp of the newest matching event
// strictly before the given time
func (s *ClickHouseStore) LatestEventTime(ctx context.Context, deviceName, eventType string, before time.Time) (time.Time, bool, error) {
	query := `
		SELECT timestamp
		FROM device_events
		WHERE device_name = ? AND event_type = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var timestamp time.Time
	err := s.conn.QueryRow(ctx, query, deviceName, eventType, before).Scan(&timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest event query failed: %w", permanentIfServer(err))
	}
	return timestamp, true, nil
}

// RecentEvents returns up to limit events, newest first
func (s *ClickHouseStore) RecentEvents(ctx context.Context, limit int) ([]models.DomainEvent, error) {
	query := `
		SELECT timestamp, event_id, device_id, device_name, device_type, room,
			event_type, severity, category, is_anomaly, property, value, state, payload
		FROM device_events
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := s.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events query failed: %w", permanentIfServer(err))
	}
	defer rows.Close()

	var events []models.DomainEvent
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(
			&row.Timestamp,
			&row.ID,
			&row.DeviceID,
			&row.DeviceName,
			&row.DeviceType,
			&row.Room,
			&row.EventType,
			&row.Severity,
			&row.Category,
			&row.IsAnomaly,
			&row.Property,
			&row.Value,
			&row.State,
			&row.Values,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event, err := row.toEvent()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Skipping undecodable stored event")
			continue
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading event rows: %w", err)
	}
	return events, nil
}

// UpsertDevices records the discovered device list in the registry
func (s *ClickHouseStore) UpsertDevices(ctx context.Context, devices []models.Device) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO device_registry (device_id, name, room, device_type, capabilities, last_discovered)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare device batch: %w", err)
	}

	now := time.Now()
	for _, d := range devices {
		if d.Provisional {
			continue
		}
		if err := batch.Append(d.ID, d.Name, d.Room, string(d.Type), d.Capabilities, now); err != nil {
			return fmt.Errorf("failed to append device %s: %w", d.Name, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to upsert devices: %w", err)
	}
	return nil
}

// Close closes the ClickHouse connection
func (s *ClickHouseStore) Close() error {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		s.logger.Info().Msg("ClickHouse connection closed")
	}
	return nil
}

// permanentIfServer marks server-side exceptions (bad query, missing
// table, type mismatch) as not worth retrying
func permanentIfServer(err error) error {
	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		return fmt.Errorf("%w: %v", reconcile.ErrPermanent, err)
	}
	return err
}
