package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/rs/zerolog"

	"homesense-bridge/internal/models"
	"homesense-bridge/internal/reconcile"
)

// InfluxConfig holds InfluxDB connection settings
type InfluxConfig struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration
	// Lookback bounds every query's range start
	Lookback time.Duration
}

// InfluxStore writes and queries events in an InfluxDB 2.x bucket
type InfluxStore struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
	lookback time.Duration
	logger   zerolog.Logger
}

// NewInfluxStore connects and checks the server's health
func NewInfluxStore(ctx context.Context, config InfluxConfig, logger zerolog.Logger) (*InfluxStore, error) {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Lookback <= 0 {
		config.Lookback = 30 * 24 * time.Hour
	}

	options := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(config.Timeout / time.Second))
	client := influxdb2.NewClientWithOptions(config.URL, config.Token, options)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB is not healthy: %s", health.Status)
	}

	logger.Info().Str("url", config.URL).Str("bucket", config.Bucket).Msg("Connected to InfluxDB")

	return &InfluxStore{
		client:   client,
		writeAPI: client.WriteAPIBlocking(config.Org, config.Bucket),
		queryAPI: client.QueryAPI(config.Org),
		bucket:   config.Bucket,
		lookback: config.Lookback,
		logger:   logger,
	}, nil
}

// WriteEvent stores one event as a point tagged by device and event type
func (s *InfluxStore) WriteEvent(ctx context.Context, event models.DomainEvent) error {
	row, err := toRow(event)
	if err != nil {
		return err
	}

	point := influxdb2.NewPoint(EventsMeasurement,
		map[string]string{
			"device_name": row.DeviceName,
			"device_type": row.DeviceType,
			"room":        row.Room,
			"event_type":  row.EventType,
		},
		map[string]interface{}{
			"value":      row.Value,
			"state":      row.State,
			"event_id":   row.ID,
			"device_id":  row.DeviceID,
			"severity":   row.Severity,
			"category":   row.Category,
			"is_anomaly": row.IsAnomaly,
			"property":   row.Property,
			"values":     row.Values,
		},
		row.Timestamp,
	)

	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write event: %w", statusError(err))
	}
	return nil
}

// LatestEventTime returns the time of the newest eventType event for the
// device strictly before the given time
func (s *InfluxStore) LatestEventTime(ctx context.Context, deviceName, eventType string, before time.Time) (time.Time, bool, error) {
	flux := buildLatestQuery(s.bucket, s.lookback, deviceName, eventType, before)

	result, err := s.queryAPI.Query(ctx, flux)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest event query failed: %w", statusError(err))
	}
	defer result.Close()

	if !result.Next() {
		if result.Err() != nil {
			return time.Time{}, false, fmt.Errorf("%w: %v", reconcile.ErrMalformedResponse, result.Err())
		}
		return time.Time{}, false, nil
	}
	return result.Record().Time(), true, nil
}

// RecentEvents returns up to limit events, newest first
func (s *InfluxStore) RecentEvents(ctx context.Context, limit int) ([]models.DomainEvent, error) {
	flux := buildRecentQuery(s.bucket, s.lookback, limit)

	result, err := s.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("recent events query failed: %w", statusError(err))
	}
	defer result.Close()

	var events []models.DomainEvent
	for result.Next() {
		event, err := recordToRow(result.Record()).toEvent()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Skipping undecodable stored event")
			continue
		}
		if event.ID == "" {
			continue
		}
		events = append(events, event)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error parsing results: %w", result.Err())
	}
	return events, nil
}

// Close releases the client's resources
func (s *InfluxStore) Close() error {
	s.client.Close()
	s.logger.Info().Msg("InfluxDB client closed")
	return nil
}

func buildLatestQuery(bucket string, lookback time.Duration, deviceName, eventType string, before time.Time) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s, stop: %s)
		|> filter(fn: (r) => r._measurement == "%s" and r._field == "state")
		|> filter(fn: (r) => r.device_name == "%s" and r.event_type == "%s")
		|> group()
		|> sort(columns: ["_time"], desc: true)
		|> limit(n: 1)
	`,
		fluxString(bucket),
		fluxDuration(lookback),
		before.UTC().Format(time.RFC3339Nano),
		EventsMeasurement,
		fluxString(deviceName),
		fluxString(eventType),
	)
}

func buildRecentQuery(bucket string, lookback time.Duration, limit int) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
		|> group()
		|> sort(columns: ["_time"], desc: true)
		|> limit(n: %d)
	`,
		fluxString(bucket),
		fluxDuration(lookback),
		EventsMeasurement,
		limit,
	)
}

func recordToRow(record *query.FluxRecord) eventRow {
	str := func(key string) string {
		s, _ := record.ValueByKey(key).(string)
		return s
	}
	anomaly, _ := record.ValueByKey("is_anomaly").(bool)
	value, _ := record.ValueByKey("value").(float64)

	return eventRow{
		ID:         str("event_id"),
		Timestamp:  record.Time(),
		DeviceID:   str("device_id"),
		DeviceName: str("device_name"),
		DeviceType: str("device_type"),
		Room:       str("room"),
		EventType:  str("event_type"),
		Severity:   str("severity"),
		Category:   str("category"),
		IsAnomaly:  anomaly,
		Property:   str("property"),
		Value:      value,
		State:      str("state"),
		Values:     str("values"),
	}
}

// fluxString escapes s for a double-quoted Flux string literal
func fluxString(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`).Replace(s)
}

func fluxDuration(d time.Duration) string {
	if h := d / time.Hour; h > 0 && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%ds", int64(d/time.Second))
}

// statusError exposes the HTTP status of a client error so reconciliation
// can decide whether to retry
func statusError(err error) error {
	var httpErr *influxhttp.Error
	if errors.As(err, &httpErr) {
		inner := err
		if httpErr.StatusCode == 0 && httpErr.Err != nil {
			inner = httpErr.Err
		}
		return &reconcile.StatusError{StatusCode: httpErr.StatusCode, Err: inner}
	}
	return err
}
