package database

// SQL schemas for the ClickHouse backend

const (
	// DeviceEventsTableSQL creates the device_events table
	DeviceEventsTableSQL = `
		CREATE TABLE IF NOT EXISTS device_events (
			timestamp DateTime64(3),
			event_id String,
			device_id String,
			device_name LowCardinality(String),
			device_type LowCardinality(String),
			room LowCardinality(String),
			event_type LowCardinality(String),
			severity LowCardinality(String),
			category LowCardinality(String),
			is_anomaly Bool,
			property String,
			value Float64,
			state String,
			payload String
		) ENGINE = MergeTree()
		ORDER BY (device_name, event_type, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// DeviceRegistryTableSQL creates the device_registry table
	DeviceRegistryTableSQL = `
		CREATE TABLE IF NOT EXISTS device_registry (
			device_id String,
			name String,
			room String,
			device_type String,
			capabilities Array(String),
			last_discovered DateTime64(3)
		) ENGINE = ReplacingMergeTree(last_discovered)
		ORDER BY device_id
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		DeviceEventsTableSQL,
		DeviceRegistryTableSQL,
	}
}
