package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"homesense-bridge/internal/models"
	"homesense-bridge/internal/taxonomy"
	"homesense-bridge/pkg/logger"
)

// Storage backends
const (
	BackendInflux     = "influx"
	BackendClickHouse = "clickhouse"
	BackendNone       = "none"
)

type Config struct {
	// MQTT Configuration
	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTBaseTopic   string
	MQTTEventsTopic string

	// Time-series store
	TSDBBackend string

	// InfluxDB Configuration
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// ClickHouse Configuration
	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string

	// Service
	HTTPAddr         string
	EventBufferSize  int
	HealthInterval   time.Duration
	HistoryLoadLimit int

	Logging logger.Config

	// Rules, optionally overridden by ThresholdsFile
	ThresholdsFile string
	Thresholds     taxonomy.Thresholds
	Windows        map[models.DeviceType]time.Duration
}

// Rules is the layout of the optional thresholds file
type Rules struct {
	Thresholds taxonomy.Thresholds                 `yaml:"thresholds"`
	Windows    map[models.DeviceType]time.Duration `yaml:"windows"`
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		// MQTT Configuration
		MQTTBroker:      getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "homesense-bridge"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		MQTTBaseTopic:   getEnv("MQTT_BASE_TOPIC", "zigbee2mqtt"),
		MQTTEventsTopic: getEnv("MQTT_EVENTS_TOPIC", "homesense/events"),

		TSDBBackend: getEnv("TSDB_BACKEND", BackendInflux),

		// InfluxDB Configuration
		InfluxURL:    getEnv("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "home"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "homesense"),

		// ClickHouse Configuration
		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "homesense"),
		ClickHouseUser: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass: getEnv("CLICKHOUSE_PASS", ""),

		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		EventBufferSize:  getEnvInt("EVENT_BUFFER_SIZE", 500),
		HealthInterval:   getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
		HistoryLoadLimit: getEnvInt("HISTORY_LOAD_LIMIT", 500),

		Logging: logger.Config{
			Level:  getEnv("LOG_LEVEL", "info"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
			Debug:  getEnvBool("DEBUG", false),
		},

		ThresholdsFile: getEnv("THRESHOLDS_FILE", ""),
		Thresholds:     taxonomy.DefaultThresholds(),
	}

	if cfg.ThresholdsFile != "" {
		rules, err := LoadRules(cfg.ThresholdsFile)
		if err != nil {
			return nil, err
		}
		cfg.applyRules(rules)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRules reads a YAML thresholds file
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read thresholds file: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds file %s: %w", path, err)
	}
	return &rules, nil
}

// applyRules overlays non-zero values from the file on the defaults
func (c *Config) applyRules(rules *Rules) {
	t := rules.Thresholds
	if t.CriticalBattery != 0 {
		c.Thresholds.CriticalBattery = t.CriticalBattery
	}
	if t.LowBattery != 0 {
		c.Thresholds.LowBattery = t.LowBattery
	}
	if t.CO2Warning != 0 {
		c.Thresholds.CO2Warning = t.CO2Warning
	}
	if t.CO2Critical != 0 {
		c.Thresholds.CO2Critical = t.CO2Critical
	}
	if t.TemperatureJump != 0 {
		c.Thresholds.TemperatureJump = t.TemperatureJump
	}
	if t.TemperatureWindow != 0 {
		c.Thresholds.TemperatureWindow = t.TemperatureWindow
	}
	for prop, delta := range t.MinChange {
		if c.Thresholds.MinChange == nil {
			c.Thresholds.MinChange = make(map[string]float64)
		}
		c.Thresholds.MinChange[prop] = delta
	}
	if len(rules.Windows) > 0 {
		c.Windows = rules.Windows
	}
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	switch c.TSDBBackend {
	case BackendInflux, BackendClickHouse, BackendNone:
	default:
		return fmt.Errorf("invalid TSDB_BACKEND %q: want %s, %s or %s",
			c.TSDBBackend, BackendInflux, BackendClickHouse, BackendNone)
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("EVENT_BUFFER_SIZE must be positive, got %d", c.EventBufferSize)
	}
	if c.Thresholds.LowBattery < c.Thresholds.CriticalBattery {
		return fmt.Errorf("low battery threshold %.0f is below critical %.0f",
			c.Thresholds.LowBattery, c.Thresholds.CriticalBattery)
	}
	if c.Thresholds.CO2Critical < c.Thresholds.CO2Warning {
		return fmt.Errorf("co2 critical threshold %.0f is below warning %.0f",
			c.Thresholds.CO2Critical, c.Thresholds.CO2Warning)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return d
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as bool, using default: %v", key, err)
		return defaultValue
	}
	return boolValue
}
