package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	AdminAPIKey string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Stations    StationsConfig
	Billing     BillingConfig
	Timestamps  TimestampConfig
	Anomaly     AnomalyConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// RabbitMQConfig holds RabbitMQ connection, queue and event settings
type RabbitMQConfig struct {
	URL               string
	IngestExchange    string
	IngestQueue       string
	DLQQueue          string
	PrefetchCount     int
	EventsExchange    string
	SessionRoutingKey string
	AlarmRoutingKey   string
}

// StationsConfig lists the monitored stations and their ports
type StationsConfig struct {
	IDs   []string
	Ports []string
}

// BillingConfig holds the fallbacks used until the settings record arrives
type BillingConfig struct {
	DefaultPriceVndPerKwh float64
	DefaultTempThresholdC float64
}

// TimestampConfig bounds which raw timestamps are trusted as wall-clock
type TimestampConfig struct {
	ToleranceMinutes int
	MinEpoch         time.Time
	DisplayTimezone  string
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "ev-station-sync"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8081),
		AdminAPIKey: getEnv("ADMIN_API_KEY", ""),
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvAsInt("DATABASE_MAX_CONNS", 5),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			IngestExchange:    getEnv("RABBITMQ_INGEST_EXCHANGE", "ev-station.ingest.exchange"),
			IngestQueue:       getEnv("RABBITMQ_INGEST_QUEUE", "ev-station.ingest.queue"),
			DLQQueue:          getEnv("RABBITMQ_DLQ_QUEUE", "ev-station.ingest.dlq"),
			PrefetchCount:     getEnvAsInt("RABBITMQ_PREFETCH", 10),
			EventsExchange:    getEnv("RABBITMQ_EVENTS_EXCHANGE", "ev-station.events.exchange"),
			SessionRoutingKey: getEnv("RABBITMQ_SESSION_ROUTING_KEY", "session.completed"),
			AlarmRoutingKey:   getEnv("RABBITMQ_ALARM_ROUTING_KEY", "station.alarm"),
		},
		Stations: StationsConfig{
			IDs:   getEnvAsList("STATION_IDS", []string{"1", "2"}),
			Ports: getEnvAsList("STATION_PORTS", []string{"A", "B"}),
		},
		Billing: BillingConfig{
			DefaultPriceVndPerKwh: getEnvAsFloat("DEFAULT_PRICE_VND_PER_KWH", 4500),
			DefaultTempThresholdC: getEnvAsFloat("DEFAULT_TEMP_THRESHOLD_C", 40),
		},
		Timestamps: TimestampConfig{
			ToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 10080),
			MinEpoch:         getEnvAsTime("TIMESTAMP_MIN_EPOCH", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)),
			DisplayTimezone:  getEnv("DISPLAY_TIMEZONE", "Asia/Ho_Chi_Minh"),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if len(cfg.Stations.IDs) == 0 || len(cfg.Stations.Ports) == 0 {
		return nil, fmt.Errorf("STATION_IDS and STATION_PORTS must list at least one entry")
	}

	return cfg, nil
}

// Location returns the display timezone, falling back to UTC when unknown
func (c TimestampConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsTime(key string, defaultValue time.Time) time.Time {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.Parse(time.RFC3339, valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
