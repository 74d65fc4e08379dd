// Package config loads the edge agent's configuration from environment
// variables (with an optional .env file) and CLI overrides, grounded on the
// teacher's internal/config package: same env+godotenv+CLI-override
// layering, generalized from the radio-ingest domain to spec.md §6's
// recognized options.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every recognized option (spec.md §6 Configuration).
type Config struct {
	PersistencyPath                   string        `env:"PERSISTENCY_PATH" envDefault:"./state"`
	PersistencyUploadRetryIntervalMs  int64         `env:"PERSISTENCY_UPLOAD_RETRY_INTERVAL_MS" envDefault:"30000"`
	CheckinIntervalMs                 int64         `env:"CHECKIN_INTERVAL_MS" envDefault:"60000"`
	CheckinStartBackoffMs              int64         `env:"CHECKIN_START_BACKOFF_MS" envDefault:"1000"`
	CheckinMaxBackoffMs                int64         `env:"CHECKIN_MAX_BACKOFF_MS" envDefault:"60000"`
	MaxSendSizeBytes                  int           `env:"MAX_SEND_SIZE_BYTES" envDefault:"131072"`
	MaxSDKHeapBytes                   int64         `env:"MAX_SDK_HEAP_BYTES" envDefault:"10485760"`
	InspectionMaxTickMs               int64         `env:"INSPECTION_MAX_TICK_MS" envDefault:"1000"`
	PayloadStoreQuotaBytes            int64         `env:"PAYLOAD_STORE_QUOTA_BYTES" envDefault:"104857600"`
	LogLevel                          string        `env:"LOG_LEVEL" envDefault:"info"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL,required"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"edge-agent"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`
	MQTTTopicTelemetry string `env:"MQTT_TOPIC_TELEMETRY" envDefault:"vehicles/+/telemetry"`
	MQTTTopicCommands  string `env:"MQTT_TOPIC_COMMANDS" envDefault:"vehicles/+/commands"`
	MQTTTopicCampaigns string `env:"MQTT_TOPIC_CAMPAIGNS" envDefault:"vehicles/+/campaigns"`
	MQTTTopicManifest  string `env:"MQTT_TOPIC_MANIFEST" envDefault:"vehicles/+/manifest"`

	DistributorQueueSize int           `env:"DISTRIBUTOR_QUEUE_SIZE" envDefault:"1024"`
	SenderQueueSize      int           `env:"SENDER_QUEUE_SIZE" envDefault:"256"`
	SenderBackpressure   time.Duration `env:"SENDER_BACKPRESSURE_TIMEOUT" envDefault:"2s"`

	DiagnosticsAddr string `env:"DIAGNOSTICS_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuditDBURL string `env:"AUDITDB_URL"` // empty disables the optional audit trail

	SimulatorEnabled  bool   `env:"SIMULATOR_ENABLED" envDefault:"false"`
	SimulatorMQTTAddr string `env:"SIMULATOR_MQTT_ADDR" envDefault:":1883"`
}

// Validate enforces the invariants Load cannot express via struct tags
// alone.
func (c *Config) Validate() error {
	if c.MQTTBrokerURL == "" {
		return fmt.Errorf("MQTT_BROKER_URL must be set")
	}
	if c.InspectionMaxTickMs <= 0 {
		return fmt.Errorf("INSPECTION_MAX_TICK_MS must be positive")
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile         string
	DiagnosticsAddr string
	LogLevel        string
	MQTTBrokerURL   string
	PersistencyPath string
}

// Load reads configuration from a .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.DiagnosticsAddr != "" {
		cfg.DiagnosticsAddr = overrides.DiagnosticsAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.PersistencyPath != "" {
		cfg.PersistencyPath = overrides.PersistencyPath
	}

	return cfg, nil
}
