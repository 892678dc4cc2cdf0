package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for roasterd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Roaster   RoasterConfig   `yaml:"roaster"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	RoastLog  RoastLogConfig  `yaml:"roast_log"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RoasterConfig contains the serial link and polling settings for the
// roaster controller.
type RoasterConfig struct {
	// ID identifies this roaster in MQTT topics and health messages.
	ID string `yaml:"id"`

	Serial SerialConfig `yaml:"serial"`

	// PollInterval is the status-request period in milliseconds.
	PollInterval int `yaml:"poll_interval_ms"`

	// DrainInterval is the queue-drain period in milliseconds.
	DrainInterval int `yaml:"drain_interval_ms"`

	// ReconnectInterval is the delay between serial reconnect attempts in
	// seconds. Zero disables reconnection.
	ReconnectInterval int `yaml:"reconnect_interval"`

	// HealthInterval is the MQTT health publish period in seconds.
	HealthInterval int `yaml:"health_interval"`

	// TopicPrefix is the root of all MQTT topics published by the bridge.
	TopicPrefix string `yaml:"topic_prefix"`
}

// SerialConfig contains the serial port parameters.
// The controller firmware expects 9600 8N1; the values are kept configurable
// for bench adapters only.
type SerialConfig struct {
	Port        string `yaml:"port"`
	BaudRate    int    `yaml:"baud_rate"`
	DataBits    int    `yaml:"data_bits"`
	StopBits    int    `yaml:"stop_bits"`
	Parity      string `yaml:"parity"`
	AssertRTS   bool   `yaml:"assert_rts"`
	ReadTimeout int    `yaml:"read_timeout_ms"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// RoastLogConfig contains roast timer and sampling settings.
type RoastLogConfig struct {
	// SampleInterval is the sampling period in milliseconds while the
	// roast timer runs.
	SampleInterval int `yaml:"sample_interval_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ROASTER_SECTION_KEY
// For example: ROASTER_SERIAL_PORT, ROASTER_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. Used by one-shot CLI commands that run without a config file.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Roaster: RoasterConfig{
			ID: "roaster-01",
			Serial: SerialConfig{
				Port:        "/dev/ttyACM0",
				BaudRate:    9600,
				DataBits:    8,
				StopBits:    1,
				Parity:      "none",
				AssertRTS:   true,
				ReadTimeout: 100,
			},
			PollInterval:      1000,
			DrainInterval:     250,
			ReconnectInterval: 5,
			HealthInterval:    30,
			TopicPrefix:       "roaster",
		},
		Database: DatabaseConfig{
			Path:        "./data/roaster.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "roasterd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		RoastLog: RoastLogConfig{
			SampleInterval: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ROASTER_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Serial link
	if v := os.Getenv("ROASTER_SERIAL_PORT"); v != "" {
		cfg.Roaster.Serial.Port = v
	}
	if v := os.Getenv("ROASTER_SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Roaster.Serial.BaudRate = n
		}
	}

	// Database
	if v := os.Getenv("ROASTER_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("ROASTER_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("ROASTER_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ROASTER_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("ROASTER_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("ROASTER_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = n
		}
	}

	// InfluxDB
	if v := os.Getenv("ROASTER_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("ROASTER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Roaster validation
	if c.Roaster.ID == "" {
		errs = append(errs, "roaster.id is required")
	}
	if c.Roaster.Serial.Port == "" {
		errs = append(errs, "roaster.serial.port is required")
	}
	if c.Roaster.Serial.BaudRate <= 0 {
		errs = append(errs, "roaster.serial.baud_rate must be positive")
	}
	if c.Roaster.Serial.DataBits < 5 || c.Roaster.Serial.DataBits > 8 {
		errs = append(errs, "roaster.serial.data_bits must be between 5 and 8")
	}
	if c.Roaster.Serial.StopBits != 1 && c.Roaster.Serial.StopBits != 2 {
		errs = append(errs, "roaster.serial.stop_bits must be 1 or 2")
	}
	switch strings.ToLower(c.Roaster.Serial.Parity) {
	case "none", "odd", "even":
	default:
		errs = append(errs, "roaster.serial.parity must be none, odd, or even")
	}
	if c.Roaster.PollInterval <= 0 {
		errs = append(errs, "roaster.poll_interval_ms must be positive")
	}
	if c.Roaster.DrainInterval <= 0 {
		errs = append(errs, "roaster.drain_interval_ms must be positive")
	}
	if c.Roaster.ReconnectInterval < 0 {
		errs = append(errs, "roaster.reconnect_interval cannot be negative")
	}
	if c.Roaster.TopicPrefix == "" {
		errs = append(errs, "roaster.topic_prefix is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// Roast log validation
	if c.RoastLog.SampleInterval <= 0 {
		errs = append(errs, "roast_log.sample_interval_ms must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// PollPeriod returns the status-poll interval as a Duration.
func (r RoasterConfig) PollPeriod() time.Duration {
	return time.Duration(r.PollInterval) * time.Millisecond
}

// DrainPeriod returns the queue-drain interval as a Duration.
func (r RoasterConfig) DrainPeriod() time.Duration {
	return time.Duration(r.DrainInterval) * time.Millisecond
}

// ReconnectPeriod returns the serial reconnect delay as a Duration.
func (r RoasterConfig) ReconnectPeriod() time.Duration {
	return time.Duration(r.ReconnectInterval) * time.Second
}

// HealthPeriod returns the health publish interval as a Duration.
func (r RoasterConfig) HealthPeriod() time.Duration {
	return time.Duration(r.HealthInterval) * time.Second
}

// ReadTimeoutPeriod returns the serial read timeout as a Duration.
func (s SerialConfig) ReadTimeoutPeriod() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Millisecond
}

// SamplePeriod returns the roast-log sampling interval as a Duration.
func (r RoastLogConfig) SamplePeriod() time.Duration {
	return time.Duration(r.SampleInterval) * time.Millisecond
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
