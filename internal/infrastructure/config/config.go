package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Registry duplicate-name policies for renames.
const (
	DuplicatePolicyReject      = "reject"
	DuplicatePolicyAllowShadow = "allow_shadow"
)

// Mesh address parsing policies.
const (
	AddressPolicyZeroSentinel = "zero_sentinel"
	AddressPolicyStrict       = "strict"
)

// Config is the root configuration structure for the lamp bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	HTTP     HTTPConfig     `yaml:"http"`
	Registry RegistryConfig `yaml:"registry"`
	Mesh     MeshConfig     `yaml:"mesh"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// NodeConfig identifies this bridge instance.
type NodeConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// DeviceUUID is announced to the mesh gateway during the handshake.
	// When empty, one is generated on first start and kept in the database.
	DeviceUUID string `yaml:"device_uuid"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	Discovery DiscoveryConfig     `yaml:"discovery"`

	// AvailabilityTopic carries the bridge's own online/offline status
	// (retained, also used as the last will).
	AvailabilityTopic string `yaml:"availability_topic"`
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

// String redacts the password so the struct is safe to log.
func (a MQTTAuthConfig) String() string {
	if a.Password == "" {
		return fmt.Sprintf("{username:%s}", a.Username)
	}
	return fmt.Sprintf("{username:%s password:[REDACTED]}", a.Username)
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// DiscoveryConfig controls the Home Assistant discovery descriptors.
type DiscoveryConfig struct {
	Prefix          string `yaml:"prefix"`
	BrightnessScale int    `yaml:"brightness_scale"`
	Manufacturer    string `yaml:"manufacturer"`
	Model           string `yaml:"model"`
}

// HTTPConfig contains the configuration UI server settings.
type HTTPConfig struct {
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	Timeouts  HTTPTimeoutConfig `yaml:"timeouts"`
	WebSocket WebSocketConfig   `yaml:"websocket"`
}

// HTTPTimeoutConfig contains HTTP timeout settings in seconds.
type HTTPTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains live state push settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// RegistryConfig contains lamp registry settings.
type RegistryConfig struct {
	Capacity        int    `yaml:"capacity"`
	DuplicatePolicy string `yaml:"duplicate_policy"`
}

// MeshConfig contains mesh gateway and send settings.
type MeshConfig struct {
	Gateway       MeshGatewayConfig `yaml:"gateway"`
	TTL           int               `yaml:"ttl"`
	AddressPolicy string            `yaml:"address_policy"`
}

// MeshGatewayConfig describes how to reach (and optionally run) the mesh gateway daemon.
type MeshGatewayConfig struct {
	// Connection is "unix:///run/meshd.sock" or "tcp://host:port".
	Connection        string `yaml:"connection"`
	ConnectTimeout    int    `yaml:"connect_timeout"`
	ReadTimeout       int    `yaml:"read_timeout"`
	ReconnectInterval int    `yaml:"reconnect_interval"`

	// Managed starts the gateway binary as a supervised child process.
	Managed             bool     `yaml:"managed"`
	Binary              string   `yaml:"binary"`
	Args                []string `yaml:"args"`
	RestartOnFailure    bool     `yaml:"restart_on_failure"`
	RestartDelaySeconds int      `yaml:"restart_delay_seconds"`
	MaxRestartAttempts  int      `yaml:"max_restart_attempts"`
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

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
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
// Environment variables follow the pattern: LAMPBRIDGE_SECTION_KEY
// For example: LAMPBRIDGE_DATABASE_PATH, LAMPBRIDGE_MQTT_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:   "lampbridge-01",
			Name: "Mesh Lamp Bridge",
		},
		Database: DatabaseConfig{
			Path:        "./data/lampbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "lampbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			Discovery: DiscoveryConfig{
				Prefix:          "homeassistant",
				BrightnessScale: 50,
				Manufacturer:    "Espressif",
				Model:           "BLE Mesh Lamp",
			},
			AvailabilityTopic: "lampbridge/status",
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: HTTPTimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				Path:           "/ws",
				MaxMessageSize: 4096,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Registry: RegistryConfig{
			Capacity:        20,
			DuplicatePolicy: DuplicatePolicyReject,
		},
		Mesh: MeshConfig{
			Gateway: MeshGatewayConfig{
				Connection:          "unix:///run/meshd.sock",
				ConnectTimeout:      10,
				ReadTimeout:         30,
				ReconnectInterval:   5,
				Binary:              "/usr/bin/meshd",
				RestartOnFailure:    true,
				RestartDelaySeconds: 5,
				MaxRestartAttempts:  10,
			},
			TTL:           7,
			AddressPolicy: AddressPolicyZeroSentinel,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LAMPBRIDGE_NODE_DEVICE_UUID"); v != "" {
		cfg.Node.DeviceUUID = v
	}

	if v := os.Getenv("LAMPBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("LAMPBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LAMPBRIDGE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("LAMPBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LAMPBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("LAMPBRIDGE_HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("LAMPBRIDGE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = port
		}
	}

	if v := os.Getenv("LAMPBRIDGE_MESH_GATEWAY"); v != "" {
		cfg.Mesh.Gateway.Connection = v
	}

	if v := os.Getenv("LAMPBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Node.ID == "" {
		errs = append(errs, "node.id is required")
	}
	if c.Node.DeviceUUID != "" {
		if _, err := uuid.Parse(c.Node.DeviceUUID); err != nil {
			errs = append(errs, "node.device_uuid must be a UUID")
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Discovery.Prefix == "" || strings.ContainsAny(c.MQTT.Discovery.Prefix, "+#") {
		errs = append(errs, "mqtt.discovery.prefix must be a non-empty topic without wildcards")
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, "http.port must be between 1 and 65535")
	}

	if c.Registry.Capacity < 1 {
		errs = append(errs, "registry.capacity must be at least 1")
	}
	switch c.Registry.DuplicatePolicy {
	case DuplicatePolicyReject, DuplicatePolicyAllowShadow:
	default:
		errs = append(errs, fmt.Sprintf("registry.duplicate_policy must be %q or %q",
			DuplicatePolicyReject, DuplicatePolicyAllowShadow))
	}

	if c.Mesh.Gateway.Connection == "" {
		errs = append(errs, "mesh.gateway.connection is required")
	}
	if c.Mesh.TTL < 0 || c.Mesh.TTL > 127 {
		errs = append(errs, "mesh.ttl must be between 0 and 127")
	}
	switch c.Mesh.AddressPolicy {
	case AddressPolicyZeroSentinel, AddressPolicyStrict:
	default:
		errs = append(errs, fmt.Sprintf("mesh.address_policy must be %q or %q",
			AddressPolicyZeroSentinel, AddressPolicyStrict))
	}
	if c.Mesh.Gateway.Managed && c.Mesh.Gateway.Binary == "" {
		errs = append(errs, "mesh.gateway.binary is required when the gateway is managed")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the HTTP read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.HTTP.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the HTTP write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.HTTP.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the HTTP idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.HTTP.Timeouts.Idle) * time.Second
}
