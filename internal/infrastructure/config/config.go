package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Souliss bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Trace     TraceConfig     `yaml:"trace"`
	Souliss   SoulissConfig   `yaml:"souliss"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention bounds how long slot state history is kept.
	// Zero keeps history forever.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP status API settings.
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TraceConfig controls the datagram trace file.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SoulissConfig contains the Souliss bridge settings.
type SoulissConfig struct {
	// BridgeID identifies the bridge in health messages.
	BridgeID string `yaml:"bridge_id"`

	// GatewayPort is the vNet port of every gateway unless overridden.
	// Default: 230
	GatewayPort int `yaml:"gateway_port"`

	// NodeIndex and UserIndex identify the bridge as a vNet user node.
	// They apply to every gateway that does not set its own.
	NodeIndex int `yaml:"node_index"`
	UserIndex int `yaml:"user_index"`

	// HealthInterval is how often bridge health is published.
	// Default: 30s
	HealthInterval time.Duration `yaml:"health_interval"`

	Discovery SoulissDiscoveryConfig `yaml:"discovery"`
	Gateways  []SoulissGatewayConfig `yaml:"gateways"`
}

// SoulissDiscoveryConfig controls gateway discovery broadcasts.
type SoulissDiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`

	// OnStart runs one discovery broadcast when the bridge starts.
	OnStart bool `yaml:"on_start"`

	LocalPort int           `yaml:"local_port"`
	Timeout   time.Duration `yaml:"timeout"`

	// Targets overrides the broadcast addresses.
	Targets []string `yaml:"targets,omitempty"`
}

// SoulissGatewayConfig describes one gateway connection.
// Zero durations take the bridge package defaults.
type SoulissGatewayConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	// LocalPort is the UDP port bound for this gateway. 0 is ephemeral.
	LocalPort int `yaml:"local_port"`

	NodeIndex *int `yaml:"node_index,omitempty"`
	UserIndex *int `yaml:"user_index,omitempty"`

	// Nodes fixes the node count; 0 learns it from the gateway.
	Nodes             int `yaml:"nodes"`
	MaxTypicalPerNode int `yaml:"max_typical_per_node"`

	SendInterval         time.Duration `yaml:"send_interval"`
	SendMinDelay         time.Duration `yaml:"send_min_delay"`
	TimeoutToRequeue     time.Duration `yaml:"timeout_to_requeue"`
	TimeoutToRemove      time.Duration `yaml:"timeout_to_remove"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	SubscriptionInterval time.Duration `yaml:"subscription_interval"`
	HealthInterval       time.Duration `yaml:"health_interval"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
}

// Souliss defaults.
const (
	DefaultGatewayPort = 230
	DefaultNodeIndex   = 120
	DefaultUserIndex   = 70
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_SOULISS_GATEWAY
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

// Default returns the built-in configuration with environment overrides
// applied. Used when no config file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Enabled:          true,
			Path:             "./data/souliss.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 7 * 24 * time.Hour,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-souliss",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8230,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Trace: TraceConfig{
			Path: "./data/souliss-trace.cbor",
		},
		Souliss: SoulissConfig{
			BridgeID:       "souliss",
			GatewayPort:    DefaultGatewayPort,
			NodeIndex:      DefaultNodeIndex,
			UserIndex:      DefaultUserIndex,
			HealthInterval: 30 * time.Second,
			Discovery: SoulissDiscoveryConfig{
				Enabled: true,
				Timeout: 3 * time.Second,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Souliss - a single gateway can be given entirely from the environment
	// as GRAYLOGIC_SOULISS_GATEWAY=address[:port]
	if v := os.Getenv("GRAYLOGIC_SOULISS_GATEWAY"); v != "" && len(cfg.Souliss.Gateways) == 0 {
		gw := SoulissGatewayConfig{ID: "gateway", Address: v}
		if host, port, err := net.SplitHostPort(v); err == nil {
			if p, err := strconv.Atoi(port); err == nil {
				gw.Address, gw.Port = host, p
			}
		}
		cfg.Souliss.Gateways = append(cfg.Souliss.Gateways, gw)
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetention < 0 {
		errs = append(errs, "database.history_retention must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when enabled")
	}

	if c.Trace.Enabled && c.Trace.Path == "" {
		errs = append(errs, "trace.path is required when enabled")
	}

	errs = append(errs, c.Souliss.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (s *SoulissConfig) validate() []string {
	var errs []string

	if !validByte(s.NodeIndex) || !validByte(s.UserIndex) {
		errs = append(errs, "souliss.node_index and souliss.user_index must be 0-255")
	}
	if s.GatewayPort < 1 || s.GatewayPort > 65535 {
		errs = append(errs, "souliss.gateway_port must be between 1 and 65535")
	}
	for _, t := range s.Discovery.Targets {
		if ip := net.ParseIP(t); ip == nil || ip.To4() == nil {
			errs = append(errs, fmt.Sprintf("souliss.discovery.targets: %q is not an IPv4 address", t))
		}
	}

	seen := make(map[string]bool)
	for i, gw := range s.Gateways {
		prefix := fmt.Sprintf("souliss.gateways[%d]", i)
		switch {
		case gw.ID == "":
			errs = append(errs, prefix+".id is required")
		case seen[gw.ID]:
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, gw.ID))
		}
		seen[gw.ID] = true

		if ip := net.ParseIP(gw.Address); ip == nil || ip.To4() == nil {
			errs = append(errs, prefix+".address must be an IPv4 address")
		}
		if gw.Port < 0 || gw.Port > 65535 || gw.LocalPort < 0 || gw.LocalPort > 65535 {
			errs = append(errs, prefix+" ports must be between 0 and 65535")
		}
		if (gw.NodeIndex != nil && !validByte(*gw.NodeIndex)) || (gw.UserIndex != nil && !validByte(*gw.UserIndex)) {
			errs = append(errs, prefix+" node_index and user_index must be 0-255")
		}
		if gw.Nodes < 0 || gw.Nodes > 255 {
			errs = append(errs, prefix+".nodes must be 0-255")
		}
		if gw.TimeoutToRemove > 0 && gw.TimeoutToRequeue > gw.TimeoutToRemove {
			errs = append(errs, prefix+".timeout_to_requeue must not exceed timeout_to_remove")
		}
	}
	return errs
}

func validByte(v int) bool { return v >= 0 && v <= 0xff }

// GatewayPortFor returns the vNet port of gw, falling back to the
// section default.
func (s *SoulissConfig) GatewayPortFor(gw SoulissGatewayConfig) int {
	if gw.Port > 0 {
		return gw.Port
	}
	return s.GatewayPort
}

// IndexesFor returns the node and user index used toward gw.
func (s *SoulissConfig) IndexesFor(gw SoulissGatewayConfig) (nodeIndex, userIndex byte) {
	n, u := s.NodeIndex, s.UserIndex
	if gw.NodeIndex != nil {
		n = *gw.NodeIndex
	}
	if gw.UserIndex != nil {
		u = *gw.UserIndex
	}
	return byte(n), byte(u)
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
