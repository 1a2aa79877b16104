package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Web      WebConfig      `yaml:"web"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
	Enforcer EnforcerConfig `yaml:"enforcer"`
	Pulse    PulseConfig    `yaml:"pulse"`
	Registry RegistryConfig `yaml:"registry"`
	License  LicenseConfig  `yaml:"license"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WebConfig represents dashboard static file serving configuration
type WebConfig struct {
	StaticDir string `yaml:"static_dir"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents the external MQTT integration configuration
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig represents session engine configuration
type EngineConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	SnapshotEvery time.Duration `yaml:"snapshot_every"`
	QueueSize     int           `yaml:"queue_size"`
}

// EnforcerConfig represents bandwidth enforcement configuration
type EnforcerConfig struct {
	LANInterface string `yaml:"lan_interface"`
	Disabled     bool   `yaml:"disabled"`
}

// PulseConfig represents the coin pulse bridge configuration
type PulseConfig struct {
	UDPBind      string        `yaml:"udp_bind"`
	CoinPin      int           `yaml:"coin_pin"`
	Denomination int64         `yaml:"denomination"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
}

// RegistryConfig represents sub-vendo device registry configuration
type RegistryConfig struct {
	CallTimeout  time.Duration `yaml:"call_timeout"`
	OfflineAfter time.Duration `yaml:"offline_after"`
}

// LicenseConfig represents license gate configuration
type LicenseConfig struct {
	TrialDays int `yaml:"trial_days"`
}

// Load loads configuration for the control-plane server, which requires the
// database and JWT auth.
func Load(filename string) (*Config, error) {
	cfg, err := load(filename)
	if err != nil {
		return nil, err
	}

	if err := cfg.validateServer(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadBridge loads configuration for the pulse bridge, which talks only to
// NATS and the pulse hardware
func LoadBridge(filename string) (*Config, error) {
	return load(filename)
}

func load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()

	cfg.setDefaults()

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if iface := os.Getenv("LAN_INTERFACE"); iface != "" {
		c.Enforcer.LANInterface = iface
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "vendo-server"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Engine.TickInterval == 0 {
		c.Engine.TickInterval = time.Second
	}
	if c.Engine.SnapshotEvery == 0 {
		c.Engine.SnapshotEvery = 30 * time.Second
	}
	if c.Engine.QueueSize == 0 {
		c.Engine.QueueSize = 256
	}
	if c.Enforcer.LANInterface == "" {
		c.Enforcer.LANInterface = "br-lan"
	}
	if c.Pulse.UDPBind == "" {
		c.Pulse.UDPBind = "0.0.0.0:1700"
	}
	if c.Pulse.CoinPin == 0 {
		c.Pulse.CoinPin = 2
	}
	if c.Pulse.Denomination == 0 {
		c.Pulse.Denomination = 1
	}
	if c.Pulse.AckTimeout == 0 {
		c.Pulse.AckTimeout = 2 * time.Second
	}
	if c.Registry.CallTimeout == 0 {
		c.Registry.CallTimeout = 5 * time.Second
	}
	if c.Registry.OfflineAfter == 0 {
		c.Registry.OfflineAfter = 2 * time.Minute
	}
	if c.License.TrialDays == 0 {
		c.License.TrialDays = 30
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "vendo"
	}
}

func (c *Config) validateServer() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	return nil
}
