// Package config handles configuration loading, validation, and persistence
// for the arena server and bot client.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Version is the arena release reported by the binaries and the API.
const Version = "1.0.0"

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "config.json"
	DefaultGamePort      = 4444
	DefaultDiscoveryPort = 4445
	DefaultAPIPort       = 5000
	DefaultMapName       = "arena_orbit"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Server      ServerData      `json:"server"`
	Client      ClientData      `json:"client"`
	Application ApplicationData `json:"application"`
}

// SpawnPoint is a location/facing pair players are (re)spawned at.
type SpawnPoint struct {
	X   float32 `json:"x"`
	Y   float32 `json:"y"`
	Z   float32 `json:"z"`
	Yaw float32 `json:"yaw"`
}

// ServerData configures the game server.
type ServerData struct {
	Name    string `json:"svr_name"`
	Address string `json:"svr_address"`
	Port    int    `json:"svr_port"`

	MaxClients int    `json:"svr_max_clients"`
	MapName    string `json:"svr_map_name"`

	// Rates in Hz.
	TickRate               int `json:"svr_tick_rate"`
	MovementUpdateTickRate int `json:"svr_movement_update_rate"`

	// RoundTime in seconds; 0 disables the round timer.
	RoundTime    int     `json:"svr_round_time_sec"`
	RopeCooldown float32 `json:"svr_rope_cooldown_sec"`

	SpawnPoints []SpawnPoint `json:"svr_spawn_points"`

	PoolMaxBytes  int `json:"svr_pool_max_bytes"`
	JoinTimeoutMS int `json:"svr_join_timeout_ms"`

	DiscoveryEnabled bool `json:"svr_discovery_enabled"`
	DiscoveryPort    int  `json:"svr_discovery_port"`
}

// TickInterval returns the duration of one simulation tick.
func (s ServerData) TickInterval() time.Duration {
	if s.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(s.TickRate)
}

// MovementInterval returns the period of the movement broadcast.
func (s ServerData) MovementInterval() time.Duration {
	if s.MovementUpdateTickRate <= 0 {
		return time.Second / 10
	}
	return time.Second / time.Duration(s.MovementUpdateTickRate)
}

// JoinTimeout returns the per-worker join timeout used during teardown.
func (s ServerData) JoinTimeout() time.Duration {
	return time.Duration(s.JoinTimeoutMS) * time.Millisecond
}

// RoundDuration returns RoundTime as a duration.
func (s ServerData) RoundDuration() time.Duration {
	return time.Duration(s.RoundTime) * time.Second
}

// ClientData configures the bot client.
type ClientData struct {
	ServerAddress  string `json:"cl_server_address"`
	ServerPort     int    `json:"cl_server_port"`
	Nickname       string `json:"cl_nickname"`
	MapName        string `json:"cl_map_name"`
	ConnectRetryMS int    `json:"cl_connect_retry_ms"`
	PoolMaxBytes   int    `json:"cl_pool_max_bytes"`
}

// ConnectRetry returns the delay between connect attempts.
func (c ClientData) ConnectRetry() time.Duration {
	return time.Duration(c.ConnectRetryMS) * time.Millisecond
}

// ApplicationData contains the process-level configuration.
type ApplicationData struct {
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database    DatabaseConfig    `json:"database"`
	Logging     LoggingConfig     `json:"logging"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// APIConfig holds the monitoring API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`

	// AuthToken, when set, is required as a bearer token on control routes.
	AuthToken string `json:"auth_token"`

	TLSEnabled  bool   `json:"tls_enabled"`
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled           bool   `json:"enabled"`
	BrokerURL         string `json:"broker_url"`
	Port              int    `json:"port"`
	UseTLS            bool   `json:"use_tls"`
	CertFile          string `json:"cert_file"`
	KeyFile           string `json:"key_file"`
	CAFile            string `json:"ca_file"`
	ClientID          string `json:"client_id"`
	TopicPrefix       string `json:"topic_prefix"`
	StatusIntervalSec int    `json:"status_interval_sec"`
}

// DatabaseConfig holds the match history store settings.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`

	// RetentionDays bounds how long sessions and rounds are kept; 0 keeps
	// everything.
	RetentionDays int `json:"retention_days"`
}

// MaintenanceConfig drives the housekeeping scheduler and health checks.
type MaintenanceConfig struct {
	// CleanupTime is the local "HH:MM" at which history is pruned daily.
	CleanupTime string `json:"cleanup_time"`

	HealthIntervalSec int     `json:"health_interval_sec"`
	DiskWarnPercent   float64 `json:"disk_warn_percent"`
	PoolWarnPercent   float64 `json:"pool_warn_percent"`
	OverrunWarnCount  int     `json:"overrun_warn_count"`
}

// HealthInterval returns the period between health check rounds.
func (m MaintenanceConfig) HealthInterval() time.Duration {
	return time.Duration(m.HealthIntervalSec) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerData{
			Name:                   "arena",
			Address:                "0.0.0.0",
			Port:                   DefaultGamePort,
			MaxClients:             8,
			MapName:                DefaultMapName,
			TickRate:               60,
			MovementUpdateTickRate: 10,
			RoundTime:              600,
			RopeCooldown:           2,
			SpawnPoints: []SpawnPoint{
				{X: 0, Y: 0, Z: 200, Yaw: 0},
				{X: 1500, Y: 0, Z: 200, Yaw: 180},
				{X: 0, Y: 1500, Z: 200, Yaw: 270},
				{X: -1500, Y: 0, Z: 200, Yaw: 0},
			},
			PoolMaxBytes:     8 << 20,
			JoinTimeoutMS:    10000,
			DiscoveryEnabled: true,
			DiscoveryPort:    DefaultDiscoveryPort,
		},
		Client: ClientData{
			ServerAddress:  "127.0.0.1",
			ServerPort:     DefaultGamePort,
			Nickname:       "player",
			MapName:        DefaultMapName,
			ConnectRetryMS: 1000,
			PoolMaxBytes:   1 << 20,
		},
		Application: ApplicationData{
			API: APIConfig{
				Enabled:        true,
				Port:           DefaultAPIPort,
				AllowedOrigins: []string{"http://localhost:3000"},
				RateLimitRPS:   100,
				TLSCertFile:    filepath.Join("config", "api_cert.pem"),
				TLSKeyFile:     filepath.Join("config", "api_key.pem"),
			},
			MQTT: MQTTConfig{
				Enabled:           false,
				BrokerURL:         "localhost",
				Port:              1883,
				TopicPrefix:       "arena",
				StatusIntervalSec: 30,
			},
			Database: DatabaseConfig{
				Enabled:       true,
				Path:          filepath.Join("data", "arena.db"),
				RetentionDays: 30,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
				Console:    true,
			},
			Maintenance: MaintenanceConfig{
				CleanupTime:       "04:00",
				HealthIntervalSec: 60,
				DiskWarnPercent:   90,
				PoolWarnPercent:   90,
				OverrunWarnCount:  30,
			},
		},
	}
}

// Load reads configuration from configDir, creating a default file on first
// run. Values on disk are overlaid on the defaults and the merged result is
// written back so new options show up in the file.
func Load(configDir string, logger zerolog.Logger) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)
	logger = logger.With().Str("component", "config").Logger()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	logger.Info().Str("path", configPath).Msg("configuration loaded")

	if saveErr := cfg.Save(); saveErr != nil {
		logger.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetServerData returns a copy of the server configuration.
func (c *Config) GetServerData() ServerData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.Server
	s.SpawnPoints = append([]SpawnPoint(nil), c.Server.SpawnPoints...)
	return s
}

// SetServerData replaces the server configuration.
func (c *Config) SetServerData(data ServerData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = data
}

// GetClientData returns a copy of the client configuration.
func (c *Config) GetClientData() ClientData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// SetClientData replaces the client configuration.
func (c *Config) SetClientData(data ClientData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Client = data
}

// GetApplicationData returns a copy of the application configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Application
}

// SetApplicationData replaces the application configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Application = data
}

// UpdateServerField sets one server field by its JSON key.
func (c *Config) UpdateServerField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateField(&c.Server, key, value)
}

// UpdateClientField sets one client field by its JSON key.
func (c *Config) UpdateClientField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateField(&c.Client, key, value)
}

// updateField round-trips target through a JSON map to set one key.
func updateField(target interface{}, key string, value interface{}) error {
	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to marshal section: %w", err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode section: %w", err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown field %q", key)
	}

	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}
