package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Limits enforced by the wire protocol and the connection layer.
const (
	maxStringLen     = 255
	maxClientsLimit  = 255
	minPoolBytes     = 64 << 10
	recommendedTicks = 30
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateServerData(&cfg.Server, result)
	validateClientData(&cfg.Client, result)
	validateApplicationData(&cfg.Application, &cfg.Server, result)

	return result
}

func validateServerData(data *ServerData, result *ValidationResult) {
	if net.ParseIP(data.Address) == nil && data.Address != "localhost" {
		result.AddError("server.svr_address", fmt.Sprintf("not an IP address: %q", data.Address))
	}
	validatePort(data.Port, "server.svr_port", result)

	if data.MaxClients < 1 {
		result.AddError("server.svr_max_clients", "must allow at least 1 client")
	}
	if data.MaxClients > maxClientsLimit {
		result.AddError("server.svr_max_clients",
			fmt.Sprintf("at most %d clients are supported", maxClientsLimit))
	}

	validateString(data.MapName, "server.svr_map_name", result)

	if data.TickRate < 1 {
		result.AddError("server.svr_tick_rate", "tick rate must be positive")
	} else if data.TickRate < recommendedTicks {
		result.AddWarning("server.svr_tick_rate",
			fmt.Sprintf("tick rate below %d Hz makes inbound handling sluggish", recommendedTicks))
	}

	if data.MovementUpdateTickRate < 1 {
		result.AddError("server.svr_movement_update_rate", "movement update rate must be positive")
	} else if data.MovementUpdateTickRate > data.TickRate {
		result.AddWarning("server.svr_movement_update_rate",
			"movement updates faster than the tick rate are capped by the tick")
	}

	if data.RoundTime < 0 {
		result.AddError("server.svr_round_time_sec", "round time cannot be negative")
	} else if data.RoundTime == 0 {
		result.AddWarning("server.svr_round_time_sec", "round timer disabled")
	}

	if data.RopeCooldown < 0 {
		result.AddError("server.svr_rope_cooldown_sec", "rope cooldown cannot be negative")
	}

	if len(data.SpawnPoints) == 0 {
		result.AddWarning("server.svr_spawn_points", "no spawn points, players spawn at the origin")
	}

	if data.PoolMaxBytes < minPoolBytes {
		result.AddError("server.svr_pool_max_bytes",
			fmt.Sprintf("buffer pool must allow at least %d bytes", minPoolBytes))
	}

	if data.JoinTimeoutMS < 100 {
		result.AddWarning("server.svr_join_timeout_ms", "join timeout under 100ms abandons workers eagerly")
	}

	if data.DiscoveryEnabled {
		validatePort(data.DiscoveryPort, "server.svr_discovery_port", result)
	}
}

func validateClientData(data *ClientData, result *ValidationResult) {
	if strings.TrimSpace(data.ServerAddress) == "" {
		result.AddError("client.cl_server_address", "server address is required")
	}
	validatePort(data.ServerPort, "client.cl_server_port", result)
	validateString(data.Nickname, "client.cl_nickname", result)
	validateString(data.MapName, "client.cl_map_name", result)

	if data.ConnectRetryMS < 1 {
		result.AddError("client.cl_connect_retry_ms", "connect retry interval must be positive")
	}
	if data.PoolMaxBytes < minPoolBytes {
		result.AddError("client.cl_pool_max_bytes",
			fmt.Sprintf("buffer pool must allow at least %d bytes", minPoolBytes))
	}
}

func validateApplicationData(data *ApplicationData, server *ServerData, result *ValidationResult) {
	if data.API.Enabled {
		validatePort(data.API.Port, "application.api.port", result)
		if data.API.Port == server.Port {
			result.AddError("application.api.port", "port conflict with the game port")
		}
		if data.API.TLSEnabled {
			if strings.TrimSpace(data.API.TLSCertFile) == "" {
				result.AddError("application.api.tls_cert_file",
					"TLS certificate file is required when TLS is enabled")
			}
			if strings.TrimSpace(data.API.TLSKeyFile) == "" {
				result.AddError("application.api.tls_key_file",
					"TLS key file is required when TLS is enabled")
			}
		}
		if data.API.AuthToken == "" {
			result.AddWarning("application.api.auth_token", "control routes are unauthenticated")
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application.mqtt.port", "invalid MQTT port")
		}
		if data.MQTT.StatusIntervalSec < 1 {
			result.AddWarning("application.mqtt.status_interval_sec", "status heartbeat disabled")
		}
	}

	if data.Database.Enabled && strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application.database.path", "database path is required when enabled")
	}
	if data.Database.RetentionDays < 0 {
		result.AddError("application.database.retention_days", "retention must not be negative")
	}

	m := data.Maintenance
	if _, _, err := ParseClock(m.CleanupTime); err != nil {
		result.AddError("application.maintenance.cleanup_time", err.Error())
	}
	if m.HealthIntervalSec < 1 {
		result.AddWarning("application.maintenance.health_interval_sec", "health checks are disabled")
	}
	if m.DiskWarnPercent <= 0 || m.DiskWarnPercent > 100 {
		result.AddError("application.maintenance.disk_warn_percent",
			fmt.Sprintf("must be within (0, 100], got %.1f", m.DiskWarnPercent))
	}
	if m.PoolWarnPercent <= 0 || m.PoolWarnPercent > 100 {
		result.AddError("application.maintenance.pool_warn_percent",
			fmt.Sprintf("must be within (0, 100], got %.1f", m.PoolWarnPercent))
	}
}

// ParseClock parses a local "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

func validateString(s, field string, result *ValidationResult) {
	if strings.TrimSpace(s) == "" {
		result.AddError(field, "must not be empty")
		return
	}
	if len(s) > maxStringLen {
		result.AddError(field, fmt.Sprintf("must fit in %d bytes (got %d)", maxStringLen, len(s)))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
