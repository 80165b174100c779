package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arena-project/arena/internal/config"
)

func TestLoad_CreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := config.Load(dir, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, config.DefaultConfigFile), cfg.Path())
	assert.FileExists(t, cfg.Path())
	assert.Equal(t, config.DefaultGamePort, cfg.GetServerData().Port)
	assert.Equal(t, 8, cfg.GetServerData().MaxClients)
}

func TestLoad_OverlaysOnDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := `{"server": {"svr_port": 5555, "svr_map_name": "dm_moon"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultConfigFile), []byte(partial), 0644))

	cfg, err := config.Load(dir, zerolog.Nop())
	require.NoError(t, err)

	server := cfg.GetServerData()
	assert.Equal(t, 5555, server.Port)
	assert.Equal(t, "dm_moon", server.MapName)
	assert.Equal(t, 60, server.TickRate, "missing keys keep defaults")

	// The merged file now lists every option.
	data, err := os.ReadFile(cfg.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "svr_movement_update_rate")
}

func TestLoad_BadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultConfigFile), []byte("{"), 0644))

	_, err := config.Load(dir, zerolog.Nop())
	assert.Error(t, err)
}

func TestUpdateServerField(t *testing.T) {
	cfg := config.DefaultConfig()

	require.NoError(t, cfg.UpdateServerField("svr_max_clients", 16))
	assert.Equal(t, 16, cfg.GetServerData().MaxClients)

	assert.Error(t, cfg.UpdateServerField("svr_nope", 1))
	assert.Error(t, cfg.UpdateServerField("svr_max_clients", "many"))

	require.NoError(t, cfg.UpdateClientField("cl_nickname", "zed"))
	assert.Equal(t, "zed", cfg.GetClientData().Nickname)
}

func TestIntervals(t *testing.T) {
	s := config.DefaultConfig().GetServerData()
	assert.Equal(t, time.Second/60, s.TickInterval())
	assert.Equal(t, 100*time.Millisecond, s.MovementInterval())
	assert.Equal(t, 10*time.Second, s.JoinTimeout())
	assert.Equal(t, 10*time.Minute, s.RoundDuration())
}

func TestParseClock(t *testing.T) {
	h, m, err := config.ParseClock("04:30")
	require.NoError(t, err)
	assert.Equal(t, 4, h)
	assert.Equal(t, 30, m)

	_, _, err = config.ParseClock("4am")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *config.Config)
		wantField string
	}{
		{"defaults are valid", func(*config.Config) {}, ""},
		{"bad port", func(c *config.Config) { c.Server.Port = 70000 }, "server.svr_port"},
		{"no clients", func(c *config.Config) { c.Server.MaxClients = 0 }, "server.svr_max_clients"},
		{"too many clients", func(c *config.Config) { c.Server.MaxClients = 300 }, "server.svr_max_clients"},
		{"empty map", func(c *config.Config) { c.Server.MapName = " " }, "server.svr_map_name"},
		{"long nickname", func(c *config.Config) { c.Client.Nickname = strings.Repeat("a", 256) }, "client.cl_nickname"},
		{"tiny pool", func(c *config.Config) { c.Server.PoolMaxBytes = 1024 }, "server.svr_pool_max_bytes"},
		{"api port clash", func(c *config.Config) { c.Application.API.Port = c.Server.Port }, "application.api.port"},
		{"mqtt without broker", func(c *config.Config) {
			c.Application.MQTT.Enabled = true
			c.Application.MQTT.BrokerURL = ""
		}, "application.mqtt.broker_url"},
		{"bad address", func(c *config.Config) { c.Server.Address = "not-an-ip" }, "server.svr_address"},
		{"bad cleanup time", func(c *config.Config) { c.Application.Maintenance.CleanupTime = "25:00" }, "application.maintenance.cleanup_time"},
		{"negative retention", func(c *config.Config) { c.Application.Database.RetentionDays = -1 }, "application.database.retention_days"},
		{"disk threshold", func(c *config.Config) { c.Application.Maintenance.DiskWarnPercent = 120 }, "application.maintenance.disk_warn_percent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			result := config.Validate(cfg)

			if tt.wantField == "" {
				assert.True(t, result.IsValid(), "errors: %v", result.Errors)
				return
			}
			require.False(t, result.IsValid())
			var fields []string
			for _, e := range result.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.wantField)
		})
	}
}

func TestRunSetupWizard(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), config.DefaultConfigFile))

	answers := strings.Join([]string{
		"my arena", // name
		"",         // address
		"6000",     // port
		"4",        // max clients
		"dm_moon",  // map
		"",         // round time
		"",         // api enabled
		"",         // api port
		"no",       // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, config.RunSetupWizard(cfg, strings.NewReader(answers), &out, zerolog.Nop()))

	server := cfg.GetServerData()
	assert.Equal(t, "my arena", server.Name)
	assert.Equal(t, 6000, server.Port)
	assert.Equal(t, 4, server.MaxClients)
	assert.Equal(t, "dm_moon", server.MapName)
	assert.FileExists(t, cfg.Path())
	assert.Contains(t, out.String(), "Configuration saved")
}

func TestRunSetupWizard_GivesUpOnInvalid(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), config.DefaultConfigFile))

	answers := "\n\n\n0\n\n\n\n\n\nno\n"

	var out bytes.Buffer
	err := config.RunSetupWizard(cfg, strings.NewReader(answers), &out, zerolog.Nop())
	assert.Error(t, err)
	assert.Contains(t, out.String(), "server.svr_max_clients")
}
