// Package health runs periodic health checks against the arena server and
// its host: disk utilization, buffer pool pressure and tick overruns.
// Crossed thresholds are logged and published as EventHealthWarning.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/server"
	"github.com/arena-project/arena/internal/util"
)

// StatusFunc returns a snapshot of the game server.
type StatusFunc func() server.Status

// Manager runs periodic health checks.
type Manager struct {
	cfg      config.MaintenanceConfig
	status   StatusFunc
	diskPath string
	eventBus *events.EventBus
	logger   zerolog.Logger

	diskUsage func(path string) (*util.DiskUsage, error)

	// Only touched by checkTicks.
	lastOverruns uint64
}

// NewManager creates a health check manager. Disk usage is sampled on the
// volume holding the match history database.
func NewManager(cfg *config.Config, status StatusFunc, eventBus *events.EventBus, logger zerolog.Logger) *Manager {
	app := cfg.GetApplicationData()
	diskPath := "."
	if app.Database.Enabled && app.Database.Path != "" {
		diskPath = filepath.Dir(app.Database.Path)
	}
	return &Manager{
		cfg:       app.Maintenance,
		status:    status,
		diskPath:  diskPath,
		eventBus:  eventBus,
		logger:    util.ComponentLogger(logger, "health"),
		diskUsage: util.GetDiskUsage,
	}
}

// Start launches every check on its own ticker and blocks until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.HealthInterval()
	if interval <= 0 {
		m.logger.Info().Msg("health checks disabled")
		<-ctx.Done()
		return
	}

	checks := []struct {
		name string
		fn   func(context.Context)
	}{
		{"disk_utilization", m.checkDisk},
		{"pool_pressure", m.checkPool},
		{"tick_overruns", m.checkTicks},
	}

	for _, check := range checks {
		check := check
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			m.logger.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", len(checks)).Dur("interval", interval).Msg("health check manager started")
	<-ctx.Done()
	m.logger.Info().Msg("health check manager stopped")
}

func (m *Manager) checkDisk(ctx context.Context) {
	usage, err := m.diskUsage(m.diskPath)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", m.diskPath).Msg("disk utilization check failed")
		return
	}

	m.logger.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	if usage.UsedPercent < m.cfg.DiskWarnPercent {
		return
	}
	m.warn(ctx, levelFor(usage.UsedPercent), events.HealthPayload{
		Check: "disk_utilization",
		Message: fmt.Sprintf("disk usage at %.1f%% (%d GB free of %d GB total)",
			usage.UsedPercent, usage.Free, usage.Total),
		Value:     usage.UsedPercent,
		Threshold: m.cfg.DiskWarnPercent,
	})
}

func (m *Manager) checkPool(ctx context.Context) {
	pool := m.status().Pool
	if pool.MaxSize <= 0 {
		return
	}

	pct := float64(pool.TotalSize) * 100 / float64(pool.MaxSize)
	if pct < m.cfg.PoolWarnPercent {
		return
	}
	m.warn(ctx, levelFor(pct), events.HealthPayload{
		Check: "pool_pressure",
		Message: fmt.Sprintf("buffer pool at %.1f%% of its cap (%d of %d bytes, %d lent)",
			pct, pool.TotalSize, pool.MaxSize, pool.UsedBuffers),
		Value:     pct,
		Threshold: m.cfg.PoolWarnPercent,
	})
}

func (m *Manager) checkTicks(ctx context.Context) {
	ticks := m.status().Ticks
	if ticks.Overruns < m.lastOverruns {
		m.lastOverruns = 0
	}
	delta := ticks.Overruns - m.lastOverruns
	m.lastOverruns = ticks.Overruns

	if m.cfg.OverrunWarnCount <= 0 || delta < uint64(m.cfg.OverrunWarnCount) {
		return
	}
	m.warn(ctx, "warning", events.HealthPayload{
		Check: "tick_overruns",
		Message: fmt.Sprintf("%d ticks overran their %s budget since the last check (max %s)",
			delta, ticks.Interval, ticks.MaxDuration),
		Value:     float64(delta),
		Threshold: float64(m.cfg.OverrunWarnCount),
	})
}

func (m *Manager) warn(ctx context.Context, level string, p events.HealthPayload) {
	m.logger.Warn().Str("check", p.Check).Str("level", level).Msg(p.Message)
	if m.eventBus != nil {
		m.eventBus.Emit(ctx, events.Event{
			Type:    events.EventHealthWarning,
			Source:  "health_check",
			Payload: p,
		})
	}
}

func levelFor(pct float64) string {
	switch {
	case pct >= 99:
		return "critical"
	case pct >= 95:
		return "error"
	default:
		return "warning"
	}
}
