package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const overrunHistory = 100

// TickStats summarizes how long simulation ticks take.
type TickStats struct {
	Interval    time.Duration `json:"interval"`
	Ticks       uint64        `json:"ticks"`
	Overruns    uint64        `json:"overruns"`
	MaxDuration time.Duration `json:"max_duration"`
	AvgDuration time.Duration `json:"avg_duration"`
	LastOverrun time.Time     `json:"last_overrun,omitempty"`
	Recent      []TickOverrun `json:"recent_overruns"`
}

// TickOverrun records one tick that took longer than the tick interval.
type TickOverrun struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// tickMonitor tracks tick durations and keeps the most recent overruns.
type tickMonitor struct {
	mu       sync.Mutex
	interval time.Duration
	logger   zerolog.Logger

	ticks    uint64
	total    time.Duration
	max      time.Duration
	overruns uint64
	last     time.Time
	history  []TickOverrun
}

func newTickMonitor(interval time.Duration, logger zerolog.Logger) *tickMonitor {
	return &tickMonitor{
		interval: interval,
		logger: logger.Sample(&zerolog.BurstSampler{
			Burst:  1,
			Period: 10 * time.Second,
		}),
	}
}

// Record adds one tick duration.
func (m *tickMonitor) Record(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ticks++
	m.total += d
	if d > m.max {
		m.max = d
	}
	if d <= m.interval {
		return
	}

	now := time.Now()
	m.overruns++
	m.last = now
	m.history = append(m.history, TickOverrun{Timestamp: now, Duration: d})
	if len(m.history) > overrunHistory {
		m.history = m.history[len(m.history)-overrunHistory:]
	}

	m.logger.Warn().
		Dur("duration", d).
		Dur("interval", m.interval).
		Uint64("overruns", m.overruns).
		Msg("tick overran its interval")
}

// Snapshot returns a copy of the collected statistics.
func (m *tickMonitor) Snapshot() TickStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := TickStats{
		Interval:    m.interval,
		Ticks:       m.ticks,
		Overruns:    m.overruns,
		MaxDuration: m.max,
		LastOverrun: m.last,
		Recent:      append([]TickOverrun(nil), m.history...),
	}
	if m.ticks > 0 {
		stats.AvgDuration = m.total / time.Duration(m.ticks)
	}
	return stats
}
