package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/arena-project/arena/internal/bufpool"
	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/server"
	"github.com/arena-project/arena/internal/util"
)

func newManager(t *testing.T, status server.Status) (*Manager, <-chan events.HealthPayload) {
	t.Helper()
	bus := events.NewEventBus(zerolog.Nop())
	t.Cleanup(bus.Stop)

	got := make(chan events.HealthPayload, 8)
	bus.Subscribe(events.EventHealthWarning, "test", func(_ context.Context, e events.Event) error {
		got <- e.Payload.(events.HealthPayload)
		return nil
	})

	m := NewManager(config.DefaultConfig(), func() server.Status { return status }, bus, zerolog.Nop())
	return m, got
}

func expectWarning(t *testing.T, got <-chan events.HealthPayload) events.HealthPayload {
	t.Helper()
	select {
	case p := <-got:
		return p
	case <-time.After(time.Second):
		t.Fatal("no health warning")
		return events.HealthPayload{}
	}
}

func expectQuiet(t *testing.T, got <-chan events.HealthPayload) {
	t.Helper()
	select {
	case p := <-got:
		t.Fatalf("unexpected warning: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCheckDisk(t *testing.T) {
	m, got := newManager(t, server.Status{})
	assert.Equal(t, "data", m.diskPath)

	m.diskUsage = func(string) (*util.DiskUsage, error) {
		return &util.DiskUsage{Total: 100, Used: 50, Free: 50, UsedPercent: 50}, nil
	}
	m.checkDisk(context.Background())
	expectQuiet(t, got)

	m.diskUsage = func(string) (*util.DiskUsage, error) {
		return &util.DiskUsage{Total: 100, Used: 96, Free: 4, UsedPercent: 96}, nil
	}
	m.checkDisk(context.Background())
	p := expectWarning(t, got)
	assert.Equal(t, "disk_utilization", p.Check)
	assert.Equal(t, 96.0, p.Value)
	assert.Equal(t, 90.0, p.Threshold)

	m.diskUsage = func(string) (*util.DiskUsage, error) { return nil, errors.New("no such volume") }
	m.checkDisk(context.Background())
	expectQuiet(t, got)
}

func TestCheckPool(t *testing.T) {
	m, got := newManager(t, server.Status{Pool: bufpool.Stats{MaxSize: 1000, TotalSize: 950, UsedBuffers: 3}})
	m.checkPool(context.Background())
	p := expectWarning(t, got)
	assert.Equal(t, "pool_pressure", p.Check)
	assert.InDelta(t, 95.0, p.Value, 0.001)

	m, got = newManager(t, server.Status{Pool: bufpool.Stats{MaxSize: 1000, TotalSize: 100}})
	m.checkPool(context.Background())
	expectQuiet(t, got)
}

func TestCheckTicks_WarnsOnDelta(t *testing.T) {
	status := server.Status{Ticks: server.TickStats{Interval: time.Second / 60, Overruns: 40}}
	bus := events.NewEventBus(zerolog.Nop())
	defer bus.Stop()

	got := make(chan events.HealthPayload, 4)
	bus.Subscribe(events.EventHealthWarning, "test", func(_ context.Context, e events.Event) error {
		got <- e.Payload.(events.HealthPayload)
		return nil
	})
	m := NewManager(config.DefaultConfig(), func() server.Status { return status }, bus, zerolog.Nop())

	m.checkTicks(context.Background())
	p := expectWarning(t, got)
	assert.Equal(t, "tick_overruns", p.Check)
	assert.Equal(t, 40.0, p.Value)

	status.Ticks.Overruns = 45
	m.checkTicks(context.Background())
	expectQuiet(t, got)
	assert.Equal(t, uint64(45), m.lastOverruns)
}

func TestStart_StopsOnCancel(t *testing.T) {
	m, _ := newManager(t, server.Status{})
	m.diskUsage = func(string) (*util.DiskUsage, error) { return &util.DiskUsage{}, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Start(ctx)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health manager did not stop")
	}
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, "warning", levelFor(90))
	assert.Equal(t, "error", levelFor(96))
	assert.Equal(t, "critical", levelFor(100))
}
