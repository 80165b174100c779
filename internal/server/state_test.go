package server

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arena-project/arena/internal/bufpool"
	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/protocol"
)

func TestConnStates_Lifecycle(t *testing.T) {
	s := newConnStates()
	s.AddUnverified(1)
	s.AddUnverified(2)

	assert.Equal(t, events.StateUnverified, s.State(1))
	assert.False(t, s.IsLive(1))

	require.True(t, s.Promote(1))
	assert.False(t, s.Promote(1), "already live")
	assert.False(t, s.Promote(9), "unknown")
	assert.True(t, s.IsLive(1))
	assert.True(t, s.IsAwaitingSpawn(1))

	id, ok := s.PopAwaitingSpawn()
	require.True(t, ok)
	assert.Equal(t, network.ConnID(1), id)
	_, ok = s.PopAwaitingSpawn()
	assert.False(t, ok)

	require.True(t, s.MarkDisconnecting(2))
	require.True(t, s.MarkDisconnecting(1))
	assert.False(t, s.MarkDisconnecting(1), "already leaving")
	assert.Equal(t, events.StateDisconnecting, s.State(2))

	first, _ := s.PopDisconnecting()
	second, _ := s.PopDisconnecting()
	assert.Equal(t, []network.ConnID{2, 1}, []network.ConnID{first, second})
	assert.Equal(t, events.StateUnknown, s.State(1))
}

func TestConnStates_DisconnectBeforeSpawn(t *testing.T) {
	s := newConnStates()
	s.AddUnverified(7)
	require.True(t, s.Promote(7))
	require.True(t, s.MarkDisconnecting(7))

	_, ok := s.PopAwaitingSpawn()
	assert.False(t, ok, "a leaving player is never spawned")
}

func TestConnStates_DrainAll(t *testing.T) {
	s := newConnStates()
	s.AddUnverified(3)
	s.AddUnverified(1)
	s.Promote(1)

	s.DrainAll()
	u, l, d := s.Counts()
	assert.Equal(t, [3]int{0, 0, 2}, [3]int{u, l, d})

	first, _ := s.PopDisconnecting()
	assert.Equal(t, network.ConnID(1), first)
}

func TestInboundQueue_DrainKeepsOrder(t *testing.T) {
	pool := bufpool.NewPool(1024, zerolog.Nop())
	var q inboundQueue

	for i := 1; i <= 3; i++ {
		buf, _ := pool.GetBuffer(i)
		q.Push(network.ConnID(i), buf)
	}
	assert.Equal(t, 3, q.Len())

	items := q.Drain()
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, network.ConnID(i+1), item.id)
		assert.Equal(t, i+1, item.buf.Len())
	}
	assert.Empty(t, q.Drain())
}

func TestMovementUpdate_StopLatch(t *testing.T) {
	var p playerState
	assert.False(t, p.movementUpdate(), "not spawned")

	p.place(protocol.Vector{Z: 200}, protocol.Rotator{})
	assert.False(t, p.movementUpdate(), "standing still after spawn")

	p.velocity = protocol.Vector{X: 10}
	p.integrate(time.Second)
	assert.Equal(t, float32(10), p.location.X)
	assert.True(t, p.movementUpdate(), "moving")

	p.velocity = protocol.Vector{}
	p.integrate(time.Second)
	assert.True(t, p.movementUpdate(), "first still update is still sent")
	assert.False(t, p.movementUpdate(), "then nothing")

	p.rotation.Yaw = 45
	assert.True(t, p.movementUpdate(), "turning counts as movement")
	assert.True(t, p.movementUpdate())
	assert.False(t, p.movementUpdate())
}

func TestIntegrate_SkipsDeadPlayers(t *testing.T) {
	var p playerState
	p.place(protocol.Vector{}, protocol.Rotator{})
	p.velocity = protocol.Vector{Y: 3}
	p.alive = false

	p.integrate(time.Second)
	assert.True(t, p.location.IsZero())
}

func TestTickMonitor(t *testing.T) {
	m := newTickMonitor(10*time.Millisecond, zerolog.Nop())
	m.Record(5 * time.Millisecond)
	m.Record(30 * time.Millisecond)
	m.Record(5 * time.Millisecond)

	stats := m.Snapshot()
	assert.Equal(t, uint64(3), stats.Ticks)
	assert.Equal(t, uint64(1), stats.Overruns)
	assert.Equal(t, 30*time.Millisecond, stats.MaxDuration)
	assert.Equal(t, 40*time.Millisecond/3, stats.AvgDuration)
	require.Len(t, stats.Recent, 1)
	assert.Equal(t, 30*time.Millisecond, stats.Recent[0].Duration)
}
