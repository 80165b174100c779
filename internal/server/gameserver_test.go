package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arena-project/arena/internal/bufpool"
	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/protocol"
)

const waitFor = 3 * time.Second

func testConfig() config.ServerData {
	cfg := config.DefaultConfig().GetServerData()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	cfg.MaxClients = 4
	cfg.MapName = "arena_test"
	cfg.TickRate = 100
	cfg.MovementUpdateTickRate = 20
	cfg.RoundTime = 0
	cfg.RopeCooldown = 5
	cfg.JoinTimeoutMS = 2000
	return cfg
}

type harness struct {
	srv  *GameServer
	pool *bufpool.Pool
	bus  *events.EventBus

	mu     sync.Mutex
	events []events.Event
}

func startServer(t *testing.T, cfg config.ServerData) *harness {
	t.Helper()

	h := &harness{
		pool: bufpool.NewPool(1<<20, zerolog.Nop()),
		bus:  events.NewEventBus(zerolog.Nop()),
	}
	h.bus.SubscribeAll("test", func(_ context.Context, e events.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
		return nil
	})
	h.srv = New(cfg, h.pool, h.bus, zerolog.Nop())
	require.NoError(t, h.srv.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.srv.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		h.bus.Stop()
	})
	return h
}

func (h *harness) sawEvent(t events.EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

func (h *harness) eventsOf(t events.EventType) []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Event
	for _, e := range h.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// testClient speaks the wire protocol over a raw socket and reassembles
// packets split across reads.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	id      uint16
	packets chan protocol.Packet
	closed  chan struct{}
}

func dial(t *testing.T, h *harness) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", h.srv.Addr().String())
	require.NoError(t, err)

	c := &testClient{
		t:       t,
		conn:    conn,
		packets: make(chan protocol.Packet, 1024),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) readLoop() {
	defer close(c.closed)
	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cursor := 0
			for cursor < len(pending) {
				p, derr := protocol.DecodeNext(pending, &cursor)
				if derr != nil {
					break
				}
				c.packets <- p
			}
			pending = append([]byte(nil), pending[cursor:]...)
		}
		if err != nil {
			return
		}
	}
}

func (c *testClient) send(p protocol.Packet) {
	c.t.Helper()
	data, err := protocol.Marshal(p)
	require.NoError(c.t, err)
	_, err = c.conn.Write(data)
	require.NoError(c.t, err)
}

// expect waits for the first packet of type T accepted by match, skipping
// anything else.
func expect[T protocol.Packet](c *testClient, match func(T) bool) T {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case p := <-c.packets:
			if v, ok := p.(T); ok && (match == nil || match(v)) {
				return v
			}
		case <-deadline:
			var zero T
			c.t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func (c *testClient) waitClosed() {
	c.t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitFor):
		c.t.Fatal("connection was not closed by the server")
	}
}

// join connects and completes the handshake as nickname.
func join(t *testing.T, h *harness, nickname string) *testClient {
	t.Helper()
	c := dial(t, h)
	c.id = expect[protocol.ProvideIdentity](c, nil).PlayerID
	c.send(protocol.InitConnection{MapName: h.srv.Config().MapName, Nickname: nickname})
	expect(c, func(p protocol.CreatePlayer) bool { return p.PlayerID == c.id })
	return c
}

func TestHandshake_SpawnsPlayer(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")

	assert.Equal(t, events.StateLive, h.srv.State(network.ConnID(alice.id)))

	players := h.srv.Players()
	require.Len(t, players, 1)
	assert.Equal(t, "alice", players[0].Nickname)
	assert.True(t, players[0].Spawned)
	assert.NotEmpty(t, players[0].SessionID)
	assert.Equal(t, float32(0), players[0].Location.X, "first spawn point")

	assert.Eventually(t, func() bool { return h.sawEvent(events.EventPlayerJoined) }, waitFor, 10*time.Millisecond)
}

func TestHandshake_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		first protocol.Packet
		want  protocol.ReasonCode
	}{
		{"not a handshake", protocol.Shoot{}, protocol.ReasonInvalidData},
		{"wrong map", protocol.InitConnection{MapName: "elsewhere", Nickname: "bob"}, protocol.ReasonInvalidMap},
		{"empty nickname", protocol.InitConnection{MapName: "arena_test"}, protocol.ReasonInvalidNickname},
		{"nickname not utf-8", protocol.InitConnection{MapName: "arena_test", Nickname: "\xff\xfebob"}, protocol.ReasonInvalidNickname},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startServer(t, testConfig())
			c := dial(t, h)
			c.id = expect[protocol.ProvideIdentity](c, nil).PlayerID

			c.send(tt.first)
			reason := expect[protocol.Reason](c, nil)
			assert.Equal(t, tt.want, reason.Code)
			c.waitClosed()

			assert.Eventually(t, func() bool {
				return h.srv.State(network.ConnID(c.id)) == events.StateUnknown
			}, waitFor, 10*time.Millisecond)
			assert.Empty(t, h.srv.Players())
			assert.Eventually(t, func() bool { return h.sawEvent(events.EventConnectionRejected) }, waitFor, 10*time.Millisecond)
			assert.False(t, h.sawEvent(events.EventPlayerJoined))
		})
	}
}

func TestHandshake_GarbageIsInvalidData(t *testing.T) {
	h := startServer(t, testConfig())
	c := dial(t, h)
	c.id = expect[protocol.ProvideIdentity](c, nil).PlayerID

	_, err := c.conn.Write([]byte{0xFF, 0, 0, 0})
	require.NoError(t, err)

	assert.Equal(t, protocol.ReasonInvalidData, expect[protocol.Reason](c, nil).Code)
	c.waitClosed()
}

func TestHandshake_SplitAcrossWrites(t *testing.T) {
	h := startServer(t, testConfig())
	c := dial(t, h)
	c.id = expect[protocol.ProvideIdentity](c, nil).PlayerID

	data, err := protocol.Marshal(protocol.InitConnection{MapName: "arena_test", Nickname: "alice"})
	require.NoError(t, err)
	for _, part := range [][]byte{data[:2], data[2:9], data[9:]} {
		_, err := c.conn.Write(part)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
	}

	created := expect(c, func(p protocol.CreatePlayer) bool { return p.PlayerID == c.id })
	assert.Equal(t, "alice", created.Nickname)
}

func TestHandshake_DuplicateNickname(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")

	impostor := dial(t, h)
	impostor.id = expect[protocol.ProvideIdentity](impostor, nil).PlayerID
	impostor.send(protocol.InitConnection{MapName: "arena_test", Nickname: "alice"})

	assert.Equal(t, protocol.ReasonInvalidNickname, expect[protocol.Reason](impostor, nil).Code)
	impostor.waitClosed()

	assert.Equal(t, events.StateLive, h.srv.State(network.ConnID(alice.id)))
}

func TestConnectionIDsAreDistinct(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	assert.NotEqual(t, alice.id, bob.id)
	assert.Greater(t, bob.id, alice.id)
}

func TestSpawn_RosterExchange(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")

	known := expect(bob, func(p protocol.CreatePlayer) bool { return p.PlayerID == alice.id })
	assert.Equal(t, "alice", known.Nickname)

	announced := expect(alice, func(p protocol.CreatePlayer) bool { return p.PlayerID == bob.id })
	assert.Equal(t, "bob", announced.Nickname)
	assert.Equal(t, float32(1500), announced.Location.X, "second spawn point")
}

func TestForwarding_UsesSenderID(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")

	alice.send(protocol.Shoot{PlayerID: 999, Location: protocol.Vector{X: 1}, Rotation: protocol.Rotator{Yaw: 90}})

	shot := expect[protocol.Shoot](bob, nil)
	assert.Equal(t, alice.id, shot.PlayerID)
	assert.Equal(t, float32(1), shot.Location.X)
	assert.Equal(t, float32(90), shot.Rotation.Yaw)
}

func TestForwarding_PacketSplitAcrossWrites(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")

	data, err := protocol.Marshal(protocol.Rotate{Rotation: protocol.Rotator{Pitch: 1, Yaw: 2, Roll: 3}})
	require.NoError(t, err)
	_, err = alice.conn.Write(data[:6])
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = alice.conn.Write(data[6:])
	require.NoError(t, err)

	rot := expect[protocol.Rotate](bob, nil)
	assert.Equal(t, alice.id, rot.PlayerID)
	assert.Equal(t, protocol.Rotator{Pitch: 1, Yaw: 2, Roll: 3}, rot.Rotation)

	// A whole packet right after the split one still decodes in step.
	alice.send(protocol.Shoot{Location: protocol.Vector{X: 7}})
	shot := expect[protocol.Shoot](bob, nil)
	assert.Equal(t, float32(7), shot.Location.X)
	assert.Equal(t, events.StateLive, h.srv.State(network.ConnID(alice.id)))
}

func TestMovement_BroadcastsMovingPlayers(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")

	alice.send(protocol.UpdateVelocity{Velocity: protocol.Vector{X: 100}})

	fwd := expect[protocol.UpdateVelocity](bob, nil)
	assert.Equal(t, alice.id, fwd.PlayerID)

	move := expect(bob, func(p protocol.PlayerMovement) bool {
		return p.PlayerID == alice.id && p.Location.X > 0
	})
	assert.Equal(t, float32(100), move.Velocity.X)
}

func TestRopeAttach_Cooldown(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")

	alice.send(protocol.RopeAttach{Point: protocol.Vector{Z: 10}})
	attached := expect[protocol.RopeAttach](bob, nil)
	assert.Equal(t, alice.id, attached.PlayerID)

	alice.send(protocol.RopeAttach{Point: protocol.Vector{Z: 10}})
	failed := expect[protocol.RopeFailed](alice, nil)
	assert.Equal(t, alice.id, failed.PlayerID)
	assert.Greater(t, failed.Cooldown, float32(0))
	assert.LessOrEqual(t, failed.Cooldown, float32(5))
}

func TestDeath_UpdatesScoreboard(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")

	bob.send(protocol.Death{KillerID: alice.id})

	death := expect[protocol.Death](alice, nil)
	assert.Equal(t, bob.id, death.PlayerID)
	assert.Equal(t, alice.id, death.KillerID)

	// Spawning already sent both players a zero score for the other.
	killerScore := expect(bob, func(p protocol.ScoreboardUpdate) bool {
		return p.PlayerID == alice.id && p.Kills == 1
	})
	assert.Equal(t, uint32(0), killerScore.Deaths)
	victimScore := expect(alice, func(p protocol.ScoreboardUpdate) bool {
		return p.PlayerID == bob.id && p.Deaths == 1
	})
	assert.Equal(t, uint32(0), victimScore.Kills)

	// A second report while dead is ignored.
	bob.send(protocol.Death{KillerID: alice.id})
	assert.Eventually(t, func() bool { return h.sawEvent(events.EventPlayerKilled) }, waitFor, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, p := range h.srv.Players() {
			if p.ConnID == bob.id {
				return !p.Alive && p.Deaths == 1
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)

	bob.send(protocol.Respawn{Location: protocol.Vector{X: 5}})
	respawn := expect[protocol.Respawn](alice, nil)
	assert.Equal(t, bob.id, respawn.PlayerID)
	assert.Len(t, h.eventsOf(events.EventPlayerKilled), 1)
}

func TestDisconnect_BroadcastsDestroy(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")

	bob.conn.Close()

	gone := expect[protocol.DestroyPlayer](alice, nil)
	assert.Equal(t, bob.id, gone.PlayerID)

	require.Eventually(t, func() bool { return len(h.srv.Players()) == 1 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.sawEvent(events.EventPlayerLeft) }, waitFor, 10*time.Millisecond)

	left := h.eventsOf(events.EventPlayerLeft)[0].Payload.(events.PlayerPayload)
	assert.Equal(t, "bob", left.Nickname)
	assert.Equal(t, "connection lost", left.Reason)
}

func TestServerFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 1
	h := startServer(t, cfg)
	join(t, h, "alice")

	late := dial(t, h)
	assert.Equal(t, protocol.ReasonServerFull, expect[protocol.Reason](late, nil).Code)
	late.waitClosed()
	assert.Len(t, h.srv.Players(), 1)
}

func TestKick(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")

	require.NoError(t, h.srv.Kick(network.ConnID(alice.id)))
	alice.waitClosed()

	assert.ErrorIs(t, h.srv.Kick(network.ConnID(alice.id+100)), network.ErrUnknownClient)
}

func TestRoundRestart(t *testing.T) {
	cfg := testConfig()
	cfg.RoundTime = 3600
	h := startServer(t, cfg)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")

	bob.send(protocol.Death{KillerID: alice.id})
	expect(alice, func(p protocol.ScoreboardUpdate) bool { return p.PlayerID == alice.id && p.Kills == 1 })

	first := h.srv.Round()
	h.srv.Tick(time.Hour)

	restart := expect[protocol.RoundRestart](alice, nil)
	assert.Equal(t, float32(3600), restart.RoundTime)
	expect(alice, func(p protocol.ScoreboardUpdate) bool { return p.PlayerID == alice.id && p.Kills == 0 })
	expect(bob, func(p protocol.Respawn) bool { return p.PlayerID == bob.id })

	second := h.srv.Round()
	assert.Equal(t, first.Number+1, second.Number)
	assert.NotEqual(t, first.ID, second.ID)

	require.Eventually(t, func() bool { return h.sawEvent(events.EventRoundRestarted) }, waitFor, 10*time.Millisecond)
	round := h.eventsOf(events.EventRoundRestarted)[0].Payload.(events.RoundPayload)
	require.NotEmpty(t, round.Scores)
	assert.Equal(t, "alice", round.Scores[0].Nickname)
	assert.Equal(t, uint32(1), round.Scores[0].Kills)

	for _, p := range h.srv.Players() {
		assert.Zero(t, p.Kills)
		assert.Zero(t, p.Deaths)
		assert.True(t, p.Alive)
	}
}

func TestStop_ReleasesEverything(t *testing.T) {
	h := startServer(t, testConfig())
	alice := join(t, h, "alice")

	require.NoError(t, h.srv.Stop())
	alice.waitClosed()

	assert.False(t, h.srv.IsRunning())
	assert.Empty(t, h.srv.Players())
	assert.Zero(t, h.pool.UsedSize())
	require.NoError(t, h.srv.Stop(), "second stop is a no-op")
}

func TestStatusAndDiscovery(t *testing.T) {
	h := startServer(t, testConfig())
	join(t, h, "alice")

	st := h.srv.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, "arena_test", st.MapName)
	assert.Equal(t, 1, st.Round.Number)

	payload := st.Payload()
	assert.Equal(t, 1, payload.Players)
	assert.Equal(t, 4, payload.MaxClients)
	assert.Equal(t, st.Pool.UsedSize, payload.PoolUsed)

	info := h.srv.DiscoveryInfo()
	assert.Equal(t, uint8(1), info.Players)
	assert.Equal(t, uint8(4), info.MaxPlayers)
	assert.NotZero(t, info.GamePort)
}
