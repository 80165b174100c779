// Package server implements the authoritative arena server: it accepts
// connections, validates their handshake, and runs the simulation tick that
// spawns players, dispatches their packets, tears down leavers and
// broadcasts movement.
//
// Each connection has a send worker draining its own outbound queue and a
// receive worker feeding the shared inbound queue. Only the tick goroutine
// interprets packets.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/bufpool"
	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/protocol"
	"github.com/arena-project/arena/internal/worker"
)

var (
	// ErrNotRunning is returned by operations that need a started server.
	ErrNotRunning = errors.New("game server is not running")

	// ErrAlreadyRunning is returned by Start on a started server.
	ErrAlreadyRunning = errors.New("game server is already running")
)

// GameServer is the server-side connection orchestrator.
type GameServer struct {
	cfg    config.ServerData
	pool   *bufpool.Pool
	bus    *events.EventBus
	logger zerolog.Logger

	tcp    *network.MultiClientServer
	accept *worker.Worker

	running   atomic.Bool
	startStop sync.Mutex

	// connMu guards the session map. It is taken by the accept path and
	// by lookups, never while holding another server lock.
	connMu   sync.RWMutex
	sessions map[network.ConnID]*session

	states  *connStates
	inbound inboundQueue

	// tickMu serializes Tick with Stop.
	tickMu        sync.Mutex
	clock         time.Duration
	movementAccum time.Duration
	nextSpawn     int

	roundMu        sync.RWMutex
	roundID        string
	roundNumber    int
	roundStartedAt time.Time
	roundElapsed   time.Duration

	monitor *tickMonitor
}

// New creates a stopped server for cfg. Buffers for every connection come
// from pool; bus may be nil.
func New(cfg config.ServerData, pool *bufpool.Pool, bus *events.EventBus, logger zerolog.Logger) *GameServer {
	logger = logger.With().Str("component", "game_server").Logger()
	return &GameServer{
		cfg:      cfg,
		pool:     pool,
		bus:      bus,
		logger:   logger,
		tcp:      network.NewMultiClientServer(pool, cfg.MaxClients, logger),
		accept:   worker.New("accept", logger),
		sessions: make(map[network.ConnID]*session),
		states:   newConnStates(),
		monitor:  newTickMonitor(cfg.TickInterval(), logger),
	}
}

// Start binds the game port and begins accepting clients.
func (s *GameServer) Start(ctx context.Context) error {
	s.startStop.Lock()
	defer s.startStop.Unlock()

	if s.running.Load() {
		return ErrAlreadyRunning
	}

	full, err := protocol.Marshal(protocol.Reason{Code: protocol.ReasonServerFull})
	if err != nil {
		return fmt.Errorf("encode server-full reason: %w", err)
	}
	s.tcp.SetRejectMessage(full)

	if err := s.tcp.BindAndListen(ctx, s.cfg.Address, uint16(s.cfg.Port)); err != nil {
		return fmt.Errorf("failed to start game server on %s:%d: %w", s.cfg.Address, s.cfg.Port, err)
	}

	s.newRound()
	if err := s.accept.Run(s.acceptLoop); err != nil {
		s.tcp.Close()
		return fmt.Errorf("failed to start accept worker: %w", err)
	}
	s.running.Store(true)

	s.logger.Info().
		Str("addr", s.tcp.Addr().String()).
		Str("map", s.cfg.MapName).
		Int("max_clients", s.cfg.MaxClients).
		Msg("game server started")
	return nil
}

// Run ticks the simulation at the configured rate until ctx is cancelled,
// then stops the server.
func (s *GameServer) Run(ctx context.Context) error {
	if !s.running.Load() {
		return ErrNotRunning
	}

	interval := s.cfg.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return s.Stop()
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now

			start := time.Now()
			s.Tick(dt)
			s.monitor.Record(time.Since(start))
		}
	}
}

// Stop closes the listener, tears down every connection and waits for the
// workers. Workers that do not stop within the join timeout are abandoned.
func (s *GameServer) Stop() error {
	s.startStop.Lock()
	defer s.startStop.Unlock()

	if !s.running.Swap(false) {
		return nil
	}
	s.logger.Info().Msg("stopping game server")

	s.accept.Interrupt()
	err := s.tcp.Shutdown()
	s.joinWorker(s.accept)

	s.tickMu.Lock()
	s.states.DrainAll()
	for {
		id, ok := s.states.PopDisconnecting()
		if !ok {
			break
		}
		s.teardown(id)
	}
	for _, item := range s.inbound.Drain() {
		s.pool.FreeBuffer(item.buf)
	}
	s.tickMu.Unlock()

	if cerr := s.tcp.Close(); err == nil {
		err = cerr
	}

	s.emit(events.EventShutdown, nil)
	s.logger.Info().Msg("game server stopped")
	return err
}

// IsRunning reports whether the server is accepting clients.
func (s *GameServer) IsRunning() bool {
	return s.running.Load() && s.accept.IsRunning() && s.tcp.IsListening()
}

// Addr returns the bound game address, or nil when stopped.
func (s *GameServer) Addr() net.Addr {
	return s.tcp.Addr()
}

// Config returns the server settings.
func (s *GameServer) Config() config.ServerData {
	return s.cfg
}

// Tick advances the simulation by dt. Steps run in a fixed order: spawn one
// waiting player, dispatch every pending inbound packet, tear down one
// leaving connection, then the periodic movement broadcast and round timer.
func (s *GameServer) Tick(dt time.Duration) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.clock += dt

	s.handlePlayerAwaitingSpawn()
	s.processAllPendingPackets()
	s.handlePendingDisconnect()
	s.integrateMovement(dt)

	s.movementAccum += dt
	if interval := s.cfg.MovementInterval(); s.movementAccum >= interval {
		s.movementAccum %= interval
		s.broadcastMovingPlayers()
	}

	s.handleRoundTimer(dt)
}

func (s *GameServer) acceptLoop(w *worker.Worker) {
	for !w.IsInterrupted() {
		id, err := s.tcp.AcceptClient()
		switch {
		case err == nil:
			s.addClient(id)
		case errors.Is(err, network.ErrServerFull):
			s.emit(events.EventConnectionRejected, events.RejectedPayload{
				Reason: protocol.ReasonServerFull.String(),
			})
		case errors.Is(err, network.ErrNotListening):
			return
		default:
			if !w.Sleep(100 * time.Millisecond) {
				return
			}
		}
	}
}

// addClient registers a new connection as unverified, starts its workers
// and tells it its id.
func (s *GameServer) addClient(id network.ConnID) {
	remote := ""
	if addr, err := s.tcp.RemoteAddr(id); err == nil {
		remote = addr.String()
	}

	sess := &session{
		id:         id,
		remote:     remote,
		acceptedAt: time.Now(),
		out:        bufpool.NewQueue(),
	}
	logger := s.logger.With().Uint16("conn_id", uint16(id)).Logger()
	sess.send = worker.New(fmt.Sprintf("send-%d", id), logger)
	sess.recv = worker.New(fmt.Sprintf("receive-%d", id), logger)

	s.connMu.Lock()
	s.sessions[id] = sess
	s.connMu.Unlock()
	s.states.AddUnverified(id)

	if err := sess.send.Run(s.sendLoop(sess)); err != nil {
		logger.Error().Err(err).Msg("failed to start send worker")
	}
	if err := sess.recv.Run(s.receiveLoop(sess)); err != nil {
		logger.Error().Err(err).Msg("failed to start receive worker")
	}

	s.sendPacketTo(id, protocol.ProvideIdentity{PlayerID: uint16(id)})
	s.emit(events.EventClientAccepted, events.ClientPayload{ConnID: uint16(id), Remote: remote})
}

func (s *GameServer) sendLoop(sess *session) worker.Func {
	return func(w *worker.Worker) {
		ctx := w.Context()
		for {
			buf, ok := sess.out.Pop(ctx)
			if !ok {
				break
			}
			if !s.transmit(sess, buf) {
				return
			}
		}
		// Flush what was queued before the interrupt, typically a
		// rejection reason.
		for {
			buf, ok := sess.out.TryPop()
			if !ok || !s.transmit(sess, buf) {
				return
			}
		}
	}
}

func (s *GameServer) transmit(sess *session, buf *bufpool.Buffer) bool {
	err := s.tcp.SendTo(buf, sess.id)
	s.pool.FreeBuffer(buf)
	if err != nil {
		s.disconnect(sess.id, "send failed")
		return false
	}
	return true
}

func (s *GameServer) receiveLoop(sess *session) worker.Func {
	return func(w *worker.Worker) {
		for !w.IsInterrupted() {
			buf, err := s.tcp.ReceiveFrom(sess.id)
			if err != nil {
				if !w.IsInterrupted() {
					s.disconnect(sess.id, "connection lost")
				}
				return
			}
			s.inbound.Push(sess.id, buf)
		}
	}
}

// disconnect schedules id for teardown. It reports false when id was not
// connected or already leaving.
func (s *GameServer) disconnect(id network.ConnID, reason string) bool {
	if sess := s.session(id); sess != nil {
		sess.setLeaveReason(reason)
	}
	if !s.states.MarkDisconnecting(id) {
		return false
	}
	s.logger.Info().Uint16("conn_id", uint16(id)).Str("reason", reason).Msg("client disconnecting")
	return true
}

// reject sends a reason to id and schedules it for teardown.
func (s *GameServer) reject(id network.ConnID, code protocol.ReasonCode, nickname string) {
	sess := s.session(id)
	remote := ""
	if sess != nil {
		remote = sess.remote
	}
	s.logger.Warn().
		Uint16("conn_id", uint16(id)).
		Str("remote", remote).
		Str("nickname", nickname).
		Stringer("reason", code).
		Msg("rejecting client")

	s.sendPacketTo(id, protocol.Reason{PlayerID: uint16(id), Code: code})
	s.disconnect(id, code.String())
	s.emit(events.EventConnectionRejected, events.RejectedPayload{
		ConnID:   uint16(id),
		Remote:   remote,
		Nickname: nickname,
		Reason:   code.String(),
	})
}

// teardown stops one connection's workers, frees its queued buffers and
// forgets it. The send worker is joined before the socket is shut down so
// anything already queued, such as a rejection reason, still goes out.
func (s *GameServer) teardown(id network.ConnID) {
	s.connMu.Lock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.connMu.Unlock()

	if sess == nil {
		s.tcp.CloseClient(id)
		return
	}

	s.joinWorker(sess.send)
	s.tcp.ShutdownClient(id)
	s.joinWorker(sess.recv)

	for _, buf := range sess.out.Close() {
		s.pool.FreeBuffer(buf)
	}
	s.tcp.CloseClient(id)

	sess.mu.Lock()
	p := sess.player
	reason := sess.leaveReason
	sess.mu.Unlock()

	s.logger.Info().
		Uint16("conn_id", uint16(id)).
		Str("nickname", p.nickname).
		Str("reason", reason).
		Msg("client removed")

	if p.sessionID == "" {
		return
	}
	if p.spawned {
		s.broadcast(protocol.DestroyPlayer{PlayerID: uint16(id)})
	}
	s.emit(events.EventPlayerLeft, events.PlayerPayload{
		SessionID: p.sessionID,
		ConnID:    uint16(id),
		Nickname:  p.nickname,
		Remote:    sess.remote,
		JoinedAt:  p.joinedAt,
		LeftAt:    time.Now(),
		Kills:     p.kills,
		Deaths:    p.deaths,
		Reason:    reason,
	})
}

func (s *GameServer) joinWorker(w *worker.Worker) {
	timeout := s.cfg.JoinTimeout()
	if timeout <= 0 {
		timeout = worker.JoinTimeout
	}
	if err := w.Join(timeout); err != nil {
		s.logger.Error().Err(err).Str("worker", w.Name()).Msg("abandoning worker")
		w.Abandon()
	}
}

func (s *GameServer) session(id network.ConnID) *session {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.sessions[id]
}

// spawnedSessions returns the live sessions that are in the arena.
func (s *GameServer) spawnedSessions() []*session {
	var out []*session
	for _, id := range s.states.LiveIDs() {
		sess := s.session(id)
		if sess == nil {
			continue
		}
		sess.mu.Lock()
		spawned := sess.player.spawned
		sess.mu.Unlock()
		if spawned {
			out = append(out, sess)
		}
	}
	return out
}

// sendPacketTo encodes p into a pool buffer and queues it for id.
func (s *GameServer) sendPacketTo(id network.ConnID, p protocol.Packet) {
	sess := s.session(id)
	if sess == nil {
		return
	}
	buf, err := protocol.Encode(s.pool, p)
	if err != nil {
		s.logger.Error().Err(err).Stringer("packet", p.Header()).Uint16("conn_id", uint16(id)).
			Msg("failed to encode packet")
		return
	}
	if !sess.out.Push(buf) {
		s.pool.FreeBuffer(buf)
	}
}

// broadcast queues p for every spawned player except the listed ids. Each
// recipient gets its own copy so queues never share a buffer.
func (s *GameServer) broadcast(p protocol.Packet, except ...network.ConnID) {
	data, err := protocol.Marshal(p)
	if err != nil {
		s.logger.Error().Err(err).Stringer("packet", p.Header()).Msg("failed to encode broadcast")
		return
	}

next:
	for _, sess := range s.spawnedSessions() {
		for _, skip := range except {
			if sess.id == skip {
				continue next
			}
		}
		buf, err := s.pool.GetBuffer(len(data))
		if err != nil {
			s.logger.Error().Err(err).Stringer("packet", p.Header()).Msg("no buffer for broadcast")
			return
		}
		copy(buf.Bytes(), data)
		if !sess.out.Push(buf) {
			s.pool.FreeBuffer(buf)
		}
	}
}

func (s *GameServer) emit(t events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "game_server",
		Payload: payload,
	})
}

func (s *GameServer) newRound() {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()
	s.roundID = uuid.New().String()
	s.roundNumber++
	s.roundStartedAt = time.Now()
	s.roundElapsed = 0
}
