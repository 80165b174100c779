package server

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/protocol"
)

// processAllPendingPackets drains the inbound queue and dispatches every
// packet in arrival order.
func (s *GameServer) processAllPendingPackets() {
	for _, item := range s.inbound.Drain() {
		s.processChunk(item.id, item.buf.Bytes())
		s.pool.FreeBuffer(item.buf)
	}
}

// processChunk splits one received chunk into packets. A packet cut off by
// the end of the chunk is kept and completed by the next one; any other
// decode failure rejects the connection.
func (s *GameServer) processChunk(id network.ConnID, data []byte) {
	sess := s.session(id)
	if sess == nil {
		return
	}
	logger := s.logger.With().Uint16("conn_id", uint16(id)).Logger()

	if len(sess.pending) > 0 {
		data = append(sess.pending, data...)
		sess.pending = nil
	}

	cursor := 0
	for cursor < len(data) {
		state := s.states.State(id)
		if state != events.StateUnverified && state != events.StateLive {
			logger.Debug().
				Stringer("state", state).
				Int("discarded", len(data)-cursor).
				Msg("dropping data from inactive connection")
			return
		}

		p, err := protocol.DecodeNext(data, &cursor)
		if errors.Is(err, protocol.ErrShortPacket) {
			rest := len(data) - cursor
			if rest > protocol.MaxPacketSize {
				logger.Warn().Int("pending", rest).Msg("oversized partial packet")
				s.reject(id, protocol.ReasonInvalidData, "")
				return
			}
			sess.pending = append([]byte(nil), data[cursor:]...)
			return
		}
		if err != nil {
			logger.Warn().Err(err).Msg("malformed data")
			s.reject(id, protocol.ReasonInvalidData, "")
			return
		}

		if state == events.StateUnverified {
			s.handleHandshake(id, p)
			continue
		}
		s.processPacket(id, p)
	}
}

// handleHandshake validates the first packet of an unverified connection.
func (s *GameServer) handleHandshake(id network.ConnID, p protocol.Packet) {
	init, ok := p.(protocol.InitConnection)
	if !ok {
		s.logger.Warn().
			Uint16("conn_id", uint16(id)).
			Stringer("packet", p.Header()).
			Msg("expected handshake")
		s.reject(id, protocol.ReasonInvalidData, "")
		return
	}

	if init.MapName != s.cfg.MapName {
		s.reject(id, protocol.ReasonInvalidMap, init.Nickname)
		return
	}
	if init.Nickname == "" || !utf8.ValidString(init.Nickname) || s.nicknameTaken(init.Nickname) {
		s.reject(id, protocol.ReasonInvalidNickname, init.Nickname)
		return
	}

	sess := s.session(id)
	if sess == nil {
		return
	}
	now := time.Now()
	sess.mu.Lock()
	sess.player.sessionID = uuid.New().String()
	sess.player.nickname = init.Nickname
	sess.player.joinedAt = now
	sessionID := sess.player.sessionID
	sess.mu.Unlock()

	if !s.states.Promote(id) {
		return
	}

	s.logger.Info().
		Uint16("conn_id", uint16(id)).
		Str("nickname", init.Nickname).
		Str("session_id", sessionID).
		Msg("player joined")
	s.emit(events.EventPlayerJoined, events.PlayerPayload{
		SessionID: sessionID,
		ConnID:    uint16(id),
		Nickname:  init.Nickname,
		Remote:    sess.remote,
		JoinedAt:  now,
	})
}

// nicknameTaken reports whether a live connection already uses nickname.
func (s *GameServer) nicknameTaken(nickname string) bool {
	for _, id := range s.states.LiveIDs() {
		sess := s.session(id)
		if sess == nil {
			continue
		}
		sess.mu.Lock()
		taken := sess.player.nickname == nickname
		sess.mu.Unlock()
		if taken {
			return true
		}
	}
	return false
}

// processPacket applies one packet from a live connection. Ids inside
// client packets are ignored; the sender is always the connection.
func (s *GameServer) processPacket(id network.ConnID, p protocol.Packet) {
	sess := s.session(id)
	if sess == nil {
		return
	}
	pid := uint16(id)

	switch pkt := p.(type) {
	case protocol.Shoot:
		pkt.PlayerID = pid
		s.broadcast(pkt, id)

	case protocol.UpdateVelocity:
		sess.mu.Lock()
		sess.player.velocity = pkt.Velocity
		sess.mu.Unlock()
		pkt.PlayerID = pid
		s.broadcast(pkt, id)

	case protocol.Rotate:
		sess.mu.Lock()
		sess.player.rotation = pkt.Rotation
		sess.mu.Unlock()
		pkt.PlayerID = pid
		s.broadcast(pkt, id)

	case protocol.RopeAttach:
		s.handleRopeAttach(sess, pkt)

	case protocol.RopeDetach:
		s.broadcast(protocol.RopeDetach{PlayerID: pid}, id)

	case protocol.Death:
		s.handleDeath(sess, pkt.KillerID)

	case protocol.Respawn:
		sess.mu.Lock()
		sess.player.place(pkt.Location, pkt.Rotation)
		sess.mu.Unlock()
		pkt.PlayerID = pid
		s.broadcast(pkt, id)

	default:
		// Handshakes after joining and server-to-client kinds.
		s.logger.Warn().
			Uint16("conn_id", uint16(id)).
			Stringer("packet", p.Header()).
			Msg("unexpected packet from client")
		s.reject(id, protocol.ReasonInvalidData, "")
	}
}

func (s *GameServer) handleRopeAttach(sess *session, pkt protocol.RopeAttach) {
	cooldown := time.Duration(float64(s.cfg.RopeCooldown) * float64(time.Second))

	sess.mu.Lock()
	since := s.clock - sess.player.lastRopeAt
	onCooldown := sess.player.ropeUsed && since < cooldown
	if !onCooldown {
		sess.player.ropeUsed = true
		sess.player.lastRopeAt = s.clock
	}
	sess.mu.Unlock()

	if onCooldown {
		remaining := (cooldown - since).Seconds()
		s.sendPacketTo(sess.id, protocol.RopeFailed{PlayerID: uint16(sess.id), Cooldown: float32(remaining)})
		return
	}
	pkt.PlayerID = uint16(sess.id)
	s.broadcast(pkt, sess.id)
}

// handleDeath records that sess was killed by killerID and publishes the
// new scores. Self-kills and unknown killers only count the death.
func (s *GameServer) handleDeath(victim *session, killerID uint16) {
	victim.mu.Lock()
	if !victim.player.alive {
		victim.mu.Unlock()
		return
	}
	victim.player.alive = false
	victim.player.velocity = protocol.Vector{}
	victim.player.deaths++
	victimScore := protocol.ScoreboardUpdate{
		PlayerID: uint16(victim.id),
		Kills:    victim.player.kills,
		Deaths:   victim.player.deaths,
	}
	victimName := victim.player.nickname
	victim.mu.Unlock()

	s.broadcast(protocol.Death{PlayerID: uint16(victim.id), KillerID: killerID}, victim.id)
	s.broadcast(victimScore)

	kill := events.KillPayload{
		VictimID:     uint16(victim.id),
		VictimName:   victimName,
		KillerID:     killerID,
		VictimDeaths: victimScore.Deaths,
	}

	killer := s.session(network.ConnID(killerID))
	if killer != nil && killer != victim && s.states.IsLive(killer.id) {
		killer.mu.Lock()
		killer.player.kills++
		killerScore := protocol.ScoreboardUpdate{
			PlayerID: killerID,
			Kills:    killer.player.kills,
			Deaths:   killer.player.deaths,
		}
		kill.KillerName = killer.player.nickname
		killer.mu.Unlock()

		kill.KillerKills = killerScore.Kills
		s.broadcast(killerScore)
	}

	s.logger.Info().
		Str("victim", kill.VictimName).
		Str("killer", kill.KillerName).
		Msg("player killed")
	s.emit(events.EventPlayerKilled, kill)
	s.emit(events.EventScoreboardChanged, s.scoreboard())
}

// handlePlayerAwaitingSpawn spawns the oldest waiting player: everybody
// learns about the newcomer and the newcomer learns about everybody.
func (s *GameServer) handlePlayerAwaitingSpawn() {
	id, ok := s.states.PopAwaitingSpawn()
	if !ok {
		return
	}
	sess := s.session(id)
	if sess == nil || !s.states.IsLive(id) {
		return
	}

	loc, rot := s.nextSpawnPoint()
	sess.mu.Lock()
	sess.player.place(loc, rot)
	create := protocol.CreatePlayer{
		PlayerID: uint16(id),
		Location: loc,
		Rotation: rot,
		Nickname: sess.player.nickname,
	}
	sess.mu.Unlock()

	s.broadcast(create)

	for _, other := range s.spawnedSessions() {
		if other.id == id {
			continue
		}
		other.mu.Lock()
		existing := protocol.CreatePlayer{
			PlayerID: uint16(other.id),
			Location: other.player.location,
			Rotation: other.player.rotation,
			Nickname: other.player.nickname,
		}
		score := protocol.ScoreboardUpdate{
			PlayerID: uint16(other.id),
			Kills:    other.player.kills,
			Deaths:   other.player.deaths,
		}
		other.mu.Unlock()

		s.sendPacketTo(id, existing)
		s.sendPacketTo(id, score)
	}

	s.logger.Debug().Uint16("conn_id", uint16(id)).Str("nickname", create.Nickname).Msg("player spawned")
}

// handlePendingDisconnect tears down the oldest leaving connection.
func (s *GameServer) handlePendingDisconnect() {
	if id, ok := s.states.PopDisconnecting(); ok {
		s.teardown(id)
	}
}

// nextSpawnPoint cycles through the configured spawn points.
func (s *GameServer) nextSpawnPoint() (protocol.Vector, protocol.Rotator) {
	points := s.cfg.SpawnPoints
	if len(points) == 0 {
		return protocol.Vector{}, protocol.Rotator{}
	}
	sp := points[s.nextSpawn%len(points)]
	s.nextSpawn++
	return protocol.Vector{X: sp.X, Y: sp.Y, Z: sp.Z}, protocol.Rotator{Yaw: sp.Yaw}
}
