package server

import (
	"time"

	"github.com/arena-project/arena/internal/protocol"
)

// integrateMovement advances every spawned player by its velocity.
func (s *GameServer) integrateMovement(dt time.Duration) {
	for _, sess := range s.spawnedSessions() {
		sess.mu.Lock()
		sess.player.integrate(dt)
		sess.mu.Unlock()
	}
}

// broadcastMovingPlayers sends a PlayerMovement for every player that moved
// since the last update, plus those that just stopped.
func (s *GameServer) broadcastMovingPlayers() {
	for _, sess := range s.spawnedSessions() {
		sess.mu.Lock()
		include := sess.player.movementUpdate()
		update := protocol.PlayerMovement{
			PlayerID: uint16(sess.id),
			Location: sess.player.location,
			Rotation: sess.player.rotation,
			Velocity: sess.player.velocity,
		}
		sess.mu.Unlock()

		if include {
			s.broadcast(update)
		}
	}
}
