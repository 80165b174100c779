package server

import (
	"sync"
	"time"

	"github.com/arena-project/arena/internal/bufpool"
	"github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/protocol"
	"github.com/arena-project/arena/internal/worker"
)

// session is everything the server keeps about one accepted connection.
type session struct {
	id         network.ConnID
	remote     string
	acceptedAt time.Time

	out  *bufpool.Queue
	send *worker.Worker
	recv *worker.Worker

	// pending holds the start of a packet cut off by the end of a read.
	// Only the tick goroutine touches it.
	pending []byte

	mu          sync.Mutex
	player      playerState
	leaveReason string
}

// playerState is the simulation view of a player. It is written by the
// tick goroutine and read by status snapshots, always under session.mu.
type playerState struct {
	sessionID string
	nickname  string
	joinedAt  time.Time

	spawned bool
	alive   bool

	location protocol.Vector
	rotation protocol.Rotator
	velocity protocol.Vector

	// State as of the last movement broadcast, for the stop latch.
	recentlyMoving bool
	recentLocation protocol.Vector
	recentRotation protocol.Rotator

	kills  uint32
	deaths uint32

	ropeUsed   bool
	lastRopeAt time.Duration
}

// setLeaveReason records why the session ends; the first reason sticks.
func (s *session) setLeaveReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaveReason == "" {
		s.leaveReason = reason
	}
}

// integrate advances the location by the current velocity.
func (p *playerState) integrate(dt time.Duration) {
	if !p.spawned || !p.alive || p.velocity.IsZero() {
		return
	}
	p.location = p.location.Add(p.velocity.Scale(float32(dt.Seconds())))
}

// movementUpdate reports whether the player goes into this movement
// broadcast. A player is included while it moves and for exactly one
// update after it stops, so peers see where it came to rest.
func (p *playerState) movementUpdate() bool {
	if !p.spawned {
		return false
	}
	moving := !p.velocity.IsZero() ||
		p.location != p.recentLocation ||
		p.rotation != p.recentRotation

	include := moving || p.recentlyMoving
	p.recentlyMoving = moving
	p.recentLocation = p.location
	p.recentRotation = p.rotation
	return include
}

// place puts the player at a spawn point, alive and still.
func (p *playerState) place(loc protocol.Vector, rot protocol.Rotator) {
	p.spawned = true
	p.alive = true
	p.location = loc
	p.rotation = rot
	p.velocity = protocol.Vector{}
	p.recentLocation = loc
	p.recentRotation = rot
	p.recentlyMoving = false
}
