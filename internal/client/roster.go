package client

import (
	"sort"
	"time"

	"github.com/arena-project/arena/internal/protocol"
)

// Player is the client's view of one player in the arena, itself included.
type Player struct {
	ID       uint16
	Nickname string
	Location protocol.Vector
	Rotation protocol.Rotator
	Velocity protocol.Vector
	Alive    bool
	Kills    uint32
	Deaths   uint32

	RopeAttached bool
	RopePoint    protocol.Vector
}

// Players returns a copy of the roster ordered by id.
func (c *Client) Players() []Player {
	c.rosterMu.RLock()
	defer c.rosterMu.RUnlock()

	out := make([]Player, 0, len(c.roster))
	for _, p := range c.roster {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Player returns one roster entry.
func (c *Client) Player(id uint16) (Player, bool) {
	c.rosterMu.RLock()
	defer c.rosterMu.RUnlock()

	p, ok := c.roster[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// Self returns the roster entry of this client once the server spawned it.
func (c *Client) Self() (Player, bool) {
	id := c.ID()
	if id == 0 {
		return Player{}, false
	}
	return c.Player(id)
}

// Score returns this client's kills and deaths.
func (c *Client) Score() (kills, deaths uint32) {
	p, _ := c.Self()
	return p.Kills, p.Deaths
}

// RejectReason returns the reason the server sent before dropping us.
func (c *Client) RejectReason() (protocol.ReasonCode, bool) {
	c.rosterMu.RLock()
	defer c.rosterMu.RUnlock()

	if c.reason == nil {
		return 0, false
	}
	return *c.reason, true
}

// RopeCooldown returns the cooldown in seconds from the last refused rope.
func (c *Client) RopeCooldown() float32 {
	c.rosterMu.RLock()
	defer c.rosterMu.RUnlock()
	return c.ropeCooldown
}

// Rounds returns how many round restarts were seen and the length of the
// current round in seconds.
func (c *Client) Rounds() (count int, roundTime float32) {
	c.rosterMu.RLock()
	defer c.rosterMu.RUnlock()
	return c.rounds, c.roundTime
}

// apply folds one server packet into the roster.
func (c *Client) apply(p protocol.Packet) {
	c.rosterMu.Lock()
	defer c.rosterMu.Unlock()

	switch v := p.(type) {
	case protocol.ProvideIdentity:
		// Handled on the receive worker.

	case protocol.CreatePlayer:
		c.roster[v.PlayerID] = &Player{
			ID:       v.PlayerID,
			Nickname: v.Nickname,
			Location: v.Location,
			Rotation: v.Rotation,
			Alive:    true,
		}
		c.logger.Debug().Uint16("player_id", v.PlayerID).Str("player", v.Nickname).Msg("player created")

	case protocol.DestroyPlayer:
		delete(c.roster, v.PlayerID)
		c.logger.Debug().Uint16("player_id", v.PlayerID).Msg("player destroyed")

	case protocol.UpdateVelocity:
		if pl := c.roster[v.PlayerID]; pl != nil {
			pl.Velocity = v.Velocity
		}

	case protocol.Rotate:
		if pl := c.roster[v.PlayerID]; pl != nil {
			pl.Rotation = v.Rotation
		}

	case protocol.PlayerMovement:
		if pl := c.roster[v.PlayerID]; pl != nil {
			pl.Location = v.Location
			pl.Rotation = v.Rotation
			pl.Velocity = v.Velocity
		}

	case protocol.RopeAttach:
		if pl := c.roster[v.PlayerID]; pl != nil {
			pl.RopeAttached = true
			pl.RopePoint = v.Point
		}

	case protocol.RopeDetach:
		if pl := c.roster[v.PlayerID]; pl != nil {
			pl.RopeAttached = false
		}

	case protocol.RopeFailed:
		c.ropeCooldown = v.Cooldown
		if pl := c.roster[v.PlayerID]; pl != nil {
			pl.RopeAttached = false
		}

	case protocol.Death:
		if pl := c.roster[v.PlayerID]; pl != nil {
			pl.Alive = false
			pl.Velocity = protocol.Vector{}
			pl.RopeAttached = false
		}

	case protocol.Respawn:
		if pl := c.roster[v.PlayerID]; pl != nil {
			pl.Alive = true
			pl.Location = v.Location
			pl.Rotation = v.Rotation
			pl.Velocity = protocol.Vector{}
			pl.RopeAttached = false
		}

	case protocol.ScoreboardUpdate:
		if pl := c.roster[v.PlayerID]; pl != nil {
			pl.Kills = v.Kills
			pl.Deaths = v.Deaths
		}

	case protocol.RoundRestart:
		c.rounds++
		c.roundTime = v.RoundTime
		c.logger.Info().Float32("round_time", v.RoundTime).Msg("round restarted")

	case protocol.Reason:
		code := v.Code
		c.reason = &code
		c.logger.Warn().Stringer("reason", code).Msg("server rejected the connection")

	case protocol.Shoot:
		// Nothing to track; the handler renders shots.

	default:
		c.logger.Warn().Stringer("header", p.Header()).Msg("unexpected packet from server")
	}
}

// extrapolate moves every living player along its last known velocity
// until the next movement snapshot corrects it.
func (c *Client) extrapolate(dt time.Duration) {
	if dt <= 0 {
		return
	}
	secs := float32(dt.Seconds())

	c.rosterMu.Lock()
	defer c.rosterMu.Unlock()
	for _, pl := range c.roster {
		if pl.Alive && !pl.Velocity.IsZero() {
			pl.Location = pl.Location.Add(pl.Velocity.Scale(secs))
		}
	}
}
