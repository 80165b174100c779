package client

import (
	"github.com/arena-project/arena/internal/protocol"
)

// Shoot reports a shot fired from loc facing rot.
func (c *Client) Shoot(loc protocol.Vector, rot protocol.Rotator) error {
	return c.sendAs(func(id uint16) protocol.Packet {
		return protocol.Shoot{PlayerID: id, Location: loc, Rotation: rot}
	})
}

// AttachRope fires the rope at point. The server answers with RopeFailed
// while the rope is cooling down.
func (c *Client) AttachRope(point protocol.Vector) error {
	return c.sendAs(func(id uint16) protocol.Packet {
		return protocol.RopeAttach{PlayerID: id, Point: point}
	})
}

// DetachRope releases the rope.
func (c *Client) DetachRope() error {
	return c.sendAs(func(id uint16) protocol.Packet {
		return protocol.RopeDetach{PlayerID: id}
	})
}

// UpdateVelocity reports a new velocity. The local roster entry follows
// immediately since the server does not echo it back.
func (c *Client) UpdateVelocity(v protocol.Vector) error {
	err := c.sendAs(func(id uint16) protocol.Packet {
		return protocol.UpdateVelocity{PlayerID: id, Velocity: v}
	})
	if err == nil {
		c.updateSelf(func(p *Player) { p.Velocity = v })
	}
	return err
}

// UpdateRotation reports a new facing.
func (c *Client) UpdateRotation(r protocol.Rotator) error {
	err := c.sendAs(func(id uint16) protocol.Packet {
		return protocol.Rotate{PlayerID: id, Rotation: r}
	})
	if err == nil {
		c.updateSelf(func(p *Player) { p.Rotation = r })
	}
	return err
}

// Dead reports this player's death. killer is 0 for a suicide or an
// environmental death.
func (c *Client) Dead(killer uint16) error {
	return c.sendAs(func(id uint16) protocol.Packet {
		return protocol.Death{PlayerID: id, KillerID: killer}
	})
}

// Respawn puts this player back into the arena at loc.
func (c *Client) Respawn(loc protocol.Vector, rot protocol.Rotator) error {
	return c.sendAs(func(id uint16) protocol.Packet {
		return protocol.Respawn{PlayerID: id, Location: loc, Rotation: rot}
	})
}

// sendAs builds a packet stamped with our id and queues it. Gameplay
// packets are only accepted once the server has identified us.
func (c *Client) sendAs(build func(id uint16) protocol.Packet) error {
	if !c.IsIdentified() {
		return ErrNotIdentified
	}
	return c.enqueue(build(c.ID()))
}

func (c *Client) updateSelf(fn func(p *Player)) {
	id := c.ID()
	c.rosterMu.Lock()
	defer c.rosterMu.Unlock()
	if p := c.roster[id]; p != nil {
		fn(p)
	}
}
