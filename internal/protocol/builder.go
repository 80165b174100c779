package protocol

import (
	"encoding/binary"
	"math"
)

// builder appends little-endian fields to a byte slice. When the slice has
// enough spare capacity the packet is written in place, which is how Encode
// fills pooled buffers without an intermediate copy.
type builder struct {
	buf []byte
}

func (b *builder) u8(v uint8) *builder {
	b.buf = append(b.buf, v)
	return b
}

func (b *builder) u16(v uint16) *builder {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
	return b
}

func (b *builder) u32(v uint32) *builder {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	return b
}

func (b *builder) f32(v float32) *builder {
	return b.u32(math.Float32bits(v))
}

func (b *builder) zero(n int) *builder {
	for i := 0; i < n; i++ {
		b.buf = append(b.buf, 0)
	}
	return b
}

func (b *builder) vector(v Vector) *builder {
	return b.f32(v.X).f32(v.Y).f32(v.Z)
}

func (b *builder) rotator(r Rotator) *builder {
	return b.f32(r.Pitch).f32(r.Yaw).f32(r.Roll)
}

// str writes raw string bytes. The length byte lives in the fixed prefix and
// must already have been written.
func (b *builder) str(s string) *builder {
	b.buf = append(b.buf, s...)
	return b
}

func (b *builder) prefix(h Header, id uint16) *builder {
	return b.u8(uint8(h)).u8(0).u16(id)
}

func (p ProvideIdentity) appendTo(b *builder) {
	b.prefix(HProvideIdentity, p.PlayerID)
}

func (p CreatePlayer) appendTo(b *builder) {
	b.prefix(HCreatePlayer, p.PlayerID).
		vector(p.Location).
		rotator(p.Rotation).
		u8(uint8(len(p.Nickname))).zero(3).
		str(p.Nickname)
}

func (p DestroyPlayer) appendTo(b *builder) {
	b.prefix(HDestroyPlayer, p.PlayerID)
}

func (p Shoot) appendTo(b *builder) {
	b.prefix(HShoot, p.PlayerID).vector(p.Location).rotator(p.Rotation)
}

func (p UpdateVelocity) appendTo(b *builder) {
	b.prefix(HUpdateVelocity, p.PlayerID).vector(p.Velocity)
}

func (p Rotate) appendTo(b *builder) {
	b.prefix(HRotate, p.PlayerID).rotator(p.Rotation)
}

func (p PlayerMovement) appendTo(b *builder) {
	b.prefix(HPlayerMovement, p.PlayerID).
		vector(p.Location).
		rotator(p.Rotation).
		vector(p.Velocity)
}

func (p RopeAttach) appendTo(b *builder) {
	b.prefix(HRopeAttach, p.PlayerID).vector(p.Point)
}

func (p RopeFailed) appendTo(b *builder) {
	b.prefix(HRopeFailed, p.PlayerID).f32(p.Cooldown)
}

func (p RopeDetach) appendTo(b *builder) {
	b.prefix(HRopeDetach, p.PlayerID)
}

func (p Death) appendTo(b *builder) {
	b.prefix(HDeath, p.PlayerID).u16(p.KillerID).zero(2)
}

func (p Respawn) appendTo(b *builder) {
	b.prefix(HRespawn, p.PlayerID).vector(p.Location).rotator(p.Rotation)
}

func (p InitConnection) appendTo(b *builder) {
	b.prefix(HInitConnection, p.PlayerID).
		u8(uint8(len(p.MapName))).
		u8(uint8(len(p.Nickname))).
		zero(2).
		str(p.MapName).
		str(p.Nickname)
}

func (p ScoreboardUpdate) appendTo(b *builder) {
	b.prefix(HScoreboardUpdate, p.PlayerID).u32(p.Kills).u32(p.Deaths)
}

func (p Reason) appendTo(b *builder) {
	b.prefix(HReason, p.PlayerID).u8(uint8(p.Code)).zero(3)
}

func (p RoundRestart) appendTo(b *builder) {
	b.prefix(HRoundRestart, p.PlayerID).f32(p.RoundTime)
}
