package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// reader consumes little-endian fields from a slice whose length has already
// been validated against the packet size, so individual reads never fail.
type reader struct {
	data []byte
	off  int
}

func (r *reader) u8() uint8 {
	v := r.data[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *reader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *reader) skip(n int) {
	r.off += n
}

func (r *reader) vector() Vector {
	return Vector{X: r.f32(), Y: r.f32(), Z: r.f32()}
}

func (r *reader) rotator() Rotator {
	return Rotator{Pitch: r.f32(), Yaw: r.f32(), Roll: r.f32()}
}

func (r *reader) str(n int) string {
	s := string(r.data[r.off : r.off+n])
	r.off += n
	return s
}

// prefix consumes the common header and returns the player id.
func (r *reader) prefix() uint16 {
	r.skip(2)
	return r.u16()
}

// packetSize returns the exact size of the packet at the start of data,
// reading the embedded length bytes for variable-length kinds.
func packetSize(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty input: %w", ErrShortPacket)
	}

	h := Header(data[0])
	switch h {
	case HProvideIdentity:
		return sizeProvideIdentity, nil
	case HCreatePlayer:
		if len(data) < sizeCreatePlayerPrefix {
			return 0, fmt.Errorf("%s prefix needs %d bytes, have %d: %w", h, sizeCreatePlayerPrefix, len(data), ErrShortPacket)
		}
		return sizeCreatePlayerPrefix + int(data[sizeCreatePlayerPrefix-4]), nil
	case HDestroyPlayer:
		return sizeDestroyPlayer, nil
	case HShoot:
		return sizeShoot, nil
	case HUpdateVelocity:
		return sizeUpdateVelocity, nil
	case HRotate:
		return sizeRotate, nil
	case HPlayerMovement:
		return sizePlayerMovement, nil
	case HRopeAttach:
		return sizeRopeAttach, nil
	case HRopeFailed:
		return sizeRopeFailed, nil
	case HRopeDetach:
		return sizeRopeDetach, nil
	case HDeath:
		return sizeDeath, nil
	case HRespawn:
		return sizeRespawn, nil
	case HInitConnection:
		if len(data) < sizeInitConnectionPrefix {
			return 0, fmt.Errorf("%s prefix needs %d bytes, have %d: %w", h, sizeInitConnectionPrefix, len(data), ErrShortPacket)
		}
		return sizeInitConnectionPrefix + int(data[PrefixSize]) + int(data[PrefixSize+1]), nil
	case HScoreboardUpdate:
		return sizeScoreboardUpdate, nil
	case HReason:
		return sizeReason, nil
	case HRoundRestart:
		return sizeRoundRestart, nil
	default:
		return 0, fmt.Errorf("header 0x%02X: %w", data[0], ErrUnknownHeader)
	}
}

// parse decodes exactly one packet from data, whose length must already
// equal packetSize(data).
func parse(data []byte) Packet {
	r := &reader{data: data}

	switch Header(data[0]) {
	case HProvideIdentity:
		return ProvideIdentity{PlayerID: r.prefix()}
	case HCreatePlayer:
		p := CreatePlayer{PlayerID: r.prefix(), Location: r.vector(), Rotation: r.rotator()}
		n := int(r.u8())
		r.skip(3)
		p.Nickname = r.str(n)
		return p
	case HDestroyPlayer:
		return DestroyPlayer{PlayerID: r.prefix()}
	case HShoot:
		return Shoot{PlayerID: r.prefix(), Location: r.vector(), Rotation: r.rotator()}
	case HUpdateVelocity:
		return UpdateVelocity{PlayerID: r.prefix(), Velocity: r.vector()}
	case HRotate:
		return Rotate{PlayerID: r.prefix(), Rotation: r.rotator()}
	case HPlayerMovement:
		return PlayerMovement{PlayerID: r.prefix(), Location: r.vector(), Rotation: r.rotator(), Velocity: r.vector()}
	case HRopeAttach:
		return RopeAttach{PlayerID: r.prefix(), Point: r.vector()}
	case HRopeFailed:
		return RopeFailed{PlayerID: r.prefix(), Cooldown: r.f32()}
	case HRopeDetach:
		return RopeDetach{PlayerID: r.prefix()}
	case HDeath:
		return Death{PlayerID: r.prefix(), KillerID: r.u16()}
	case HRespawn:
		return Respawn{PlayerID: r.prefix(), Location: r.vector(), Rotation: r.rotator()}
	case HInitConnection:
		p := InitConnection{PlayerID: r.prefix()}
		mapLen := int(r.u8())
		nickLen := int(r.u8())
		r.skip(2)
		p.MapName = r.str(mapLen)
		p.Nickname = r.str(nickLen)
		return p
	case HScoreboardUpdate:
		return ScoreboardUpdate{PlayerID: r.prefix(), Kills: r.u32(), Deaths: r.u32()}
	case HReason:
		return Reason{PlayerID: r.prefix(), Code: ReasonCode(r.u8())}
	case HRoundRestart:
		return RoundRestart{PlayerID: r.prefix(), RoundTime: r.f32()}
	default:
		return nil
	}
}
