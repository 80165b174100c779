// Package protocol implements the binary packet codec spoken between arena
// clients and the arena server. Every packet starts with the same 4-byte
// prefix [header:1][padding:1][player id:2], followed by kind-specific fields.
// All integers are little-endian, floats are IEEE-754 float32, and there is no
// framing length prefix: the decoder derives each packet's size from its
// header and, for the two variable-length kinds, from the length bytes stored
// in the fixed prefix.
package protocol

import "fmt"

// Header is the one-byte discriminant at the start of every packet.
type Header uint8

const (
	HProvideIdentity  Header = iota // S2C: your connection id
	HCreatePlayer                   // S2C: spawn a player (+nickname)
	HDestroyPlayer                  // S2C: remove a player
	HShoot                          // both
	HUpdateVelocity                 // both
	HRotate                         // both
	HPlayerMovement                 // S2C: position snapshot
	HRopeAttach                     // both
	HRopeFailed                     // S2C: attach refused, carries cooldown
	HRopeDetach                     // both
	HDeath                          // both, carries killer id
	HRespawn                        // both
	HInitConnection                 // C2S: handshake (+map name, +nickname)
	HScoreboardUpdate               // S2C: kills/deaths for one player
	HReason                         // S2C: rejection reason
	HRoundRestart                   // S2C: round timer expired

	headerCount
)

var headerNames = [...]string{
	HProvideIdentity:  "provide_identity",
	HCreatePlayer:     "create_player",
	HDestroyPlayer:    "destroy_player",
	HShoot:            "shoot",
	HUpdateVelocity:   "update_velocity",
	HRotate:           "rotate",
	HPlayerMovement:   "player_movement",
	HRopeAttach:       "rope_attach",
	HRopeFailed:       "rope_failed",
	HRopeDetach:       "rope_detach",
	HDeath:            "death",
	HRespawn:          "respawn",
	HInitConnection:   "init_connection",
	HScoreboardUpdate: "scoreboard_update",
	HReason:           "reason",
	HRoundRestart:     "round_restart",
}

func (h Header) String() string {
	if h < headerCount {
		return headerNames[h]
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(h))
}

// Valid reports whether h is one of the known packet kinds.
func (h Header) Valid() bool {
	return h < headerCount
}

// ReasonCode explains why the server rejected a connection.
type ReasonCode uint8

const (
	ReasonInvalidData ReasonCode = iota
	ReasonInvalidMap
	ReasonInvalidNickname
	ReasonServerFull
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonInvalidData:
		return "invalid_data"
	case ReasonInvalidMap:
		return "invalid_map"
	case ReasonInvalidNickname:
		return "invalid_nickname"
	case ReasonServerFull:
		return "server_full"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Vector is a float32 {x,y,z} triple.
type Vector struct {
	X, Y, Z float32
}

// Add returns v + o.
func (v Vector) Add(o Vector) Vector {
	return Vector{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Scale returns v * s.
func (v Vector) Scale(s float32) Vector {
	return Vector{v.X * s, v.Y * s, v.Z * s}
}

// IsZero reports whether every component is zero.
func (v Vector) IsZero() bool {
	return v == Vector{}
}

// Rotator is a float32 {pitch,yaw,roll} triple.
type Rotator struct {
	Pitch, Yaw, Roll float32
}

// Wire sizes.
const (
	PrefixSize  = 4
	vectorSize  = 12
	rotatorSize = 12

	// MaxStringLen is the longest string a 1-byte length field can describe.
	MaxStringLen = 255

	// MaxPacketSize is the longest encoding of any packet kind.
	MaxPacketSize = sizeInitConnectionPrefix + 2*MaxStringLen
)

// Packet is implemented by every packet kind. Packets are plain values;
// Encode serializes them into pooled buffers and Decode produces fresh ones.
type Packet interface {
	Header() Header
	// Size is the exact encoded size including any string payload.
	Size() int

	appendTo(b *builder)
}

// ProvideIdentity tells a freshly accepted client its connection id.
type ProvideIdentity struct {
	PlayerID uint16
}

// CreatePlayer announces a player entering the arena.
// Layout: prefix, location, rotation, [nick len:1][reserved:3], nickname.
type CreatePlayer struct {
	PlayerID uint16
	Location Vector
	Rotation Rotator
	Nickname string
}

// DestroyPlayer announces a player leaving the arena.
type DestroyPlayer struct {
	PlayerID uint16
}

// Shoot is a shot fired from Location facing Rotation.
type Shoot struct {
	PlayerID uint16
	Location Vector
	Rotation Rotator
}

// UpdateVelocity carries a player's new velocity vector.
type UpdateVelocity struct {
	PlayerID uint16
	Velocity Vector
}

// Rotate carries a player's new facing.
type Rotate struct {
	PlayerID uint16
	Rotation Rotator
}

// PlayerMovement is the periodic server snapshot of one moving player.
type PlayerMovement struct {
	PlayerID uint16
	Location Vector
	Rotation Rotator
	Velocity Vector
}

// RopeAttach is a rope fired at Point.
type RopeAttach struct {
	PlayerID uint16
	Point    Vector
}

// RopeFailed rejects a RopeAttach still on cooldown.
type RopeFailed struct {
	PlayerID uint16
	Cooldown float32 // seconds remaining
}

// RopeDetach releases a player's rope.
type RopeDetach struct {
	PlayerID uint16
}

// Death reports PlayerID killed by KillerID.
// Layout: prefix, [killer:2][padding:2].
type Death struct {
	PlayerID uint16
	KillerID uint16
}

// Respawn places a dead player back into the arena.
type Respawn struct {
	PlayerID uint16
	Location Vector
	Rotation Rotator
}

// InitConnection is the client handshake.
// Layout: prefix, [map len:1][nick len:1][padding:2], map name, nickname.
type InitConnection struct {
	PlayerID uint16
	MapName  string
	Nickname string
}

// ScoreboardUpdate carries one player's score.
type ScoreboardUpdate struct {
	PlayerID uint16
	Kills    uint32
	Deaths   uint32
}

// Reason is sent right before the server drops a connection.
// Layout: prefix, [code:1][padding:3].
type Reason struct {
	PlayerID uint16
	Code     ReasonCode
}

// RoundRestart tells clients a new round of RoundTime seconds has begun.
type RoundRestart struct {
	PlayerID  uint16
	RoundTime float32
}

// Fixed encoded sizes. Variable kinds list their prefix size.
const (
	sizeProvideIdentity      = PrefixSize
	sizeCreatePlayerPrefix   = PrefixSize + vectorSize + rotatorSize + 4
	sizeDestroyPlayer        = PrefixSize
	sizeShoot                = PrefixSize + vectorSize + rotatorSize
	sizeUpdateVelocity       = PrefixSize + vectorSize
	sizeRotate               = PrefixSize + rotatorSize
	sizePlayerMovement       = PrefixSize + vectorSize + rotatorSize + vectorSize
	sizeRopeAttach           = PrefixSize + vectorSize
	sizeRopeFailed           = PrefixSize + 4
	sizeRopeDetach           = PrefixSize
	sizeDeath                = PrefixSize + 4
	sizeRespawn              = PrefixSize + vectorSize + rotatorSize
	sizeInitConnectionPrefix = PrefixSize + 4
	sizeScoreboardUpdate     = PrefixSize + 8
	sizeReason               = PrefixSize + 4
	sizeRoundRestart         = PrefixSize + 4
)

func (ProvideIdentity) Header() Header  { return HProvideIdentity }
func (CreatePlayer) Header() Header     { return HCreatePlayer }
func (DestroyPlayer) Header() Header    { return HDestroyPlayer }
func (Shoot) Header() Header            { return HShoot }
func (UpdateVelocity) Header() Header   { return HUpdateVelocity }
func (Rotate) Header() Header           { return HRotate }
func (PlayerMovement) Header() Header   { return HPlayerMovement }
func (RopeAttach) Header() Header       { return HRopeAttach }
func (RopeFailed) Header() Header       { return HRopeFailed }
func (RopeDetach) Header() Header       { return HRopeDetach }
func (Death) Header() Header            { return HDeath }
func (Respawn) Header() Header          { return HRespawn }
func (InitConnection) Header() Header   { return HInitConnection }
func (ScoreboardUpdate) Header() Header { return HScoreboardUpdate }
func (Reason) Header() Header           { return HReason }
func (RoundRestart) Header() Header     { return HRoundRestart }

func (ProvideIdentity) Size() int  { return sizeProvideIdentity }
func (p CreatePlayer) Size() int   { return sizeCreatePlayerPrefix + len(p.Nickname) }
func (DestroyPlayer) Size() int    { return sizeDestroyPlayer }
func (Shoot) Size() int            { return sizeShoot }
func (UpdateVelocity) Size() int   { return sizeUpdateVelocity }
func (Rotate) Size() int           { return sizeRotate }
func (PlayerMovement) Size() int   { return sizePlayerMovement }
func (RopeAttach) Size() int       { return sizeRopeAttach }
func (RopeFailed) Size() int       { return sizeRopeFailed }
func (RopeDetach) Size() int       { return sizeRopeDetach }
func (Death) Size() int            { return sizeDeath }
func (Respawn) Size() int          { return sizeRespawn }
func (p InitConnection) Size() int { return sizeInitConnectionPrefix + len(p.MapName) + len(p.Nickname) }
func (ScoreboardUpdate) Size() int { return sizeScoreboardUpdate }
func (Reason) Size() int           { return sizeReason }
func (RoundRestart) Size() int     { return sizeRoundRestart }

// PlayerIDOf returns the id field every packet carries in its prefix.
func PlayerIDOf(p Packet) uint16 {
	switch v := p.(type) {
	case ProvideIdentity:
		return v.PlayerID
	case CreatePlayer:
		return v.PlayerID
	case DestroyPlayer:
		return v.PlayerID
	case Shoot:
		return v.PlayerID
	case UpdateVelocity:
		return v.PlayerID
	case Rotate:
		return v.PlayerID
	case PlayerMovement:
		return v.PlayerID
	case RopeAttach:
		return v.PlayerID
	case RopeFailed:
		return v.PlayerID
	case RopeDetach:
		return v.PlayerID
	case Death:
		return v.PlayerID
	case Respawn:
		return v.PlayerID
	case InitConnection:
		return v.PlayerID
	case ScoreboardUpdate:
		return v.PlayerID
	case Reason:
		return v.PlayerID
	case RoundRestart:
		return v.PlayerID
	default:
		return 0
	}
}
