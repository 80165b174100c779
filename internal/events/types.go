// Package events defines the event types published by the arena server and
// the bus that carries them to telemetry, persistence and the live feed.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle
	EventClientAccepted     EventType = "client_accepted"
	EventConnectionRejected EventType = "connection_rejected"
	EventPlayerJoined       EventType = "player_joined"
	EventPlayerLeft         EventType = "player_left"

	// Gameplay
	EventPlayerKilled      EventType = "player_killed"
	EventScoreboardChanged EventType = "scoreboard_changed"
	EventRoundRestarted    EventType = "round_restarted"

	// System
	EventServerStatus  EventType = "server_status"
	EventHealthWarning EventType = "health_warning"
	EventHistoryPruned EventType = "history_pruned"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// ConnectionState is the lifecycle state of one connection.
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateUnverified
	StateLive
	StateDisconnecting
)

var connectionStateStrings = map[ConnectionState]string{
	StateUnknown:       "unknown",
	StateUnverified:    "unverified",
	StateLive:          "live",
	StateDisconnecting: "disconnecting",
}

// String returns the string representation of ConnectionState.
func (s ConnectionState) String() string {
	if str, ok := connectionStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes ConnectionState as a JSON string (e.g. "live").
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// ClientPayload describes a connection that has not joined yet.
type ClientPayload struct {
	ConnID uint16 `json:"conn_id"`
	Remote string `json:"remote"`
}

// RejectedPayload is emitted when a connection is turned away.
type RejectedPayload struct {
	ConnID   uint16 `json:"conn_id"`
	Remote   string `json:"remote,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Reason   string `json:"reason"`
}

// PlayerPayload describes a player joining or leaving.
type PlayerPayload struct {
	SessionID string    `json:"session_id"`
	ConnID    uint16    `json:"conn_id"`
	Nickname  string    `json:"nickname"`
	Remote    string    `json:"remote,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
	LeftAt    time.Time `json:"left_at,omitempty"`
	Kills     uint32    `json:"kills"`
	Deaths    uint32    `json:"deaths"`
	Reason    string    `json:"reason,omitempty"`
}

// KillPayload is emitted when a player reports its death.
type KillPayload struct {
	VictimID     uint16 `json:"victim_id"`
	VictimName   string `json:"victim_name"`
	KillerID     uint16 `json:"killer_id"`
	KillerName   string `json:"killer_name,omitempty"`
	VictimDeaths uint32 `json:"victim_deaths"`
	KillerKills  uint32 `json:"killer_kills"`
}

// ScoreEntry is one line of the scoreboard.
type ScoreEntry struct {
	ConnID   uint16 `json:"conn_id"`
	Nickname string `json:"nickname"`
	Kills    uint32 `json:"kills"`
	Deaths   uint32 `json:"deaths"`
}

// RoundPayload is emitted when the round timer expires.
type RoundPayload struct {
	RoundID   string        `json:"round_id"`
	Number    int           `json:"number"`
	MapName   string        `json:"map_name"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
	Scores    []ScoreEntry  `json:"scores"`
}

// StatusPayload is the periodic server heartbeat.
type StatusPayload struct {
	Players        int     `json:"players"`
	Unverified     int     `json:"unverified"`
	Disconnecting  int     `json:"disconnecting"`
	MaxClients     int     `json:"max_clients"`
	MapName        string  `json:"map_name"`
	RoundRemaining float64 `json:"round_remaining_seconds"`
	PoolTotal      int     `json:"pool_total_bytes"`
	PoolUsed       int     `json:"pool_used_bytes"`
	PoolMax        int     `json:"pool_max_bytes"`
}

// HealthPayload is emitted when a health check crosses its threshold.
type HealthPayload struct {
	Check     string  `json:"check"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// PrunePayload reports a history retention pass.
type PrunePayload struct {
	Before   time.Time `json:"before"`
	Sessions int64     `json:"sessions"`
	Rounds   int64     `json:"rounds"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string      `json:"section"`
	Key     string      `json:"key"`
	Value   interface{} `json:"value"`
}
