package server

import (
	"net"
	"sort"
	"time"

	"github.com/arena-project/arena/internal/bufpool"
	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/protocol"
)

// PlayerInfo is a point-in-time view of one connection.
type PlayerInfo struct {
	ConnID    uint16                 `json:"conn_id"`
	SessionID string                 `json:"session_id,omitempty"`
	Nickname  string                 `json:"nickname,omitempty"`
	Remote    string                 `json:"remote"`
	State     events.ConnectionState `json:"state"`
	Spawned   bool                   `json:"spawned"`
	Alive     bool                   `json:"alive"`
	Location  protocol.Vector        `json:"location"`
	Kills     uint32                 `json:"kills"`
	Deaths    uint32                 `json:"deaths"`
	Accepted  time.Time              `json:"accepted_at"`
	JoinedAt  time.Time              `json:"joined_at,omitempty"`
	Outbound  int                    `json:"outbound_queued"`
}

// RoundInfo describes the current round.
type RoundInfo struct {
	ID        string        `json:"id"`
	Number    int           `json:"number"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Remaining time.Duration `json:"remaining"`
}

// Status is a point-in-time summary of the server.
type Status struct {
	Running       bool          `json:"running"`
	Name          string        `json:"name"`
	Address       string        `json:"address,omitempty"`
	MapName       string        `json:"map_name"`
	MaxClients    int           `json:"max_clients"`
	Unverified    int           `json:"unverified"`
	Live          int           `json:"live"`
	Disconnecting int           `json:"disconnecting"`
	InboundQueued int           `json:"inbound_queued"`
	Round         RoundInfo     `json:"round"`
	Pool          bufpool.Stats `json:"pool"`
	Ticks         TickStats     `json:"ticks"`
}

// Players returns every known connection ordered by id.
func (s *GameServer) Players() []PlayerInfo {
	s.connMu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.connMu.RUnlock()

	players := make([]PlayerInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := PlayerInfo{
			ConnID:   uint16(sess.id),
			Remote:   sess.remote,
			State:    s.states.State(sess.id),
			Accepted: sess.acceptedAt,
			Outbound: sess.out.Len(),
		}
		sess.mu.Lock()
		info.SessionID = sess.player.sessionID
		info.Nickname = sess.player.nickname
		info.Spawned = sess.player.spawned
		info.Alive = sess.player.alive
		info.Location = sess.player.location
		info.Kills = sess.player.kills
		info.Deaths = sess.player.deaths
		info.JoinedAt = sess.player.joinedAt
		sess.mu.Unlock()
		players = append(players, info)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].ConnID < players[j].ConnID })
	return players
}

// Status returns a summary of the server.
func (s *GameServer) Status() Status {
	unverified, live, disconnecting := s.states.Counts()

	st := Status{
		Running:       s.IsRunning(),
		Name:          s.cfg.Name,
		MapName:       s.cfg.MapName,
		MaxClients:    s.cfg.MaxClients,
		Unverified:    unverified,
		Live:          live,
		Disconnecting: disconnecting,
		InboundQueued: s.inbound.Len(),
		Round:         s.Round(),
		Pool:          s.pool.Stats(),
		Ticks:         s.monitor.Snapshot(),
	}
	if addr := s.Addr(); addr != nil {
		st.Address = addr.String()
	}
	return st
}

// Round returns the current round.
func (s *GameServer) Round() RoundInfo {
	s.roundMu.RLock()
	defer s.roundMu.RUnlock()

	info := RoundInfo{
		ID:        s.roundID,
		Number:    s.roundNumber,
		StartedAt: s.roundStartedAt,
		Elapsed:   s.roundElapsed,
	}
	if length := s.cfg.RoundDuration(); length > 0 && length > s.roundElapsed {
		info.Remaining = length - s.roundElapsed
	}
	return info
}

// State returns the lifecycle state of one connection.
func (s *GameServer) State(id network.ConnID) events.ConnectionState {
	return s.states.State(id)
}

// Kick schedules a connection for teardown.
func (s *GameServer) Kick(id network.ConnID) error {
	if s.session(id) == nil {
		return network.ErrUnknownClient
	}
	if !s.disconnect(id, "kicked") {
		return network.ErrUnknownClient
	}
	return nil
}

// DiscoveryInfo describes the server for LAN discovery replies.
func (s *GameServer) DiscoveryInfo() network.DiscoveryInfo {
	_, live, _ := s.states.Counts()
	info := network.DiscoveryInfo{
		Name:       s.cfg.Name,
		MapName:    s.cfg.MapName,
		Players:    uint8(live),
		MaxPlayers: uint8(s.cfg.MaxClients),
		GamePort:   uint16(s.cfg.Port),
	}
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		info.GamePort = uint16(addr.Port)
	}
	return info
}

// Payload flattens the status into the heartbeat event payload.
func (st Status) Payload() events.StatusPayload {
	return events.StatusPayload{
		Players:        st.Live,
		Unverified:     st.Unverified,
		Disconnecting:  st.Disconnecting,
		MaxClients:     st.MaxClients,
		MapName:        st.MapName,
		RoundRemaining: st.Round.Remaining.Seconds(),
		PoolTotal:      st.Pool.TotalSize,
		PoolUsed:       st.Pool.UsedSize,
		PoolMax:        st.Pool.MaxSize,
	}
}
