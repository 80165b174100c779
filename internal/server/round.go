package server

import (
	"sort"
	"time"

	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/protocol"
)

// handleRoundTimer restarts the round once RoundTime has elapsed. A zero
// RoundTime disables the timer.
func (s *GameServer) handleRoundTimer(dt time.Duration) {
	length := s.cfg.RoundDuration()
	if length <= 0 {
		return
	}

	s.roundMu.Lock()
	s.roundElapsed += dt
	expired := s.roundElapsed >= length
	s.roundMu.Unlock()

	if expired {
		s.restartRound()
	}
}

// restartRound records the finished round, zeroes every score, puts all
// players back on spawn points and announces the new round.
func (s *GameServer) restartRound() {
	scores := s.scoreboard()

	s.roundMu.RLock()
	finished := events.RoundPayload{
		RoundID:   s.roundID,
		Number:    s.roundNumber,
		MapName:   s.cfg.MapName,
		StartedAt: s.roundStartedAt,
		EndedAt:   time.Now(),
		Duration:  s.roundElapsed,
		Scores:    scores,
	}
	s.roundMu.RUnlock()

	s.newRound()
	s.broadcast(protocol.RoundRestart{RoundTime: float32(s.cfg.RoundTime)})

	for _, sess := range s.spawnedSessions() {
		loc, rot := s.nextSpawnPoint()

		sess.mu.Lock()
		sess.player.kills = 0
		sess.player.deaths = 0
		sess.player.ropeUsed = false
		sess.player.place(loc, rot)
		sess.mu.Unlock()

		s.broadcast(protocol.Respawn{PlayerID: uint16(sess.id), Location: loc, Rotation: rot})
		s.broadcast(protocol.ScoreboardUpdate{PlayerID: uint16(sess.id)})
	}

	s.logger.Info().
		Int("round", finished.Number).
		Int("players", len(scores)).
		Msg("round restarted")
	s.emit(events.EventRoundRestarted, finished)
}

// scoreboard returns the scores of spawned players, best first.
func (s *GameServer) scoreboard() []events.ScoreEntry {
	var entries []events.ScoreEntry
	for _, sess := range s.spawnedSessions() {
		sess.mu.Lock()
		entries = append(entries, events.ScoreEntry{
			ConnID:   uint16(sess.id),
			Nickname: sess.player.nickname,
			Kills:    sess.player.kills,
			Deaths:   sess.player.deaths,
		})
		sess.mu.Unlock()
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Kills != entries[j].Kills {
			return entries[i].Kills > entries[j].Kills
		}
		return entries[i].Deaths < entries[j].Deaths
	})
	return entries
}
