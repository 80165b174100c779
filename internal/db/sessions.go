package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/events"
)

// SessionStore records finished player sessions and rounds.
type SessionStore struct {
	db     *Database
	logger zerolog.Logger
}

// SessionRecord is one player's stay on the server.
type SessionRecord struct {
	ID       string        `json:"id"`
	ConnID   uint16        `json:"conn_id"`
	Nickname string        `json:"nickname"`
	Remote   string        `json:"remote,omitempty"`
	JoinedAt time.Time     `json:"joined_at"`
	LeftAt   time.Time     `json:"left_at"`
	Duration time.Duration `json:"duration"`
	Kills    uint32        `json:"kills"`
	Deaths   uint32        `json:"deaths"`
	Reason   string        `json:"reason,omitempty"`
}

// RoundRecord is one finished round with its final scoreboard.
type RoundRecord struct {
	ID        string              `json:"id"`
	Number    int                 `json:"number"`
	MapName   string              `json:"map_name"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   time.Time           `json:"ended_at"`
	Scores    []events.ScoreEntry `json:"scores"`
}

// PlayerTotals aggregates every recorded session of one nickname.
type PlayerTotals struct {
	Nickname string        `json:"nickname"`
	Sessions int           `json:"sessions"`
	Kills    uint64        `json:"kills"`
	Deaths   uint64        `json:"deaths"`
	Playtime time.Duration `json:"playtime"`
	LastSeen time.Time     `json:"last_seen"`
}

// NewSessionStore opens the database at dbPath and migrates its schema.
func NewSessionStore(dbPath string, logger zerolog.Logger) (*SessionStore, error) {
	database, err := NewDatabase(dbPath, logger)
	if err != nil {
		return nil, err
	}

	s := &SessionStore{
		db:     database,
		logger: logger.With().Str("component", "session_store").Logger(),
	}
	if err := s.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}
	return s, nil
}

// schema lists the history migrations in order. Append only.
var schema = []string{
	`CREATE TABLE sessions (
		id TEXT PRIMARY KEY,
		conn_id INTEGER NOT NULL,
		nickname TEXT NOT NULL,
		remote TEXT NOT NULL DEFAULT '',
		joined_at INTEGER NOT NULL,
		left_at INTEGER NOT NULL,
		kills INTEGER NOT NULL DEFAULT 0,
		deaths INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE rounds (
		id TEXT PRIMARY KEY,
		number INTEGER NOT NULL,
		map_name TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		scores TEXT NOT NULL DEFAULT '[]'
	);`,
	`CREATE INDEX idx_sessions_left_at ON sessions(left_at);
	CREATE INDEX idx_sessions_nickname ON sessions(nickname);
	CREATE INDEX idx_rounds_ended_at ON rounds(ended_at);`,
}

func (s *SessionStore) migrate() error {
	if err := s.db.Migrate(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Subscribe records sessions and rounds as the server reports them.
func (s *SessionStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventPlayerLeft, "session_store", func(_ context.Context, e events.Event) error {
		p, ok := e.Payload.(events.PlayerPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		return s.RecordSession(p)
	})
	bus.Subscribe(events.EventRoundRestarted, "session_store", func(_ context.Context, e events.Event) error {
		p, ok := e.Payload.(events.RoundPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		return s.RecordRound(p)
	})
}

// Unsubscribe detaches the store from bus.
func (s *SessionStore) Unsubscribe(bus *events.EventBus) {
	bus.Unsubscribe(events.EventPlayerLeft, "session_store")
	bus.Unsubscribe(events.EventRoundRestarted, "session_store")
}

// RecordSession stores one finished session. A missing session id gets a
// fresh one.
func (s *SessionStore) RecordSession(p events.PlayerPayload) error {
	id := p.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	left := p.LeftAt
	if left.IsZero() {
		left = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions
			(id, conn_id, nickname, remote, joined_at, left_at, kills, deaths, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.ConnID, p.Nickname, p.Remote,
		p.JoinedAt.UnixMilli(), left.UnixMilli(),
		p.Kills, p.Deaths, p.Reason)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", id, err)
	}

	s.logger.Debug().Str("session_id", id).Str("nickname", p.Nickname).Msg("session recorded")
	return nil
}

// RecordRound stores one finished round.
func (s *SessionStore) RecordRound(p events.RoundPayload) error {
	id := p.RoundID
	if id == "" {
		id = uuid.NewString()
	}
	scores, err := json.Marshal(p.Scores)
	if err != nil {
		return fmt.Errorf("failed to encode scores: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO rounds (id, number, map_name, started_at, ended_at, scores)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, p.Number, p.MapName, p.StartedAt.UnixMilli(), p.EndedAt.UnixMilli(), string(scores))
	if err != nil {
		return fmt.Errorf("failed to record round %s: %w", id, err)
	}

	s.logger.Debug().Str("round_id", id).Int("number", p.Number).Msg("round recorded")
	return nil
}

// RecentSessions returns up to limit sessions, most recently ended first.
func (s *SessionStore) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, conn_id, nickname, remote, joined_at, left_at, kills, deaths, reason
		FROM sessions
		ORDER BY left_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			r            SessionRecord
			joined, left int64
		)
		if err := rows.Scan(&r.ID, &r.ConnID, &r.Nickname, &r.Remote,
			&joined, &left, &r.Kills, &r.Deaths, &r.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		r.JoinedAt = time.UnixMilli(joined)
		r.LeftAt = time.UnixMilli(left)
		r.Duration = r.LeftAt.Sub(r.JoinedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentRounds returns up to limit rounds, most recently ended first.
func (s *SessionStore) RecentRounds(limit int) ([]RoundRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, number, map_name, started_at, ended_at, scores
		FROM rounds
		ORDER BY ended_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer rows.Close()

	var out []RoundRecord
	for rows.Next() {
		var (
			r              RoundRecord
			started, ended int64
			scores         string
		)
		if err := rows.Scan(&r.ID, &r.Number, &r.MapName, &started, &ended, &scores); err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &r.Scores); err != nil {
			s.logger.Warn().Err(err).Str("round_id", r.ID).Msg("corrupt round scores")
		}
		r.StartedAt = time.UnixMilli(started)
		r.EndedAt = time.UnixMilli(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PlayerTotals sums every session recorded under nickname. It returns
// sql.ErrNoRows when the nickname never played.
func (s *SessionStore) PlayerTotals(nickname string) (PlayerTotals, error) {
	var (
		t        = PlayerTotals{Nickname: nickname}
		playtime int64
		lastSeen sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(kills), 0), COALESCE(SUM(deaths), 0),
		       COALESCE(SUM(left_at - joined_at), 0), MAX(left_at)
		FROM sessions WHERE nickname = ?`, nickname).
		Scan(&t.Sessions, &t.Kills, &t.Deaths, &playtime, &lastSeen)
	if err != nil {
		return t, fmt.Errorf("failed to total %s: %w", nickname, err)
	}
	if t.Sessions == 0 {
		return t, sql.ErrNoRows
	}
	t.Playtime = time.Duration(playtime) * time.Millisecond
	if lastSeen.Valid {
		t.LastSeen = time.UnixMilli(lastSeen.Int64)
	}
	return t, nil
}

// Prune deletes sessions and rounds that ended before cutoff.
func (s *SessionStore) Prune(cutoff time.Time) (sessions, rounds int64, err error) {
	ms := cutoff.UnixMilli()
	err = s.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM sessions WHERE left_at < ?`, ms)
		if err != nil {
			return fmt.Errorf("failed to prune sessions: %w", err)
		}
		if sessions, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.Exec(`DELETE FROM rounds WHERE ended_at < ?`, ms)
		if err != nil {
			return fmt.Errorf("failed to prune rounds: %w", err)
		}
		rounds, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, 0, err
	}

	s.logger.Debug().Int64("sessions", sessions).Int64("rounds", rounds).Time("cutoff", cutoff).Msg("history pruned")
	return sessions, rounds, nil
}
