package db_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arena-project/arena/internal/db"
	"github.com/arena-project/arena/internal/events"
)

func openStore(t *testing.T) *db.SessionStore {
	t.Helper()
	store, err := db.NewSessionStore(filepath.Join(t.TempDir(), "nested", "arena.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionStore_RecordAndList(t *testing.T) {
	store := openStore(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	for i, nick := range []string{"alice", "bob", "carol"} {
		require.NoError(t, store.RecordSession(events.PlayerPayload{
			SessionID: nick + "-session",
			ConnID:    uint16(i + 1),
			Nickname:  nick,
			JoinedAt:  base,
			LeftAt:    base.Add(time.Duration(i+1) * time.Minute),
			Kills:     uint32(i),
			Deaths:    1,
			Reason:    "connection lost",
		}))
	}

	recent, err := store.RecentSessions(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "carol", recent[0].Nickname, "latest departure first")
	assert.Equal(t, "bob", recent[1].Nickname)
	assert.Equal(t, 3*time.Minute, recent[0].Duration)
	assert.Equal(t, uint32(2), recent[0].Kills)
	assert.Equal(t, uint16(3), recent[0].ConnID)
	assert.Equal(t, "connection lost", recent[0].Reason)
	assert.True(t, base.Equal(recent[0].JoinedAt))
}

func TestSessionStore_MissingIDIsGenerated(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.RecordSession(events.PlayerPayload{Nickname: "anon", JoinedAt: time.Now()}))

	recent, err := store.RecentSessions(0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Len(t, recent[0].ID, 36)
}

func TestSessionStore_PlayerTotals(t *testing.T) {
	store := openStore(t)
	start := time.Now().Add(-time.Hour)

	for i := 0; i < 2; i++ {
		require.NoError(t, store.RecordSession(events.PlayerPayload{
			Nickname: "alice",
			JoinedAt: start,
			LeftAt:   start.Add(10 * time.Minute),
			Kills:    3,
			Deaths:   2,
		}))
	}

	totals, err := store.PlayerTotals("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Sessions)
	assert.Equal(t, uint64(6), totals.Kills)
	assert.Equal(t, uint64(4), totals.Deaths)
	assert.Equal(t, 20*time.Minute, totals.Playtime)

	_, err = store.PlayerTotals("nobody")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSessionStore_Rounds(t *testing.T) {
	store := openStore(t)
	start := time.Now().Add(-10 * time.Minute)

	require.NoError(t, store.RecordRound(events.RoundPayload{
		RoundID:   "r1",
		Number:    1,
		MapName:   "arena_orbit",
		StartedAt: start,
		EndedAt:   start.Add(5 * time.Minute),
		Scores: []events.ScoreEntry{
			{ConnID: 1, Nickname: "alice", Kills: 4, Deaths: 1},
			{ConnID: 2, Nickname: "bob", Kills: 1, Deaths: 4},
		},
	}))
	require.NoError(t, store.RecordRound(events.RoundPayload{
		RoundID:   "r2",
		Number:    2,
		MapName:   "arena_orbit",
		StartedAt: start.Add(5 * time.Minute),
		EndedAt:   start.Add(10 * time.Minute),
	}))

	rounds, err := store.RecentRounds(10)
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, "r2", rounds[0].ID)
	assert.Empty(t, rounds[0].Scores)
	require.Len(t, rounds[1].Scores, 2)
	assert.Equal(t, "alice", rounds[1].Scores[0].Nickname)
}

func TestSessionStore_SubscribeRecordsEvents(t *testing.T) {
	store := openStore(t)
	bus := events.NewEventBus(zerolog.Nop())
	defer bus.Stop()
	store.Subscribe(bus)

	ctx := context.Background()
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type: events.EventPlayerLeft,
		Payload: events.PlayerPayload{
			SessionID: "s1",
			Nickname:  "alice",
			JoinedAt:  time.Now().Add(-time.Minute),
			LeftAt:    time.Now(),
		},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventRoundRestarted,
		Payload: events.RoundPayload{RoundID: "r1", Number: 1, MapName: "arena_orbit"},
	}))
	assert.Error(t, bus.EmitSync(ctx, events.Event{Type: events.EventPlayerLeft, Payload: "junk"}))

	sessions, err := store.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)

	rounds, err := store.RecentRounds(10)
	require.NoError(t, err)
	require.Len(t, rounds, 1)

	store.Unsubscribe(bus)
	assert.Zero(t, bus.HandlerCount(events.EventPlayerLeft))
}

func TestSessionStore_Prune(t *testing.T) {
	store := openStore(t)
	now := time.Now()

	require.NoError(t, store.RecordSession(events.PlayerPayload{
		Nickname: "old", JoinedAt: now.Add(-48 * time.Hour), LeftAt: now.Add(-47 * time.Hour),
	}))
	require.NoError(t, store.RecordSession(events.PlayerPayload{
		Nickname: "new", JoinedAt: now.Add(-time.Hour), LeftAt: now,
	}))
	require.NoError(t, store.RecordRound(events.RoundPayload{
		Number: 1, StartedAt: now.Add(-48 * time.Hour), EndedAt: now.Add(-47 * time.Hour),
	}))

	sessions, rounds, err := store.Prune(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), sessions)
	assert.Equal(t, int64(1), rounds)

	recent, err := store.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Nickname)

	left, err := store.RecentRounds(10)
	require.NoError(t, err)
	assert.Empty(t, left)

	sessions, rounds, err = store.Prune(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Zero(t, sessions)
	assert.Zero(t, rounds)
}
