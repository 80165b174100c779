package db_test

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arena-project/arena/internal/db"
	"github.com/arena-project/arena/internal/events"
)

func TestDatabase_Migrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	steps := []string{
		`CREATE TABLE a (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE b (id INTEGER PRIMARY KEY); INSERT INTO b (id) VALUES (1);`,
	}

	d, err := db.NewDatabase(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Migrate(steps[:1]))
	v, err := d.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, d.Migrate(steps))
	require.NoError(t, d.Migrate(steps), "already applied steps are skipped")
	var n int
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM b`).Scan(&n))
	assert.Equal(t, 1, n)

	assert.Error(t, d.Migrate(steps[:1]), "schema newer than the steps")
	require.NoError(t, d.Close())
}

func TestDatabase_MigrateRollsBackFailedStep(t *testing.T) {
	d, err := db.NewDatabase(filepath.Join(t.TempDir(), "m.db"), zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	err = d.Migrate([]string{
		`CREATE TABLE a (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE c (id INTEGER); SELECT * FROM missing;`,
	})
	require.Error(t, err)

	v, err := d.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	var n int
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'c'`).Scan(&n))
	assert.Zero(t, n)
}

func TestSessionStore_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.db")

	store, err := db.NewSessionStore(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.RecordSession(events.PlayerPayload{Nickname: "alice", Reason: "quit"}))
	require.NoError(t, store.Close())

	store, err = db.NewSessionStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	sessions, err := store.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "alice", sessions[0].Nickname)
}
