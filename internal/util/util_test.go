package util

import (
	"bytes"
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_WritesFileAndConsole(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger, closer, err := initLogger(LogConfig{
		App:       "arenatest",
		Level:     "debug",
		Directory: dir,
		Console:   true,
	}, &console)
	require.NoError(t, err)

	logger.Info().Str("component", "test").Msg("hello")
	require.NoError(t, closer.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "arenatest_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"app":"arenatest"`)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, console.String(), "hello")
}

func TestInitLogger_LevelFilters(t *testing.T) {
	var console bytes.Buffer
	logger, closer, err := initLogger(LogConfig{Level: "warn", Console: true}, &console)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info().Msg("quiet")
	logger.Warn().Msg("loud")

	assert.NotContains(t, console.String(), "quiet")
	assert.Contains(t, console.String(), "loud")
}

func TestCleanOldLogs_KeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, "arena_"+string(rune('a'+i))+".log")
		require.NoError(t, os.WriteFile(path, nil, 0644))
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644))

	removed := cleanOldLogs(dir, 2)
	require.Len(t, removed, 2)
	assert.True(t, strings.HasSuffix(removed[0], "arena_a.log"))
	assert.True(t, strings.HasSuffix(removed[1], "arena_b.log"))

	assert.FileExists(t, filepath.Join(dir, "arena_c.log"))
	assert.FileExists(t, filepath.Join(dir, "arena_d.log"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestEnsureCertificate(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls", "cert.pem")
	key := filepath.Join(dir, "tls", "key.pem")

	created, err := EnsureCertificate(cert, key)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = tls.LoadX509KeyPair(cert, key)
	require.NoError(t, err)

	created, err = EnsureCertificate(cert, key)
	require.NoError(t, err)
	assert.False(t, created, "existing pair is reused")
}

func TestSampleResources(t *testing.T) {
	usage := SampleResources(t.TempDir())
	assert.Greater(t, usage.Goroutines, 0)
	assert.False(t, usage.SampledAt.IsZero())

	info := GetSystemInfo()
	assert.NotEmpty(t, info.Architecture)
	assert.Greater(t, info.CPUCores, 0)
}
