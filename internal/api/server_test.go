package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/db"
	"github.com/arena-project/arena/internal/events"
	intnet "github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/server"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeGame struct {
	mu     sync.Mutex
	kicked []intnet.ConnID
}

func (g *fakeGame) Status() server.Status {
	return server.Status{
		Running:    true,
		Name:       "test arena",
		MapName:    "arena_orbit",
		MaxClients: 8,
		Live:       2,
		Round:      server.RoundInfo{Number: 3},
	}
}

func (g *fakeGame) Players() []server.PlayerInfo {
	return []server.PlayerInfo{
		{ConnID: 1, Nickname: "alice", State: events.StateLive, Spawned: true},
		{ConnID: 2, Nickname: "bob", State: events.StateLive, Spawned: true},
	}
}

func (g *fakeGame) Round() server.RoundInfo {
	return server.RoundInfo{ID: "round-3", Number: 3}
}

func (g *fakeGame) Kick(id intnet.ConnID) error {
	if id > 2 {
		return intnet.ErrUnknownClient
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kicked = append(g.kicked, id)
	return nil
}

func (g *fakeGame) kickedIDs() []intnet.ConnID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]intnet.ConnID(nil), g.kicked...)
}

type fixture struct {
	srv   *Server
	http  *httptest.Server
	cfg   *config.Config
	bus   *events.EventBus
	game  *fakeGame
	store *db.SessionStore
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), "config.json"))
	app := cfg.GetApplicationData()
	app.API.AuthToken = token
	app.API.RateLimitRPS = 0
	app.API.AllowedOrigins = nil
	cfg.SetApplicationData(app)

	store, err := db.NewSessionStore(filepath.Join(t.TempDir(), "arena.db"), zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		cfg:   cfg,
		bus:   events.NewEventBus(zerolog.Nop()),
		game:  &fakeGame{},
		store: store,
	}
	f.srv = NewServer(cfg, f.bus, f.game, store, zerolog.Nop())
	f.http = httptest.NewServer(f.srv.Handler())

	t.Cleanup(func() {
		f.srv.Stop()
		f.http.Close()
		f.bus.Stop()
		store.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestPing(t *testing.T) {
	f := newFixture(t, "")
	code, body := f.do(t, http.MethodGet, "/api/public/ping", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "arena", body["service"])
	assert.Equal(t, config.Version, body["version"])
}

func TestInfoAndStatus(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodGet, "/api/public/info", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "arena_orbit", body["map_name"])
	assert.EqualValues(t, 2, body["players"])

	code, body = f.do(t, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "test arena", body["name"])
	assert.EqualValues(t, 8, body["max_clients"])

	code, body = f.do(t, http.MethodGet, "/api/players", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["count"])
	players := body["players"].([]interface{})
	assert.Equal(t, "live", players[0].(map[string]interface{})["state"])

	code, body = f.do(t, http.MethodGet, "/api/round", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "round-3", body["id"])
}

func TestUnknownAPIRoute(t *testing.T) {
	f := newFixture(t, "")
	code, _ := f.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDashboardPage(t *testing.T) {
	f := newFixture(t, "")

	resp, err := f.http.Client().Get(f.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "/ws/events")
}

func TestKick_RequiresToken(t *testing.T) {
	f := newFixture(t, "s3cret")

	code, _ := f.do(t, http.MethodPost, "/api/control/kick/1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodPost, "/api/control/kick/1", "wrong", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body := f.do(t, http.MethodPost, "/api/control/kick/1", "s3cret", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "kicked", body["status"])
	assert.Equal(t, []intnet.ConnID{1}, f.game.kickedIDs())

	code, _ = f.do(t, http.MethodPost, "/api/control/kick/9", "s3cret", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/control/kick/abc", "s3cret", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestConfig_MasksTokenAndUpdates(t *testing.T) {
	f := newFixture(t, "s3cret")

	changed := make(chan events.Event, 1)
	f.bus.Subscribe(events.EventConfigChanged, "test", func(_ context.Context, e events.Event) error {
		changed <- e
		return nil
	})

	code, body := f.do(t, http.MethodGet, "/api/control/config", "s3cret", nil)
	require.Equal(t, http.StatusOK, code)
	app := body["application"].(map[string]interface{})
	assert.Equal(t, "********", app["api"].(map[string]interface{})["auth_token"])

	code, _ = f.do(t, http.MethodPost, "/api/control/config/server", "s3cret",
		map[string]interface{}{"key": "svr_max_clients", "value": 16})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 16, f.cfg.GetServerData().MaxClients)
	assert.FileExists(t, f.cfg.Path())

	select {
	case e := <-changed:
		p := e.Payload.(events.ConfigChangedPayload)
		assert.Equal(t, "svr_max_clients", p.Key)
	case <-time.After(time.Second):
		t.Fatal("no config_changed event")
	}

	code, _ = f.do(t, http.MethodPost, "/api/control/config/server", "s3cret",
		map[string]interface{}{"key": "svr_max_clients", "value": 0})
	assert.Equal(t, http.StatusBadRequest, code, "invalid values are rolled back")
	assert.Equal(t, 16, f.cfg.GetServerData().MaxClients)

	code, _ = f.do(t, http.MethodPost, "/api/control/config/server", "s3cret",
		map[string]interface{}{"key": "no_such_field", "value": 1})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, "")
	now := time.Now()
	require.NoError(t, f.store.RecordSession(events.PlayerPayload{
		Nickname: "alice", JoinedAt: now.Add(-time.Minute), LeftAt: now, Kills: 2,
	}))
	require.NoError(t, f.store.RecordRound(events.RoundPayload{
		RoundID: "r1", Number: 1, MapName: "arena_orbit", StartedAt: now.Add(-time.Minute), EndedAt: now,
	}))

	code, body := f.do(t, http.MethodGet, "/api/history/sessions?limit=5", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = f.do(t, http.MethodGet, "/api/history/rounds", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = f.do(t, http.MethodGet, "/api/history/players/alice", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["kills"])

	code, _ = f.do(t, http.MethodGet, "/api/history/players/nobody", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/history/sessions?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHistory_Disabled(t *testing.T) {
	cfg := config.DefaultConfig()
	srv := NewServer(cfg, nil, &fakeGame{}, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/api/history/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t, "")
	resp, err := f.http.Client().Get(f.http.URL + "/api/public/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "arena", resp.Header.Get("Server"))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()
	assert.True(t, rl.allow("1.2.3.4", now))
	assert.True(t, rl.allow("1.2.3.4", now))
	assert.False(t, rl.allow("1.2.3.4", now), "burst is twice the rate")
	assert.True(t, rl.allow("5.6.7.8", now), "buckets are per client")
	assert.True(t, rl.allow("1.2.3.4", now.Add(time.Second)), "tokens refill over time")
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc", extractBearerToken("Bearer abc"))
	assert.Equal(t, "abc", extractBearerToken("bearer abc"))
	assert.Empty(t, extractBearerToken("Basic abc"))
	assert.Empty(t, extractBearerToken(""))
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t, "")

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.srv.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	f.bus.Emit(context.Background(), events.Event{
		Type:    events.EventPlayerJoined,
		Source:  "test",
		Payload: events.PlayerPayload{ConnID: 7, Nickname: "alice"},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type    events.EventType     `json:"type"`
		Payload events.PlayerPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, events.EventPlayerJoined, got.Type)
	assert.Equal(t, "alice", got.Payload.Nickname)

	conn.Close()
	assert.Eventually(t, func() bool { return f.srv.hub.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEventsWebsocket_RejectsForeignOrigin(t *testing.T) {
	cfg := config.DefaultConfig()
	srv := NewServer(cfg, nil, &fakeGame{}, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
