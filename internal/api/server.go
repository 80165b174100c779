package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/arena-project/arena/dashboard"
	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/db"
	"github.com/arena-project/arena/internal/events"
	intnet "github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/server"
	"github.com/arena-project/arena/internal/util"
)

// GameServer is the view of the running game server the API serves.
type GameServer interface {
	Status() server.Status
	Players() []server.PlayerInfo
	Round() server.RoundInfo
	Kick(id intnet.ConnID) error
}

// History is the match history store. It is optional.
type History interface {
	RecentSessions(limit int) ([]db.SessionRecord, error)
	RecentRounds(limit int) ([]db.RoundRecord, error)
	PlayerTotals(nickname string) (db.PlayerTotals, error)
}

// Server is the monitoring and control API.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	game     GameServer
	history  History
	logger   zerolog.Logger

	hub *Hub

	buildOnce sync.Once
	router    *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// NewServer creates an API server. history may be nil when persistence is
// disabled.
func NewServer(cfg *config.Config, eventBus *events.EventBus, game GameServer, history History, logger zerolog.Logger) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger = logger.With().Str("component", "api").Logger()
	apiCfg := cfg.GetApplicationData().API
	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		game:     game,
		history:  history,
		logger:   logger,
		hub:      NewHub(apiCfg.AllowedOrigins, logger),
	}
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	s.buildOnce.Do(func() {
		s.router = s.buildRouter()
		if s.eventBus != nil {
			s.hub.Attach(s.eventBus)
		}
	})
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	handler := s.Handler()

	addr := fmt.Sprintf(":%d", apiCfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		tlsConfig, err := s.loadTLS(apiCfg)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = tlsConfig
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.addr = ln.Addr()
	s.mu.Unlock()

	if apiCfg.AuthToken == "" {
		s.logger.Warn().Msg("no API auth token configured, control routes are open")
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", apiCfg.TLSEnabled).Msg("API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, httpServer.TLSConfig)
	}
	err = httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) loadTLS(apiCfg config.APIConfig) (*tls.Config, error) {
	generated, err := util.EnsureCertificate(apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare API certificate: %w", err)
	}
	if generated {
		s.logger.Info().Str("cert", apiCfg.TLSCertFile).Msg("generated self-signed API certificate")
	}
	cert, err := tls.LoadX509KeyPair(apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load API certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetApplicationData().API
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleInfo)
	}

	monitor := router.Group("/api")
	{
		monitor.GET("/status", s.handleStatus)
		monitor.GET("/players", s.handlePlayers)
		monitor.GET("/round", s.handleRound)
		monitor.GET("/pool", s.handlePool)
		monitor.GET("/ticks", s.handleTicks)
		monitor.GET("/system", s.handleSystem)
	}

	history := router.Group("/api/history")
	{
		history.GET("/sessions", s.handleSessions)
		history.GET("/rounds", s.handleRounds)
		history.GET("/players/:nickname", s.handlePlayerTotals)
	}

	control := router.Group("/api/control")
	control.Use(RequireToken(apiCfg.AuthToken))
	{
		control.POST("/kick/:id", s.handleKick)
		control.GET("/config", s.handleGetConfig)
		control.POST("/config/server", s.handleSetServerField)
	}

	router.GET("/ws/events", s.hub.ServeWS)

	// Anything outside /api/ gets the dashboard page.
	page, err := dashboard.Index()
	if err != nil {
		s.logger.Warn().Err(err).Msg("dashboard page not embedded, UI unavailable")
	}
	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		if page == nil {
			c.JSON(http.StatusOK, gin.H{"message": "arena API is running"})
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", page)
	})

	return router
}

// Stop shuts the HTTP server down and disconnects websocket subscribers.
func (s *Server) Stop() error {
	if s.eventBus != nil {
		s.hub.Detach(s.eventBus)
	}
	s.hub.Close()

	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
