package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/bufpool"
)

// listen binds address:port with SO_REUSEADDR.
func listen(ctx context.Context, address string, port uint16) (net.Listener, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(int(port)))

	lc := ReuseAddrListenConfig()
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return l, nil
}

// Server is the accepting side of a single TCP stream. It stops listening
// as soon as its one peer is accepted. It suits point-to-point links and
// tools; the game server uses MultiClientServer.
type Server struct {
	pool   *bufpool.Pool
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conn     *Connection
}

// NewServer creates an unbound single-connection server.
func NewServer(pool *bufpool.Pool, logger zerolog.Logger) *Server {
	return &Server{
		pool:   pool,
		logger: logger.With().Str("component", "tcp_server").Logger(),
	}
}

// BindAndListen opens the listening socket.
func (s *Server) BindAndListen(ctx context.Context, address string, port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrAlreadyListening
	}

	l, err := listen(ctx, address, port)
	if err != nil {
		s.logger.Error().Err(err).Int("errno", errno(err)).Msg("bind failed")
		return err
	}
	s.listener = l
	s.logger.Info().Str("addr", l.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsListening reports whether the listening socket is open.
func (s *Server) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// AcceptClient blocks until a peer connects, then closes the listener.
func (s *Server) AcceptClient() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	if l == nil {
		return ErrNotListening
	}

	raw, err := l.Accept()
	if err != nil {
		err = wrap("accept", err)
		s.logger.Error().Err(err).Int("errno", errno(err)).Msg("accept failed")
		return err
	}

	s.mu.Lock()
	s.conn = NewConnection(raw, s.pool, s.logger)
	s.listener = nil
	s.mu.Unlock()

	if err := l.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("closing listener after accept")
	}
	s.logger.Info().Str("remote", raw.RemoteAddr().String()).Msg("client accepted")
	return nil
}

func (s *Server) current() (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// Send writes buf to the accepted peer.
func (s *Server) Send(buf *bufpool.Buffer) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	return conn.Send(buf)
}

// Receive blocks for the next chunk from the accepted peer.
func (s *Server) Receive() (*bufpool.Buffer, error) {
	conn, err := s.current()
	if err != nil {
		return nil, err
	}
	return conn.Receive()
}

// Shutdown stops both directions of the accepted connection.
func (s *Server) Shutdown() error {
	conn, err := s.current()
	if err != nil {
		return nil
	}
	return conn.Shutdown()
}

// Close releases the listener and any accepted connection.
func (s *Server) Close() error {
	s.mu.Lock()
	l, conn := s.listener, s.conn
	s.listener, s.conn = nil, nil
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsConnected reports whether the accepted peer is still connected.
func (s *Server) IsConnected() bool {
	conn, err := s.current()
	return err == nil && conn.IsConnected()
}
