package network

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/bufpool"
)

// ConnID addresses one accepted client. Ids are minted in increasing order
// at accept time and never reused while the previous holder is registered;
// they are not stable across reconnects and must not be persisted.
type ConnID uint16

// MultiClientServer accepts up to maxClients peers and exposes each behind
// a ConnID.
type MultiClientServer struct {
	pool       *bufpool.Pool
	logger     zerolog.Logger
	maxClients int

	// mu guards the listener, the id counter and the reject message. It is
	// held only across accept bookkeeping, never across client I/O.
	mu        sync.Mutex
	listener  net.Listener
	nextID    ConnID
	rejectMsg []byte

	clients *ConnectionRegistry
}

// NewMultiClientServer creates an unbound server.
func NewMultiClientServer(pool *bufpool.Pool, maxClients int, logger zerolog.Logger) *MultiClientServer {
	return &MultiClientServer{
		pool:       pool,
		logger:     logger.With().Str("component", "tcp_listener").Logger(),
		maxClients: maxClients,
		clients:    NewConnectionRegistry(),
	}
}

// SetRejectMessage sets bytes written, best effort, to a connection that is
// turned away because the server is full.
func (s *MultiClientServer) SetRejectMessage(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectMsg = append([]byte(nil), data...)
}

// BindAndListen opens the listening socket on address:port. Port 0 picks an
// ephemeral port; see Addr.
func (s *MultiClientServer) BindAndListen(ctx context.Context, address string, port uint16) error {
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
	s.logger.Info().
		Str("addr", l.Addr().String()).
		Int("max_clients", s.maxClients).
		Msg("TCP listener started")
	return nil
}

// Addr returns the bound address, or nil when not listening.
func (s *MultiClientServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsListening reports whether the listening socket is open.
func (s *MultiClientServer) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// AcceptClient blocks until a peer connects and returns its new id. When
// every slot is taken the peer is sent the reject message, dropped, and
// ErrServerFull is returned; the caller should simply accept again.
func (s *MultiClientServer) AcceptClient() (ConnID, error) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	if l == nil {
		return 0, ErrNotListening
	}

	raw, err := l.Accept()
	if err != nil {
		err = wrap("accept", err)
		if errors.Is(err, ErrNotConnected) {
			s.logger.Debug().Msg("listener closed")
			return 0, ErrNotListening
		}
		s.logger.Error().Err(err).Int("errno", errno(err)).Msg("failed to accept connection")
		return 0, err
	}

	s.mu.Lock()
	if s.clients.Count() >= s.maxClients {
		msg := s.rejectMsg
		s.mu.Unlock()
		s.reject(raw, msg)
		return 0, ErrServerFull
	}
	id := s.mintIDLocked()
	conn := NewConnection(raw, s.pool, s.logger.With().Uint16("conn_id", uint16(id)).Logger())
	s.clients.Register(id, conn)
	s.mu.Unlock()

	s.logger.Info().
		Uint16("conn_id", uint16(id)).
		Str("remote", raw.RemoteAddr().String()).
		Int("clients", s.clients.Count()).
		Msg("client accepted")
	return id, nil
}

// mintIDLocked returns the next id after the last one handed out, skipping
// zero and ids whose previous holder is still registered.
func (s *MultiClientServer) mintIDLocked() ConnID {
	for {
		s.nextID++
		if s.nextID != 0 && !s.clients.Has(s.nextID) {
			return s.nextID
		}
	}
}

func (s *MultiClientServer) reject(raw net.Conn, msg []byte) {
	s.logger.Warn().
		Str("remote", raw.RemoteAddr().String()).
		Int("max_clients", s.maxClients).
		Msg("server full, rejecting connection")
	if len(msg) > 0 {
		if _, err := raw.Write(msg); err != nil {
			s.logger.Debug().Err(err).Msg("failed to send reject message")
		}
	}
	raw.Close()
}

func (s *MultiClientServer) client(id ConnID) (*Connection, error) {
	conn, ok := s.clients.Get(id)
	if !ok {
		return nil, ErrUnknownClient
	}
	return conn, nil
}

// SendTo writes buf to one client.
func (s *MultiClientServer) SendTo(buf *bufpool.Buffer, id ConnID) error {
	conn, err := s.client(id)
	if err != nil {
		return err
	}
	return conn.Send(buf)
}

// ReceiveFrom blocks for the next chunk from one client.
func (s *MultiClientServer) ReceiveFrom(id ConnID) (*bufpool.Buffer, error) {
	conn, err := s.client(id)
	if err != nil {
		return nil, err
	}
	return conn.Receive()
}

// Send writes buf to every connected client. Failures on individual clients
// do not stop the broadcast; they are joined into the returned error.
// The game server does not use it: its broadcasts go through per-connection
// send queues so one slow peer cannot stall the tick.
func (s *MultiClientServer) Send(buf *bufpool.Buffer) error {
	var errs []error
	for id, conn := range s.clients.GetAll() {
		if !conn.IsConnected() {
			continue
		}
		if err := conn.Send(buf); err != nil {
			s.logger.Warn().Err(err).Uint16("conn_id", uint16(id)).Msg("broadcast send failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ShutdownClient stops both directions of one client so its receive loop
// unblocks. The id stays registered until CloseClient.
func (s *MultiClientServer) ShutdownClient(id ConnID) error {
	conn, err := s.client(id)
	if err != nil {
		return err
	}
	return conn.Shutdown()
}

// CloseClient closes and forgets one client.
func (s *MultiClientServer) CloseClient(id ConnID) error {
	if !s.clients.Unregister(id) {
		return ErrUnknownClient
	}
	s.logger.Debug().Uint16("conn_id", uint16(id)).Msg("client closed")
	return nil
}

// IsConnected reports whether id is registered and still connected.
func (s *MultiClientServer) IsConnected(id ConnID) bool {
	conn, err := s.client(id)
	return err == nil && conn.IsConnected()
}

// ClientCount returns the number of registered clients.
func (s *MultiClientServer) ClientCount() int {
	return s.clients.Count()
}

// ClientIDs returns the registered ids in ascending order.
func (s *MultiClientServer) ClientIDs() []ConnID {
	all := s.clients.GetAll()
	ids := make([]ConnID, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RemoteAddr returns the peer address of one client.
func (s *MultiClientServer) RemoteAddr(id ConnID) (net.Addr, error) {
	conn, err := s.client(id)
	if err != nil {
		return nil, err
	}
	return conn.RemoteAddr(), nil
}

// Shutdown closes the listener, which unblocks AcceptClient, and shuts down
// every client connection.
func (s *MultiClientServer) Shutdown() error {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	for _, conn := range s.clients.GetAll() {
		conn.Shutdown()
	}
	return err
}

// Close shuts down and releases everything.
func (s *MultiClientServer) Close() error {
	err := s.Shutdown()
	s.clients.CloseAll()
	s.logger.Info().Msg("TCP listener stopped")
	return err
}
