// Package network implements the blocking TCP socket abstraction used by the
// arena client and server: a single-connection Client and Server, and a
// MultiClientServer that multiplexes many peers behind connection ids.
//
// Every call blocks. Failures are classified (reset, timeout, not connected),
// logged with the OS error code and returned; nothing is retried here.
package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/bufpool"
)

const (
	// ReceiveBufferSize is the scratch size for a single read.
	ReceiveBufferSize = 16384

	// DefaultWriteTimeout bounds a single blocking send.
	DefaultWriteTimeout = 10 * time.Second
)

// Socket is the blocking send/receive contract shared by every role.
type Socket interface {
	Send(buf *bufpool.Buffer) error
	Receive() (*bufpool.Buffer, error)
	Shutdown() error
	Close() error
	IsConnected() bool
}

// Connection wraps one established TCP stream. Send may be called from one
// goroutine while Receive runs on another; each direction is serialized
// separately.
type Connection struct {
	conn   net.Conn
	pool   *bufpool.Pool
	logger zerolog.Logger

	writeMu sync.Mutex
	readMu  sync.Mutex
	scratch [ReceiveBufferSize]byte

	connected atomic.Bool
	closed    atomic.Bool

	readTimeout  time.Duration
	writeTimeout time.Duration

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix nanos
}

// NewConnection wraps an established net.Conn. Received bytes are copied
// into buffers taken from pool.
func NewConnection(conn net.Conn, pool *bufpool.Pool, logger zerolog.Logger) *Connection {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	now := time.Now()
	c := &Connection{
		conn:         conn,
		pool:         pool,
		logger:       logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		writeTimeout: DefaultWriteTimeout,
		connectedAt:  now,
	}
	c.connected.Store(true)
	c.lastActivity.Store(now.UnixNano())
	return c
}

// SetTimeouts configures per-call deadlines. Zero disables a deadline.
func (c *Connection) SetTimeouts(read, write time.Duration) {
	c.readTimeout = read
	c.writeTimeout = write
}

// Send writes exactly buf.Len() bytes. The buffer stays owned by the caller.
func (c *Connection) Send(buf *bufpool.Buffer) error {
	if buf == nil || buf.Len() == 0 {
		return ErrEmptyBuffer
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	data := buf.Bytes()
	for len(data) > 0 {
		n, err := c.conn.Write(data)
		if err != nil {
			return c.fail("send", err)
		}
		data = data[n:]
	}

	c.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// Receive blocks for the next chunk of bytes and returns it in a pool buffer
// sized to the bytes read. It returns io.EOF once the peer closes cleanly.
func (c *Connection) Receive() (*bufpool.Buffer, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	n, err := c.conn.Read(c.scratch[:])
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, c.fail("receive", err)
	}
	// Bytes that arrived together with an error are still delivered; the
	// error resurfaces on the next call.

	buf, perr := c.pool.GetBuffer(n)
	if perr != nil {
		c.logger.Error().Err(perr).Int("bytes", n).Msg("no pool buffer for received data")
		return nil, fmt.Errorf("receive %d bytes: %w", n, perr)
	}
	copy(buf.Bytes(), c.scratch[:n])

	c.lastActivity.Store(time.Now().UnixNano())
	return buf, nil
}

func (c *Connection) fail(op string, err error) error {
	wrapped := wrap(op, err)

	switch {
	case errors.Is(wrapped, io.EOF):
		c.connected.Store(false)
		c.logger.Debug().Str("op", op).Msg("peer closed the connection")
	case errors.Is(wrapped, ErrConnectionReset):
		c.connected.Store(false)
		c.logger.Warn().Str("op", op).Int("errno", errno(err)).Msg("connection reset by peer")
	case errors.Is(wrapped, ErrTimeout):
		c.logger.Warn().Str("op", op).Int("errno", errno(err)).Msg("socket timed out")
	case errors.Is(wrapped, ErrNotConnected):
		c.connected.Store(false)
		c.logger.Debug().Str("op", op).Msg("socket already closed")
	default:
		c.logger.Error().Err(err).Str("op", op).Int("errno", errno(err)).Msg("socket error")
	}
	return wrapped
}

// Shutdown disables both directions without releasing the descriptor. A
// goroutine blocked in Receive returns promptly afterwards.
func (c *Connection) Shutdown() error {
	c.connected.Store(false)

	tcpConn, ok := c.conn.(*net.TCPConn)
	if !ok {
		return c.Close()
	}
	if c.closed.Load() {
		return nil
	}

	if err := tcpConn.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Debug().Err(err).Int("errno", errno(err)).Msg("shutdown write side failed")
	}
	if err := tcpConn.CloseRead(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn().Err(err).Int("errno", errno(err)).Msg("shutdown failed")
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases the socket. It is safe to call more than once.
func (c *Connection) Close() error {
	c.connected.Store(false)
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsConnected reports whether the stream is still believed usable. It turns
// false after a reset, an orderly close, Shutdown or Close.
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// LastActivity returns the time of the last successful read or write.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnectionRegistry tracks accepted connections by id.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[ConnID]*Connection
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[ConnID]*Connection),
	}
}

// Register adds conn under id, closing any connection it replaces.
func (r *ConnectionRegistry) Register(id ConnID, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[id]; ok {
		existing.Close()
	}
	r.conns[id] = conn
}

// Unregister closes and removes the connection for id. It reports whether a
// connection was present.
func (r *ConnectionRegistry) Unregister(id ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	conn.Close()
	delete(r.conns, id)
	return true
}

// Get returns the connection for id.
func (r *ConnectionRegistry) Get(id ConnID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Has reports whether id is registered.
func (r *ConnectionRegistry) Has(id ConnID) bool {
	_, ok := r.Get(id)
	return ok
}

// GetAll returns a snapshot of every registered connection.
func (r *ConnectionRegistry) GetAll() map[ConnID]*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[ConnID]*Connection, len(r.conns))
	for k, v := range r.conns {
		result[k] = v
	}
	return result
}

// Count returns the number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and removes every connection.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}
}
