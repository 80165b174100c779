package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/bufpool"
)

// DefaultConnectTimeout bounds a single blocking connect attempt.
const DefaultConnectTimeout = 5 * time.Second

var (
	// ErrResolve is returned when the server address cannot be resolved.
	ErrResolve = errors.New("address resolution failed")

	// ErrConnectionRefused is returned when nothing listens on the target.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("client is already connected")
)

// Client is the connecting side of a single TCP stream.
type Client struct {
	pool   *bufpool.Pool
	logger zerolog.Logger

	mu   sync.Mutex
	conn *Connection

	ConnectTimeout time.Duration
}

// NewClient creates a disconnected client.
func NewClient(pool *bufpool.Pool, logger zerolog.Logger) *Client {
	return &Client{
		pool:           pool,
		logger:         logger.With().Str("component", "tcp_client").Logger(),
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Connect blocks until connected to address:port, ctx is cancelled, or the
// attempt fails. Resolution, refusal and timeout failures are logged and
// returned as distinct errors.
func (c *Client) Connect(ctx context.Context, address string, port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return ErrAlreadyConnected
	}

	logger := c.logger.With().Str("address", address).Uint16("port", port).Logger()

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, address)
	if err != nil || len(ips) == 0 {
		logger.Error().Err(err).Msg("failed to resolve server address")
		return fmt.Errorf("resolve %s: %w", address, ErrResolve)
	}

	dialer := net.Dialer{Timeout: c.ConnectTimeout}
	target := net.JoinHostPort(ips[0].String(), strconv.Itoa(int(port)))
	raw, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		switch {
		case errors.Is(err, syscall.ECONNREFUSED):
			logger.Warn().Int("errno", errno(err)).Msg("connection refused")
			return fmt.Errorf("connect %s: %w", target, ErrConnectionRefused)
		case errors.Is(err, context.Canceled):
			return fmt.Errorf("connect %s: %w", target, err)
		case classify(err) == ErrTimeout || errors.Is(err, context.DeadlineExceeded):
			logger.Warn().Dur("timeout", c.ConnectTimeout).Msg("connect timed out")
			return fmt.Errorf("connect %s: %w", target, ErrTimeout)
		default:
			logger.Error().Err(err).Int("errno", errno(err)).Msg("failed to connect")
			return fmt.Errorf("connect %s: %w", target, err)
		}
	}

	c.conn = NewConnection(raw, c.pool, c.logger)
	logger.Info().Str("local", raw.LocalAddr().String()).Msg("connected to server")
	return nil
}

func (c *Client) current() (*Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Send writes buf to the server.
func (c *Client) Send(buf *bufpool.Buffer) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Send(buf)
}

// Receive blocks for the next chunk from the server.
func (c *Client) Receive() (*bufpool.Buffer, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.Receive()
}

// Shutdown stops both directions so a blocked Receive returns.
func (c *Client) Shutdown() error {
	conn, err := c.current()
	if err != nil {
		return nil
	}
	return conn.Shutdown()
}

// Close releases the socket. The client may Connect again afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// IsConnected reports whether the client holds a usable connection.
func (c *Client) IsConnected() bool {
	conn, err := c.current()
	return err == nil && conn.IsConnected()
}

// LocalAddr returns the local endpoint, or nil when disconnected.
func (c *Client) LocalAddr() net.Addr {
	conn, err := c.current()
	if err != nil {
		return nil
	}
	return conn.conn.LocalAddr()
}
