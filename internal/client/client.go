// Package client is the connecting side of an arena session. A Client
// retries the connection on its own worker until it succeeds, learns its
// player id from the server's ProvideIdentity packet, performs the
// InitConnection handshake and then keeps a roster of every player the
// server announces.
//
// Network I/O runs on three workers (connect, send, receive). Decoded
// packets are handed to the owner only from Tick, so a Handler never runs
// concurrently with itself.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/bufpool"
	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/protocol"
	"github.com/arena-project/arena/internal/worker"
)

var (
	// ErrAlreadyStarted is returned by Start while a session is active.
	ErrAlreadyStarted = errors.New("client already started")

	// ErrNotIdentified is returned by the send methods before the server
	// has assigned a player id.
	ErrNotIdentified = errors.New("client is not identified")

	// ErrConnectionLost is reported to the Handler when the server drops
	// the connection.
	ErrConnectionLost = errors.New("connection lost")
)

// State is the client side of the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateIdentified
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives every packet from the server after the client has
// applied it to its roster, and a notice when the connection drops.
type Handler interface {
	HandlePacket(c *Client, p protocol.Packet)
	HandleDisconnect(c *Client, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnPacket     func(c *Client, p protocol.Packet)
	OnDisconnect func(c *Client, err error)
}

func (h HandlerFuncs) HandlePacket(c *Client, p protocol.Packet) {
	if h.OnPacket != nil {
		h.OnPacket(c, p)
	}
}

func (h HandlerFuncs) HandleDisconnect(c *Client, err error) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(c, err)
	}
}

// Client manages one connection to an arena server.
type Client struct {
	cfg     config.ClientData
	pool    *bufpool.Pool
	logger  zerolog.Logger
	handler Handler

	tcp     *network.Client
	connect *worker.Worker
	send    *worker.Worker
	recv    *worker.Worker

	state atomic.Int32
	id    atomic.Uint32

	// lifecycle serializes Start, Close and the teardown run by Tick.
	lifecycle sync.Mutex

	mu      sync.Mutex
	out     *bufpool.Queue
	inbound []protocol.Packet
	lostErr error
	lost    bool

	rosterMu     sync.RWMutex
	roster       map[uint16]*Player
	reason       *protocol.ReasonCode
	ropeCooldown float32
	rounds       int
	roundTime    float32
}

// New creates a disconnected client. A nil handler discards packets.
func New(cfg config.ClientData, pool *bufpool.Pool, handler Handler, logger zerolog.Logger) *Client {
	if handler == nil {
		handler = HandlerFuncs{}
	}
	logger = logger.With().Str("component", "client").Str("nickname", cfg.Nickname).Logger()
	return &Client{
		cfg:     cfg,
		pool:    pool,
		logger:  logger,
		handler: handler,
		tcp:     network.NewClient(pool, logger),
		connect: worker.New("connect", logger),
		send:    worker.New("send", logger),
		recv:    worker.New("receive", logger),
		roster:  make(map[uint16]*Player),
	}
}

// Start begins connecting in the background. The connect worker retries
// every ConnectRetry until the server accepts or Close is called.
func (c *Client) Start() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.State() != StateDisconnected || c.connect.IsRunning() {
		return ErrAlreadyStarted
	}
	// Leftovers of a dropped session that Tick has not reaped yet.
	c.teardown()

	c.mu.Lock()
	c.out = bufpool.NewQueue()
	c.inbound = nil
	c.lost = false
	c.lostErr = nil
	c.mu.Unlock()

	c.rosterMu.Lock()
	c.roster = make(map[uint16]*Player)
	c.reason = nil
	c.rosterMu.Unlock()
	c.id.Store(0)

	c.setState(StateConnecting)
	if err := c.connect.Run(c.connectLoop); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("failed to start connect worker: %w", err)
	}
	return nil
}

// Run ticks the client every interval until ctx is cancelled, then closes
// it.
func (c *Client) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return c.Close()
		case now := <-ticker.C:
			c.Tick(now.Sub(last))
			last = now
		}
	}
}

// Close stops connecting, flushes queued packets, and releases the socket.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.connect.Interrupt()
	c.joinWorker(c.connect)
	err := c.teardown()
	c.setState(StateDisconnected)
	c.id.Store(0)
	return err
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// ID returns the player id assigned by the server, or 0 before
// identification.
func (c *Client) ID() uint16 {
	return uint16(c.id.Load())
}

// IsConnecting reports whether the connect worker is still retrying.
func (c *Client) IsConnecting() bool {
	return c.State() == StateConnecting
}

// IsConnected reports whether a socket to the server is open.
func (c *Client) IsConnected() bool {
	s := c.State()
	return (s == StateConnected || s == StateIdentified) && c.tcp.IsConnected()
}

// IsIdentified reports whether the server has told the client its id.
func (c *Client) IsIdentified() bool {
	return c.State() == StateIdentified
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug().Stringer("from", old).Stringer("to", s).Msg("client state changed")
	}
}

func (c *Client) connectLoop(w *worker.Worker) {
	logger := c.logger.With().
		Str("address", c.cfg.ServerAddress).
		Int("port", c.cfg.ServerPort).
		Logger()

	for attempt := 1; ; attempt++ {
		err := c.tcp.Connect(w.Context(), c.cfg.ServerAddress, uint16(c.cfg.ServerPort))
		if err == nil || errors.Is(err, network.ErrAlreadyConnected) {
			break
		}
		logger.Debug().Err(err).Int("attempt", attempt).Msg("connect failed, retrying")
		if !w.Sleep(c.cfg.ConnectRetry()) {
			c.setState(StateDisconnected)
			return
		}
	}

	if w.IsInterrupted() {
		c.tcp.Close()
		c.setState(StateDisconnected)
		return
	}

	c.setState(StateConnected)
	if err := c.send.Run(c.sendLoop); err != nil {
		logger.Error().Err(err).Msg("failed to start send worker")
	}
	if err := c.recv.Run(c.receiveLoop); err != nil {
		logger.Error().Err(err).Msg("failed to start receive worker")
	}
	logger.Info().Msg("connected, waiting for identity")
}

func (c *Client) sendLoop(w *worker.Worker) {
	out := c.queue()
	ctx := w.Context()
	for {
		buf, ok := out.Pop(ctx)
		if !ok {
			break
		}
		if !c.transmit(buf) {
			return
		}
	}
	for {
		buf, ok := out.TryPop()
		if !ok || !c.transmit(buf) {
			return
		}
	}
}

func (c *Client) transmit(buf *bufpool.Buffer) bool {
	err := c.tcp.Send(buf)
	c.pool.FreeBuffer(buf)
	if err != nil {
		c.markLost(fmt.Errorf("send: %w", err))
		return false
	}
	return true
}

func (c *Client) receiveLoop(w *worker.Worker) {
	var pending []byte
	for !w.IsInterrupted() {
		buf, err := c.tcp.Receive()
		if err != nil {
			if !w.IsInterrupted() {
				c.markLost(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return
		}
		pending = append(pending, buf.Bytes()...)
		c.pool.FreeBuffer(buf)
		pending = c.decode(pending)
	}
}

// decode splits data into packets and returns the bytes of a packet cut
// short by the read, to be completed by the next chunk. Garbage discards
// the rest of the chunk.
func (c *Client) decode(data []byte) []byte {
	var packets []protocol.Packet
	cursor := 0
	for cursor < len(data) {
		p, err := protocol.DecodeNext(data, &cursor)
		if errors.Is(err, protocol.ErrShortPacket) {
			break
		}
		if err != nil {
			c.logger.Warn().Err(err).Int("discarded", len(data)-cursor).Msg("undecodable data from server")
			cursor = len(data)
			break
		}
		if id, ok := p.(protocol.ProvideIdentity); ok {
			c.identify(id.PlayerID)
		}
		packets = append(packets, p)
	}

	if len(packets) > 0 {
		c.mu.Lock()
		c.inbound = append(c.inbound, packets...)
		c.mu.Unlock()
	}

	rest := data[cursor:]
	if len(rest) == 0 {
		return nil
	}
	return append([]byte(nil), rest...)
}

// identify records the id the server assigned and answers with the
// handshake.
func (c *Client) identify(id uint16) {
	if c.State() != StateConnected {
		c.logger.Warn().Uint16("player_id", id).Msg("ignoring repeated identity")
		return
	}
	c.id.Store(uint32(id))
	c.setState(StateIdentified)

	err := c.enqueue(protocol.InitConnection{
		PlayerID: id,
		MapName:  c.cfg.MapName,
		Nickname: c.cfg.Nickname,
	})
	if err != nil {
		c.logger.Error().Err(err).Uint16("player_id", id).Msg("failed to queue handshake")
		return
	}
	c.logger.Info().Uint16("player_id", id).Str("map", c.cfg.MapName).Msg("identified, handshake sent")
}

func (c *Client) markLost(err error) {
	c.mu.Lock()
	first := !c.lost
	if first {
		c.lost = true
		c.lostErr = err
	}
	c.mu.Unlock()

	if first {
		c.logger.Warn().Err(err).Msg("lost connection to server")
		c.setState(StateDisconnected)
	}
}

// Tick applies every packet received since the last call, advances the
// roster by dt, and reports a dropped connection to the Handler.
func (c *Client) Tick(dt time.Duration) {
	c.mu.Lock()
	packets := c.inbound
	c.inbound = nil
	lost, lostErr := c.lost, c.lostErr
	c.lost = false
	c.mu.Unlock()

	for _, p := range packets {
		c.apply(p)
		c.handler.HandlePacket(c, p)
	}
	c.extrapolate(dt)

	if lost {
		c.lifecycle.Lock()
		c.teardown()
		c.id.Store(0)
		c.lifecycle.Unlock()
		c.handler.HandleDisconnect(c, lostErr)
	}
}

// teardown joins the send worker first so queued packets still go out,
// then shuts the socket down to release the receive worker.
func (c *Client) teardown() error {
	c.joinWorker(c.send)
	c.tcp.Shutdown()
	c.joinWorker(c.recv)

	if out := c.queue(); out != nil {
		for _, buf := range out.Close() {
			c.pool.FreeBuffer(buf)
		}
	}
	return c.tcp.Close()
}

func (c *Client) joinWorker(w *worker.Worker) {
	if err := w.Join(worker.JoinTimeout); err != nil {
		c.logger.Error().Err(err).Str("worker", w.Name()).Msg("abandoning worker")
		w.Abandon()
	}
}

func (c *Client) queue() *bufpool.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

// enqueue encodes p and hands it to the send worker.
func (c *Client) enqueue(p protocol.Packet) error {
	out := c.queue()
	if out == nil {
		return network.ErrNotConnected
	}
	buf, err := protocol.Encode(c.pool, p)
	if err != nil {
		return err
	}
	if !out.Push(buf) {
		c.pool.FreeBuffer(buf)
		return network.ErrNotConnected
	}
	return nil
}
