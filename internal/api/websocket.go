package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/events"
)

const (
	wsHandlerName = "api_ws"
	wsSendBuffer  = 256
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 54 * time.Second
)

// Hub fans server events out to websocket subscribers.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*wsConn

	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

type wsConn struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	hub       *Hub
}

// NewHub creates a hub accepting upgrades from allowedOrigins. "*" or an
// empty list accepts any origin.
func NewHub(allowedOrigins []string, logger zerolog.Logger) *Hub {
	h := &Hub{
		conns:  make(map[string]*wsConn),
		logger: logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(allowedOrigins, r.Header.Get("Origin")) },
	}
	return h
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Attach subscribes the hub to every event on bus.
func (h *Hub) Attach(bus *events.EventBus) {
	bus.SubscribeAll(wsHandlerName, func(_ context.Context, e events.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		h.Broadcast(data)
		return nil
	})
}

// Detach removes the hub from bus.
func (h *Hub) Detach(bus *events.EventBus) {
	bus.UnsubscribeAll(wsHandlerName)
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast queues message for every subscriber. Subscribers whose queue is
// full miss the message.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		select {
		case c.send <- message:
		default:
			h.logger.Warn().Str("ws_id", c.id).Msg("websocket subscriber lagging, dropping event")
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*wsConn)
	h.mu.Unlock()

	for _, c := range conns {
		c.closeSend()
	}
}

// ServeWS upgrades the request and streams events until the peer goes away.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	wc := &wsConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		hub:  h,
	}
	h.mu.Lock()
	h.conns[wc.id] = wc
	h.mu.Unlock()
	h.logger.Debug().Str("ws_id", wc.id).Str("remote", c.ClientIP()).Msg("websocket subscriber connected")

	go wc.writePump()
	wc.readPump()
}

func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if ok {
		c.closeSend()
		h.logger.Debug().Str("ws_id", c.id).Msg("websocket subscriber disconnected")
	}
}

func (c *wsConn) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump discards client messages and notices when the peer leaves.
func (c *wsConn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("ws_id", c.id).Msg("websocket read error")
			}
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
