package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 4096
)

var (
	errConnClosed = errors.New("connection closed")
	errBufferFull = errors.New("send buffer full")
)

// WebsocketConfig configures the plain websocket transport
type WebsocketConfig struct {
	// SendBuffer is the number of frames queued per client (default 256)
	SendBuffer int
	// CheckOrigin may be nil to allow same-origin requests only
	CheckOrigin func(r *http.Request) bool
	Logger      *zap.Logger
}

// WebsocketHandler serves the gateway to clients speaking plain JSON frames over a websocket.
// The handshake token is taken from the "token" query parameter.
type WebsocketHandler struct {
	gateway    *Gateway
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *zap.Logger
}

func NewWebsocketHandler(g *Gateway, cfg WebsocketConfig) *WebsocketHandler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &WebsocketHandler{
		gateway: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		sendBuffer: cfg.SendBuffer,
		logger:     cfg.Logger.Named("websocket"),
	}
}

// ServeHTTP upgrades the request and holds the connection until either side closes it
func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newWSConn(conn, h.sendBuffer)
	go c.writePump()

	hs := HandshakeFromRequest(r)
	hs.Token = hs.Query.Get("token")

	id := uuid.NewString()
	if _, err := h.gateway.Admit(r.Context(), id, hs, c); err != nil {
		<-c.done
		return
	}

	c.readPump(h.logger)
	h.gateway.HandleDisconnect(id)
	c.Close()
	<-c.done
}

// wsConn is one plain websocket client. Frames are queued on send and written by writePump.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string
}

func newWSConn(conn *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues one event frame. It never blocks; a full buffer is an error.
func (c *wsConn) Send(eventType string, payload json.RawMessage) error {
	data, err := encodeFrame(eventType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errBufferFull
	}
}

func (c *wsConn) Reject(reason string) {
	c.close(websocket.ClosePolicyViolation, reason)
}

func (c *wsConn) Close() {
	c.close(websocket.CloseNormalClosure, "")
}

// close stops accepting frames; writePump drains the queue and sends the close frame
func (c *wsConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.send)
}

// readPump discards client frames and returns when the connection fails or closes
func (c *wsConn) readPump(logger *zap.Logger) {
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued frames and pings until the queue is closed or a write fails
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.mu.Lock()
				code, text := c.closeCode, c.closeText
				c.mu.Unlock()
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
