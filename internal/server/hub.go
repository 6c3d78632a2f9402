package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatdesk/internal/events"
	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 128
)

var errConnClosed = errors.New("connection closed")

// pushMessage is one frame on the change stream. The first frame of every
// connection is a snapshot; every console change follows with the snapshot
// it produced.
type pushMessage struct {
	Type     string          `json:"type"`
	Change   *events.Change  `json:"change,omitempty"`
	Snapshot *inbox.Snapshot `json:"snapshot"`
}

// Hub streams console changes to websocket clients.
type Hub struct {
	console  Console
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewHub creates a hub over console.
func NewHub(console Console) *Hub {
	return &Hub{
		console: console,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The console is served from the same origin or a local dev server.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logging.Component("server"),
		conns:  make(map[string]*conn),
	}
}

// Serve upgrades the request and streams changes until the client leaves.
func (h *Hub) Serve(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	cn := newConn(ws)
	snapshot := h.console.Snapshot()
	if err := cn.send(encode(pushMessage{Type: "snapshot", Snapshot: &snapshot})); err != nil {
		cn.close(websocket.CloseInternalServerErr, "encode failed")
		return nil
	}

	if err := h.console.Subscribe(cn.id, events.Filter{}, func(change *events.Change) {
		snapshot := h.console.Snapshot()
		payload := encode(pushMessage{Type: "change", Change: change, Snapshot: &snapshot})
		if err := cn.send(payload); err != nil && !errors.Is(err, errConnClosed) {
			h.logger.Warn().Err(err).Str("conn", cn.id).Msg("dropping slow websocket client")
		}
	}); err != nil {
		cn.close(websocket.CloseInternalServerErr, "subscribe failed")
		return nil
	}

	h.mu.Lock()
	h.conns[cn.id] = cn
	h.mu.Unlock()
	h.logger.Debug().Str("conn", cn.id).Msg("websocket attached")

	go cn.writeLoop()
	cn.readLoop()

	_ = h.console.Unsubscribe(cn.id)
	h.mu.Lock()
	delete(h.conns, cn.id)
	h.mu.Unlock()
	cn.close(websocket.CloseNormalClosure, "")
	h.logger.Debug().Str("conn", cn.id).Msg("websocket detached")
	return nil
}

// Count returns the number of attached clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, cn := range h.conns {
		conns = append(conns, cn)
	}
	h.mu.Unlock()

	for _, cn := range conns {
		cn.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func encode(msg pushMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}

// conn owns one websocket. Writes happen on writeLoop only; the outbound
// channel is never closed so send cannot race with close.
type conn struct {
	id       string
	ws       *websocket.Conn
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		id:       uuid.NewString(),
		ws:       ws,
		outbound: make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// send enqueues payload. A full buffer closes the connection.
func (c *conn) send(payload []byte) error {
	if payload == nil {
		return errors.New("empty payload")
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.outbound <- payload:
		return nil
	default:
		// send runs on the console loop; the close handshake must not block it.
		go c.close(websocket.CloseTryAgainLater, "send buffer full")
		return errors.New("send buffer full")
	}
}

func (c *conn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbound:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.close(websocket.CloseGoingAway, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseGoingAway, "")
				return
			}
		}
	}
}

func (c *conn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}

// readLoop discards client frames and returns when the socket fails.
func (c *conn) readLoop() {
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
