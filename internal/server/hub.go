package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridtrader/internal/engine"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control surface sits behind the deployment's own auth layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRequest is an inbound client frame.
type wsRequest struct {
	Type string `json:"type"`
}

// wsFrame is an outbound frame.
type wsFrame struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans engine events out to every connected websocket client and
// answers liveness and on-demand status requests.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	eng     *engine.Engine
	logger  *zap.SugaredLogger
}

type client struct {
	conn *websocket.Conn
	send chan wsFrame
}

// NewHub builds a Hub subscribed to the engine's event stream.
func NewHub(eng *engine.Engine, logger *zap.SugaredLogger) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		eng:     eng,
		logger:  logger,
	}
	eng.Subscribe(func(ev engine.Event) {
		h.Broadcast(string(ev.Type), ev.Payload)
	})
	return h
}

// Broadcast queues a frame for every connected client. Slow clients drop
// frames rather than stalling the hub.
func (h *Hub) Broadcast(frameType string, payload any) {
	frame := wsFrame{Type: frameType, Payload: payload, Timestamp: time.Now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.logger.Warnf("websocket client send buffer full, dropping %s frame", frameType)
		}
	}
}

// ServeWS upgrades the request and runs the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan wsFrame, 64)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Infof("websocket client connected (%d total)", n)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warnf("websocket read error: %v", err)
			}
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			h.send(c, wsFrame{Type: "error", Payload: "invalid frame", Timestamp: time.Now()})
			continue
		}
		switch req.Type {
		case "ping":
			h.send(c, wsFrame{Type: "pong", Timestamp: time.Now()})
		case "subscribe":
			h.send(c, wsFrame{Type: "subscribed", Timestamp: time.Now()})
		case "status":
			status, err := h.eng.Status()
			if err != nil {
				h.send(c, wsFrame{Type: "error", Payload: err.Error(), Timestamp: time.Now()})
				continue
			}
			h.send(c, wsFrame{Type: "status", Payload: status, Timestamp: time.Now()})
		default:
			h.send(c, wsFrame{Type: "error", Payload: "unknown request type: " + req.Type, Timestamp: time.Now()})
		}
	}
}

func (h *Hub) send(c *client, frame wsFrame) {
	select {
	case c.send <- frame:
	default:
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
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

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
