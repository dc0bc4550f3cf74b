package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/looper"
	"github.com/realtime-ai/nodeplayer/pkg/player"
)

const (
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

// Event is the JSON form of a player notification.
type Event struct {
	Player     string    `json:"player"`
	Kind       string    `json:"kind"`
	Arg1       int32     `json:"arg1,omitempty"`
	Arg2       int32     `json:"arg2,omitempty"`
	Error      string    `json:"error,omitempty"`
	State      string    `json:"state"`
	PositionUs int64     `json:"position_us"`
	DurationUs int64     `json:"duration_us"`
	Time       time.Time `json:"time"`
}

type eventClient struct {
	conn *websocket.Conn
	send chan Event
}

// EventHub fans player notifications out to websocket clients. A client
// that falls behind loses events instead of stalling the player.
type EventHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

func NewEventHub(logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		logger: logger.With(zap.String("component", "event_hub")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*eventClient]struct{}),
	}
}

// Attach makes the hub the listener of p.
func (h *EventHub) Attach(p *player.Controller) {
	p.SetListener(h.Listener(p))
}

// Listener publishes every notification of p. It only reads controller
// state, so it is safe on the looper goroutine.
func (h *EventHub) Listener(p *player.Controller) player.Listener {
	return player.ListenerFunc(func(kind looper.EventKind, arg1, arg2 int32, data any) {
		ev := Event{
			Player:     p.ID(),
			Kind:       kind.String(),
			Arg1:       arg1,
			Arg2:       arg2,
			State:      p.State().String(),
			PositionUs: p.CurrentPosition(),
			DurationUs: p.Duration(),
			Time:       time.Now(),
		}
		if err, ok := data.(error); ok && err != nil {
			ev.Error = err.Error()
		}
		h.Publish(ev)
	})
}

func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Debug("drop event for slow client", zap.String("kind", ev.Kind))
		}
	}
}

// Clients is the number of connected websocket clients.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	c := &eventClient{conn: conn, send: make(chan Event, clientQueue)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("event client connected", zap.String("remote", r.RemoteAddr))

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client input and unregisters the client when the
// connection drops.
func (h *EventHub) readLoop(c *eventClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("event client read", zap.Error(err))
			}
			return
		}
	}
}

func (h *EventHub) writeLoop(c *eventClient) {
	defer c.conn.Close()
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.logger.Debug("event client write", zap.Error(err))
			h.remove(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

func (h *EventHub) remove(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
