// Package subscriber is the websocket fan-out behind GET /bots/stream. It
// is adapted from the teacher's internal/websocket Hub: the same
// register/unregister/broadcast channel loop and per-client send buffer,
// narrowed from a multi-room collaborative-editing hub (cursors, file
// diffs, chat) down to one event type — meeting.status — fanned out per
// user rather than per project room.
package subscriber

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"meetingbot/internal/logging"
)

// Event is the message shape pushed to stream clients.
type Event struct {
	Type      string    `json:"type"`
	Platform  string    `json:"platform"`
	NativeID  string    `json:"native_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		allowed := os.Getenv("CORS_ALLOWED_ORIGINS")
		if allowed == "" {
			return origin == ""
		}
		for _, a := range strings.Split(allowed, ",") {
			if strings.TrimSpace(a) == origin {
				return true
			}
		}
		return false
	},
}

// Hub fans meeting.status events out to every websocket client belonging
// to the event's owning user.
type Hub struct {
	clients    map[uint]map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan userEvent
	shutdown   chan struct{}
	mu         sync.RWMutex
}

type userEvent struct {
	userID uint
	event  Event
}

// New builds an unstarted Hub; call Run in its own goroutine.
func New() *Hub {
	return &Hub{
		clients:    make(map[uint]map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan userEvent, 256),
		shutdown:   make(chan struct{}),
	}
}

// Run drives the hub's event loop until Shutdown is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for _, clients := range h.clients {
				for c := range clients {
					close(c.send)
				}
			}
			h.clients = make(map[uint]map[*client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.userID] == nil {
				h.clients[c.userID] = make(map[*client]bool)
			}
			h.clients[c.userID][c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.clients[c.userID]; ok {
				if _, ok := set[c]; ok {
					delete(set, c)
					close(c.send)
				}
				if len(set) == 0 {
					delete(h.clients, c.userID)
				}
			}
			h.mu.Unlock()

		case ue := <-h.broadcast:
			h.mu.RLock()
			set := h.clients[ue.userID]
			h.mu.RUnlock()
			if len(set) == 0 {
				continue
			}
			payload, err := json.Marshal(ue.event)
			if err != nil {
				logging.S().Errorw("subscriber: marshal event", "error", err)
				continue
			}
			h.mu.RLock()
			for c := range set {
				select {
				case c.send <- payload:
				default:
					logging.S().Warnw("subscriber: client send buffer full, dropping", "user_id", ue.userID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Shutdown stops the hub's loop and closes every client connection.
func (h *Hub) Shutdown() {
	close(h.shutdown)
}

// Publish fans ev out to every connected client owned by userID. Safe to
// call from any goroutine; the status publisher calls it directly after
// each committed transition.
func (h *Hub) Publish(userID uint, ev Event) {
	select {
	case h.broadcast <- userEvent{userID: userID, event: ev}:
	default:
		logging.S().Warnw("subscriber: broadcast queue full, dropping event", "user_id", userID)
	}
}

// ClientCount reports how many stream connections are open for userID,
// primarily for diagnostics.
func (h *Hub) ClientCount(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// HandleStream upgrades GET /bots/stream to a websocket connection scoped
// to the authenticated caller's user id.
func (h *Hub) HandleStream(c *gin.Context, userID uint) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.S().Warnw("subscriber: upgrade failed", "error", err)
		return
	}

	cl := &client{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 64),
		hub:    h,
	}
	h.register <- cl

	go cl.writePump()
	go cl.readPump()
}
