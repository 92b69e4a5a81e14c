package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// client is one websocket connection on this instance.
type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	// user is guarded by the hub lock
	user string
}

func newClient(conn *websocket.Conn) *client {
	return &client{id: uuid.NewString(), conn: conn}
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// Hub tracks the local connections and the user each one registered as.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	byUser  map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: map[*client]struct{}{},
		byUser:  map[string]map[*client]struct{}{},
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// remove forgets c and returns the user it was bound to.
func (h *Hub) remove(c *client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	return h.unbindLocked(c)
}

// bind registers c as user and returns the user it was bound to before.
func (h *Hub) bind(c *client, user string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return ""
	}
	prev := h.unbindLocked(c)
	c.user = user
	set, ok := h.byUser[user]
	if !ok {
		set = map[*client]struct{}{}
		h.byUser[user] = set
	}
	set[c] = struct{}{}
	return prev
}

// unbind drops the registration of c if it is bound to user.
func (h *Hub) unbind(c *client, user string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.user != user {
		return false
	}
	h.unbindLocked(c)
	return true
}

func (h *Hub) unbindLocked(c *client) string {
	prev := c.user
	if prev == "" {
		return ""
	}
	if set, ok := h.byUser[prev]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, prev)
		}
	}
	c.user = ""
	return prev
}

func (h *Hub) userOf(c *client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.user
}

// SendToUser writes data to every local connection registered as user and
// returns how many received it.
func (h *Hub) SendToUser(user string, data []byte) int {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.byUser[user]))
	for c := range h.byUser[user] {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	return h.deliver(targets, data)
}

// Broadcast writes data to every local connection that registered a user.
func (h *Hub) Broadcast(data []byte) int {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.user != "" {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	return h.deliver(targets, data)
}

func (h *Hub) deliver(targets []*client, data []byte) int {
	n := 0
	for _, c := range targets {
		if err := c.write(data); err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("conn_id", c.id).Msg("ws send failed, dropping connection")
			// the read loop notices the closed socket and cleans up
			_ = c.conn.Close()
			continue
		}
		n++
	}
	return n
}

// Count returns the number of local connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll closes every local connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.close()
	}
}
