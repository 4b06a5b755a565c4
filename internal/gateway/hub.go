// Package gateway is the client-facing WebSocket surface. Browsers connect to
// the [Handler], join sessions, push audio and receive room broadcasts
// fanned out by the [Hub].
package gateway

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is the envelope of every server-to-client message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// client is one connected participant.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

func newClient(id string, conn *websocket.Conn, buffer int, log *slog.Logger) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
		log:  log,
	}
}

// enqueue hands msg to the write pump. A client whose buffer is full is
// disconnected rather than allowed to stall the room.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn("gateway: client too slow, disconnecting", "participant", c.id)
		c.close()
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// writePump is the only goroutine writing to conn.
func (c *client) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("gateway: write failed", "participant", c.id, "err", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Debug("gateway: ping failed", "participant", c.id, "err", err)
				c.close()
				return
			}
		}
	}
}

// Hub tracks connected clients and room membership. It implements
// relay.Rooms. All methods are safe for concurrent use.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]struct{}
}

// NewHub creates an empty hub. A nil logger means [slog.Default].
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]struct{}),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

// unregister forgets c and drops it from every room.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	for room, members := range h.rooms {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Join adds participant to room.
func (h *Hub) Join(room, participant string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[participant] = struct{}{}
}

// Leave removes participant from room.
func (h *Hub) Leave(room, participant string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, participant)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Broadcast sends event to every connected member of room. The payload is
// encoded once; members that are not connected are skipped.
func (h *Hub) Broadcast(room, event string, data any) {
	msg, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		h.log.Error("gateway: encode broadcast", "room", room, "event", event, "err", err)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
}

// Send delivers event to a single participant.
func (h *Hub) Send(participant, event string, data any) bool {
	h.mu.RLock()
	c, ok := h.clients[participant]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	msg, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		h.log.Error("gateway: encode message", "participant", participant, "event", event, "err", err)
		return false
	}
	return c.enqueue(msg)
}

// Members returns the participants of room in sorted order.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}
