// Package choir is the server side of the synchronization engine: the
// websocket hub, the authoritative per-voice state store, and master
// arbitration.
package choir

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
	"github.com/casspangell/drone-choir-app-sub000/protocol"
)

// Client is one websocket connection to the hub. A logical instance may
// reconnect; the hub keys clients by InstanceID and kicks the old
// connection when the same instance registers again.
type Client struct {
	Hub        *Hub
	Conn       *websocket.Conn
	Send       chan []byte
	InstanceID string
	Voice      model.VoiceType
	role       model.Role
	mu         stdsync.RWMutex
}

// Role returns the client's role (thread safe).
func (c *Client) Role() model.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// SetRole updates the client's role (thread safe).
func (c *Client) SetRole(r model.Role) {
	c.mu.Lock()
	c.role = r
	c.mu.Unlock()
}

// BroadcastFilter narrows a broadcast to part of the room.
type BroadcastFilter struct {
	// OnlyVoice limits delivery to sessions of one voice part; the
	// controller always receives voice-scoped traffic as well.
	OnlyVoice model.VoiceType
	// ExcludeID drops delivery to one instance (usually the sender).
	ExcludeID string
}

type broadcastMessage struct {
	payload []byte
	filter  BroadcastFilter
}

// Hub is the broadcast center for all choir connections.
type Hub struct {
	clients map[string]*Client // by instanceId

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu   stdsync.RWMutex
	done chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run drives the hub loop until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.deliverBroadcast(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop shuts the hub down.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Same logical instance on a new physical connection: drop the old one.
	if old, exists := h.clients[client.InstanceID]; exists && old != client {
		h.removeClient(old)
	}
	h.clients[client.InstanceID] = client

	logger.Info("client connection registered",
		logger.String("instance", client.InstanceID),
		logger.String("voice", string(client.Voice)))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Only remove if this connection is still the instance's current one;
	// a reconnect may already have replaced it.
	if cur, ok := h.clients[client.InstanceID]; ok && cur == client {
		h.removeClient(client)
	}
}

// removeClient must run with the lock held.
func (h *Hub) removeClient(client *Client) {
	delete(h.clients, client.InstanceID)
	close(client.Send)

	logger.Info("client connection removed",
		logger.String("instance", client.InstanceID))
}

func (h *Hub) deliverBroadcast(msg *broadcastMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		if msg.filter.ExcludeID != "" && client.InstanceID == msg.filter.ExcludeID {
			continue
		}
		if msg.filter.OnlyVoice != "" && client.Voice != msg.filter.OnlyVoice && client.Role() != model.RoleController {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	// Collect wedged connections and remove them inline; this runs on the
	// hub loop itself, so queueing them back through unregister would block.
	var wedged []*Client
	for _, client := range targets {
		select {
		case client.Send <- msg.payload:
		default:
			wedged = append(wedged, client)
		}
	}
	if len(wedged) == 0 {
		return
	}

	h.mu.Lock()
	for _, client := range wedged {
		if cur, ok := h.clients[client.InstanceID]; ok && cur == client {
			logger.Warn("client send buffer full, dropping connection",
				logger.String("instance", client.InstanceID))
			h.removeClient(client)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[string]*Client)
}

// Register queues a client for registration.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast stamps the message with the server timing envelope and queues
// it for delivery.
func (h *Hub) Broadcast(msg *protocol.Message, filter BroadcastFilter) error {
	data, err := json.Marshal(msg.Stamp(0))
	if err != nil {
		return err
	}
	h.broadcast <- &broadcastMessage{payload: data, filter: filter}
	return nil
}

// SendTo delivers a stamped message to a single instance. Best effort: a
// full buffer drops the frame.
func (h *Hub) SendTo(instanceID string, msg *protocol.Message) {
	h.mu.RLock()
	client := h.clients[instanceID]
	h.mu.RUnlock()
	if client == nil {
		return
	}
	client.SendMessage(msg)
}

// SetClientRole mirrors an arbitration decision onto the live connection.
func (h *Hub) SetClientRole(instanceID string, role model.Role) {
	h.mu.RLock()
	client := h.clients[instanceID]
	h.mu.RUnlock()
	if client != nil {
		client.SetRole(role)
	}
}

// HasInstance reports whether the instance has a live connection.
func (h *Hub) HasInstance(instanceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[instanceID]
	return ok
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ========== Client pumps ==========

// ReadPump reads frames off the connection and hands them to handler. It
// owns the connection teardown.
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, msg *protocol.Message)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, payload, err := c.Conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					logger.Warn("websocket read error",
						logger.ErrorField(err),
						logger.String("instance", c.InstanceID))
				}
				return
			}

			var msg protocol.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				logger.Warn("invalid message format",
					logger.ErrorField(err),
					logger.String("instance", c.InstanceID))
				continue
			}
			c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			handler(ctx, c, &msg)
		}
	}
}

// WritePump flushes the send buffer and keeps the transport alive with
// protocol-level pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage stamps and queues one message for this client. A full buffer
// drops the frame rather than blocking the hub.
func (c *Client) SendMessage(msg *protocol.Message) error {
	data, err := json.Marshal(msg.Stamp(0))
	if err != nil {
		return err
	}

	select {
	case c.Send <- data:
		return nil
	default:
		return nil
	}
}
