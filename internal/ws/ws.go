package ws

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rahemur0910/ChatAppliocation/internal/models"
)

// OfflineNotifier is invoked when a dispatch finds no live connection for
// the receiver. Implementations are best-effort (web push).
type OfflineNotifier interface {
	NotifyNewMessage(receiverID, senderID int)
}

// Hub tracks the single active connection per user and pushes new-message
// events to it. It is both the presence directory (IsUserOnline) and the
// delivery dispatcher (Dispatch). Delivery is at-most-once and decoupled
// from the write path: the message store is the durable fallback.
type Hub struct {
	clients    map[int]*Client
	dispatch   chan *Event
	register   chan *Client
	unregister chan *Client
	offline    OfflineNotifier
	mu         sync.RWMutex
}

type Client struct {
	userID int
	conn   *websocket.Conn
	hub    *Hub
	send   chan *Event
}

// Event is the wire format of the live channel.
type Event struct {
	Type    string          `json:"type"` // "new_message"
	Message *models.Message `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

func NewHub(offline OfflineNotifier) *Hub {
	return &Hub{
		clients:    make(map[int]*Client),
		dispatch:   make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		offline:    offline,
	}
}

// IsUserOnline checks if a user currently has a live connection.
func (h *Hub) IsUserOnline(userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// GetOnlineUserIDs returns the ids of all connected users.
func (h *Hub) GetOnlineUserIDs() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch queues a persisted message for live delivery to its receiver.
// It never blocks the caller and never reports failure upward: a push that
// cannot be delivered is not an error, history and the unread ledger
// already capture the event. All deliveries funnel through the Run loop,
// which keeps pushes for a sender/receiver pair in append order.
func (h *Hub) Dispatch(msg *models.Message) {
	select {
	case h.dispatch <- &Event{Type: "new_message", Message: msg}:
	default:
		log.Printf("ws: dispatch queue full, dropping live delivery of message %d", msg.ID)
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			// One active connection per user: a reconnect replaces the old one
			if prev, ok := h.clients[client.userID]; ok {
				close(prev.send)
			}
			h.clients[client.userID] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("ws: user %d connected (total: %d)", client.userID, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.userID]; ok && current == client {
				delete(h.clients, client.userID)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("ws: user %d disconnected (total: %d)", client.userID, total)

		case event := <-h.dispatch:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *Event) {
	msg := event.Message

	h.mu.RLock()
	client, online := h.clients[msg.ReceiverID]
	h.mu.RUnlock()

	if !online {
		// Silent no-op for delivery; best-effort push notification instead
		if h.offline != nil {
			go h.offline.NotifyNewMessage(msg.ReceiverID, msg.SenderID)
		}
		return
	}

	select {
	case client.send <- event:
	default:
		log.Printf("ws: send buffer full for user %d, dropping message %d", msg.ReceiverID, msg.ID)
	}
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}

	client := &Client{
		userID: userID.(int),
		conn:   conn,
		hub:    h,
		send:   make(chan *Event, 256),
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

// readPump drains the connection so close frames and pongs are processed.
// Clients talk to the server over HTTP; the socket is push-only.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error: %v", err)
			}
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
