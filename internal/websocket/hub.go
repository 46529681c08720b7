package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sellerstudio/api/internal/events"
	"github.com/sellerstudio/api/internal/logger"
	"github.com/sellerstudio/api/internal/model"
	"github.com/sellerstudio/api/internal/taskstore"
)

// Client represents a WebSocket client
type Client struct {
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
}

// PanelSource renders the notification panel of a user
type PanelSource interface {
	View(userID string) model.PanelView
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by user ID
	clients map[string]map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Broadcast messages to a user's connections
	broadcast chan *BroadcastMessage

	// Closed when Run returns
	done chan struct{}

	panel PanelSource
	log   *logrus.Entry
	mu    sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	UserID  string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(panel PanelSource) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		panel:      panel,
		log:        logger.For("websocket"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.UserID] == nil {
				h.clients[client.UserID] = make(map[*Client]bool)
			}
			h.clients[client.UserID][client] = true
			h.mu.Unlock()
			h.log.WithField("user_id", client.UserID).Debug("client registered")

			// a fresh connection starts from the current panel
			if data, err := h.panelMessage(client.UserID); err == nil {
				client.Send <- data
			}

		case client := <-h.unregister:
			h.remove(client)
			h.log.WithField("user_id", client.UserID).Debug("client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.UserID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.log.WithField("user_id", msg.UserID).Warn("client too slow, dropping connection")
					close(client.Send)
					delete(h.clients[msg.UserID], client)
				}
			}
			if len(h.clients[msg.UserID]) == 0 {
				delete(h.clients, msg.UserID)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[client.UserID]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			close(client.Send)
			if len(clients) == 0 {
				delete(h.clients, client.UserID)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, clients := range h.clients {
		for client := range clients {
			close(client.Send)
		}
		delete(h.clients, userID)
	}
}

// Register adds a new client. After shutdown the client's Send channel is
// closed immediately.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) send(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// Connected reports whether a user has at least one open connection
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) connectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		users = append(users, userID)
	}
	return users
}

// Follow pushes panel updates for store changes and forwards terminal task
// events until ctx is done or either source closes.
func (h *Hub) Follow(ctx context.Context, changes <-chan taskstore.Change, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return

		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.UserID == "" {
				for _, userID := range h.connectedUsers() {
					h.BroadcastPanel(userID)
				}
				continue
			}
			h.BroadcastPanel(change.UserID)

		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			h.BroadcastEvent(evt)
		}
	}
}

func (h *Hub) panelMessage(userID string) ([]byte, error) {
	msg := model.WSPanelMessage{
		Type:  model.WSMessageTypePanel,
		Panel: h.panel.View(userID),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal panel message")
		return nil, err
	}
	return data, nil
}

// BroadcastPanel sends the current panel to every connection of a user
func (h *Hub) BroadcastPanel(userID string) {
	if !h.Connected(userID) {
		return
	}
	data, err := h.panelMessage(userID)
	if err != nil {
		return
	}
	h.send(&BroadcastMessage{UserID: userID, Message: data})
}

// BroadcastEvent sends a completion or failure message to the task owner
func (h *Hub) BroadcastEvent(evt events.Event) {
	if !h.Connected(evt.UserID) {
		return
	}

	var msg interface{}
	switch evt.Kind {
	case events.KindTaskCompleted:
		msg = model.WSCompleteMessage{
			Type:     model.WSMessageTypeCompleted,
			TaskID:   evt.TaskID,
			TaskType: evt.TaskType,
			Result:   evt.Result,
		}
	case events.KindTaskFailed:
		msg = model.WSErrorMessage{
			Type:   model.WSMessageTypeFailed,
			TaskID: evt.TaskID,
			Error: model.WSError{
				Code:    "GENERATION_FAILED",
				Message: evt.Error,
			},
		}
	default:
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal event message")
		return
	}
	h.send(&BroadcastMessage{UserID: evt.UserID, Message: data})
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, userID string) {
	client := &Client{
		UserID: userID,
		Conn:   c,
		Send:   make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Warn("websocket read failed")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case model.WSMessageTypePing:
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			h.broadcastTo(client, pong)
		case model.WSMessageTypePanel:
			if data, err := h.panelMessage(userID); err == nil {
				h.broadcastTo(client, data)
			}
		}
	}
}

// broadcastTo queues a reply for one client without blocking the reader
func (h *Hub) broadcastTo(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client.UserID][client] {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}
