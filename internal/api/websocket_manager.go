package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dispatchdesk/console/internal/channel"
	"github.com/dispatchdesk/console/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientQueueLen = 32
)

// WebSocket Event types
const (
	EventFeed       = "feed"
	EventConnection = "connection"
	EventSession    = "session"
)

type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// FeedEvent is the payload of a feed event
type FeedEvent struct {
	Kind         domain.FeedChangeKind        `json:"kind"`
	Key          string                       `json:"key,omitempty"`
	Notification *domain.NotificationResponse `json:"notification,omitempty"`
	Unread       int                          `json:"unread"`
}

type Client struct {
	ID   uuid.UUID
	Conn *websocket.Conn
	Send chan []byte
}

// WebSocketManager fans console events out to every open UI socket
type WebSocketManager struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewWebSocketManager creates a hub accepting sockets from allowedOrigins.
// Requests without an Origin header (non-browser clients) are accepted.
func NewWebSocketManager(allowedOrigins []string, logger *zap.Logger) *WebSocketManager {
	m := &WebSocketManager{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		logger:     logger,
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}
	return m
}

// Run serves the hub until ctx is done, then closes every client
func (m *WebSocketManager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for client := range m.clients {
				delete(m.clients, client)
				close(client.Send)
			}
			m.mu.Unlock()
			return

		case client := <-m.register:
			m.mu.Lock()
			m.clients[client] = true
			m.mu.Unlock()
			m.logger.Debug("Client registered", zap.String("clientID", client.ID.String()))

		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.Send)
				m.logger.Debug("Client unregistered", zap.String("clientID", client.ID.String()))
			}
			m.mu.Unlock()

		case message := <-m.broadcast:
			m.mu.Lock()
			for client := range m.clients {
				select {
				case client.Send <- message:
				default:
					// slow client; drop it rather than stall the hub
					delete(m.clients, client)
					close(client.Send)
				}
			}
			m.mu.Unlock()
		}
	}
}

// ClientCount returns the number of open sockets
func (m *WebSocketManager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Broadcast queues ev for every client. Events are dropped when the queue
// is full.
func (m *WebSocketManager) Broadcast(ev WSEvent) {
	jsonMsg, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	select {
	case m.broadcast <- jsonMsg:
	default:
		m.logger.Warn("ui broadcast queue full; event dropped", zap.String("type", ev.Type))
	}
}

// ServeWS upgrades the request and attaches the socket to the hub
func (m *WebSocketManager) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		m.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New(),
		Conn: conn,
		Send: make(chan []byte, clientQueueLen),
	}

	select {
	case m.register <- client:
	case <-m.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump(m)
}

// StateNotifier reports push channel transitions
type StateNotifier interface {
	OnStateChange(fn func(channel.State))
}

// SessionNotifier reports session lifecycle events
type SessionNotifier interface {
	Subscribe(fn func(domain.SessionEvent))
}

// Bridge forwards feed, push channel and session events to the UI
func (m *WebSocketManager) Bridge(store *domain.NotificationStore, ch StateNotifier, sessions SessionNotifier) {
	store.Subscribe(func(change domain.FeedChange) {
		ev := FeedEvent{Kind: change.Kind, Key: change.Key, Unread: change.Unread}
		if change.Notification != nil {
			ev.Notification = change.Notification.ToResponse(store.Policy(), time.Now())
		}
		m.Broadcast(WSEvent{Type: EventFeed, Payload: ev})
	})
	ch.OnStateChange(func(state channel.State) {
		m.Broadcast(WSEvent{Type: EventConnection, Payload: map[string]string{"state": state.String()}})
	})
	sessions.Subscribe(func(ev domain.SessionEvent) {
		m.Broadcast(WSEvent{Type: EventSession, Payload: ev})
	})
}

func (c *Client) ReadPump(manager *WebSocketManager) {
	defer func() {
		select {
		case manager.unregister <- c:
		case <-manager.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// The UI only listens; anything it sends is discarded
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				manager.logger.Debug("ui socket closed", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
