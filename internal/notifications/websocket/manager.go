package websocket

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/notifications"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Manager handles WebSocket connections and event fan-out
type Manager struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	hub         *Hub
	upgrader    websocket.Upgrader
	logger      *zap.Logger
	closeOnce   sync.Once
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID           string
	UserID       string
	Channels     []string
	Conn         *websocket.Conn
	Send         chan notifications.Message
	LastActivity time.Time
	UserAgent    string
	IPAddress    string
	mu           sync.Mutex
}

// Hub manages the broadcast of messages to connections
type Hub struct {
	connections map[*Connection]bool
	broadcast   chan notifications.Message
	register    chan *Connection
	unregister  chan *Connection
	stop        chan struct{}
	done        chan struct{}
	logger      *zap.Logger
}

// NewManager creates a new WebSocket manager and starts its hub
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		connections: make(map[*Connection]bool),
		broadcast:   make(chan notifications.Message, sendBuffer),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger,
	}

	go hub.run()

	return &Manager{
		connections: make(map[string]*Connection),
		hub:         hub,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnection upgrades the request and starts pumping events to the client.
// userID is the authenticated caller; empty means anonymous.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) (*Connection, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		Conn:         conn,
		Send:         make(chan notifications.Message, sendBuffer),
		LastActivity: time.Now(),
		UserAgent:    r.Header.Get("User-Agent"),
		IPAddress:    r.RemoteAddr,
	}

	select {
	case m.hub.register <- connection:
	case <-m.hub.done:
		conn.Close()
		return nil, fmt.Errorf("websocket manager closed")
	}

	m.mu.Lock()
	m.connections[connection.ID] = connection
	m.mu.Unlock()

	go m.readPump(connection)
	go m.writePump(connection)

	return connection, nil
}

// readPump handles subscription frames until the client goes away
func (m *Manager) readPump(conn *Connection) {
	defer func() {
		select {
		case m.hub.unregister <- conn:
		case <-m.hub.done:
		}
		m.mu.Lock()
		delete(m.connections, conn.ID)
		m.mu.Unlock()
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(4096)
	conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg notifications.Message
		if err := conn.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Warn("websocket read failed", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}

		conn.mu.Lock()
		conn.LastActivity = time.Now()
		conn.mu.Unlock()

		m.handleMessage(conn, &msg)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (m *Manager) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming WebSocket messages
func (m *Manager) handleMessage(conn *Connection, msg *notifications.Message) {
	switch msg.Type {
	case notifications.MessageTypeSubscribe:
		m.handleSubscribe(conn, msg)
	default:
		m.logger.Debug("ignoring websocket message", zap.String("type", string(msg.Type)))
	}
}

// handleSubscribe replaces the connection's channel filters. A filter matches an event
// type exactly or, when it ends in ".", as a prefix ("pool." matches every pool event).
func (m *Manager) handleSubscribe(conn *Connection, msg *notifications.Message) {
	var channels []string
	if raw, ok := msg.Data["channels"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok && strings.TrimSpace(s) != "" {
				channels = append(channels, strings.TrimSpace(s))
			}
		}
	}

	conn.mu.Lock()
	conn.Channels = channels
	conn.mu.Unlock()

	response := notifications.Message{
		Type:      notifications.MessageTypeStatus,
		Data:      map[string]any{"status": "subscribed", "connection_id": conn.ID, "channels": channels},
		Timestamp: time.Now(),
	}
	select {
	case conn.Send <- response:
	default:
		m.logger.Warn("websocket send buffer full", zap.String("connection_id", conn.ID))
	}
}

// wants reports whether the connection subscribed to channel. No filters means everything.
func (c *Connection) wants(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Channels) == 0 {
		return true
	}
	for _, f := range c.Channels {
		if f == channel || (strings.HasSuffix(f, ".") && strings.HasPrefix(channel, f)) {
			return true
		}
	}
	return false
}

// run runs the hub in its own goroutine
func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			h.connections[conn] = true
			h.logger.Info("websocket connection registered", zap.String("connection_id", conn.ID), zap.String("user_id", conn.UserID))

		case conn := <-h.unregister:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.Send)
				h.logger.Info("websocket connection unregistered", zap.String("connection_id", conn.ID))
			}

		case message := <-h.broadcast:
			for conn := range h.connections {
				if !conn.wants(message.Channel) {
					continue
				}
				select {
				case conn.Send <- message:
				default:
					// slow consumer
					close(conn.Send)
					delete(h.connections, conn)
				}
			}

		case <-h.stop:
			for conn := range h.connections {
				close(conn.Send)
				delete(h.connections, conn)
			}
			return
		}
	}
}

// Broadcast queues a message for every subscribed connection. It never blocks.
func (m *Manager) Broadcast(message notifications.Message) error {
	select {
	case m.hub.broadcast <- message:
		return nil
	default:
		return fmt.Errorf("broadcast channel full")
	}
}

// GetConnectionCount returns the number of active connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Close disconnects every client and stops the hub.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.hub.stop) })
	<-m.hub.done
}
