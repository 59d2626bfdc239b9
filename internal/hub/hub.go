// Package hub provides connection management for WebSocket clients.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	hub       *Hub
	mu        sync.Mutex
}

// Hub manages all WebSocket connections and per-session delivery
// queues. Frames addressed to a session with no live connection are
// buffered and replayed, oldest first, when a connection binds to the
// session again.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Sessions maps session_id to set of connection IDs
	sessions map[string]map[string]bool

	// Pending frames per session while no connection is bound.
	// Bounded; the oldest frame is dropped when the cap is hit.
	queues   map[string][][]byte
	queueCap int
	sendBuf  int

	// Channels for registration/unregistration
	register   chan *Connection
	unregister chan *Connection

	// Broadcast channel for sending to a specific session
	broadcast chan *SessionMessage

	mu sync.RWMutex
}

// SessionMessage is used to deliver a frame to a session.
type SessionMessage struct {
	SessionID string
	Data      []byte
}

// NewHub creates a new Hub. queueCap bounds the per-session pending
// queue; sendBuf sizes each connection's outbound channel.
func NewHub(queueCap, sendBuf int) *Hub {
	if queueCap <= 0 {
		queueCap = 64
	}
	if sendBuf <= 0 {
		sendBuf = 256
	}
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]bool),
		queues:      make(map[string][][]byte),
		queueCap:    queueCap,
		sendBuf:     sendBuf,
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *SessionMessage, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			// SessionID is written under the lock by BindSession; read
			// it here, not after the unlock.
			sessionID := conn.SessionID
			if sessionID != "" {
				if h.sessions[sessionID] == nil {
					h.sessions[sessionID] = make(map[string]bool)
				}
				h.sessions[sessionID][conn.ID] = true
			}
			h.mu.Unlock()
			log.Printf("Connection registered: %s (session: %s)", conn.ID, sessionID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if conn.SessionID != "" && h.sessions[conn.SessionID] != nil {
					delete(h.sessions[conn.SessionID], conn.ID)
					if len(h.sessions[conn.SessionID]) == 0 {
						delete(h.sessions, conn.SessionID)
					}
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			log.Printf("Connection unregistered: %s", conn.ID)

		case msg := <-h.broadcast:
			h.deliver(msg.SessionID, msg.Data)
		}
	}
}

// deliver sends a frame to every live connection of a session, or
// parks it in the session queue when none is bound.
func (h *Hub) deliver(sessionID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	connIDs, ok := h.sessions[sessionID]
	if !ok || len(connIDs) == 0 {
		h.enqueueLocked(sessionID, data)
		return
	}
	for connID := range connIDs {
		if conn, exists := h.connections[connID]; exists {
			select {
			case conn.Send <- data:
			default:
				// Buffer full, close the connection
				log.Printf("WARN: connection %s buffer full, closing", connID)
				go h.Unregister(conn)
			}
		}
	}
}

func (h *Hub) enqueueLocked(sessionID string, data []byte) {
	q := h.queues[sessionID]
	if len(q) >= h.queueCap {
		log.Printf("WARN: session %s queue full, dropping oldest frame", sessionID)
		q = q[1:]
	}
	h.queues[sessionID] = append(q, data)
}

// NewConnection creates a new connection with a fresh ID.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	conn := &Connection{
		ID:   "conn_" + uuid.New().String()[:8],
		Conn: ws,
		Send: make(chan []byte, h.sendBuf),
		hub:  h,
	}
	return conn
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// BindSession binds a connection to a session and flushes any frames
// queued for that session, in arrival order, onto the connection.
func (h *Hub) BindSession(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Remove from old session if any
	if conn.SessionID != "" && h.sessions[conn.SessionID] != nil {
		delete(h.sessions[conn.SessionID], conn.ID)
		if len(h.sessions[conn.SessionID]) == 0 {
			delete(h.sessions, conn.SessionID)
		}
	}

	conn.SessionID = sessionID
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]bool)
	}
	h.sessions[sessionID][conn.ID] = true

	queued := h.queues[sessionID]
	delete(h.queues, sessionID)
	for i, data := range queued {
		select {
		case conn.Send <- data:
		default:
			// Out of room mid-replay; keep the remainder queued.
			h.queues[sessionID] = append(h.queues[sessionID], queued[i:]...)
			log.Printf("WARN: session %s replay truncated at %d of %d frames", sessionID, i, len(queued))
			return
		}
	}
}

// Send delivers a frame to a session, queuing it when no connection is
// bound.
func (h *Hub) Send(sessionID string, data []byte) {
	h.broadcast <- &SessionMessage{
		SessionID: sessionID,
		Data:      data,
	}
}

// SendJSON delivers a JSON frame to a session.
func (h *Hub) SendJSON(sessionID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Send(sessionID, data)
	return nil
}

// SendNow delivers a frame to a session synchronously, bypassing the
// broadcast channel. Used where ordering against a direct connection
// write matters.
func (h *Hub) SendNow(sessionID string, data []byte) {
	h.deliver(sessionID, data)
}

// SendToConnection sends a frame to a specific connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON frame to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetSessionCount returns the number of sessions with live connections.
func (h *Hub) GetSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// QueuedCount returns the number of frames parked for a session.
func (h *Hub) QueuedCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.queues[sessionID])
}

// HasActiveConnections checks if a session has any live connections.
func (h *Hub) HasActiveConnections(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connIDs, ok := h.sessions[sessionID]
	return ok && len(connIDs) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
