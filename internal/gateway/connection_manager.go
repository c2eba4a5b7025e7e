// Package gateway is the realtime boundary: it owns the WebSocket
// connections, fans lobby events out to them, and translates client commands
// into engine calls. All game rules live in the round engine; the gateway only
// routes.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionManager tracks live WebSocket connections grouped into rooms by
// lobby code. A connection moves between rooms as its user creates, joins and
// leaves lobbies.
type ConnectionManager struct {
	rooms map[string]map[*Connection]bool
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage
}

// Connection is one client's WebSocket session.
type Connection struct {
	ID      string
	UserID  uuid.UUID
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// room is the lobby code the connection currently belongs to, empty when
	// the user is in no lobby. Guarded by the manager's mutex.
	room string

	// playbackPart is the connection-local cursor through finished stories.
	playbackPart int

	// closed guards against double-closing Send when both the read pump and a
	// failed broadcast tear the connection down. Guarded by the manager's mutex.
	closed bool

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds the WebSocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is a pre-marshalled event addressed to a room, optionally
// narrowed to one user's connections.
type BroadcastMessage struct {
	LobbyCode string
	UserID    string
	Data      []byte
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024, // drawings ride in element content
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		rooms: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start drains the broadcast channel until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// Upgrade turns an HTTP request into a managed WebSocket connection owned by
// userID. onMessage receives every client frame; onClose runs once when the
// connection dies.
func (cm *ConnectionManager) Upgrade(w http.ResponseWriter, r *http.Request, userID uuid.UUID, onMessage func(*Connection, []byte), onClose func(*Connection)) (*Connection, error) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Conn:        ws,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	go conn.writePump()
	go conn.readPump(onMessage, onClose)

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", userID.String()).
		Msg("websocket connection established")
	return conn, nil
}

// JoinRoom moves the connection into the lobby's room, leaving any prior one.
func (cm *ConnectionManager) JoinRoom(conn *Connection, lobbyCode string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.leaveRoomLocked(conn)
	if lobbyCode == "" {
		return
	}
	if cm.rooms[lobbyCode] == nil {
		cm.rooms[lobbyCode] = make(map[*Connection]bool)
	}
	cm.rooms[lobbyCode][conn] = true
	conn.room = lobbyCode

	log.Debug().
		Str("connection_id", conn.ID).
		Str("lobby_code", lobbyCode).
		Int("room_size", len(cm.rooms[lobbyCode])).
		Msg("connection joined room")
}

// LeaveRoom detaches the connection from its room, if any.
func (cm *ConnectionManager) LeaveRoom(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.leaveRoomLocked(conn)
}

func (cm *ConnectionManager) leaveRoomLocked(conn *Connection) {
	if conn.room == "" {
		return
	}
	if room, ok := cm.rooms[conn.room]; ok {
		delete(room, conn)
		if len(room) == 0 {
			delete(cm.rooms, conn.room)
		}
	}
	conn.room = ""
}

// Room returns the lobby code the connection is currently in.
func (cm *ConnectionManager) Room(conn *Connection) string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return conn.room
}

// Broadcast queues an event for every connection in the lobby's room. If
// userID is non-empty only that user's connections receive it.
func (cm *ConnectionManager) Broadcast(lobbyCode, userID string, data []byte) {
	select {
	case cm.broadcastCh <- BroadcastMessage{LobbyCode: lobbyCode, UserID: userID, Data: data}:
	default:
		log.Warn().Str("lobby_code", lobbyCode).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	room, exists := cm.rooms[message.LobbyCode]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	var targets []*Connection
	for conn := range room {
		if message.UserID != "" && conn.UserID.String() != message.UserID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		if !cm.trySend(conn, message.Data) {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID.String()).
				Msg("connection send buffer full, closing connection")
			cm.drop(conn)
			conn.Conn.Close()
		}
	}
}

// trySend queues data without blocking. Returns false when the buffer is full
// and true when the connection is already gone (nothing to deliver to).
func (cm *ConnectionManager) trySend(conn *Connection, data []byte) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if conn.closed {
		return true
	}
	select {
	case conn.Send <- data:
		return true
	default:
		return false
	}
}

// drop removes the connection from its room and closes its send channel.
func (cm *ConnectionManager) drop(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.leaveRoomLocked(conn)
	if !conn.closed {
		conn.closed = true
		close(conn.Send)
	}
}

// Stats reports active connection counts per room.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveLobbies    int            `json:"active_lobbies"`
	RoomSizes        map[string]int `json:"room_sizes"`
}

func (cm *ConnectionManager) GetStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{RoomSizes: make(map[string]int, len(cm.rooms))}
	for code, room := range cm.rooms {
		stats.TotalConnections += len(room)
		stats.RoomSizes[code] = len(room)
	}
	stats.ActiveLobbies = len(cm.rooms)
	return stats
}

// SendDirect delivers a payload to this connection only, bypassing rooms.
func (c *Connection) SendDirect(data []byte) {
	if !c.Manager.trySend(c, data) {
		log.Warn().Str("connection_id", c.ID).Msg("direct send dropped, buffer full")
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

func (c *Connection) readPump(onMessage func(*Connection, []byte), onClose func(*Connection)) {
	defer func() {
		c.Manager.drop(c)
		c.Conn.Close()
		if onClose != nil {
			onClose(c)
		}
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			break
		}
		if onMessage != nil {
			onMessage(c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
