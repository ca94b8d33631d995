// Package gateway exposes the clock server over HTTP: a WebSocket push stream
// that carries every clock state broadcast, plus the JSON control and
// diagnostic endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/playhead/playhead/internal/clock"
)

// ConnectionManager owns every live push subscriber. It satisfies
// clock.Broadcaster: Publish fans a snapshot out to all connections without
// blocking, CloseAll severs them when the clock detaches.
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan clock.Snapshot
}

// Connection is one subscriber's push stream.
type Connection struct {
	ID          string
	Name        string
	Conn        *websocket.Conn
	Send        chan []byte
	ConnectedAt time.Time

	manager *ConnectionManager
}

// ConnectionConfig holds WebSocket tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the default WebSocket tuning.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      16,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 16
	}
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan clock.Snapshot, 64),
	}
}

// Run processes queued broadcasts until ctx is cancelled.
func (cm *ConnectionManager) Run(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.CloseAll()
			return
		case snap := <-cm.broadcastCh:
			cm.handleBroadcast(snap)
		}
	}
}

// Publish queues a snapshot for broadcast. Never blocks; when the queue is
// full the push is dropped (the next tick carries fresher state anyway).
func (cm *ConnectionManager) Publish(snap clock.Snapshot) {
	select {
	case cm.broadcastCh <- snap:
	default:
		log.Warn().Msg("broadcast queue full, dropping clock push")
	}
}

// CloseAll severs every subscriber. Clients are expected to fall back to
// their local clocks independently.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.Lock()
	conns := make([]*Connection, 0, len(cm.connections))
	for conn := range cm.connections {
		conns = append(conns, conn)
	}
	cm.mu.Unlock()

	for _, conn := range conns {
		cm.unregisterConnection(conn)
		_ = conn.Conn.Close()
	}
	if len(conns) > 0 {
		log.Info().Int("connections", len(conns)).Msg("severed all push subscribers")
	}
}

// Subscribe upgrades the request to a WebSocket push stream and immediately
// queues the initial snapshot.
func (cm *ConnectionManager) Subscribe(w http.ResponseWriter, r *http.Request, name string, initial clock.Snapshot) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Name:        name,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBuffer),
		ConnectedAt: time.Now(),
		manager:     cm,
	}

	payload, err := json.Marshal(initial)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal initial snapshot: %w", err)
	}
	connection.Send <- payload

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("client", name).
		Msg("push subscriber connected")
	return nil
}

// ClientInfo describes one live subscriber, for the diagnostic endpoint.
type ClientInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Clients lists the currently subscribed clients.
func (cm *ConnectionManager) Clients() []ClientInfo {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]ClientInfo, 0, len(cm.connections))
	for conn := range cm.connections {
		out = append(out, ClientInfo{ID: conn.ID, Name: conn.Name, ConnectedAt: conn.ConnectedAt})
	}
	return out
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[conn] = true
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.connections[conn]; exists {
		delete(cm.connections, conn)
		close(conn.Send)
		log.Info().
			Str("connection_id", conn.ID).
			Str("client", conn.Name).
			Msg("push subscriber disconnected")
	}
}

func (cm *ConnectionManager) handleBroadcast(snap clock.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal clock snapshot for broadcast")
		return
	}

	// Sends happen under the read lock: unregisterConnection closes Send under
	// the write lock, so a channel can never close mid-send.
	cm.mu.RLock()
	var slow []*Connection
	for conn := range cm.connections {
		select {
		case conn.Send <- payload:
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		// Slow or dead subscriber: never let it stall the broadcast.
		log.Warn().
			Str("connection_id", conn.ID).
			Str("client", conn.Name).
			Msg("subscriber send buffer full, closing connection")
		cm.unregisterConnection(conn)
		_ = conn.Conn.Close()
	}
}

// writePump drains the Send channel onto the wire and keeps the connection
// alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
		c.manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write clock push")
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards anything the client sends; the stream is one-way. It
// exists to notice closed connections and honor pongs.
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregisterConnection(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
	}
}
