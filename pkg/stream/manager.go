package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// replayLimit caps the number of historical events replayed to a fresh
// subscriber.
const replayLimit = 64

// History supplies the events a late subscriber missed. Implemented by
// the event-stream bridge.
type History interface {
	ChannelEvents(channel string) [][]byte
}

// ConnectionManager manages WebSocket connections and their channel
// subscriptions. One instance per process.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	channelMu sync.RWMutex
	channels  map[string]map[string]bool // channel → connection ids

	history      History
	writeTimeout time.Duration
}

// Connection is a single WebSocket client.
//
// subscriptions needs no lock: every read and write happens on the
// goroutine that owns the connection (HandleConnection's read loop and its
// deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a connection manager. history may be nil,
// in which case subscribers receive only live events.
func NewConnectionManager(history History, writeTimeout time.Duration) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		history:      history,
		writeTimeout: writeTimeout,
	}
}

// SetHistory installs the replay source. The bridge needs the manager to
// broadcast and the manager needs the bridge for replay, so one of them is
// wired late. Must be called before serving connections.
func (m *ConnectionManager) SetHistory(history History) {
	m.history = history
}

// HandleConnection owns one WebSocket connection's lifecycle. Called after
// the HTTP upgrade; blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.New().String(),
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.track(c)
	defer m.drop(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		m.dispatch(c, &msg)
	}
}

// Broadcast sends an event to every connection subscribed to channel.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.channelMu.RLock()
	ids := make([]string, 0, len(m.channels[channel]))
	for id := range m.channels[channel] {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	// Snapshot pointers, then send without holding any lock: a slow client
	// costs at most writeTimeout and never stalls track/drop.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, event); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", c.ID, "error", err)
		}
	}
}

// ActiveConnections returns the number of open connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount lets tests poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) dispatch(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		m.handleSubscribe(c, msg.Channel)
	case "unsubscribe":
		if msg.Channel == "" {
			m.sendError(c, "channel is required for unsubscribe")
			return
		}
		m.unsubscribe(c, msg.Channel)
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	default:
		m.sendError(c, "unknown action")
	}
}

func (m *ConnectionManager) handleSubscribe(c *Connection, channel string) {
	if channel == "" {
		m.sendError(c, "channel is required for subscribe")
		return
	}

	m.channelMu.Lock()
	if m.channels[channel] == nil {
		m.channels[channel] = make(map[string]bool)
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()
	c.subscriptions[channel] = true

	m.sendJSON(c, map[string]string{
		"type":    "subscription.confirmed",
		"channel": channel,
	})

	// Late subscribers get the channel's history so they never miss the
	// gate they were asked to decide.
	m.replay(c, channel)
}

func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, ok := m.channels[channel]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.channelMu.Unlock()
	delete(c.subscriptions, channel)
}

// replay sends the channel's recent history to one connection.
func (m *ConnectionManager) replay(c *Connection, channel string) {
	if m.history == nil {
		return
	}
	events := m.history.ChannelEvents(channel)
	if len(events) > replayLimit {
		events = events[len(events)-replayLimit:]
	}
	for _, event := range events {
		if err := m.sendRaw(c, event); err != nil {
			slog.Warn("Failed to send replayed event",
				"connection_id", c.ID, "channel", channel, "error", err)
			return
		}
	}
}

func (m *ConnectionManager) track(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
}

func (m *ConnectionManager) drop(c *Connection) {
	for channel := range c.subscriptions {
		m.unsubscribe(c, channel)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendError(c *Connection, message string) {
	m.sendJSON(c, map[string]string{"type": "error", "message": message})
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
