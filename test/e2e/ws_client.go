package e2e

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/pkg/stream"
)

// WSClient is a minimal WebSocket test client that collects every event it
// receives, keyed by type.
type WSClient struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context

	mu     sync.Mutex
	events []map[string]any
}

// ConnectWS dials the harness's /ws endpoint and consumes the connection
// handshake.
func ConnectWS(t *testing.T, h *Harness) *WSClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	wsURL := "ws" + strings.TrimPrefix(h.Server.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)

	c := &WSClient{t: t, conn: conn, ctx: ctx}
	established := c.readOne()
	require.Equal(t, "connection.established", established["type"])

	t.Cleanup(func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	return c
}

// Subscribe joins a channel and waits for the confirmation, then starts
// collecting events in the background.
func (c *WSClient) Subscribe(channel string) {
	c.t.Helper()
	data, err := json.Marshal(stream.ClientMessage{Action: "subscribe", Channel: channel})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(c.ctx, websocket.MessageText, data))

	confirmed := c.readOne()
	require.Equal(c.t, "subscription.confirmed", confirmed["type"])

	go c.collect()
}

// EventTypes returns the types of all collected events so far.
func (c *WSClient) EventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		if typ, ok := ev["type"].(string); ok {
			types = append(types, typ)
		}
	}
	return types
}

// AwaitEvent polls until an event of the given type has been collected.
func (c *WSClient) AwaitEvent(eventType string) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		for _, typ := range c.EventTypes() {
			if typ == eventType {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "expected event %s", eventType)
}

func (c *WSClient) readOne() map[string]any {
	c.t.Helper()
	_, data, err := c.conn.Read(c.ctx)
	require.NoError(c.t, err)
	var msg map[string]any
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return msg
}

func (c *WSClient) collect() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		c.events = append(c.events, msg)
		c.mu.Unlock()
	}
}
