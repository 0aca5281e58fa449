package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/controlpoint"
	"github.com/flowgate/flowgate/pkg/registry"
)

type staticHistory struct {
	events map[string][][]byte
}

func (h *staticHistory) ChannelEvents(channel string) [][]byte {
	return h.events[channel]
}

func setupTestManager(t *testing.T, history History) (*ConnectionManager, *httptest.Server) {
	t.Helper()

	manager := NewConnectionManager(history, 5*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))

	t.Cleanup(func() { server.Close() })
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t, nil)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestSubscribeBroadcastUnsubscribe(t *testing.T) {
	manager, server := setupTestManager(t, nil)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	channel := PipelineChannel("pipe-1")
	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, channel, msg["channel"])

	require.Eventually(t, func() bool { return manager.subscriberCount(channel) == 1 },
		time.Second, 5*time.Millisecond)

	manager.Broadcast(channel, []byte(`{"type":"status_update","stage":"QUALITY_CHECK"}`))
	msg = readJSON(t, conn)
	assert.Equal(t, "status_update", msg["type"])

	// Other channels are not delivered.
	manager.Broadcast(PipelineChannel("pipe-2"), []byte(`{"type":"other"}`))

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: channel})
	require.Eventually(t, func() bool { return manager.subscriberCount(channel) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestSubscribeReplaysHistory(t *testing.T) {
	channel := PipelineChannel("pipe-9")
	history := &staticHistory{events: map[string][][]byte{
		channel: {
			[]byte(`{"type":"pipeline_created","seq":1}`),
			[]byte(`{"type":"user_decision_required","seq":2}`),
		},
	}}
	_, server := setupTestManager(t, history)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn) // subscription.confirmed

	first := readJSON(t, conn)
	assert.Equal(t, "pipeline_created", first["type"])
	second := readJSON(t, conn)
	assert.Equal(t, "user_decision_required", second["type"])
}

func TestPingPongAndErrors(t *testing.T) {
	_, server := setupTestManager(t, nil)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readJSON(t, conn)["type"])

	writeJSON(t, conn, ClientMessage{Action: "subscribe"})
	assert.Equal(t, "error", readJSON(t, conn)["type"])

	writeJSON(t, conn, ClientMessage{Action: "warp"})
	assert.Equal(t, "error", readJSON(t, conn)["type"])
}

func TestDisconnectCleansUpSubscriptions(t *testing.T) {
	manager, server := setupTestManager(t, nil)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: SystemChannel})
	readJSON(t, conn)
	require.Eventually(t, func() bool { return manager.ActiveConnections() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0 && manager.subscriberCount(SystemChannel) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBridgeBroadcastsLifecycleNotices(t *testing.T) {
	reg := registry.New()
	b := broker.New(reg, broker.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})

	manager, server := setupTestManager(t, nil)
	bridge := NewBridge(b, manager)
	require.NoError(t, bridge.Start())

	// The monitoring target must exist for notices to route.
	monitoring, err := b.Register(registry.Identifier{
		Name: controlpoint.MonitoringComponent,
		Type: registry.TypeService,
		Role: "service",
	})
	require.NoError(t, err)

	conn := connectWS(t, server)
	readJSON(t, conn)
	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: PipelineChannel("pipe-1")})
	readJSON(t, conn)
	require.Eventually(t, func() bool {
		return manager.subscriberCount(PipelineChannel("pipe-1")) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = b.Publish(&broker.Message{
		Type:          broker.TypeUserDecisionRequired,
		Source:        monitoring,
		Target:        monitoring,
		CorrelationID: "pipe-1",
		Content:       map[string]any{"pipeline_id": "pipe-1", "stage": "QUALITY_CHECK"},
	})
	require.NoError(t, err)

	msg := readJSON(t, conn)
	assert.Equal(t, "user_decision_required", msg["type"])
	assert.Equal(t, "pipe-1", msg["pipeline_id"])

	// The bridge retains the event for replay to late subscribers.
	assert.NotEmpty(t, bridge.ChannelEvents(PipelineChannel("pipe-1")))
	assert.NotEmpty(t, bridge.ChannelEvents(SystemChannel))
}
