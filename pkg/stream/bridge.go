package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/controlpoint"
	"github.com/flowgate/flowgate/pkg/registry"
)

// ComponentName is the bridge's registry name.
const ComponentName = "event-stream"

// historyLimit bounds the per-channel event buffer the bridge retains for
// replay.
const historyLimit = 128

// Bridge subscribes to the lifecycle notices on the broker and fans them
// out to WebSocket channels. It also retains a bounded per-channel history
// and serves it to late subscribers via the History interface.
type Bridge struct {
	broker *broker.Broker
	conns  *ConnectionManager
	ident  registry.Identifier

	mu      sync.Mutex
	history map[string][][]byte
}

// NewBridge creates a bridge that broadcasts through conns.
func NewBridge(b *broker.Broker, conns *ConnectionManager) *Bridge {
	return &Bridge{
		broker:  b,
		conns:   conns,
		history: make(map[string][][]byte),
	}
}

// Start registers the bridge and subscribes it to lifecycle notices.
func (br *Bridge) Start() error {
	ident, err := br.broker.Register(registry.Identifier{
		Name: ComponentName,
		Type: registry.TypeService,
		Role: "service",
	})
	if err != nil {
		return fmt.Errorf("registering event stream: %w", err)
	}
	br.ident = ident

	pattern := controlpoint.MonitoringComponent + ".service.*"
	if err := br.broker.Subscribe(ident, pattern, broker.OrderByCorrelation, br.handleNotice); err != nil {
		return fmt.Errorf("subscribing event stream: %w", err)
	}
	return nil
}

// ChannelEvents implements History.
func (br *Bridge) ChannelEvents(channel string) [][]byte {
	br.mu.Lock()
	defer br.mu.Unlock()
	return append([][]byte(nil), br.history[channel]...)
}

func (br *Bridge) handleNotice(msg *broker.Message) {
	pipelineID := msg.CorrelationID
	if pipelineID == "" {
		pipelineID, _ = msg.Content["pipeline_id"].(string)
	}

	payload, err := json.Marshal(map[string]any{
		"type":        strings.ToLower(string(msg.Type)),
		"pipeline_id": pipelineID,
		"content":     msg.Content,
		"at":          time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Warn("Failed to encode stream event", "type", msg.Type, "error", err)
		return
	}

	channels := []string{SystemChannel}
	if pipelineID != "" {
		channels = append(channels, PipelineChannel(pipelineID))
	}
	for _, channel := range channels {
		br.record(channel, payload)
		br.conns.Broadcast(channel, payload)
	}
}

func (br *Bridge) record(channel string, payload []byte) {
	br.mu.Lock()
	defer br.mu.Unlock()
	events := append(br.history[channel], payload)
	if len(events) > historyLimit {
		events = events[len(events)-historyLimit:]
	}
	br.history[channel] = events
}
