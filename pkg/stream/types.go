// Package stream pushes pipeline lifecycle events to WebSocket clients.
// Clients subscribe to per-pipeline channels or the system channel; a
// broker subscription feeds the broadcast side.
package stream

// SystemChannel carries every lifecycle event regardless of pipeline.
const SystemChannel = "system"

// PipelineChannel names the channel carrying one pipeline's events.
func PipelineChannel(pipelineID string) string {
	return "pipeline:" + pipelineID
}

// ClientMessage is what a WebSocket client sends.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}
