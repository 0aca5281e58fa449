package staging

import (
	"log/slog"

	"github.com/flowgate/flowgate/pkg/broker"
)

// Response status values carried in STAGING_RESPONSE content.
const (
	ResponseStored       = "STORED"
	ResponseOK           = "OK"
	ResponseAccessDenied = "ACCESS_DENIED"
	ResponseNotFound     = "NOT_FOUND"
	ResponseError        = "ERROR"
)

// handleRequest is the broker-facing request handler. Remote components
// talk to staging via request/reply messages; in-process collaborators may
// call the manager's methods directly.
func (m *Manager) handleRequest(msg *broker.Message) {
	switch msg.Type {
	case broker.TypeStagingStore:
		m.handleStore(msg)
	case broker.TypeStagingRetrieve:
		m.handleRetrieve(msg)
	case broker.TypeStagingGrant:
		m.handleGrant(msg)
	case broker.TypeStagingDelete:
		m.handleDelete(msg)
	default:
		slog.Warn("Staging manager received unexpected message type",
			"type", msg.Type, "message_id", msg.ID)
	}
}

func (m *Manager) handleStore(msg *broker.Message) {
	stageID, _ := msg.Content["stage_id"].(string)
	payload, _ := msg.Content["payload"].([]byte)
	metadata, _ := msg.Content["metadata"].(map[string]any)

	entry, err := m.Store(stageID, msg.CorrelationID, msg.Source.Name, payload, metadata)
	if err != nil {
		m.respondError(msg, err)
		return
	}
	m.respond(msg, map[string]any{
		"status":        ResponseStored,
		"stage_id":      entry.StageID,
		"quality_score": entry.QualityScore,
	})
}

func (m *Manager) handleRetrieve(msg *broker.Message) {
	stageID, _ := msg.Content["stage_id"].(string)

	payload, err := m.Retrieve(stageID, msg.Source.Name)
	if err != nil {
		m.respondError(msg, err)
		return
	}
	m.respond(msg, map[string]any{
		"status":   ResponseOK,
		"stage_id": stageID,
		"payload":  payload,
	})
}

func (m *Manager) handleGrant(msg *broker.Message) {
	stageID, _ := msg.Content["stage_id"].(string)
	component, _ := msg.Content["component"].(string)

	var err error
	if component == "" || component == msg.Source.Name {
		err = m.RequestAccess(stageID, msg.Source.Name)
	} else {
		err = m.Grant(stageID, component)
	}
	if err != nil {
		m.respondError(msg, err)
		return
	}
	m.respond(msg, map[string]any{"status": ResponseOK, "stage_id": stageID})
}

func (m *Manager) handleDelete(msg *broker.Message) {
	stageID, _ := msg.Content["stage_id"].(string)
	if err := m.Delete(stageID); err != nil {
		m.respondError(msg, err)
		return
	}
	m.respond(msg, map[string]any{"status": ResponseOK, "stage_id": stageID})
}

func (m *Manager) respond(req *broker.Message, content map[string]any) {
	if err := m.broker.Respond(req, broker.TypeStagingResponse, content); err != nil {
		slog.Warn("Failed to send staging response",
			"message_id", req.ID, "error", err)
	}
}

func (m *Manager) respondError(req *broker.Message, err error) {
	m.respond(req, map[string]any{
		"status": statusFor(err),
		"error":  err.Error(),
	})
}

func statusFor(err error) string {
	switch {
	case isErr(err, ErrAccessDenied):
		return ResponseAccessDenied
	case isErr(err, ErrNotFound):
		return ResponseNotFound
	default:
		return ResponseError
	}
}
