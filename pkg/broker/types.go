// Package broker routes typed messages between components by subscription
// pattern and dispatches subscriber callbacks on a fixed-size worker pool.
// It is the only inter-component communication channel: components are
// address-less apart from their registry identifier, and all routing happens
// by matching a subscription pattern against the target's tag.
package broker

import (
	"time"

	"github.com/flowgate/flowgate/pkg/registry"
)

// MessageType is the closed enumeration of message types flowing through
// the broker.
type MessageType string

// Stage lifecycle events.
const (
	TypeReceptionStart      MessageType = "RECEPTION_START"
	TypeReceptionComplete   MessageType = "RECEPTION_COMPLETE"
	TypeValidationStart     MessageType = "VALIDATION_START"
	TypeValidationComplete  MessageType = "VALIDATION_COMPLETE"
	TypeQualityStart        MessageType = "QUALITY_START"
	TypeQualityComplete     MessageType = "QUALITY_COMPLETE"
	TypeContextStart        MessageType = "CONTEXT_START"
	TypeContextComplete     MessageType = "CONTEXT_COMPLETE"
	TypeInsightStart        MessageType = "INSIGHT_START"
	TypeInsightComplete     MessageType = "INSIGHT_COMPLETE"
	TypeDecisionStart       MessageType = "DECISION_START"
	TypeDecisionComplete    MessageType = "DECISION_COMPLETE"
	TypeRecommendationStart MessageType = "RECOMMENDATION_START"
	TypeRecommendationDone  MessageType = "RECOMMENDATION_COMPLETE"
	TypeReportStart         MessageType = "REPORT_START"
	TypeReportComplete      MessageType = "REPORT_COMPLETE"
	TypeStageError          MessageType = "STAGE_ERROR"
)

// Control events.
const (
	TypeControlPointReached   MessageType = "CONTROL_POINT_REACHED"
	TypeControlPointTimeout   MessageType = "CONTROL_POINT_TIMEOUT"
	TypeUserDecisionSubmitted MessageType = "USER_DECISION_SUBMITTED"
	TypeUserDecisionRequired  MessageType = "USER_DECISION_REQUIRED"
	TypeQualityIssuesDetected MessageType = "QUALITY_ISSUES_DETECTED"
	TypePipelineCreated       MessageType = "PIPELINE_CREATED"
	TypePipelineCompleted     MessageType = "PIPELINE_COMPLETED"
	TypePipelineRejected      MessageType = "PIPELINE_REJECTED"
	TypePipelineCancelled     MessageType = "PIPELINE_CANCELLED"
	TypeRouteError            MessageType = "ROUTE_ERROR"
)

// Staging events.
const (
	TypeStagingStore          MessageType = "STAGING_STORE"
	TypeStagingRetrieve       MessageType = "STAGING_RETRIEVE"
	TypeStagingGrant          MessageType = "STAGING_GRANT"
	TypeStagingDelete         MessageType = "STAGING_DELETE"
	TypeStagingDeleteComplete MessageType = "STAGING_DELETE_COMPLETE"
	TypeStagingResponse       MessageType = "STAGING_RESPONSE"
)

// Operational events.
const (
	TypeError           MessageType = "ERROR"
	TypeStatusUpdate    MessageType = "STATUS_UPDATE"
	TypeComponentCancel MessageType = "COMPONENT_CANCEL"
)

// Metadata keys with broker-level meaning.
const (
	// MetaInReplyTo marks a message as the reply to a pending request.
	// The value is the originating message id.
	MetaInReplyTo = "in_reply_to"
)

// Message is the unit of communication between components. CorrelationID
// equals the owning pipeline id for every message belonging to one pipeline.
type Message struct {
	ID            string              `json:"message_id"`
	Type          MessageType         `json:"type"`
	Source        registry.Identifier `json:"source"`
	Target        registry.Identifier `json:"target"`
	Content       map[string]any      `json:"content,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Ordering selects the serialization key for a subscription's callbacks.
// Callbacks for messages with the same key run one at a time in publish
// order; messages with different keys run concurrently.
type Ordering int

const (
	// OrderBySource serializes per (source tag, target tag) pair. This is
	// the default: two messages from the same source to the same target are
	// delivered in the order they were accepted by Publish.
	OrderBySource Ordering = iota

	// OrderByCorrelation serializes per correlation id. Used by the
	// control-point manager so that one pipeline's state transitions apply
	// strictly serially while different pipelines proceed concurrently.
	OrderByCorrelation
)

// Callback is a subscriber's message handler. Callbacks run on the broker's
// worker pool inside a panic guard: a panicking callback is recorded as a
// callback error and does not poison the worker.
type Callback func(msg *Message)
