// Package conductor is the front door: it accepts pipeline requests,
// stages initial input, starts the first control point, and exposes
// read-only status assembled from the control-point manager plus the
// lifecycle notices it observes.
package conductor

import (
	"time"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/controlpoint"
)

// Config is a caller's pipeline request.
type Config struct {
	Name          string               `json:"name"`
	Owner         string               `json:"owner,omitempty"`
	StageSequence []controlpoint.Stage `json:"stage_sequence,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`

	// AutoApprove skips the human gate after each processed stage. Pure
	// gate stages (USER_REVIEW, COMPLETION) always wait for a decision.
	AutoApprove bool `json:"auto_approve,omitempty"`
}

// DefaultStageSequence is the full happy-path walk through the stage
// graph, used when a request omits stage_sequence.
func DefaultStageSequence() []controlpoint.Stage {
	return []controlpoint.Stage{
		controlpoint.StageReception,
		controlpoint.StageValidation,
		controlpoint.StageQualityCheck,
		controlpoint.StageContextAnalysis,
		controlpoint.StageInsightGeneration,
		controlpoint.StageDecisionMaking,
		controlpoint.StageRecommendation,
		controlpoint.StageReportGeneration,
		controlpoint.StageCompletion,
	}
}

// Event is one lifecycle notice observed for a pipeline.
type Event struct {
	Type           broker.MessageType `json:"type"`
	PipelineID     string             `json:"pipeline_id"`
	ControlPointID string             `json:"control_point_id,omitempty"`
	Stage          string             `json:"stage,omitempty"`
	Content        map[string]any     `json:"content,omitempty"`
	At             time.Time          `json:"at"`
}

// PipelineView is the caller-facing status: control-point manager state
// plus the notices the conductor has seen.
type PipelineView struct {
	controlpoint.Status
	Events []Event `json:"events"`
}
