package api

import "encoding/json"

// CreatePipelineRequest is the body for POST /api/v1/pipelines. Stages is
// required; an omitted sequence is rejected, not defaulted.
type CreatePipelineRequest struct {
	Name        string         `json:"name" binding:"required"`
	Owner       string         `json:"owner"`
	Stages      []string       `json:"stages" binding:"required"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	AutoApprove bool           `json:"auto_approve"`

	// Input, when present, is staged before the pipeline starts and the
	// pipeline enters at the quality-check stage.
	Input json.RawMessage `json:"input,omitempty"`

	// Start issues the first control point immediately after creation.
	Start bool `json:"start"`
}

// StartPipelineRequest is the body for POST /api/v1/pipelines/:id/start.
// Both fields are optional: an empty body starts the pipeline at its entry
// stage with no pre-staged input.
type StartPipelineRequest struct {
	Input json.RawMessage `json:"input,omitempty"`

	// StagedInput references input already staged by a prior call.
	StagedInput string `json:"staged_input,omitempty"`
}

// DecisionRequest is the body for POST /api/v1/decisions.
type DecisionRequest struct {
	ControlPointID string         `json:"control_point_id" binding:"required"`
	Type           string         `json:"type" binding:"required"`
	ReworkStage    string         `json:"rework_stage,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}
