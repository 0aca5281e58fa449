package api

import "github.com/flowgate/flowgate/pkg/controlpoint"

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PipelineCreatedResponse is returned by POST /api/v1/pipelines.
type PipelineCreatedResponse struct {
	Pipeline controlpoint.Pipeline `json:"pipeline"`

	// StagedInput is the staging handle for inline input, empty otherwise.
	StagedInput string `json:"staged_input,omitempty"`

	// EntryPoint is the first control point when the request asked to
	// start immediately.
	EntryPoint *controlpoint.ControlPoint `json:"entry_point,omitempty"`
}

// StartPipelineResponse is returned by POST /api/v1/pipelines/:id/start.
type StartPipelineResponse struct {
	ControlPoint controlpoint.ControlPoint `json:"control_point"`
}

// DecisionResponse acknowledges an accepted decision.
type DecisionResponse struct {
	ControlPointID string `json:"control_point_id"`
	Message        string `json:"message"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	PipelineID string `json:"pipeline_id"`
	Message    string `json:"message"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Pipelines   int    `json:"pipelines"`
	Connections int    `json:"ws_connections"`
}
