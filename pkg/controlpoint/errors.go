package controlpoint

import "errors"

var (
	// ErrPipelineNotFound is returned for unknown pipeline ids.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrControlPointNotFound is returned for unknown or archived control
	// point ids.
	ErrControlPointNotFound = errors.New("control point not found")

	// ErrInvalidDecision is returned for decisions that cannot apply to
	// the control point in its current state.
	ErrInvalidDecision = errors.New("invalid decision")

	// ErrInvalidConfig is returned for malformed pipeline configurations.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")

	// ErrPipelineTerminal is returned when mutating a pipeline that has
	// already reached a terminal status.
	ErrPipelineTerminal = errors.New("pipeline is in a terminal status")
)

// Error kinds surfaced on failed pipelines and ROUTE_ERROR messages.
const (
	ErrorKindTimeout    = "timeout"
	ErrorKindProcessor  = "processor"
	ErrorKindReviewLoop = "review_loop_limit"
	ErrorKindInternal   = "internal"
)
