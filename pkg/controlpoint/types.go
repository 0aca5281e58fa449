// Package controlpoint owns every in-flight pipeline: it decides the next
// stage after each result, creates the gates that block on an external
// decision, and enforces timeouts, retries, and rejection semantics.
package controlpoint

import (
	"time"
)

// Stage is a named unit of processing mapped to one responsible department.
type Stage string

// Stage constants.
const (
	StageReception         Stage = "RECEPTION"
	StageValidation        Stage = "VALIDATION"
	StageQualityCheck      Stage = "QUALITY_CHECK"
	StageContextAnalysis   Stage = "CONTEXT_ANALYSIS"
	StageInsightGeneration Stage = "INSIGHT_GENERATION"
	StageDecisionMaking    Stage = "DECISION_MAKING"
	StageRecommendation    Stage = "RECOMMENDATION"
	StageReportGeneration  Stage = "REPORT_GENERATION"
	StageUserReview        Stage = "USER_REVIEW"
	StageCompletion        Stage = "COMPLETION"
)

// PipelineStatus is a pipeline's lifecycle state.
type PipelineStatus string

// Pipeline status constants.
const (
	PipelinePending          PipelineStatus = "PENDING"
	PipelineRunning          PipelineStatus = "RUNNING"
	PipelineAwaitingDecision PipelineStatus = "AWAITING_DECISION"
	PipelineRejected         PipelineStatus = "REJECTED"
	PipelineFailed           PipelineStatus = "FAILED"
	PipelineCompleted        PipelineStatus = "COMPLETED"
	PipelineCancelled        PipelineStatus = "CANCELLED"
)

// terminal reports whether the status admits no further transitions.
func (s PipelineStatus) terminal() bool {
	switch s {
	case PipelineRejected, PipelineFailed, PipelineCompleted, PipelineCancelled:
		return true
	}
	return false
}

// ControlPointStatus is a control point's lifecycle state.
type ControlPointStatus string

// Control point status constants.
const (
	PointPending          ControlPointStatus = "PENDING"
	PointAwaitingDecision ControlPointStatus = "AWAITING_DECISION"
	PointCompleted        ControlPointStatus = "COMPLETED"
	PointRejected         ControlPointStatus = "REJECTED"
	PointTimedOut         ControlPointStatus = "TIMED_OUT"
	PointCancelled        ControlPointStatus = "CANCELLED"
	PointFailed           ControlPointStatus = "FAILED"
)

// DecisionType enumerates the outcomes a user can submit at a gate.
type DecisionType string

// Decision type constants.
const (
	DecisionApprove DecisionType = "approve"
	DecisionRework  DecisionType = "rework"
	DecisionReject  DecisionType = "reject"
)

// Decision is one user decision applied to a control point.
type Decision struct {
	Type        DecisionType   `json:"type"`
	ReworkStage Stage          `json:"rework_stage,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	DecidedAt   time.Time      `json:"decided_at"`
}

// Pipeline is the top-level state object for one end-to-end run. Created on
// submission, mutated only by the Manager, destroyed after terminal status
// plus a grace period.
type Pipeline struct {
	ID           string         `json:"pipeline_id"`
	Name         string         `json:"name"`
	Owner        string         `json:"owner,omitempty"`
	CurrentStage Stage          `json:"current_stage"`
	Status       PipelineStatus `json:"status"`

	// StageSequence is the ordered list of stages this pipeline runs.
	StageSequence []Stage `json:"stage_sequence"`

	// StageDependencies maps each stage to the earlier stages whose
	// completion can unlock it, derived from the transition table.
	StageDependencies map[Stage][]Stage `json:"stage_dependencies"`

	// ComponentStates tracks per-component progress notes.
	ComponentStates map[string]string `json:"component_states,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// LastError describes the failure for FAILED pipelines.
	LastError string `json:"last_error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// ControlPoint is one stage's gate. A control point is either active or
// archived — never both, never neither while its pipeline is non-terminal.
type ControlPoint struct {
	ID               string             `json:"id"`
	PipelineID       string             `json:"pipeline_id"`
	Stage            Stage              `json:"stage"`
	Department       string             `json:"department"`
	AssignedModule   string             `json:"assigned_module"`
	Status           ControlPointStatus `json:"status"`
	RequiresDecision bool               `json:"requires_decision"`

	// InputRef is the staged handle the stage consumes, fixed at creation.
	InputRef string `json:"input_reference,omitempty"`

	// StagingRef is the handle under which the stage's output is stored.
	// Until the department completes it mirrors InputRef.
	StagingRef string `json:"staging_reference,omitempty"`

	// ParentControlPoint links an ad-hoc review gate to the detecting
	// stage's point. References are by id, never by pointer.
	ParentControlPoint string `json:"parent_control_point,omitempty"`

	// NextStages are the transition-table candidates from this stage.
	NextStages []Stage `json:"next_stages,omitempty"`

	// Decisions is the log of user decisions applied to this point.
	Decisions []Decision `json:"decisions,omitempty"`

	// RetryCount is the per-(pipeline, stage) attempt number, 1-based. A
	// rework back to an earlier stage creates a fresh point with this
	// incremented.
	RetryCount int `json:"retry_count"`

	// Recoveries counts timeout and processor-error re-issues within this
	// point. Both draw on the same max-retries budget.
	Recoveries int `json:"recoveries"`

	CreatedAt time.Time     `json:"created_at"`
	Timeout   time.Duration `json:"timeout"`

	// Deadline is when the point becomes overdue; reset on each recovery.
	Deadline time.Time `json:"deadline"`
}

// Status is the direct (no broker round-trip) per-pipeline health view.
type Status struct {
	Pipeline     Pipeline       `json:"pipeline"`
	ActivePoints []ControlPoint `json:"active_control_points"`
	History      []ControlPoint `json:"history"`
	DecisionLog  []Decision     `json:"decision_log"`
}
