package controlpoint

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/registry"
)

// handleMessage is the single serialized entry point for pipeline
// mutations. The subscription orders by correlation id, so two messages
// for the same pipeline never run concurrently and the first to be
// published wins any race (a decision beats a timeout that was enqueued
// after it).
func (m *Manager) handleMessage(msg *broker.Message) {
	if stage, ok := completionTypes[msg.Type]; ok {
		m.handleStageComplete(msg, stage)
		return
	}

	switch msg.Type {
	case broker.TypeUserDecisionSubmitted:
		m.handleDecision(msg)
	case broker.TypeStageError:
		m.handleStageError(msg)
	case broker.TypeControlPointTimeout:
		m.handleTimeout(msg)
	case broker.TypeQualityIssuesDetected:
		m.handleQualityIssues(msg)
	case broker.TypePipelineCancelled:
		m.handleCancel(msg)
	default:
		slog.Warn("Control-point manager received unhandled message type",
			"type", msg.Type, "source", msg.Source.Tag())
	}
}

// lockedPoint resolves the control point named in msg.Content and returns
// it with its pipeline state locked. Misses are normal after cancellation
// or a racing decision; callers drop the message silently when ok is
// false.
func (m *Manager) lockedPoint(msg *broker.Message) (*pipelineState, *ControlPoint, bool) {
	id, _ := msg.Content["control_point_id"].(string)
	if id == "" {
		slog.Warn("Message missing control_point_id", "type", msg.Type)
		return nil, nil, false
	}

	m.mu.RLock()
	pipelineID, ok := m.cpIndex[id]
	m.mu.RUnlock()
	if !ok {
		slog.Debug("Dropping message for archived control point",
			"type", msg.Type, "control_point_id", id)
		return nil, nil, false
	}

	ps, err := m.state(pipelineID)
	if err != nil {
		return nil, nil, false
	}

	ps.mu.Lock()
	cp, ok := ps.active[id]
	if !ok || ps.p.Status.terminal() {
		ps.mu.Unlock()
		return nil, nil, false
	}
	return ps, cp, true
}

// handleStageComplete records the department's result and moves the point
// to its gate, or auto-approves when no decision is required.
func (m *Manager) handleStageComplete(msg *broker.Message, stage Stage) {
	ps, cp, ok := m.lockedPoint(msg)
	if !ok {
		return
	}
	defer ps.mu.Unlock()

	if cp.Stage != stage {
		slog.Warn("Completion stage does not match active control point",
			"control_point_id", cp.ID, "got", stage, "want", cp.Stage)
		return
	}

	if ref, ok := msg.Content["staged_output_id"].(string); ok && ref != "" {
		cp.StagingRef = ref
	}
	ps.p.ComponentStates[msg.Source.Name] = "completed"

	if !cp.RequiresDecision {
		m.applyDecisionLocked(ps, cp, Decision{
			Type:      DecisionApprove,
			DecidedBy: "auto",
			Reason:    "auto-approved",
			DecidedAt: time.Now(),
		})
		return
	}

	cp.Status = PointAwaitingDecision
	ps.p.Status = PipelineAwaitingDecision
	m.notify(broker.TypeUserDecisionRequired, ps.p.ID, map[string]any{
		"pipeline_id":       ps.p.ID,
		"control_point_id":  cp.ID,
		"stage":             string(cp.Stage),
		"staging_reference": cp.StagingRef,
	})
	slog.Info("Control point awaiting decision",
		"pipeline_id", ps.p.ID, "control_point_id", cp.ID, "stage", cp.Stage)
}

// handleDecision re-validates and applies a user decision. Validation at
// submission time is advisory only; this is where the decision becomes
// true.
func (m *Manager) handleDecision(msg *broker.Message) {
	ps, cp, ok := m.lockedPoint(msg)
	if !ok {
		return
	}
	defer ps.mu.Unlock()

	d := Decision{
		Type:        DecisionType(stringField(msg.Content, "decision_type")),
		ReworkStage: Stage(stringField(msg.Content, "rework_stage")),
		Reason:      stringField(msg.Content, "reason"),
		DecidedBy:   stringField(msg.Content, "decided_by"),
		DecidedAt:   time.Now(),
	}
	if details, ok := msg.Content["details"].(map[string]any); ok {
		d.Details = details
	}

	if err := validateDecision(ps, cp, d); err != nil {
		slog.Warn("Dropping invalid decision",
			"control_point_id", cp.ID, "decision", d.Type, "error", err)
		return
	}
	m.applyDecisionLocked(ps, cp, d)
}

// applyDecisionLocked archives the current point and advances the
// pipeline per the decision. Caller holds ps.mu.
func (m *Manager) applyDecisionLocked(ps *pipelineState, cp *ControlPoint, d Decision) {
	cp.Decisions = append(cp.Decisions, d)
	ps.decisionLog = append(ps.decisionLog, d)

	switch d.Type {
	case DecisionApprove:
		m.archiveLocked(ps, cp, PointCompleted)
		current := cp.Stage
		if cp.Stage == StageUserReview && cp.ParentControlPoint != "" {
			// Approving a review resumes the original flow from the
			// detecting stage.
			if parent := ps.findArchived(cp.ParentControlPoint); parent != nil {
				current = parent.Stage
			}
		}
		if current == StageCompletion {
			m.finishLocked(ps, PipelineCompleted)
			m.notify(broker.TypePipelineCompleted, ps.p.ID, map[string]any{
				"pipeline_id": ps.p.ID,
				"name":        ps.p.Name,
			})
			slog.Info("Pipeline completed", "pipeline_id", ps.p.ID)
			return
		}
		next, ok := nextStageFor(&ps.p, current)
		if !ok {
			m.finishLocked(ps, PipelineCompleted)
			m.notify(broker.TypePipelineCompleted, ps.p.ID, map[string]any{
				"pipeline_id": ps.p.ID,
				"name":        ps.p.Name,
			})
			return
		}
		if _, err := m.createPointLocked(ps, next, nil, cp.StagingRef, ""); err != nil {
			slog.Error("Failed to advance pipeline",
				"pipeline_id", ps.p.ID, "stage", next, "error", err)
		}

	case DecisionRework:
		m.archiveLocked(ps, cp, PointCompleted)
		// A rework re-runs the target stage on the input it originally saw.
		if _, err := m.createPointLocked(ps, d.ReworkStage, nil, lastInputRef(ps, d.ReworkStage), ""); err != nil {
			slog.Error("Failed to create rework control point",
				"pipeline_id", ps.p.ID, "stage", d.ReworkStage, "error", err)
		} else {
			slog.Info("Pipeline sent back for rework",
				"pipeline_id", ps.p.ID, "from", cp.Stage, "to", d.ReworkStage)
		}

	case DecisionReject:
		m.archiveLocked(ps, cp, PointRejected)
		m.finishLocked(ps, PipelineRejected)
		m.notify(broker.TypePipelineRejected, ps.p.ID, map[string]any{
			"pipeline_id":      ps.p.ID,
			"control_point_id": cp.ID,
			"stage":            string(cp.Stage),
			"reason":           d.Reason,
		})
		slog.Info("Pipeline rejected",
			"pipeline_id", ps.p.ID, "stage", cp.Stage, "reason", d.Reason)
	}
}

// handleStageError re-issues the stage to its department while the
// recovery budget lasts, then fails the pipeline.
func (m *Manager) handleStageError(msg *broker.Message) {
	ps, cp, ok := m.lockedPoint(msg)
	if !ok {
		return
	}
	defer ps.mu.Unlock()
	m.recoverLocked(ps, cp, ErrorKindProcessor, stringField(msg.Content, "error"))
}

// handleTimeout applies an overdue notice from the monitor. The deadline
// is re-checked here: if a decision or recovery landed first, the notice
// is stale and dropped.
func (m *Manager) handleTimeout(msg *broker.Message) {
	ps, cp, ok := m.lockedPoint(msg)
	if !ok {
		return
	}
	defer ps.mu.Unlock()

	if time.Now().Before(cp.Deadline) {
		return
	}
	if cp.Status != PointPending && cp.Status != PointAwaitingDecision {
		return
	}
	m.recoverLocked(ps, cp, ErrorKindTimeout,
		fmt.Sprintf("no decision within %s", cp.Timeout))
}

// recoverLocked spends one unit of the shared recovery budget. Caller
// holds ps.mu.
func (m *Manager) recoverLocked(ps *pipelineState, cp *ControlPoint, kind, detail string) {
	cp.Recoveries++
	if cp.Recoveries <= m.opts.MaxRetries {
		cp.Status = PointPending
		cp.Deadline = time.Now().Add(cp.Timeout)
		slog.Warn("Re-issuing control point",
			"pipeline_id", ps.p.ID,
			"control_point_id", cp.ID,
			"stage", cp.Stage,
			"kind", kind,
			"recovery", cp.Recoveries,
			"max_retries", m.opts.MaxRetries)
		if cp.Department == "" {
			cp.Status = PointAwaitingDecision
			m.notify(broker.TypeUserDecisionRequired, ps.p.ID, map[string]any{
				"pipeline_id":       ps.p.ID,
				"control_point_id":  cp.ID,
				"stage":             string(cp.Stage),
				"staging_reference": cp.StagingRef,
				"reissued":          true,
			})
		} else {
			m.publishReached(ps, cp, nil)
		}
		return
	}

	status := PointFailed
	if kind == ErrorKindTimeout {
		status = PointTimedOut
	}
	m.archiveLocked(ps, cp, status)
	m.failLocked(ps, kind, detail)
}

// handleQualityIssues interposes an ad-hoc USER_REVIEW gate. The detecting
// stage's point is archived so the review is the pipeline's single active
// point; its parent link lets an approval resume the original flow.
func (m *Manager) handleQualityIssues(msg *broker.Message) {
	ps, cp, ok := m.lockedPoint(msg)
	if !ok {
		return
	}
	defer ps.mu.Unlock()

	if ref, ok := msg.Content["staged_output_id"].(string); ok && ref != "" {
		cp.StagingRef = ref
	}
	m.archiveLocked(ps, cp, PointCompleted)

	meta := map[string]any{
		"severity": stringField(msg.Content, "severity"),
		"issues":   msg.Content["issues"],
	}
	if _, err := m.createPointLocked(ps, StageUserReview, meta, cp.StagingRef, cp.ID); err != nil {
		slog.Error("Failed to create quality review gate",
			"pipeline_id", ps.p.ID, "error", err)
		return
	}
	slog.Info("Quality issues escalated to user review",
		"pipeline_id", ps.p.ID, "detecting_stage", cp.Stage)
}

// handleCancel archives all active points, fans out COMPONENT_CANCEL to
// their assigned modules, and marks the pipeline cancelled. Completions
// that arrive afterwards miss the active set and are dropped.
func (m *Manager) handleCancel(msg *broker.Message) {
	pipelineID, _ := msg.Content["pipeline_id"].(string)
	ps, err := m.state(pipelineID)
	if err != nil {
		return
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.p.Status.terminal() {
		return
	}

	for _, cp := range ps.active {
		if cp.Department != "" {
			_, perr := m.broker.Publish(&broker.Message{
				Type:          broker.TypeComponentCancel,
				Source:        m.ident,
				Target:        registry.Identifier{Name: cp.AssignedModule, Type: registry.TypeManager, Department: cp.Department, Role: "manager"},
				Content:       map[string]any{"control_point_id": cp.ID, "pipeline_id": ps.p.ID},
				CorrelationID: ps.p.ID,
			})
			if perr != nil {
				slog.Warn("Failed to notify module of cancellation",
					"module", cp.AssignedModule, "error", perr)
			}
		}
		m.archiveLocked(ps, cp, PointCancelled)
	}

	m.finishLocked(ps, PipelineCancelled)
	m.notify(broker.TypePipelineCancelled, ps.p.ID, map[string]any{
		"pipeline_id": ps.p.ID,
		"name":        ps.p.Name,
	})
	slog.Info("Pipeline cancelled", "pipeline_id", ps.p.ID)
}

// archiveLocked moves a point from the active set to history. Caller
// holds ps.mu.
func (m *Manager) archiveLocked(ps *pipelineState, cp *ControlPoint, status ControlPointStatus) {
	cp.Status = status
	delete(ps.active, cp.ID)
	ps.history = append(ps.history, cp)

	m.mu.Lock()
	delete(m.cpIndex, cp.ID)
	m.mu.Unlock()
}

// finishLocked puts the pipeline into a terminal status and starts the
// retention clock. Caller holds ps.mu.
func (m *Manager) finishLocked(ps *pipelineState, status PipelineStatus) {
	ps.p.Status = status
	ps.terminalAt = time.Now()
}

// failLocked fails the pipeline and publishes ROUTE_ERROR. Any still
// active points are archived as FAILED first. Caller holds ps.mu.
func (m *Manager) failLocked(ps *pipelineState, kind, detail string) {
	for _, cp := range ps.active {
		m.archiveLocked(ps, cp, PointFailed)
	}
	ps.p.LastError = detail
	ps.p.ErrorKind = kind
	m.finishLocked(ps, PipelineFailed)
	m.notify(broker.TypeRouteError, ps.p.ID, map[string]any{
		"pipeline_id": ps.p.ID,
		"error_kind":  kind,
		"error":       detail,
	})
	slog.Error("Pipeline failed",
		"pipeline_id", ps.p.ID, "kind", kind, "error", detail)
}

// lastInputRef finds the input handle the most recent attempt at stage
// consumed, so a rework re-reads the same data.
func lastInputRef(ps *pipelineState, stage Stage) string {
	for i := len(ps.history) - 1; i >= 0; i-- {
		if ps.history[i].Stage == stage {
			return ps.history[i].InputRef
		}
	}
	return ""
}

func stringField(content map[string]any, key string) string {
	s, _ := content[key].(string)
	return s
}
