package department

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/controlpoint"
	"github.com/flowgate/flowgate/pkg/registry"
	"github.com/flowgate/flowgate/pkg/staging"
)

// Module is one department's broker-facing harness. It handles
// CONTROL_POINT_REACHED for the stages its department owns, runs the
// processor on a tracked goroutine, and publishes completion, error, or
// quality escalation back to the control-point manager.
type Module struct {
	broker    *broker.Broker
	staging   *staging.Manager
	dept      string
	processor Processor

	ident     registry.Identifier
	cpmTarget registry.Identifier

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewModule creates a department module. dept is the department name; the
// module registers as "<dept>-manager".
func NewModule(b *broker.Broker, s *staging.Manager, dept string, p Processor) *Module {
	ctx, cancel := context.WithCancel(context.Background())
	return &Module{
		broker:    b,
		staging:   s,
		dept:      dept,
		processor: p,
		cancels:   make(map[string]context.CancelFunc),
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// Start registers the module and subscribes its handler.
func (m *Module) Start() error {
	ident, err := m.broker.Register(registry.Identifier{
		Name:       m.dept + "-manager",
		Type:       registry.TypeManager,
		Department: m.dept,
		Role:       "manager",
	})
	if err != nil {
		return fmt.Errorf("registering %s module: %w", m.dept, err)
	}
	m.ident = ident
	m.cpmTarget = registry.Identifier{
		Name: controlpoint.ComponentName,
		Type: registry.TypeManager,
		Role: "manager",
	}

	pattern := ident.Name + ".manager.*"
	if err := m.broker.Subscribe(ident, pattern, broker.OrderBySource, m.handleMessage); err != nil {
		return fmt.Errorf("subscribing %s module: %w", m.dept, err)
	}

	slog.Info("Department module started", "department", m.dept)
	return nil
}

// Stop cancels in-flight processing and waits for it to settle.
func (m *Module) Stop() {
	m.stop()
	m.wg.Wait()
}

// Identifier returns the module's registered identifier.
func (m *Module) Identifier() registry.Identifier {
	return m.ident
}

func (m *Module) handleMessage(msg *broker.Message) {
	switch msg.Type {
	case broker.TypeControlPointReached:
		m.handleReached(msg)
	case broker.TypeComponentCancel:
		m.handleCancel(msg)
	}
}

// handleReached launches processing for one control point. The broker
// worker is released immediately; results flow back as messages.
func (m *Module) handleReached(msg *broker.Message) {
	controlPointID, _ := msg.Content["control_point_id"].(string)
	if controlPointID == "" {
		slog.Warn("Control point reached without id", "department", m.dept)
		return
	}

	in := Input{
		PipelineID:     msg.CorrelationID,
		ControlPointID: controlPointID,
		Stage:          stringField(msg.Content, "stage"),
	}
	if meta, ok := msg.Content["metadata"].(map[string]any); ok {
		in.Metadata = meta
	}
	stagingRef := stringField(msg.Content, "staging_reference")

	ctx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	m.cancels[controlPointID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.cancels, controlPointID)
			m.mu.Unlock()
		}()
		m.process(ctx, in, stagingRef)
	}()
}

func (m *Module) handleCancel(msg *broker.Message) {
	controlPointID, _ := msg.Content["control_point_id"].(string)
	m.mu.Lock()
	cancel, ok := m.cancels[controlPointID]
	m.mu.Unlock()
	if ok {
		slog.Info("Cancelling in-flight processing",
			"department", m.dept, "control_point_id", controlPointID)
		cancel()
	}
}

// process fetches staged input, runs the processor, stores the artifact,
// and reports the outcome.
func (m *Module) process(ctx context.Context, in Input, stagingRef string) {
	if stagingRef != "" {
		if err := m.staging.RequestAccess(stagingRef, m.ident.Name); err != nil {
			m.publishError(in, fmt.Errorf("requesting access to %s: %w", stagingRef, err))
			return
		}
		payload, err := m.staging.Retrieve(stagingRef, m.ident.Name)
		if err != nil {
			m.publishError(in, fmt.Errorf("retrieving %s: %w", stagingRef, err))
			return
		}
		in.Payload = payload
	}

	out, err := m.processor.Process(ctx, in)
	if ctx.Err() != nil {
		// Cancelled mid-flight: the control point is gone, say nothing.
		slog.Debug("Dropping result of cancelled control point",
			"department", m.dept, "control_point_id", in.ControlPointID)
		return
	}
	if err != nil {
		m.publishError(in, err)
		return
	}

	handle := in.ControlPointID
	if len(out.Payload) > 0 || out.Metadata != nil {
		_, err := m.staging.Store(handle, in.PipelineID, m.ident.Name, out.Payload, out.Metadata)
		// A re-issued control point reuses its handle; the first store wins
		// and that is fine.
		if err != nil && !errors.Is(err, staging.ErrAlreadyStored) {
			m.publishError(in, fmt.Errorf("staging output: %w", err))
			return
		}
	} else {
		handle = ""
	}

	if len(out.Issues) > 0 {
		m.publishIssues(in, handle, out.Issues)
		return
	}
	m.publishComplete(in, handle)
}

func (m *Module) publishComplete(in Input, handle string) {
	typ, ok := controlpoint.CompletionType(controlpoint.Stage(in.Stage))
	if !ok {
		m.publishError(in, fmt.Errorf("stage %q has no completion type", in.Stage))
		return
	}
	_, err := m.broker.Publish(&broker.Message{
		Type:          typ,
		Source:        m.ident,
		Target:        m.cpmTarget,
		CorrelationID: in.PipelineID,
		Content: map[string]any{
			"control_point_id": in.ControlPointID,
			"staged_output_id": handle,
		},
	})
	if err != nil {
		slog.Error("Failed to publish stage completion",
			"department", m.dept, "control_point_id", in.ControlPointID, "error", err)
	}
}

func (m *Module) publishIssues(in Input, handle string, issues []Issue) {
	severity := ""
	described := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		if severity == "" || issue.Severity == "high" {
			severity = issue.Severity
		}
		described = append(described, map[string]any{
			"severity":    issue.Severity,
			"description": issue.Description,
		})
	}
	_, err := m.broker.Publish(&broker.Message{
		Type:          broker.TypeQualityIssuesDetected,
		Source:        m.ident,
		Target:        m.cpmTarget,
		CorrelationID: in.PipelineID,
		Content: map[string]any{
			"control_point_id": in.ControlPointID,
			"staged_output_id": handle,
			"severity":         severity,
			"issues":           described,
		},
	})
	if err != nil {
		slog.Error("Failed to publish quality issues",
			"department", m.dept, "control_point_id", in.ControlPointID, "error", err)
	}
}

func (m *Module) publishError(in Input, perr error) {
	slog.Warn("Stage processing failed",
		"department", m.dept,
		"control_point_id", in.ControlPointID,
		"error", perr)
	_, err := m.broker.Publish(&broker.Message{
		Type:          broker.TypeStageError,
		Source:        m.ident,
		Target:        m.cpmTarget,
		CorrelationID: in.PipelineID,
		Content: map[string]any{
			"control_point_id": in.ControlPointID,
			"error":            perr.Error(),
		},
	})
	if err != nil {
		slog.Error("Failed to publish stage error",
			"department", m.dept, "control_point_id", in.ControlPointID, "error", err)
	}
}

func stringField(content map[string]any, key string) string {
	s, _ := content[key].(string)
	return s
}
