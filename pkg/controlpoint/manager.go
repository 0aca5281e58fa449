package controlpoint

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/registry"
)

// ComponentName is the manager's registry name.
const ComponentName = "controlpoint-manager"

// MonitoringComponent is the target for pipeline lifecycle notices. Both
// the pipeline service and the event stream subscribe to it; neither is
// privileged.
const MonitoringComponent = "monitoring"

// Options configures a Manager.
type Options struct {
	// DefaultTimeout applies to control points created without an explicit
	// timeout.
	DefaultTimeout time.Duration

	// MaxRetries bounds recovery re-issues per control point. Timeouts and
	// processor errors draw on the same budget.
	MaxRetries int

	// ReviewLoopLimit bounds USER_REVIEW visits per pipeline. Reaching the
	// limit short-circuits the pipeline to FAILED.
	ReviewLoopLimit int

	// MonitorInterval is how often the timeout monitor scans active points.
	MonitorInterval time.Duration

	// TerminalGrace is how long terminal pipeline state is retained before
	// it is destroyed.
	TerminalGrace time.Duration
}

func (o *Options) applyDefaults() {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 60 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.ReviewLoopLimit <= 0 {
		o.ReviewLoopLimit = 3
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 5 * time.Second
	}
	if o.TerminalGrace <= 0 {
		o.TerminalGrace = 10 * time.Minute
	}
}

// pipelineState is one pipeline's context plus its lock. All mutating
// broker messages for one pipeline are applied serially (the manager's
// subscription orders by correlation id); the lock additionally protects
// direct reads and the create path.
type pipelineState struct {
	mu          sync.Mutex
	p           Pipeline
	active      map[string]*ControlPoint
	history     []*ControlPoint
	visits      map[Stage]int
	reviewLoops int
	decisionLog []Decision
	terminalAt  time.Time
}

// Manager is the control-point manager.
type Manager struct {
	broker *broker.Broker
	ident  registry.Identifier
	opts   Options

	mu        sync.RWMutex
	pipelines map[string]*pipelineState
	cpIndex   map[string]string // control_point_id → pipeline_id (active points only)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a control-point manager.
func NewManager(b *broker.Broker, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		broker:    b,
		opts:      opts,
		pipelines: make(map[string]*pipelineState),
		cpIndex:   make(map[string]string),
		stopCh:    make(chan struct{}),
	}
}

// Start registers the manager with the broker, subscribes the serialized
// message handler, and launches the timeout monitor.
func (m *Manager) Start() error {
	ident, err := m.broker.Register(registry.Identifier{
		Name: ComponentName,
		Type: registry.TypeManager,
		Role: "manager",
	})
	if err != nil {
		return fmt.Errorf("registering control-point manager: %w", err)
	}
	m.ident = ident

	// The monitoring target exists so lifecycle notices always have a
	// registered destination, whoever subscribes.
	if _, err := m.broker.Register(registry.Identifier{
		Name: MonitoringComponent,
		Type: registry.TypeService,
		Role: "service",
	}); err != nil {
		return fmt.Errorf("registering monitoring target: %w", err)
	}

	// OrderByCorrelation: one pipeline's mutations apply one at a time in
	// publish order; different pipelines proceed concurrently.
	pattern := ComponentName + ".manager.*"
	if err := m.broker.Subscribe(ident, pattern, broker.OrderByCorrelation, m.handleMessage); err != nil {
		return fmt.Errorf("subscribing control-point manager: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runMonitor()
	}()

	slog.Info("Control-point manager started",
		"default_timeout", m.opts.DefaultTimeout,
		"max_retries", m.opts.MaxRetries,
		"review_loop_limit", m.opts.ReviewLoopLimit)
	return nil
}

// Stop halts the timeout monitor.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Identifier returns the manager's registered identifier.
func (m *Manager) Identifier() registry.Identifier {
	return m.ident
}

// CreatePipeline allocates a pipeline context. Stage dependencies are
// derived from the transition table: the predecessors of a stage are all
// stages whose candidate set contains it.
func (m *Manager) CreatePipeline(name, owner string, sequence []Stage, metadata map[string]any) (Pipeline, error) {
	if name == "" {
		return Pipeline{}, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if len(sequence) == 0 {
		return Pipeline{}, fmt.Errorf("%w: stage_sequence is required", ErrInvalidConfig)
	}
	for _, stage := range sequence {
		if !KnownStage(stage) {
			return Pipeline{}, fmt.Errorf("%w: unknown stage %q", ErrInvalidConfig, stage)
		}
	}

	p := Pipeline{
		ID:                uuid.New().String(),
		Name:              name,
		Owner:             owner,
		Status:            PipelinePending,
		StageSequence:     append([]Stage(nil), sequence...),
		StageDependencies: deriveDependencies(sequence),
		ComponentStates:   make(map[string]string),
		Metadata:          metadata,
		CreatedAt:         time.Now(),
	}

	ps := &pipelineState{
		p:      p,
		active: make(map[string]*ControlPoint),
		visits: make(map[Stage]int),
	}

	m.mu.Lock()
	m.pipelines[p.ID] = ps
	m.mu.Unlock()

	m.notify(broker.TypePipelineCreated, p.ID, map[string]any{
		"pipeline_id": p.ID,
		"name":        p.Name,
	})

	slog.Info("Pipeline created", "pipeline_id", p.ID, "name", name, "stages", len(sequence))
	return p, nil
}

// CreateControlPoint constructs the gate for stage, inserts it into the
// active set, and either publishes CONTROL_POINT_REACHED to the department
// responsible for the stage or — for pure gate stages — moves straight to
// awaiting a decision.
func (m *Manager) CreateControlPoint(pipelineID string, stage Stage, metadata map[string]any, stagingRef string) (ControlPoint, error) {
	ps, err := m.state(pipelineID)
	if err != nil {
		return ControlPoint{}, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.active) > 0 {
		// A duplicate start is a caller error; the running pipeline and its
		// active gate stay untouched.
		return ControlPoint{}, fmt.Errorf("%w: active control point already exists for %s",
			ErrInvalidConfig, ps.p.ID)
	}
	return m.createPointLocked(ps, stage, metadata, stagingRef, "")
}

// createPointLocked is the shared create path for the manager's own
// transitions, which always archive the previous point first. Caller
// holds ps.mu.
func (m *Manager) createPointLocked(ps *pipelineState, stage Stage, metadata map[string]any, stagingRef, parentID string) (ControlPoint, error) {
	if ps.p.Status.terminal() {
		return ControlPoint{}, fmt.Errorf("%w: %s", ErrPipelineTerminal, ps.p.ID)
	}
	if !KnownStage(stage) {
		return ControlPoint{}, fmt.Errorf("%w: unknown stage %q", ErrInvalidConfig, stage)
	}
	if len(ps.active) > 0 {
		// One-and-only-one active point per running pipeline.
		m.failLocked(ps, ErrorKindInternal,
			fmt.Sprintf("control point created while %d still active", len(ps.active)))
		return ControlPoint{}, fmt.Errorf("%w: active control point already exists for %s",
			ErrInvalidConfig, ps.p.ID)
	}

	if stage == StageUserReview {
		if ps.reviewLoops >= m.opts.ReviewLoopLimit {
			m.failLocked(ps, ErrorKindReviewLoop,
				fmt.Sprintf("review loop limit %d reached", m.opts.ReviewLoopLimit))
			return ControlPoint{}, fmt.Errorf("%w: review loop limit reached", ErrPipelineTerminal)
		}
		ps.reviewLoops++
	}

	ps.visits[stage]++

	timeout := m.opts.DefaultTimeout
	if t, ok := metadata["timeout"].(time.Duration); ok && t > 0 {
		timeout = t
	}
	requiresDecision := true
	if auto, ok := metadata["auto_approve"].(bool); ok && auto {
		requiresDecision = false
	} else if auto, ok := ps.p.Metadata["auto_approve"].(bool); ok && auto {
		requiresDecision = false
	}

	department := DepartmentFor(stage)
	now := time.Now()
	cp := &ControlPoint{
		ID:                 uuid.New().String(),
		PipelineID:         ps.p.ID,
		Stage:              stage,
		Department:         department,
		AssignedModule:     department + "-manager",
		Status:             PointPending,
		RequiresDecision:   requiresDecision,
		InputRef:           stagingRef,
		StagingRef:         stagingRef,
		ParentControlPoint: parentID,
		NextStages:         NextCandidates(stage),
		RetryCount:         ps.visits[stage],
		CreatedAt:          now,
		Timeout:            timeout,
		Deadline:           now.Add(timeout),
	}

	ps.active[cp.ID] = cp
	ps.p.CurrentStage = stage
	ps.p.Status = PipelineRunning

	m.mu.Lock()
	m.cpIndex[cp.ID] = ps.p.ID
	m.mu.Unlock()

	m.notify(broker.TypeStatusUpdate, ps.p.ID, map[string]any{
		"pipeline_id":      ps.p.ID,
		"control_point_id": cp.ID,
		"stage":            string(stage),
		"status":           string(ps.p.Status),
		"attempt":          cp.RetryCount,
	})

	if department == "" {
		// Pure human gate: nothing to process, await the decision.
		cp.Status = PointAwaitingDecision
		ps.p.Status = PipelineAwaitingDecision
		m.notify(broker.TypeUserDecisionRequired, ps.p.ID, map[string]any{
			"pipeline_id":       ps.p.ID,
			"control_point_id":  cp.ID,
			"stage":             string(stage),
			"staging_reference": cp.StagingRef,
		})
	} else {
		m.publishReached(ps, cp, metadata)
	}

	slog.Info("Control point created",
		"pipeline_id", ps.p.ID,
		"control_point_id", cp.ID,
		"stage", stage,
		"department", department,
		"attempt", cp.RetryCount)
	return *cp, nil
}

// publishReached sends CONTROL_POINT_REACHED to the stage's assigned module.
func (m *Manager) publishReached(ps *pipelineState, cp *ControlPoint, metadata map[string]any) {
	content := map[string]any{
		"control_point_id":  cp.ID,
		"pipeline_id":       cp.PipelineID,
		"stage":             string(cp.Stage),
		"staging_reference": cp.InputRef,
		"metadata":          mergeMetadata(ps.p.Metadata, metadata),
	}
	_, err := m.broker.Publish(&broker.Message{
		Type:          broker.TypeControlPointReached,
		Source:        m.ident,
		Target:        registry.Identifier{Name: cp.AssignedModule, Type: registry.TypeManager, Department: cp.Department, Role: "manager"},
		Content:       content,
		CorrelationID: cp.PipelineID,
	})
	if err != nil {
		slog.Error("Failed to publish control point reached",
			"control_point_id", cp.ID, "error", err)
	}
}

// SubmitDecision validates and enqueues a user decision for serialized
// application. The decision takes effect when the manager's handler
// processes it — strictly ordered with every other mutation of the same
// pipeline.
func (m *Manager) SubmitDecision(controlPointID string, d Decision) error {
	ps, cp, err := m.activePoint(controlPointID)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	if cp.Status != PointAwaitingDecision && cp.Status != PointPending {
		ps.mu.Unlock()
		return fmt.Errorf("%w: control point is %s", ErrInvalidDecision, cp.Status)
	}
	if err := validateDecision(ps, cp, d); err != nil {
		ps.mu.Unlock()
		return err
	}
	pipelineID := ps.p.ID
	ps.mu.Unlock()

	content := map[string]any{
		"control_point_id": controlPointID,
		"decision_type":    string(d.Type),
		"rework_stage":     string(d.ReworkStage),
		"reason":           d.Reason,
		"decided_by":       d.DecidedBy,
		"details":          d.Details,
	}
	_, err = m.broker.Publish(&broker.Message{
		Type:          broker.TypeUserDecisionSubmitted,
		Source:        m.ident,
		Target:        m.ident,
		Content:       content,
		CorrelationID: pipelineID,
	})
	return err
}

// validateDecision checks a decision against the control point. Caller
// holds ps.mu.
func validateDecision(ps *pipelineState, cp *ControlPoint, d Decision) error {
	switch d.Type {
	case DecisionApprove, DecisionReject:
		return nil
	case DecisionRework:
		if d.ReworkStage == "" {
			return fmt.Errorf("%w: rework requires a target stage", ErrInvalidDecision)
		}
		current := cp.Stage
		if cp.Stage == StageUserReview && cp.ParentControlPoint != "" {
			if parent := ps.findArchived(cp.ParentControlPoint); parent != nil {
				current = parent.Stage
			}
		}
		targetIdx := stageIndex(ps.p.StageSequence, d.ReworkStage)
		currentIdx := stageIndex(ps.p.StageSequence, current)
		if targetIdx < 0 {
			return fmt.Errorf("%w: rework stage %q not in pipeline sequence", ErrInvalidDecision, d.ReworkStage)
		}
		if currentIdx >= 0 && targetIdx > currentIdx {
			return fmt.Errorf("%w: rework stage must be earlier than %s", ErrInvalidDecision, current)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown decision type %q", ErrInvalidDecision, d.Type)
	}
}

// Cancel enqueues a best-effort pipeline cancellation.
func (m *Manager) Cancel(pipelineID string) error {
	if _, err := m.state(pipelineID); err != nil {
		return err
	}
	_, err := m.broker.Publish(&broker.Message{
		Type:          broker.TypePipelineCancelled,
		Source:        m.ident,
		Target:        m.ident,
		Content:       map[string]any{"pipeline_id": pipelineID},
		CorrelationID: pipelineID,
	})
	return err
}

// Status returns the direct per-pipeline health view.
func (m *Manager) Status(pipelineID string) (Status, error) {
	ps, err := m.state(pipelineID)
	if err != nil {
		return Status{}, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	st := Status{
		Pipeline:     ps.p,
		ActivePoints: make([]ControlPoint, 0, len(ps.active)),
		History:      make([]ControlPoint, 0, len(ps.history)),
		DecisionLog:  append([]Decision(nil), ps.decisionLog...),
	}
	for _, cp := range ps.active {
		st.ActivePoints = append(st.ActivePoints, *cp)
	}
	for _, cp := range ps.history {
		st.History = append(st.History, *cp)
	}
	return st, nil
}

// ListPipelines returns pipelines, filtered by owner when owner is
// non-empty.
func (m *Manager) ListPipelines(owner string) []Pipeline {
	m.mu.RLock()
	states := make([]*pipelineState, 0, len(m.pipelines))
	for _, ps := range m.pipelines {
		states = append(states, ps)
	}
	m.mu.RUnlock()

	out := make([]Pipeline, 0, len(states))
	for _, ps := range states {
		ps.mu.Lock()
		if owner == "" || ps.p.Owner == owner {
			out = append(out, ps.p)
		}
		ps.mu.Unlock()
	}
	return out
}

// ControlPoint returns a copy of an active control point.
func (m *Manager) ControlPoint(controlPointID string) (ControlPoint, error) {
	ps, cp, err := m.activePoint(controlPointID)
	if err != nil {
		return ControlPoint{}, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return *cp, nil
}

// --- internal lookups ---

func (m *Manager) state(pipelineID string) (*pipelineState, error) {
	m.mu.RLock()
	ps, ok := m.pipelines[pipelineID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	return ps, nil
}

// activePoint resolves a control point id to its pipeline state and live
// record.
func (m *Manager) activePoint(controlPointID string) (*pipelineState, *ControlPoint, error) {
	m.mu.RLock()
	pipelineID, ok := m.cpIndex[controlPointID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrControlPointNotFound, controlPointID)
	}

	ps, err := m.state(pipelineID)
	if err != nil {
		return nil, nil, err
	}

	ps.mu.Lock()
	cp, ok := ps.active[controlPointID]
	ps.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrControlPointNotFound, controlPointID)
	}
	return ps, cp, nil
}

func (ps *pipelineState) findArchived(controlPointID string) *ControlPoint {
	for _, cp := range ps.history {
		if cp.ID == controlPointID {
			return cp
		}
	}
	return nil
}

// notify publishes a lifecycle notice to the monitoring target.
func (m *Manager) notify(typ broker.MessageType, correlationID string, content map[string]any) {
	_, err := m.broker.Publish(&broker.Message{
		Type:          typ,
		Source:        m.ident,
		Target:        registry.Identifier{Name: MonitoringComponent, Type: registry.TypeService, Role: "service"},
		Content:       content,
		CorrelationID: correlationID,
	})
	if err != nil {
		slog.Warn("Failed to publish lifecycle notice",
			"type", typ, "correlation_id", correlationID, "error", err)
	}
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
