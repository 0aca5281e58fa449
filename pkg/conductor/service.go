package conductor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/controlpoint"
	"github.com/flowgate/flowgate/pkg/registry"
	"github.com/flowgate/flowgate/pkg/staging"
)

// ComponentName is the conductor's registry name.
const ComponentName = "conductor"

// maxEventsPerPipeline bounds the notice log kept per pipeline.
const maxEventsPerPipeline = 64

// Service is the pipeline front door.
type Service struct {
	broker  *broker.Broker
	cpm     *controlpoint.Manager
	staging *staging.Manager
	routes  *RouteRegistry
	ident   registry.Identifier

	mu        sync.Mutex
	events    map[string][]Event
	lastStage map[string]controlpoint.Stage
}

// NewService creates a conductor over an already-constructed control-point
// manager and staging manager.
func NewService(b *broker.Broker, cpm *controlpoint.Manager, s *staging.Manager) *Service {
	return &Service{
		broker:    b,
		cpm:       cpm,
		staging:   s,
		routes:    NewRouteRegistry(),
		events:    make(map[string][]Event),
		lastStage: make(map[string]controlpoint.Stage),
	}
}

// Start registers the conductor and subscribes it to its own messages and
// to the lifecycle notices the control-point manager publishes.
func (s *Service) Start() error {
	ident, err := s.broker.Register(registry.Identifier{
		Name: ComponentName,
		Type: registry.TypeService,
		Role: "service",
	})
	if err != nil {
		return fmt.Errorf("registering conductor: %w", err)
	}
	s.ident = ident

	if err := s.broker.Subscribe(ident, ComponentName+".service.*", broker.OrderBySource, s.handleDirect); err != nil {
		return fmt.Errorf("subscribing conductor: %w", err)
	}
	// Lifecycle notices flow to the shared monitoring target; the conductor
	// mirrors them into per-pipeline event logs.
	if err := s.broker.Subscribe(ident, controlpoint.MonitoringComponent+".service.*", broker.OrderByCorrelation, s.handleNotice); err != nil {
		return fmt.Errorf("subscribing conductor to notices: %w", err)
	}

	slog.Info("Conductor started")
	return nil
}

// Identifier returns the conductor's registered identifier.
func (s *Service) Identifier() registry.Identifier {
	return s.ident
}

// Routes exposes the topology registry.
func (s *Service) Routes() *RouteRegistry {
	return s.routes
}

// CreatePipeline validates the request and creates the pipeline. The
// config must carry an explicit stage sequence; an omission is a caller
// error, not an invitation to guess. The pipeline is inert until
// StartPipeline issues its first control point.
func (s *Service) CreatePipeline(cfg Config) (controlpoint.Pipeline, error) {
	metadata := cfg.Metadata
	if cfg.AutoApprove {
		merged := make(map[string]any, len(metadata)+1)
		for k, v := range metadata {
			merged[k] = v
		}
		merged["auto_approve"] = true
		metadata = merged
	}
	return s.cpm.CreatePipeline(cfg.Name, cfg.Owner, cfg.StageSequence, metadata)
}

// StageInput stores a caller-provided payload and grants the entry
// departments access to it. The returned handle is the staged_input for
// StartPipeline.
func (s *Service) StageInput(pipelineID string, payload []byte, metadata map[string]any) (string, error) {
	handle := "input-" + pipelineID
	if _, err := s.staging.Store(handle, pipelineID, ComponentName, payload, metadata); err != nil {
		return "", fmt.Errorf("staging pipeline input: %w", err)
	}
	for _, module := range []string{"ingest-manager", "quality-manager"} {
		if err := s.staging.Grant(handle, module); err != nil {
			return "", fmt.Errorf("granting %s access to input: %w", module, err)
		}
	}
	return handle, nil
}

// StartPipeline issues the first control point: at QUALITY_CHECK when the
// input is already staged, otherwise at RECEPTION.
func (s *Service) StartPipeline(pipelineID, stagedInput string) (controlpoint.ControlPoint, error) {
	entry := controlpoint.StageReception
	if stagedInput != "" {
		entry = controlpoint.StageQualityCheck
	}
	cp, err := s.cpm.CreateControlPoint(pipelineID, entry, nil, stagedInput)
	if err != nil {
		return controlpoint.ControlPoint{}, err
	}

	s.mu.Lock()
	s.lastStage[pipelineID] = entry
	s.mu.Unlock()

	slog.Info("Pipeline started",
		"pipeline_id", pipelineID, "entry_stage", entry, "staged_input", stagedInput != "")
	return cp, nil
}

// SubmitDecision forwards a caller's decision to the control-point
// manager.
func (s *Service) SubmitDecision(controlPointID string, d controlpoint.Decision) error {
	return s.cpm.SubmitDecision(controlPointID, d)
}

// Cancel requests best-effort cancellation.
func (s *Service) Cancel(pipelineID string) error {
	return s.cpm.Cancel(pipelineID)
}

// GetStatus assembles the caller-facing view.
func (s *Service) GetStatus(pipelineID string) (PipelineView, error) {
	st, err := s.cpm.Status(pipelineID)
	if err != nil {
		return PipelineView{}, err
	}
	s.mu.Lock()
	events := append([]Event(nil), s.events[pipelineID]...)
	s.mu.Unlock()
	return PipelineView{Status: st, Events: events}, nil
}

// ListPipelines lists pipelines, filtered by owner when non-empty.
func (s *Service) ListPipelines(owner string) []controlpoint.Pipeline {
	return s.cpm.ListPipelines(owner)
}

// handleDirect handles messages addressed to the conductor itself, such
// as staging deletion confirmations.
func (s *Service) handleDirect(msg *broker.Message) {
	switch msg.Type {
	case broker.TypeStagingDeleteComplete:
		slog.Debug("Staged entry deleted",
			"stage_id", msg.Content["stage_id"], "pipeline_id", msg.CorrelationID)
	default:
		slog.Debug("Conductor ignoring message", "type", msg.Type)
	}
}

// handleNotice mirrors a lifecycle notice into the pipeline's event log
// and advances route execution state.
func (s *Service) handleNotice(msg *broker.Message) {
	pipelineID := msg.CorrelationID
	if pipelineID == "" {
		pipelineID, _ = msg.Content["pipeline_id"].(string)
	}
	if pipelineID == "" {
		return
	}

	ev := Event{
		Type:       msg.Type,
		PipelineID: pipelineID,
		Content:    msg.Content,
		At:         time.Now(),
	}
	if id, ok := msg.Content["control_point_id"].(string); ok {
		ev.ControlPointID = id
	}
	if stage, ok := msg.Content["stage"].(string); ok {
		ev.Stage = stage
	}

	s.mu.Lock()
	log := append(s.events[pipelineID], ev)
	if len(log) > maxEventsPerPipeline {
		log = log[len(log)-maxEventsPerPipeline:]
	}
	s.events[pipelineID] = log
	s.mu.Unlock()

	if ev.Stage != "" {
		s.trackRoute(pipelineID, controlpoint.Stage(ev.Stage))
	}
}

// trackRoute records traversal of the route connecting the previously
// observed stage to the one just reached.
func (s *Service) trackRoute(pipelineID string, stage controlpoint.Stage) {
	s.mu.Lock()
	prev, ok := s.lastStage[pipelineID]
	s.lastStage[pipelineID] = stage
	s.mu.Unlock()
	if !ok || prev == stage {
		return
	}

	for _, route := range s.routes.From(prev) {
		for _, target := range route.Targets {
			if target == stage {
				if err := s.routes.Begin(route.ID, pipelineID); err == nil {
					_ = s.routes.Complete(route.ID, pipelineID)
				}
				return
			}
		}
	}
}
