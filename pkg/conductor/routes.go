package conductor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowgate/flowgate/pkg/controlpoint"
)

// RouteType classifies how a route's targets execute.
type RouteType string

// Route type constants.
const (
	RouteSequential   RouteType = "SEQUENTIAL"
	RouteParallel     RouteType = "PARALLEL"
	RouteConditional  RouteType = "CONDITIONAL"
	RouteControlPoint RouteType = "CONTROL_POINT"
	RouteRecovery     RouteType = "RECOVERY"
)

// Route describes one edge (or fan-out) in a pipeline topology. Routes are
// orthogonal to control-point state: they describe where data can flow,
// not whether a gate has been decided.
type Route struct {
	ID              string               `json:"id"`
	Source          controlpoint.Stage   `json:"source"`
	Targets         []controlpoint.Stage `json:"targets"`
	Type            RouteType            `json:"type"`
	Conditions      map[string]string    `json:"conditions,omitempty"`
	ValidationRules []string             `json:"validation_rules,omitempty"`
}

// RouteState is per-route execution state for one pipeline.
type RouteState struct {
	RouteID     string    `json:"route_id"`
	PipelineID  string    `json:"pipeline_id"`
	Completed   bool      `json:"completed"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// ErrRouteNotFound is returned for unknown route ids.
var ErrRouteNotFound = fmt.Errorf("route not found")

// RouteRegistry holds the known routes and their per-pipeline execution
// state.
type RouteRegistry struct {
	mu     sync.RWMutex
	routes map[string]Route
	bySrc  map[controlpoint.Stage][]string
	states map[string]map[string]*RouteState // route id → pipeline id → state
}

// NewRouteRegistry creates a registry pre-seeded with one sequential route
// per transition-table edge, so the fixed topology is always navigable.
func NewRouteRegistry() *RouteRegistry {
	r := &RouteRegistry{
		routes: make(map[string]Route),
		bySrc:  make(map[controlpoint.Stage][]string),
		states: make(map[string]map[string]*RouteState),
	}
	for _, source := range DefaultStageSequence() {
		candidates := controlpoint.NextCandidates(source)
		if len(candidates) == 0 {
			continue
		}
		typ := RouteSequential
		if len(candidates) > 1 {
			typ = RouteConditional
		}
		_, _ = r.Add(Route{Source: source, Targets: candidates, Type: typ})
	}
	return r
}

// Add validates and registers a route, allocating its id.
func (r *RouteRegistry) Add(route Route) (Route, error) {
	if route.Source == "" || len(route.Targets) == 0 {
		return Route{}, fmt.Errorf("route requires a source and at least one target")
	}
	if route.Type == "" {
		route.Type = RouteSequential
	}
	switch route.Type {
	case RouteSequential, RouteControlPoint, RouteRecovery:
		if len(route.Targets) != 1 {
			return Route{}, fmt.Errorf("%s route must have exactly one target", route.Type)
		}
	case RouteParallel:
		if len(route.Targets) < 2 {
			return Route{}, fmt.Errorf("parallel route needs at least two targets")
		}
	case RouteConditional:
	default:
		return Route{}, fmt.Errorf("unknown route type %q", route.Type)
	}
	route.ID = uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route.ID] = route
	r.bySrc[route.Source] = append(r.bySrc[route.Source], route.ID)
	return route, nil
}

// Get returns a route by id.
func (r *RouteRegistry) Get(id string) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[id]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrRouteNotFound, id)
	}
	return route, nil
}

// From returns all routes leaving source.
func (r *RouteRegistry) From(source controlpoint.Stage) []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.bySrc[source]))
	for _, id := range r.bySrc[source] {
		out = append(out, r.routes[id])
	}
	return out
}

// Begin records that a pipeline entered a route.
func (r *RouteRegistry) Begin(routeID, pipelineID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[routeID]; !ok {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, routeID)
	}
	if r.states[routeID] == nil {
		r.states[routeID] = make(map[string]*RouteState)
	}
	r.states[routeID][pipelineID] = &RouteState{
		RouteID:    routeID,
		PipelineID: pipelineID,
		StartedAt:  time.Now(),
	}
	return nil
}

// Complete marks a pipeline's traversal of a route finished.
func (r *RouteRegistry) Complete(routeID, pipelineID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[routeID][pipelineID]
	if st == nil {
		return fmt.Errorf("%w: no execution state for %s on %s", ErrRouteNotFound, pipelineID, routeID)
	}
	st.Completed = true
	st.CompletedAt = time.Now()
	return nil
}

// State returns a copy of the execution state, or false when the pipeline
// never entered the route.
func (r *RouteRegistry) State(routeID, pipelineID string) (RouteState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.states[routeID][pipelineID]
	if st == nil {
		return RouteState{}, false
	}
	return *st, true
}
