package conductor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/pkg/controlpoint"
)

func TestRouteRegistrySeedsTransitionEdges(t *testing.T) {
	r := NewRouteRegistry()

	from := r.From(controlpoint.StageQualityCheck)
	require.Len(t, from, 1)
	assert.Equal(t, RouteConditional, from[0].Type, "multi-candidate edges are conditional")
	assert.ElementsMatch(t,
		[]controlpoint.Stage{controlpoint.StageContextAnalysis, controlpoint.StageUserReview},
		from[0].Targets)

	from = r.From(controlpoint.StageReception)
	require.Len(t, from, 1)
	assert.Equal(t, RouteSequential, from[0].Type)

	assert.Empty(t, r.From(controlpoint.StageCompletion), "terminal stage has no outgoing routes")
}

func TestRouteValidation(t *testing.T) {
	r := NewRouteRegistry()

	_, err := r.Add(Route{Targets: []controlpoint.Stage{controlpoint.StageCompletion}})
	assert.Error(t, err, "source is required")

	_, err = r.Add(Route{Source: controlpoint.StageReception})
	assert.Error(t, err, "targets are required")

	_, err = r.Add(Route{
		Source:  controlpoint.StageReception,
		Targets: []controlpoint.Stage{controlpoint.StageValidation, controlpoint.StageQualityCheck},
		Type:    RouteSequential,
	})
	assert.Error(t, err, "sequential routes are single-target")

	_, err = r.Add(Route{
		Source:  controlpoint.StageReception,
		Targets: []controlpoint.Stage{controlpoint.StageValidation},
		Type:    RouteParallel,
	})
	assert.Error(t, err, "parallel routes need fan-out")

	route, err := r.Add(Route{
		Source:  controlpoint.StageInsightGeneration,
		Targets: []controlpoint.Stage{controlpoint.StageDecisionMaking, controlpoint.StageReportGeneration},
		Type:    RouteParallel,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, route.ID)

	got, err := r.Get(route.ID)
	require.NoError(t, err)
	assert.Equal(t, route.Targets, got.Targets)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrRouteNotFound)
}

func TestRouteExecutionState(t *testing.T) {
	r := NewRouteRegistry()
	route := r.From(controlpoint.StageReception)[0]

	_, ok := r.State(route.ID, "pipe-1")
	assert.False(t, ok)

	require.NoError(t, r.Begin(route.ID, "pipe-1"))
	st, ok := r.State(route.ID, "pipe-1")
	require.True(t, ok)
	assert.False(t, st.Completed)

	require.NoError(t, r.Complete(route.ID, "pipe-1"))
	st, _ = r.State(route.ID, "pipe-1")
	assert.True(t, st.Completed)

	// State is per pipeline.
	_, ok = r.State(route.ID, "pipe-2")
	assert.False(t, ok)

	assert.ErrorIs(t, r.Begin("missing", "pipe-1"), ErrRouteNotFound)
	assert.ErrorIs(t, r.Complete(route.ID, "pipe-9"), ErrRouteNotFound)
}
