package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/conductor"
	"github.com/flowgate/flowgate/pkg/controlpoint"
	"github.com/flowgate/flowgate/pkg/department"
	"github.com/flowgate/flowgate/pkg/registry"
	"github.com/flowgate/flowgate/pkg/staging"
	"github.com/flowgate/flowgate/pkg/stream"
)

// setupTestServer wires the full in-process stack behind an httptest server.
func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := registry.New()
	promReg := prometheus.NewRegistry()
	b := broker.New(reg, broker.Options{Registerer: promReg})

	sm := staging.NewManager(b, staging.Options{})
	require.NoError(t, sm.Start())

	cpm := controlpoint.NewManager(b, controlpoint.Options{
		MonitorInterval: 20 * time.Millisecond,
	})
	require.NoError(t, cpm.Start())

	modules, err := department.StartBuiltins(b, sm)
	require.NoError(t, err)

	svc := conductor.NewService(b, cpm, sm)
	require.NoError(t, svc.Start())

	connManager := stream.NewConnectionManager(nil, time.Second)
	bridge := stream.NewBridge(b, connManager)
	connManager.SetHistory(bridge)
	require.NoError(t, bridge.Start())

	server := NewServer(svc, connManager, Options{Gatherer: promReg})
	ts := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ts.Close()
		for _, m := range modules {
			m.Stop()
		}
		cpm.Stop()
		sm.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// awaitGate polls GET /pipelines/:id until a decision gate not in skip is
// active.
func awaitGate(t *testing.T, ts *httptest.Server, pipelineID string, skip ...string) controlpoint.ControlPoint {
	t.Helper()
	skipped := make(map[string]bool, len(skip))
	for _, id := range skip {
		skipped[id] = true
	}
	var gate controlpoint.ControlPoint
	require.Eventually(t, func() bool {
		view, ok := fetchView(ts, pipelineID)
		if !ok || len(view.ActivePoints) != 1 {
			return false
		}
		candidate := view.ActivePoints[0]
		if candidate.Status != controlpoint.PointAwaitingDecision || skipped[candidate.ID] {
			return false
		}
		gate = candidate
		return true
	}, 5*time.Second, 10*time.Millisecond, "expected a decision gate")
	return gate
}

// fetchView fetches the pipeline view without failing the test, for use
// inside polling closures.
func fetchView(ts *httptest.Server, pipelineID string) (conductor.PipelineView, bool) {
	resp, err := http.Get(ts.URL + "/api/v1/pipelines/" + pipelineID)
	if err != nil {
		return conductor.PipelineView{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return conductor.PipelineView{}, false
	}
	var view conductor.PipelineView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return conductor.PipelineView{}, false
	}
	return view, true
}

// defaultStages is the full stage walk in request form.
func defaultStages() []string {
	sequence := conductor.DefaultStageSequence()
	stages := make([]string, len(sequence))
	for i, st := range sequence {
		stages[i] = string(st)
	}
	return stages
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decodeJSON[HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Contains(t, health.Version, "flowgate/")
}

func TestCreateStartAndDecide(t *testing.T) {
	ts := setupTestServer(t)

	resp := postJSON(t, ts, "/api/v1/pipelines", CreatePipelineRequest{
		Name:   "orders-q3",
		Owner:  "ops",
		Stages: defaultStages(),
		Input:  json.RawMessage(`{"records": [1, 2, 3]}`),
		Start:  true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeJSON[PipelineCreatedResponse](t, resp)
	require.NotEmpty(t, created.Pipeline.ID)
	assert.NotEmpty(t, created.StagedInput)
	require.NotNil(t, created.EntryPoint)
	assert.Equal(t, controlpoint.StageQualityCheck, created.EntryPoint.Stage)

	gate := awaitGate(t, ts, created.Pipeline.ID)
	assert.Equal(t, controlpoint.StageQualityCheck, gate.Stage)

	resp = postJSON(t, ts, "/api/v1/decisions", DecisionRequest{
		ControlPointID: gate.ID,
		Type:           "approve",
		DecidedBy:      "reviewer",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	next := awaitGate(t, ts, created.Pipeline.ID, gate.ID)
	assert.Equal(t, controlpoint.StageContextAnalysis, next.Stage)
}

func TestCreateWithoutStartIsInert(t *testing.T) {
	ts := setupTestServer(t)

	resp := postJSON(t, ts, "/api/v1/pipelines", CreatePipelineRequest{Name: "inert", Stages: defaultStages()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeJSON[PipelineCreatedResponse](t, resp)
	assert.Nil(t, created.EntryPoint)

	// Separate start call with inline input enters at quality check.
	resp = postJSON(t, ts, "/api/v1/pipelines/"+created.Pipeline.ID+"/start",
		StartPipelineRequest{Input: json.RawMessage(`{"ok": true}`)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	started := decodeJSON[StartPipelineResponse](t, resp)
	assert.Equal(t, controlpoint.StageQualityCheck, started.ControlPoint.Stage)
}

func TestListPipelinesFiltersByOwner(t *testing.T) {
	ts := setupTestServer(t)

	for _, owner := range []string{"alice", "alice", "bob"} {
		resp := postJSON(t, ts, "/api/v1/pipelines", CreatePipelineRequest{
			Name:   "p-" + owner,
			Owner:  owner,
			Stages: defaultStages(),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/v1/pipelines?owner=alice")
	require.NoError(t, err)
	listed := decodeJSON[struct {
		Count int `json:"count"`
	}](t, resp)
	assert.Equal(t, 2, listed.Count)
}

func TestValidationAndErrorMapping(t *testing.T) {
	ts := setupTestServer(t)

	// Missing required name.
	resp := postJSON(t, ts, "/api/v1/pipelines", map[string]any{"owner": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Missing stage sequence is rejected, never defaulted.
	resp = postJSON(t, ts, "/api/v1/pipelines", map[string]any{"name": "no-stages"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Unknown pipeline.
	resp, err := http.Get(ts.URL + "/api/v1/pipelines/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Unknown control point.
	resp = postJSON(t, ts, "/api/v1/decisions", DecisionRequest{
		ControlPointID: "nope",
		Type:           "approve",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Bad decision type.
	resp = postJSON(t, ts, "/api/v1/decisions", DecisionRequest{
		ControlPointID: "whatever",
		Type:           "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelThenStartConflicts(t *testing.T) {
	ts := setupTestServer(t)

	resp := postJSON(t, ts, "/api/v1/pipelines", CreatePipelineRequest{Name: "doomed", Stages: defaultStages()})
	created := decodeJSON[PipelineCreatedResponse](t, resp)

	resp = postJSON(t, ts, "/api/v1/pipelines/"+created.Pipeline.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		view, ok := fetchView(ts, created.Pipeline.ID)
		return ok && view.Pipeline.Status == controlpoint.PipelineCancelled
	}, 5*time.Second, 10*time.Millisecond)

	resp = postJSON(t, ts, "/api/v1/pipelines/"+created.Pipeline.ID+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "flowgate_broker_published_total")
}

func TestWebSocketEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "connection.established", msg["type"])
}

func TestSecurityHeaders(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}
