// Package e2e exercises the whole system through its public surfaces: the
// HTTP API and the WebSocket event stream. No package internals are
// touched; everything flows through the wire.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/pkg/api"
	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/conductor"
	"github.com/flowgate/flowgate/pkg/controlpoint"
	"github.com/flowgate/flowgate/pkg/department"
	"github.com/flowgate/flowgate/pkg/registry"
	"github.com/flowgate/flowgate/pkg/staging"
	"github.com/flowgate/flowgate/pkg/stream"
)

// Harness runs a complete flowgate instance behind an httptest server.
type Harness struct {
	t      *testing.T
	Server *httptest.Server
}

// HarnessOptions tune the instance under test.
type HarnessOptions struct {
	ControlPoints controlpoint.Options
}

// NewHarness starts the full stack and registers cleanup.
func NewHarness(t *testing.T, opts HarnessOptions) *Harness {
	t.Helper()

	reg := registry.New()
	promReg := prometheus.NewRegistry()
	b := broker.New(reg, broker.Options{Registerer: promReg})

	sm := staging.NewManager(b, staging.Options{})
	require.NoError(t, sm.Start())

	cpOpts := opts.ControlPoints
	if cpOpts.MonitorInterval == 0 {
		cpOpts.MonitorInterval = 20 * time.Millisecond
	}
	cpm := controlpoint.NewManager(b, cpOpts)
	require.NoError(t, cpm.Start())

	modules, err := department.StartBuiltins(b, sm)
	require.NoError(t, err)

	svc := conductor.NewService(b, cpm, sm)
	require.NoError(t, svc.Start())

	connManager := stream.NewConnectionManager(nil, time.Second)
	bridge := stream.NewBridge(b, connManager)
	connManager.SetHistory(bridge)
	require.NoError(t, bridge.Start())

	server := api.NewServer(svc, connManager, api.Options{Gatherer: promReg})
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
	return &Harness{t: t, Server: ts}
}

// CreateAndStart creates a pipeline with inline input and starts it.
func (h *Harness) CreateAndStart(name string, input string) api.PipelineCreatedResponse {
	h.t.Helper()
	sequence := conductor.DefaultStageSequence()
	stages := make([]string, len(sequence))
	for i, st := range sequence {
		stages[i] = string(st)
	}
	resp := h.PostJSON("/api/v1/pipelines", api.CreatePipelineRequest{
		Name:   name,
		Owner:  "e2e",
		Stages: stages,
		Input:  json.RawMessage(input),
		Start:  true,
	})
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	return decode[api.PipelineCreatedResponse](h.t, resp)
}

// Decide submits a decision for a control point.
func (h *Harness) Decide(controlPointID string, decision api.DecisionRequest) {
	h.t.Helper()
	decision.ControlPointID = controlPointID
	resp := h.PostJSON("/api/v1/decisions", decision)
	require.Equal(h.t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
}

// View fetches the pipeline view, reporting ok=false on any failure so it
// can run inside polling closures.
func (h *Harness) View(pipelineID string) (conductor.PipelineView, bool) {
	resp, err := http.Get(h.Server.URL + "/api/v1/pipelines/" + pipelineID)
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

// AwaitGate polls until a decision gate not in skip is active.
func (h *Harness) AwaitGate(pipelineID string, skip ...string) controlpoint.ControlPoint {
	h.t.Helper()
	skipped := make(map[string]bool, len(skip))
	for _, id := range skip {
		skipped[id] = true
	}
	var gate controlpoint.ControlPoint
	require.Eventually(h.t, func() bool {
		view, ok := h.View(pipelineID)
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

// AwaitStatus polls until the pipeline reaches the wanted status.
func (h *Harness) AwaitStatus(pipelineID string, want controlpoint.PipelineStatus) conductor.PipelineView {
	h.t.Helper()
	var view conductor.PipelineView
	require.Eventually(h.t, func() bool {
		v, ok := h.View(pipelineID)
		if !ok || v.Pipeline.Status != want {
			return false
		}
		view = v
		return true
	}, 5*time.Second, 10*time.Millisecond, "expected pipeline status %s", want)
	return view
}

// PostJSON posts a JSON body and returns the raw response.
func (h *Harness) PostJSON(path string, body any) *http.Response {
	h.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(h.t, err)
	resp, err := http.Post(h.Server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(h.t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}
