package department

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/controlpoint"
	"github.com/flowgate/flowgate/pkg/registry"
	"github.com/flowgate/flowgate/pkg/staging"
)

type harness struct {
	b       *broker.Broker
	staging *staging.Manager
	cpm     registry.Identifier
	inbox   chan *broker.Message
}

// newHarness stands up a broker, a staging manager, and a fake
// control-point manager that captures everything sent to it.
func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := registry.New()
	b := broker.New(reg, broker.Options{})

	s := staging.NewManager(b, staging.Options{})
	require.NoError(t, s.Start())

	cpm, err := b.Register(registry.Identifier{
		Name: controlpoint.ComponentName,
		Type: registry.TypeManager,
		Role: "manager",
	})
	require.NoError(t, err)

	h := &harness{b: b, staging: s, cpm: cpm, inbox: make(chan *broker.Message, 16)}
	require.NoError(t, b.Subscribe(cpm, controlpoint.ComponentName+".manager.*", broker.OrderByCorrelation, func(msg *broker.Message) {
		h.inbox <- msg
	}))

	t.Cleanup(func() {
		s.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return h
}

func (h *harness) startModule(t *testing.T, dept string, p Processor) *Module {
	t.Helper()
	m := NewModule(h.b, h.staging, dept, p)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

// reach sends CONTROL_POINT_REACHED to the module the way the
// control-point manager does.
func (h *harness) reach(t *testing.T, m *Module, controlPointID, stage, stagingRef string) {
	t.Helper()
	_, err := h.b.Publish(&broker.Message{
		Type:          broker.TypeControlPointReached,
		Source:        h.cpm,
		Target:        m.Identifier(),
		CorrelationID: "pipe-1",
		Content: map[string]any{
			"control_point_id":  controlPointID,
			"stage":             stage,
			"staging_reference": stagingRef,
		},
	})
	require.NoError(t, err)
}

func (h *harness) expect(t *testing.T, typ broker.MessageType) *broker.Message {
	t.Helper()
	select {
	case msg := <-h.inbox:
		require.Equal(t, typ, msg.Type, "content: %v", msg.Content)
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", typ)
		return nil
	}
}

func TestModuleCompletesAndStagesArtifact(t *testing.T) {
	h := newHarness(t)
	m := h.startModule(t, "insight", passThrough("insight", func(Input) map[string]any {
		return map[string]any{"ok": true}
	}))

	_, err := h.staging.Store("upstream-1", "pipe-1", "quality-manager", []byte(`{"x":1}`), nil)
	require.NoError(t, err)

	h.reach(t, m, "cp-1", string(controlpoint.StageInsightGeneration), "upstream-1")

	msg := h.expect(t, broker.TypeInsightComplete)
	assert.Equal(t, "cp-1", msg.Content["control_point_id"])
	assert.Equal(t, "cp-1", msg.Content["staged_output_id"])

	// The artifact is retrievable by anyone the module's store grants.
	require.NoError(t, h.staging.RequestAccess("cp-1", "reviewer"))
	payload, err := h.staging.Retrieve("cp-1", "reviewer")
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"stage":"INSIGHT_GENERATION"`)
}

func TestModulePublishesStageError(t *testing.T) {
	h := newHarness(t)
	m := h.startModule(t, "decision", ProcessorFunc(func(context.Context, Input) (Output, error) {
		return Output{}, errors.New("model unavailable")
	}))

	h.reach(t, m, "cp-2", string(controlpoint.StageDecisionMaking), "")

	msg := h.expect(t, broker.TypeStageError)
	assert.Equal(t, "cp-2", msg.Content["control_point_id"])
	assert.Contains(t, msg.Content["error"], "model unavailable")
}

func TestModuleErrorsOnMissingStagedInput(t *testing.T) {
	h := newHarness(t)
	m := h.startModule(t, "report", Builtins()["report"])

	h.reach(t, m, "cp-3", string(controlpoint.StageReportGeneration), "no-such-handle")

	msg := h.expect(t, broker.TypeStageError)
	assert.Contains(t, msg.Content["error"], "no-such-handle")
}

func TestQualityIssuesEscalate(t *testing.T) {
	h := newHarness(t)
	m := h.startModule(t, "quality", Builtins()["quality"])

	// Not JSON: the built-in quality processor flags it instead of
	// completing.
	_, err := h.staging.Store("raw-1", "pipe-1", "ingest-manager", []byte("<<binary>>"), nil)
	require.NoError(t, err)

	h.reach(t, m, "cp-4", string(controlpoint.StageQualityCheck), "raw-1")

	msg := h.expect(t, broker.TypeQualityIssuesDetected)
	assert.Equal(t, "medium", msg.Content["severity"])
	assert.Equal(t, "cp-4", msg.Content["staged_output_id"], "artifact is staged for reviewers")
}

func TestCancelSuppressesResult(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	m := h.startModule(t, "analytics", ProcessorFunc(func(ctx context.Context, in Input) (Output, error) {
		close(started)
		<-ctx.Done()
		return Output{Payload: []byte("too late")}, nil
	}))

	h.reach(t, m, "cp-5", string(controlpoint.StageContextAnalysis), "")
	<-started

	_, err := h.b.Publish(&broker.Message{
		Type:          broker.TypeComponentCancel,
		Source:        h.cpm,
		Target:        m.Identifier(),
		CorrelationID: "pipe-1",
		Content:       map[string]any{"control_point_id": "cp-5"},
	})
	require.NoError(t, err)

	select {
	case msg := <-h.inbox:
		t.Fatalf("expected no message after cancel, got %s", msg.Type)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBuiltinValidationRejectsEmptyPayload(t *testing.T) {
	h := newHarness(t)
	m := h.startModule(t, "ingest", Builtins()["ingest"])

	h.reach(t, m, "cp-6", string(controlpoint.StageValidation), "")

	msg := h.expect(t, broker.TypeStageError)
	assert.Contains(t, msg.Content["error"], "validation failed")
}

func TestStartBuiltinsCoversEveryDepartment(t *testing.T) {
	h := newHarness(t)
	modules, err := StartBuiltins(h.b, h.staging)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, m := range modules {
			m.Stop()
		}
	})
	assert.Len(t, modules, len(Builtins()))
}
