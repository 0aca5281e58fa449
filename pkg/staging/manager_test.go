package staging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/registry"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *broker.Broker) {
	t.Helper()
	reg := registry.New()
	b := broker.New(reg, broker.Options{})
	m := NewManager(b, opts)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		m.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return m, b
}

func TestStoreFirstWins(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	entry, err := m.Store("stage-1", "pipe-1", "quality-manager", []byte("data"), nil)
	require.NoError(t, err)
	assert.Equal(t, StateStored, entry.State)
	assert.Equal(t, int64(4), entry.SizeBytes)

	_, err = m.Store("stage-1", "pipe-1", "insight-manager", []byte("other"), nil)
	assert.ErrorIs(t, err, ErrAlreadyStored)

	// The first store's payload is intact.
	payload, err := m.Retrieve("stage-1", "quality-manager")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), payload)
}

func TestRetrieveAccessControl(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	_, err := m.Store("stage-1", "pipe-1", "component-a", []byte("artifact"), nil)
	require.NoError(t, err)

	// B has no grant.
	_, err = m.Retrieve("stage-1", "component-b")
	assert.ErrorIs(t, err, ErrAccessDenied)

	// A grants B, then B succeeds.
	require.NoError(t, m.Grant("stage-1", "component-b"))
	payload, err := m.Retrieve("stage-1", "component-b")
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact"), payload)
}

func TestRequestAccessGrantsRequester(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	_, err := m.Store("stage-1", "pipe-1", "owner", []byte("x"), nil)
	require.NoError(t, err)

	require.NoError(t, m.RequestAccess("stage-1", "someone-else"))
	_, err = m.Retrieve("stage-1", "someone-else")
	assert.NoError(t, err)
}

func TestDeleteIsIdempotentAndUnreachableAfter(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	_, err := m.Store("stage-1", "pipe-1", "owner", []byte("x"), nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete("stage-1"))
	_, err = m.Retrieve("stage-1", "owner")
	assert.ErrorIs(t, err, ErrNotFound)

	// Unknown and repeated deletes are not errors.
	assert.NoError(t, m.Delete("stage-1"))
	assert.NoError(t, m.Delete("never-existed"))
}

func TestRetrieveUnknownEntry(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	_, err := m.Retrieve("missing", "anyone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGrantUnknownEntry(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	assert.ErrorIs(t, m.Grant("missing", "component"), ErrNotFound)
}

func TestQualityScore(t *testing.T) {
	assert.InDelta(t, 0.0, qualityScore(nil, nil), 0.001)
	assert.InDelta(t, 1.0/3.0, qualityScore([]byte{}, nil), 0.001)
	assert.InDelta(t, 2.0/3.0, qualityScore([]byte("x"), nil), 0.001)
	assert.InDelta(t, 1.0, qualityScore([]byte("x"), map[string]any{"format": "json"}), 0.001)
}

func TestStoreQualityScoreCarriedOnEntry(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	entry, err := m.Store("stage-1", "pipe-1", "owner", []byte("payload"), map[string]any{"format": "csv"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, entry.QualityScore, 0.001)

	// A low score never gates storage.
	entry2, err := m.Store("stage-2", "pipe-1", "owner", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateStored, entry2.State)
	assert.InDelta(t, 0.0, entry2.QualityScore, 0.001)
}

func TestSweeperReapsExpiredEntries(t *testing.T) {
	m, _ := newTestManager(t, Options{
		DefaultRetention: 20 * time.Millisecond,
		CleanupInterval:  10 * time.Millisecond,
	})

	_, err := m.Store("stage-1", "pipe-1", "owner", []byte("x"), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := m.Retrieve("stage-1", "owner")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "expired entry must be swept")

	_, err = m.Retrieve("stage-1", "owner")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPerEntryRetentionOverride(t *testing.T) {
	m, _ := newTestManager(t, Options{
		DefaultRetention: time.Hour,
		CleanupInterval:  10 * time.Millisecond,
	})

	_, err := m.Store("short-lived", "pipe-1", "owner", []byte("x"),
		map[string]any{"retention": 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = m.Store("long-lived", "pipe-1", "owner", []byte("y"), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := m.Retrieve("short-lived", "owner")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = m.Retrieve("long-lived", "owner")
	assert.NoError(t, err, "entry within retention must survive the sweep")
}

func TestBackoffInterval(t *testing.T) {
	base := time.Second
	assert.Equal(t, 2*time.Second, backoffInterval(base, 1))
	assert.Equal(t, 4*time.Second, backoffInterval(base, 2))
	assert.Equal(t, 8*time.Second, backoffInterval(base, 3))
	// Capped at 10x base.
	assert.Equal(t, 10*time.Second, backoffInterval(base, 4))
	assert.Equal(t, 10*time.Second, backoffInterval(base, 20))
}

func TestBrokerFacadeStoreRetrieveGrant(t *testing.T) {
	m, b := newTestManager(t, Options{})

	requester, err := b.Register(registry.Identifier{Name: "quality-manager", Role: "manager"})
	require.NoError(t, err)
	other, err := b.Register(registry.Identifier{Name: "insight-manager", Role: "manager"})
	require.NoError(t, err)

	ctx := context.Background()

	// Store via broker request/reply.
	reply, err := b.Request(ctx, &broker.Message{
		Type:          broker.TypeStagingStore,
		Source:        requester,
		Target:        m.Identifier(),
		CorrelationID: "pipe-1",
		Content: map[string]any{
			"stage_id": "stage-7",
			"payload":  []byte("result"),
			"metadata": map[string]any{"format": "json"},
		},
	}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ResponseStored, reply.Content["status"])

	// Other component is denied until granted.
	reply, err = b.Request(ctx, &broker.Message{
		Type:    broker.TypeStagingRetrieve,
		Source:  other,
		Target:  m.Identifier(),
		Content: map[string]any{"stage_id": "stage-7"},
	}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ResponseAccessDenied, reply.Content["status"])

	// Owner grants the other component.
	reply, err = b.Request(ctx, &broker.Message{
		Type:    broker.TypeStagingGrant,
		Source:  requester,
		Target:  m.Identifier(),
		Content: map[string]any{"stage_id": "stage-7", "component": "insight-manager"},
	}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ResponseOK, reply.Content["status"])

	// Retry succeeds.
	reply, err = b.Request(ctx, &broker.Message{
		Type:    broker.TypeStagingRetrieve,
		Source:  other,
		Target:  m.Identifier(),
		Content: map[string]any{"stage_id": "stage-7"},
	}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ResponseOK, reply.Content["status"])
	assert.Equal(t, []byte("result"), reply.Content["payload"])
}
