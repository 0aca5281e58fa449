package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/pkg/controlpoint"
	"github.com/flowgate/flowgate/test/util"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	db := util.SetupTestDatabase(t)
	store, err := NewPostgresStoreFromDB(db, "test")
	require.NoError(t, err)
	return store
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	rec := Record{
		Pipeline: controlpoint.Pipeline{
			ID:            "pipe-1",
			Name:          "persisted",
			Owner:         "analyst",
			CurrentStage:  controlpoint.StageQualityCheck,
			Status:        controlpoint.PipelineAwaitingDecision,
			StageSequence: []controlpoint.Stage{controlpoint.StageQualityCheck, controlpoint.StageCompletion},
			CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
		},
		History: []controlpoint.ControlPoint{{
			ID:         "cp-1",
			PipelineID: "pipe-1",
			Stage:      controlpoint.StageQualityCheck,
			Status:     controlpoint.PointCompleted,
			RetryCount: 1,
		}},
		Log:     []controlpoint.Decision{{Type: controlpoint.DecisionApprove, DecidedBy: "analyst"}},
		SavedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.SavePipeline(ctx, rec))

	got, err := store.LoadPipeline(ctx, "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Pipeline.Name, got.Pipeline.Name)
	assert.Equal(t, rec.Pipeline.Status, got.Pipeline.Status)
	require.Len(t, got.History, 1)
	assert.Equal(t, "cp-1", got.History[0].ID)
	require.Len(t, got.Log, 1)
	assert.Equal(t, controlpoint.DecisionApprove, got.Log[0].Type)

	_, err = store.LoadPipeline(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreUpsertAndList(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	first := record("p1", "one", base)
	second := record("p2", "two", base.Add(time.Minute))
	require.NoError(t, store.SavePipeline(ctx, first))
	require.NoError(t, store.SavePipeline(ctx, second))

	// Saving again with a new status updates in place.
	first.Pipeline.Status = controlpoint.PipelineCompleted
	require.NoError(t, store.SavePipeline(ctx, first))

	list, err := store.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].Pipeline.ID)
	assert.Equal(t, controlpoint.PipelineCompleted, list[0].Pipeline.Status)
	assert.Equal(t, "p2", list[1].Pipeline.ID)
}

func TestPostgresStoreDelete(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePipeline(ctx, record("p1", "one", time.Now().UTC())))
	require.NoError(t, store.DeletePipeline(ctx, "p1"))
	require.NoError(t, store.DeletePipeline(ctx, "p1"))

	_, err := store.LoadPipeline(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}
