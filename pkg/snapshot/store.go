// Package snapshot persists pipeline state so an operator can restart the
// process without losing the forensic record. The core never depends on
// it; the snapshotter observes the control-point manager from outside.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/flowgate/flowgate/pkg/controlpoint"
)

// ErrNotFound is returned when no snapshot exists for a pipeline.
var ErrNotFound = errors.New("snapshot not found")

// Record is one pipeline's persisted state: the pipeline context plus its
// full control-point history and decision log.
type Record struct {
	Pipeline controlpoint.Pipeline       `json:"pipeline"`
	History  []controlpoint.ControlPoint `json:"history"`
	Active   []controlpoint.ControlPoint `json:"active_control_points"`
	Log      []controlpoint.Decision     `json:"decision_log"`
	SavedAt  time.Time                   `json:"saved_at"`
}

// Store persists pipeline snapshots.
type Store interface {
	SavePipeline(ctx context.Context, rec Record) error
	LoadPipeline(ctx context.Context, pipelineID string) (Record, error)
	ListPipelines(ctx context.Context) ([]Record, error)
	DeletePipeline(ctx context.Context, pipelineID string) error
	Close() error
}

// FromStatus builds a Record from a control-point manager status view.
func FromStatus(st controlpoint.Status) Record {
	return Record{
		Pipeline: st.Pipeline,
		History:  st.History,
		Active:   st.ActivePoints,
		Log:      st.DecisionLog,
		SavedAt:  time.Now().UTC(),
	}
}
