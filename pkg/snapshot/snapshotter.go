package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowgate/flowgate/pkg/controlpoint"
)

// Source is the live state the snapshotter reads. Satisfied by
// *controlpoint.Manager.
type Source interface {
	ListPipelines(owner string) []controlpoint.Pipeline
	Status(pipelineID string) (controlpoint.Status, error)
}

// Snapshotter periodically persists every known pipeline. It reads the
// manager's public views only; a slow store never blocks pipeline
// progress.
type Snapshotter struct {
	store    Store
	source   Source
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSnapshotter creates a snapshotter saving to store every interval.
func NewSnapshotter(store Store, source Source, interval time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Snapshotter{
		store:    store,
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the snapshot loop.
func (s *Snapshotter) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.interval)
				s.SaveAll(ctx)
				cancel()
			}
		}
	}()
}

// Stop halts the loop and takes a final snapshot so no decided state is
// lost on shutdown.
func (s *Snapshotter) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.SaveAll(ctx)
}

// SaveAll persists the current state of every known pipeline.
func (s *Snapshotter) SaveAll(ctx context.Context) {
	for _, p := range s.source.ListPipelines("") {
		st, err := s.source.Status(p.ID)
		if err != nil {
			// Reaped between list and status read.
			continue
		}
		if err := s.store.SavePipeline(ctx, FromStatus(st)); err != nil {
			slog.Warn("Failed to snapshot pipeline", "pipeline_id", p.ID, "error", err)
		}
	}
}
