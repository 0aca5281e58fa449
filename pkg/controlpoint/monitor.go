package controlpoint

import (
	"log/slog"
	"time"

	"github.com/flowgate/flowgate/pkg/broker"
)

// runMonitor periodically flags overdue control points and reaps terminal
// pipelines past their retention grace.
//
// The monitor never mutates pipeline state itself. It publishes
// CONTROL_POINT_TIMEOUT back through the broker, which serializes it
// against decisions for the same pipeline: if a decision was published
// first, the handler sees a fresh deadline or an archived point and drops
// the stale notice.
func (m *Manager) runMonitor() {
	ticker := time.NewTicker(m.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scanOverdue()
			m.reapTerminal()
		}
	}
}

func (m *Manager) scanOverdue() {
	type overdue struct {
		pipelineID     string
		controlPointID string
	}

	m.mu.RLock()
	states := make([]*pipelineState, 0, len(m.pipelines))
	for _, ps := range m.pipelines {
		states = append(states, ps)
	}
	m.mu.RUnlock()

	now := time.Now()
	var found []overdue
	for _, ps := range states {
		ps.mu.Lock()
		if !ps.p.Status.terminal() {
			for _, cp := range ps.active {
				if now.After(cp.Deadline) {
					found = append(found, overdue{ps.p.ID, cp.ID})
				}
			}
		}
		ps.mu.Unlock()
	}

	for _, o := range found {
		_, err := m.broker.Publish(&broker.Message{
			Type:          broker.TypeControlPointTimeout,
			Source:        m.ident,
			Target:        m.ident,
			Content:       map[string]any{"control_point_id": o.controlPointID},
			CorrelationID: o.pipelineID,
		})
		if err != nil {
			slog.Warn("Failed to publish timeout notice",
				"control_point_id", o.controlPointID, "error", err)
		}
	}
}

// reapTerminal destroys pipeline state that has been terminal for longer
// than the grace period. Reads of a reaped pipeline return not-found.
//
// Lock order is always ps.mu before m.mu (the mutation handlers hold a
// pipeline's lock when they touch cpIndex), so the scan snapshots under a
// read lock and never holds m.mu while taking ps.mu.
func (m *Manager) reapTerminal() {
	cutoff := time.Now().Add(-m.opts.TerminalGrace)

	m.mu.RLock()
	states := make(map[string]*pipelineState, len(m.pipelines))
	for id, ps := range m.pipelines {
		states[id] = ps
	}
	m.mu.RUnlock()

	var reaped []string
	for id, ps := range states {
		ps.mu.Lock()
		reap := ps.p.Status.terminal() && !ps.terminalAt.IsZero() && ps.terminalAt.Before(cutoff)
		ps.mu.Unlock()
		if reap {
			reaped = append(reaped, id)
		}
	}
	if len(reaped) == 0 {
		return
	}

	m.mu.Lock()
	for _, id := range reaped {
		// Terminal status never reverts, so the verdict above still holds.
		delete(m.pipelines, id)
	}
	m.mu.Unlock()

	for _, id := range reaped {
		slog.Debug("Reaped terminal pipeline", "pipeline_id", id)
	}
}
