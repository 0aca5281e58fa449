package staging

import (
	"log/slog"
	"time"
)

// maxBackoffFactor caps the sweeper's exponential backoff at ten times the
// base cleanup interval.
const maxBackoffFactor = 10

// runSweeper reaps expired entries on the cleanup interval. Repeated sweep
// failures back off exponentially; a clean sweep resets the interval.
func (m *Manager) runSweeper() {
	interval := m.opts.CleanupInterval
	failures := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-timer.C:
		}

		if err := m.sweep(); err != nil {
			failures++
			interval = backoffInterval(m.opts.CleanupInterval, failures)
			slog.Warn("Staging sweep failed, backing off",
				"failures", failures, "next_interval", interval, "error", err)
		} else {
			failures = 0
			interval = m.opts.CleanupInterval
		}
		timer.Reset(interval)
	}
}

// sweep deletes every entry past its retention. Returns the first delete
// error encountered after attempting all candidates.
func (m *Manager) sweep() error {
	now := time.Now()

	m.mu.RLock()
	var expired []string
	for stageID, ent := range m.entries {
		ent.mu.Lock()
		if ent.e.State == StateStored && ent.e.expired(now) {
			expired = append(expired, stageID)
		}
		ent.mu.Unlock()
	}
	m.mu.RUnlock()

	var firstErr error
	for _, stageID := range expired {
		if err := m.Delete(stageID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slog.Info("Staging entry expired and deleted", "stage_id", stageID)
	}
	return firstErr
}

// backoffInterval returns base doubled per failure, capped at
// maxBackoffFactor times base.
func backoffInterval(base time.Duration, failures int) time.Duration {
	interval := base
	for i := 0; i < failures; i++ {
		interval *= 2
		if interval >= base*maxBackoffFactor {
			return base * maxBackoffFactor
		}
	}
	return interval
}
