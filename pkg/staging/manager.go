// Package staging stores each stage's intermediate artifact under a stable
// handle so the next stage can consume it without re-fetching from the
// origin. Access is granted per component, and a background sweeper reaps
// entries past their retention.
package staging

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowgate/flowgate/pkg/broker"
	"github.com/flowgate/flowgate/pkg/registry"
)

// ComponentName is the staging manager's registry name.
const ComponentName = "staging-manager"

// Options configures a Manager.
type Options struct {
	// DefaultRetention applies to entries stored without an explicit
	// retention.
	DefaultRetention time.Duration

	// CleanupInterval is the base interval between sweeper runs.
	CleanupInterval time.Duration
}

// entry pairs the public record with its own lock. Grant and state changes
// take the entry lock; the manager's lock only guards the index.
type entry struct {
	mu sync.Mutex
	e  Entry
}

// Manager is the staging content store.
type Manager struct {
	broker *broker.Broker
	ident  registry.Identifier
	opts   Options

	mu       sync.RWMutex
	entries  map[string]*entry // stage_id → entry
	payloads map[string][]byte // payload handle → bytes

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a staging manager. Start must be called before use as
// a broker-addressable component; direct method calls work immediately.
func NewManager(b *broker.Broker, opts Options) *Manager {
	if opts.DefaultRetention <= 0 {
		opts.DefaultRetention = 24 * time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	return &Manager{
		broker:   b,
		opts:     opts,
		entries:  make(map[string]*entry),
		payloads: make(map[string][]byte),
		stopCh:   make(chan struct{}),
	}
}

// Start registers the manager with the broker, subscribes its request
// handler, and launches the retention sweeper.
func (m *Manager) Start() error {
	ident, err := m.broker.Register(registry.Identifier{
		Name: ComponentName,
		Type: registry.TypeManager,
		Role: "manager",
	})
	if err != nil {
		return fmt.Errorf("registering staging manager: %w", err)
	}
	m.ident = ident

	pattern := ComponentName + ".manager.*"
	if err := m.broker.Subscribe(ident, pattern, broker.OrderBySource, m.handleRequest); err != nil {
		return fmt.Errorf("subscribing staging manager: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSweeper()
	}()

	slog.Info("Staging manager started",
		"default_retention", m.opts.DefaultRetention,
		"cleanup_interval", m.opts.CleanupInterval)
	return nil
}

// Stop halts the sweeper. Stored entries remain readable until process exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Identifier returns the manager's registered identifier.
func (m *Manager) Identifier() registry.Identifier {
	return m.ident
}

// Store records an entry and writes the payload under a fresh handle.
// The first store for a stage id wins: subsequent stores return
// ErrAlreadyStored. The owner is implicitly granted access.
func (m *Manager) Store(stageID, pipelineID, owner string, payload []byte, metadata map[string]any) (Entry, error) {
	handle := uuid.New().String()

	ent := &entry{e: Entry{
		StageID:        stageID,
		PipelineID:     pipelineID,
		OwnerComponent: owner,
		State:          StateStored,
		PayloadHandle:  handle,
		SizeBytes:      int64(len(payload)),
		CreatedAt:      time.Now(),
		Retention:      m.opts.DefaultRetention,
		QualityScore:   qualityScore(payload, metadata),
		Metadata:       metadata,
		GrantedTo:      map[string]bool{owner: true},
	}}
	if retention, ok := metadata["retention"].(time.Duration); ok && retention > 0 {
		ent.e.Retention = retention
	}

	m.mu.Lock()
	if existing, ok := m.entries[stageID]; ok && existing.e.State != StateDeleted {
		m.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %s", ErrAlreadyStored, stageID)
	}
	m.entries[stageID] = ent
	m.payloads[handle] = payload
	m.mu.Unlock()

	slog.Debug("Staged artifact stored",
		"stage_id", stageID,
		"pipeline_id", pipelineID,
		"owner", owner,
		"size_bytes", ent.e.SizeBytes,
		"quality_score", ent.e.QualityScore)
	return ent.e, nil
}

// Retrieve returns the payload for stageID if requester holds a grant and
// the entry is stored.
func (m *Manager) Retrieve(stageID, requester string) ([]byte, error) {
	m.mu.RLock()
	ent, ok := m.entries[stageID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, stageID)
	}

	ent.mu.Lock()
	state := ent.e.State
	granted := ent.e.GrantedTo[requester]
	handle := ent.e.PayloadHandle
	ent.mu.Unlock()

	if state != StateStored {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, stageID)
	}
	if !granted {
		return nil, fmt.Errorf("%w: %s for %s", ErrAccessDenied, stageID, requester)
	}

	m.mu.RLock()
	payload, ok := m.payloads[handle]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: payload handle %s", ErrNotFound, handle)
	}
	return payload, nil
}

// Grant permits component to retrieve stageID.
func (m *Manager) Grant(stageID, component string) error {
	m.mu.RLock()
	ent, ok := m.entries[stageID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, stageID)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.e.State != StateStored {
		return fmt.Errorf("%w: %s", ErrNotFound, stageID)
	}
	ent.e.GrantedTo[component] = true
	return nil
}

// RequestAccess grants the requester itself access to stageID. Kept
// separate from Grant so the broker facade can distinguish a third-party
// grant from a self-service request in logs.
func (m *Manager) RequestAccess(stageID, requester string) error {
	slog.Debug("Staging access requested", "stage_id", stageID, "requester", requester)
	return m.Grant(stageID, requester)
}

// Delete removes the payload and marks the entry deleted, then publishes
// STAGING_DELETE_COMPLETE. Deleting an unknown id is not an error.
func (m *Manager) Delete(stageID string) error {
	m.mu.Lock()
	ent, ok := m.entries[stageID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.entries, stageID)
	m.mu.Unlock()

	ent.mu.Lock()
	handle := ent.e.PayloadHandle
	pipelineID := ent.e.PipelineID
	ent.e.State = StateDeleted
	ent.e.PayloadHandle = ""
	ent.mu.Unlock()

	m.mu.Lock()
	delete(m.payloads, handle)
	m.mu.Unlock()

	if m.broker != nil && m.ident.Name != "" {
		_, err := m.broker.Publish(&broker.Message{
			Type:          broker.TypeStagingDeleteComplete,
			Source:        m.ident,
			Target:        registry.Identifier{Name: "conductor", Role: "service"},
			CorrelationID: pipelineID,
			Content:       map[string]any{"stage_id": stageID},
		})
		if err != nil {
			return fmt.Errorf("publishing delete completion: %w", err)
		}
	}
	return nil
}

// Get returns a copy of the entry record for stageID.
func (m *Manager) Get(stageID string) (Entry, error) {
	m.mu.RLock()
	ent, ok := m.entries[stageID]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, stageID)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	copied := ent.e
	copied.GrantedTo = make(map[string]bool, len(ent.e.GrantedTo))
	for k, v := range ent.e.GrantedTo {
		copied.GrantedTo[k] = v
	}
	return copied, nil
}

// EntryCount returns the number of live entries. Used for health reporting.
func (m *Manager) EntryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
