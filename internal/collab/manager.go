package collab

import (
	"fmt"
	"sync"

	"github.com/jovyan/nbgate/internal/cleanup"
	"github.com/jovyan/nbgate/internal/logging"
	"github.com/jovyan/nbgate/internal/protocol"
	"github.com/jovyan/nbgate/internal/proxy"
)

// Manager owns one adapter per document. It is the only component that
// maps adapter ids to adapters; the orchestrator reaches it through a
// broadcast teardown signal, not directly.
type Manager struct {
	dialer   proxy.Dialer
	registry *cleanup.Registry
	logger   *logging.Logger

	mu       sync.Mutex
	adapters map[string]*Adapter
}

func NewManager(dialer proxy.Dialer, registry *cleanup.Registry, logger *logging.Logger) *Manager {
	return &Manager{
		dialer:   dialer,
		registry: registry,
		logger:   logger,
		adapters: make(map[string]*Adapter),
	}
}

// Connect connects (or reuses) the adapter for a document. Returns
// "already-connected" when a live adapter exists, "connecting" when a
// new attempt was started.
func (m *Manager) Connect(adapterID, url, token, runtimeUID string, sink EventSink) (string, error) {
	m.mu.Lock()
	existing := m.adapters[adapterID]
	if existing != nil && !existing.Disposed() {
		connected := existing.Connected()
		m.mu.Unlock()
		if connected {
			return protocol.StatusAlreadyConnected, nil
		}
		if err := existing.Connect(); err != nil {
			return "", err
		}
		return protocol.StatusConnecting, nil
	}

	a := NewAdapter(adapterID, url, token, runtimeUID, m.dialer, m.registry, sink, m.logger)
	m.adapters[adapterID] = a
	m.mu.Unlock()

	if err := a.Connect(); err != nil {
		m.mu.Lock()
		delete(m.adapters, adapterID)
		m.mu.Unlock()
		return "", err
	}
	return protocol.StatusConnecting, nil
}

// Disconnect disposes and drops the adapter for a document.
func (m *Manager) Disconnect(adapterID string) {
	m.mu.Lock()
	a := m.adapters[adapterID]
	delete(m.adapters, adapterID)
	m.mu.Unlock()
	if a != nil {
		a.Dispose()
	}
}

// Send dispatches or queues data on a document's adapter.
func (m *Manager) Send(adapterID string, data *protocol.MessageData) error {
	m.mu.Lock()
	a := m.adapters[adapterID]
	m.mu.Unlock()
	if a == nil {
		return fmt.Errorf("unknown adapter: %s", adapterID)
	}
	a.Send(data)
	return nil
}

// DisposeForRuntime disposes every adapter bound to a runtime. Invoked
// from the orchestrator's teardown broadcast.
func (m *Manager) DisposeForRuntime(runtimeUID string) int {
	m.mu.Lock()
	var targets []*Adapter
	for id, a := range m.adapters {
		if a.runtimeUID == runtimeUID {
			targets = append(targets, a)
			delete(m.adapters, id)
		}
	}
	m.mu.Unlock()

	for _, a := range targets {
		a.Dispose()
	}
	return len(targets)
}

// DisposeAll disposes every adapter.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	targets := make([]*Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		targets = append(targets, a)
	}
	m.adapters = make(map[string]*Adapter)
	m.mu.Unlock()

	for _, a := range targets {
		a.Dispose()
	}
}

// Count returns the number of live adapters.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.adapters)
}
