// Package store tracks the daemon's active runtimes, in memory with
// optional SQLite persistence so tracking survives daemon restarts.
package store

import (
	"sort"
	"sync"

	"github.com/jovyan/nbgate/internal/protocol"
)

// Store manages runtime records. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	runtimes map[string]*protocol.Runtime
	db       *db // nil = in-memory only
}

// New creates an in-memory store.
func New() *Store {
	return &Store{runtimes: make(map[string]*protocol.Runtime)}
}

// Add inserts or replaces a runtime record.
func (s *Store) Add(rt *protocol.Runtime) error {
	s.mu.Lock()
	s.runtimes[rt.UID] = rt
	s.mu.Unlock()

	if s.db != nil {
		return s.db.upsert(rt)
	}
	return nil
}

// Get returns a runtime by uid, or nil.
func (s *Store) Get(uid string) *protocol.Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtimes[uid]
}

// GetByOwner returns the runtime owned by a logical document, or nil.
func (s *Store) GetByOwner(owner string) *protocol.Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rt := range s.runtimes {
		if rt.Owner == owner {
			return rt
		}
	}
	return nil
}

// Remove deletes a runtime record. Removing an unknown uid is a no-op.
func (s *Store) Remove(uid string) error {
	s.mu.Lock()
	delete(s.runtimes, uid)
	s.mu.Unlock()

	if s.db != nil {
		return s.db.remove(uid)
	}
	return nil
}

// List returns all runtimes ordered by start time, then uid.
func (s *Store) List() []*protocol.Runtime {
	s.mu.RLock()
	out := make([]*protocol.Runtime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		out = append(out, rt)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].StartedAt.Time(), out[j].StartedAt.Time()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].UID < out[j].UID
	})
	return out
}

// Count returns the number of tracked runtimes.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runtimes)
}

// Close releases the underlying database, if any.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.close()
	}
	return nil
}
