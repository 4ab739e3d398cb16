// Package cleanup tracks which runtimes have been terminated so that
// connection attempts racing against a teardown are refused instead of
// reaching a dead backend.
package cleanup

import "sync"

// Registry is a process-wide map from runtime uid to a termination flag.
// Entries are never evicted: runtime uids are never reused, so a flag
// stays valid for the rest of the process's life. The registry is an
// injected dependency shared by the proxy and the collaboration
// manager, not a package-level global.
type Registry struct {
	mu         sync.RWMutex
	terminated map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{terminated: make(map[string]bool)}
}

// MarkTerminated flags a runtime as terminated. The flag is monotonic:
// once set it is never cleared.
func (r *Registry) MarkTerminated(runtimeUID string) {
	if runtimeUID == "" {
		return
	}
	r.mu.Lock()
	r.terminated[runtimeUID] = true
	r.mu.Unlock()
}

// IsTerminated reports whether a runtime has been flagged terminated.
func (r *Registry) IsTerminated(runtimeUID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.terminated[runtimeUID]
}
