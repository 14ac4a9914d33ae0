// Package state holds the shared, concurrency-safe Configuration and
// connection Registry that the updater loop and the management HTTP API
// both mutate, under one reader-writer lock discipline.
package state

import (
	"sync"

	"github.com/Danktronics/Influo/internal/config"
	"github.com/Danktronics/Influo/internal/registry"
)

// Shared wraps *config.Configuration and *registry.Registry behind a single
// sync.RWMutex, per the requirement that both be protected by the same
// discipline: a management mutation that appends a project must be visible
// to the next updater tick, and a management read must observe a
// consistent snapshot of the whole configuration.
type Shared struct {
	mu       sync.RWMutex
	cfg      *config.Configuration
	registry *registry.Registry
}

// New wraps cfg and a fresh Registry in a Shared value.
func New(cfg *config.Configuration) *Shared {
	return &Shared{cfg: cfg, registry: registry.New()}
}

// Read runs fn with a read lock held, passing it a consistent snapshot
// reference to the configuration and registry. fn must not retain cfg or
// reg beyond the call.
func (s *Shared) Read(fn func(cfg *config.Configuration, reg *registry.Registry)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.cfg, s.registry)
}

// Write runs fn with a write lock held.
func (s *Shared) Write(fn func(cfg *config.Configuration, reg *registry.Registry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.cfg, s.registry)
}

// AddProject appends a project under the write lock, visible to the next
// updater tick.
func (s *Shared) AddProject(p config.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Projects = append(s.cfg.Projects, p)
}

// RemoveProject deletes the first project whose URL matches url. Reports
// whether a project was removed.
func (s *Shared) RemoveProject(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.cfg.Projects {
		if p.URL == url {
			s.cfg.Projects = append(s.cfg.Projects[:i], s.cfg.Projects[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns a shallow copy of the project list under a read lock,
// suitable for serializing to the management API without holding the lock
// during I/O.
func (s *Shared) Snapshot() []config.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]config.Project, len(s.cfg.Projects))
	copy(out, s.cfg.Projects)
	return out
}

// Project returns the project with the given URL, if any, under a read
// lock.
func (s *Shared) Project(url string) (config.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.cfg.Projects {
		if p.URL == url {
			return p, true
		}
	}
	return config.Project{}, false
}

// UpdateInterval returns the configured update interval in seconds under a
// read lock.
func (s *Shared) UpdateInterval() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.UpdateInterval
}

// DefaultDeployPath returns the configured default deploy path.
func (s *Shared) DefaultDeployPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.DefaultDeployPath
}

// DefaultLogPath returns the configured default log path.
func (s *Shared) DefaultLogPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.DefaultLogPath
}

// Registry returns the shared connection registry. The registry has its own
// internal lock; callers coordinating with Configuration mutations should
// prefer Read/Write.
func (s *Shared) Registry() *registry.Registry {
	return s.registry
}
