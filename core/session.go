package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/kaz/stau/msg"
)

type (
	// Session tracks which workloads are active and with what config. Start
	// order is kept: the first-started entity is the primary one that
	// single-entity consumers are shown.
	Session struct {
		mu      sync.RWMutex
		order   []msg.EntityKey
		configs map[msg.EntityKey]*msg.WorkloadConfig
		active  map[msg.EntityKey]bool
		started time.Time
		rev     uint64

		now func() time.Time
	}
)

func NewSession() *Session {
	return &Session{
		configs: map[msg.EntityKey]*msg.WorkloadConfig{},
		active:  map[msg.EntityKey]bool{},
		now:     time.Now,
	}
}

// Start activates a batch of workloads. Overlap with an already-active
// entity rejects the whole batch untouched; a disjoint batch stacks on top
// of the running one. With nothing active the batch begins a fresh run:
// previous order and configs are dropped and the run clock restarts.
func (s *Session) Start(workloads []*msg.Workload) ([]msg.EntityKey, error) {
	if len(workloads) == 0 {
		return nil, fmt.Errorf("no workloads given")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]msg.EntityKey, 0, len(workloads))
	seen := map[msg.EntityKey]bool{}
	for _, w := range workloads {
		key := msg.NormalizeKey(w.Entity)
		if s.active[key] || seen[key] {
			return nil, fmt.Errorf("workload %q: %w", key, ErrAlreadyRunning)
		}
		seen[key] = true
		keys = append(keys, key)
	}

	anyActive := false
	for _, a := range s.active {
		if a {
			anyActive = true
			break
		}
	}
	if !anyActive {
		s.order = nil
		s.configs = map[msg.EntityKey]*msg.WorkloadConfig{}
		s.active = map[msg.EntityKey]bool{}
		s.started = s.now()
	}

	for i, w := range workloads {
		cfg := w.WorkloadConfig
		s.rev++
		cfg.Revision = s.rev

		s.configs[keys[i]] = &cfg
		s.active[keys[i]] = true
		s.order = append(s.order, keys[i])
	}

	return keys, nil
}

// Stop deactivates every running workload. Order and configs stay visible
// until the next fresh Start so late samples still have a home.
func (s *Session) Stop() []msg.EntityKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	stopped := []msg.EntityKey{}
	for _, key := range s.order {
		if s.active[key] {
			s.active[key] = false
			stopped = append(stopped, key)
		}
	}
	return stopped
}

// Reconfigure replaces one active entity's config wholesale. Revisions make
// it last-write-wins per entity: a zero revision is stamped with the next
// one, an explicit stale revision loses silently. Returns whether the config
// was applied.
func (s *Session) Reconfigure(entity msg.EntityKey, cfg *msg.WorkloadConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active[entity] {
		return false
	}

	current := s.configs[entity]
	switch {
	case cfg.Revision == 0:
		s.rev++
		cfg.Revision = s.rev
	case cfg.Revision <= current.Revision:
		return false
	case cfg.Revision > s.rev:
		s.rev = cfg.Revision
	}

	s.configs[entity] = cfg
	return true
}

func (s *Session) IsActive(entity msg.EntityKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[entity]
}

func (s *Session) Config(entity msg.EntityKey) *msg.WorkloadConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configs[entity]
}

// ActiveKeys returns the active entities in start order.
func (s *Session) ActiveKeys() []msg.EntityKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []msg.EntityKey{}
	for _, key := range s.order {
		if s.active[key] {
			keys = append(keys, key)
		}
	}
	return keys
}

// AllKeys returns every entity of the current run in start order, stopped
// ones included.
func (s *Session) AllKeys() []msg.EntityKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]msg.EntityKey{}, s.order...)
}

// PrimaryKey is the first-started entity of the current run.
func (s *Session) PrimaryKey() (msg.EntityKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return "", false
	}
	return s.order[0], true
}

// Uptime is how long the current run has been going, in seconds. Zero before
// the first Start. It only moves forward while the run lasts.
func (s *Session) Uptime() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.started.IsZero() {
		return 0
	}
	return s.now().Sub(s.started).Seconds()
}
