package core

import (
	"sort"
	"sync"

	"github.com/kaz/stau/msg"
)

const SeriesCapacity = 60

type (
	seriesKey struct {
		entity  msg.EntityKey
		channel msg.Channel
	}

	// series is one fixed window. Its own lock keeps a single entity's order
	// intact without serializing appends across entities.
	series struct {
		mu      sync.Mutex
		samples [SeriesCapacity]*msg.Sample
		start   int
		count   int
	}

	Store struct {
		mu     sync.RWMutex
		series map[seriesKey]*series
	}
)

func NewStore() *Store {
	return &Store{series: map[seriesKey]*series{}}
}

func (s *Store) get(entity msg.EntityKey, channel msg.Channel) *series {
	k := seriesKey{entity, channel}

	s.mu.RLock()
	sr, ok := s.series[k]
	s.mu.RUnlock()
	if ok {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sr, ok := s.series[k]; ok {
		return sr
	}
	sr = &series{}
	s.series[k] = sr
	return sr
}

// Append inserts one sample in O(1), evicting the oldest entry once the
// window holds SeriesCapacity samples. Order is append-only.
func (s *Store) Append(entity msg.EntityKey, channel msg.Channel, sample *msg.Sample) {
	sr := s.get(entity, channel)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.count < SeriesCapacity {
		sr.samples[(sr.start+sr.count)%SeriesCapacity] = sample
		sr.count++
		return
	}

	sr.samples[sr.start] = sample
	sr.start = (sr.start + 1) % SeriesCapacity
}

// Snapshot returns the current window oldest-first without mutating it.
func (s *Store) Snapshot(entity msg.EntityKey, channel msg.Channel) []*msg.Sample {
	s.mu.RLock()
	sr, ok := s.series[seriesKey{entity, channel}]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	out := make([]*msg.Sample, 0, sr.count)
	for i := 0; i < sr.count; i++ {
		out = append(out, sr.samples[(sr.start+i)%SeriesCapacity])
	}
	return out
}

func (s *Store) Latest(entity msg.EntityKey, channel msg.Channel) *msg.Sample {
	s.mu.RLock()
	sr, ok := s.series[seriesKey{entity, channel}]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.count == 0 {
		return nil
	}
	return sr.samples[(sr.start+sr.count-1)%SeriesCapacity]
}

func (s *Store) Keys(channel msg.Channel) []msg.EntityKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []msg.EntityKey{}
	for k := range s.series {
		if k.channel == channel {
			keys = append(keys, k.entity)
		}
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Reset replaces the series instances for the given entities so a fresh run
// starts with empty windows. Eviction is otherwise the only way samples
// leave a series.
func (s *Store) Reset(entities ...msg.EntityKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.series {
		for _, entity := range entities {
			if k.entity == entity {
				delete(s.series, k)
			}
		}
	}
}
