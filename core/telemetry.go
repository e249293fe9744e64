package core

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kaz/stau/msg"
)

type (
	// Normalizer turns raw push events into fixed-shape samples. Malformed
	// field values degrade to zero so one corrupt field never drops the rest
	// of an event; each degradation is counted.
	Normalizer struct {
		store *Store

		mu      sync.RWMutex
		system  *msg.SystemStatus
		primary msg.EntityKey

		malformed uint64
	}
)

var throughputFields = []string{msg.FieldTPS, msg.FieldResponseMS}
var opMixFields = []string{msg.FieldInsert, msg.FieldUpdate, msg.FieldDelete}

func NewNormalizer(store *Store) *Normalizer {
	return &Normalizer{store: store}
}

// ApplyFlat handles the legacy single-entity shape. Everything lands on the
// default key.
func (n *Normalizer) ApplyFlat(ev *msg.TelemetryEvent) {
	n.append("", ev.At, ev.Fields)
}

// ApplyEntities handles the current per-entity shape. Wire order is kept:
// the first entry becomes the primary entity that single-entity consumers
// are shown.
func (n *Normalizer) ApplyEntities(ev *msg.EntityTelemetryEvent) {
	for i, ent := range ev.Entities {
		key := msg.NormalizeKey(ent.Entity)
		if i == 0 {
			n.setPrimary(key)
		}
		n.append(key, ev.At, ent.Fields)
	}
}

func (n *Normalizer) append(key msg.EntityKey, at time.Time, fields map[string]interface{}) {
	n.store.Append(key, msg.ChannelThroughput, n.Coerce(at, fields, throughputFields...))
	n.store.Append(key, msg.ChannelOpMix, n.Coerce(at, fields, opMixFields...))
}

// ApplySystem keeps only the latest system-wide snapshot. Wait events are
// gauges; there is no windowing for them.
func (n *Normalizer) ApplySystem(ev *msg.SystemSnapshotEvent) {
	sys := &msg.SystemStatus{
		At:       ev.At,
		Waits:    map[string]float64{},
		Sessions: map[string]float64{},
	}
	for name, v := range ev.Waits {
		sys.Waits[name] = n.numeric(name, v)
	}
	for name, v := range ev.Sessions {
		sys.Sessions[name] = n.numeric(name, v)
	}

	n.mu.Lock()
	n.system = sys
	n.mu.Unlock()
}

// Coerce builds one sample from an untyped field map. Only the listed names
// are taken, and only when present; readers treat missing fields as zero.
func (n *Normalizer) Coerce(at time.Time, fields map[string]interface{}, names ...string) *msg.Sample {
	sample := &msg.Sample{At: at, Fields: map[string]float64{}}
	for _, name := range names {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		sample.Fields[name] = n.numeric(name, raw)
	}
	return sample
}

func (n *Normalizer) numeric(name string, raw interface{}) float64 {
	f, ok := msg.Numeric(raw)
	if !ok {
		atomic.AddUint64(&n.malformed, 1)
		log.Debugf("malformed field %q: %#v", name, raw)
		return 0
	}
	return f
}

func (n *Normalizer) System() *msg.SystemStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.system
}

func (n *Normalizer) Primary() msg.EntityKey {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.primary
}

func (n *Normalizer) setPrimary(key msg.EntityKey) {
	n.mu.Lock()
	n.primary = key
	n.mu.Unlock()
}

func (n *Normalizer) Malformed() uint64 {
	return atomic.LoadUint64(&n.malformed)
}
