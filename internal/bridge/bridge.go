package bridge

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/karoo-obs/katcp-exporter/internal/katcp"
	"github.com/karoo-obs/katcp-exporter/internal/store"
)

// Bridge owns the sensor registry, the metric views, and the sync state. It
// implements katcp.Watcher: the protocol client drives all mutation, the
// Collector reads snapshots.
//
// Every callback is one atomic mutation under b.mu; in particular an update
// interns the value and stores the reading inside a single critical section,
// so a concurrent scrape can never observe a half-applied update.
type Bridge struct {
	mu      sync.RWMutex
	sensors map[string]*Sensor
	metrics map[string]*Metric
	state   katcp.SyncState

	// workaround enables interned export of string/address sensors. Fixed
	// at construction; there is deliberately no way to mutate it later.
	workaround bool

	interns store.Store
}

// New creates a Bridge. st persists interning tables across restarts; pass
// store.NopStore to keep interning purely in-process.
func New(workaround bool, st store.Store) *Bridge {
	if st == nil {
		st = store.NopStore{}
	}
	return &Bridge{
		sensors:    make(map[string]*Sensor),
		metrics:    make(map[string]*Metric),
		state:      katcp.Disconnected,
		workaround: workaround,
		interns:    st,
	}
}

// SensorAdded registers a new sensor and, for eligible types, its metric
// view. A duplicate name is rejected and logged loudly: the registry never
// invents or replaces sensors on its own, so a duplicate means the protocol
// client is misbehaving.
func (b *Bridge) SensorAdded(name, description, units, typeName string, params [][]byte) {
	typ, err := ParseSensorType(typeName)
	if err != nil {
		log.Warn().Str("sensor", name).Str("type", typeName).Msg("ignoring sensor of unknown type")
		return
	}

	var options []string
	if typ == TypeDiscrete {
		options = make([]string, len(params))
		for i, p := range params {
			options[i] = string(p)
		}
	}

	var seed []string
	if typ.Interned() && typ.Eligible(b.workaround) {
		// Loaded before taking the lock: store reads may touch disk.
		if seed, err = b.interns.Load(name); err != nil {
			log.Error().Err(err).Str("sensor", name).Msg("failed to load intern table, starting empty")
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sensors[name]; exists {
		log.Error().Str("sensor", name).Msg("duplicate sensor add rejected, keeping existing definition")
		return
	}

	s := newSensor(name, description, units, typ, options)
	b.sensors[name] = s

	if typ.Eligible(b.workaround) {
		m, err := newMetric(s, b.workaround, seed)
		if err != nil {
			// Unreachable after the eligibility check; kept loud on purpose.
			log.Error().Err(err).Str("sensor", name).Msg("metric view construction failed")
			return
		}
		b.metrics[name] = m
	}

	log.Info().Str("sensor", name).Stringer("type", typ).Msg("sensor added")
}

// SensorRemoved drops a sensor and its metric view. Unknown names are a
// no-op: removal can race a resync.
func (b *Bridge) SensorRemoved(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sensors[name]; !ok {
		log.Warn().Str("sensor", name).Msg("remove for unknown sensor ignored")
		return
	}
	delete(b.sensors, name)
	delete(b.metrics, name)
	log.Info().Str("sensor", name).Msg("sensor removed")
}

// SensorUpdated decodes and applies a new reading. An update for an unknown
// name is tolerated with a warning: the stream does not guarantee that an
// add precedes the first update.
func (b *Bridge) SensorUpdated(name string, raw []byte, status katcp.Status, timestamp float64) {
	interned, appended := b.applyUpdate(name, raw, status, timestamp)
	if appended {
		// Persisted outside the lock; per-sensor ordering is preserved
		// because protocol events arrive serially.
		if err := b.interns.Append(name, interned); err != nil {
			log.Error().Err(err).Str("sensor", name).Msg("failed to persist interned value")
		}
	}
}

// applyUpdate performs the locked part of an update. It reports the value
// newly appended to the intern table, if any.
func (b *Bridge) applyUpdate(name string, raw []byte, status katcp.Status, timestamp float64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sensors[name]
	if !ok {
		log.Warn().Str("sensor", name).Msg("update for unknown sensor ignored")
		return "", false
	}

	v, err := s.Type.Decode(raw)
	if err != nil {
		log.Warn().Err(err).Str("sensor", name).Msg("discarding undecodable reading")
		return "", false
	}

	s.Value = v
	s.Status = status
	s.Timestamp = timestamp

	// Append-then-index: the intern append happens in the same critical
	// section as the value write.
	if m, ok := b.metrics[name]; ok && m.intern(v.Str) {
		return v.Str, true
	}
	return "", false
}

// SyncStateChanged records the upstream connection lifecycle phase.
func (b *Bridge) SyncStateChanged(state katcp.SyncState) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
	log.Info().Stringer("state", state).Msg("sync state changed")
}

// State returns the current sync state.
func (b *Bridge) State() katcp.SyncState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SensorCount returns the number of registered sensors.
func (b *Bridge) SensorCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sensors)
}

// Record is one scrape-ready metric sample.
type Record struct {
	Name  string
	Help  string
	Value float64
}

// Snapshot returns the sync state and, only when synced, one record per
// metric view. Anything other than Synced suppresses per-sensor records so
// a scrape mid-resync cannot read stale or partial data. Snapshot never
// mutates bridge state.
func (b *Bridge) Snapshot() (katcp.SyncState, []Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state != katcp.Synced {
		return b.state, nil
	}

	records := make([]Record, 0, len(b.metrics))
	exported := make(map[string]string, len(b.metrics))
	for name, m := range b.metrics {
		value, err := m.Value()
		if err != nil {
			// A string sensor that has not reported yet has nothing to
			// intern against; skip it until the first reading arrives.
			log.Debug().Err(err).Str("sensor", name).Msg("skipping metric without a translatable value")
			continue
		}
		metricName := m.Name()
		if other, ok := exported[metricName]; ok {
			// Sanitization can collapse distinct sensor names into one
			// metric name; a duplicate would fail the whole scrape.
			log.Warn().Str("sensor", name).Str("conflicts_with", other).Str("metric", metricName).
				Msg("metric name collision, keeping one")
			continue
		}
		exported[metricName] = name
		records = append(records, Record{Name: metricName, Help: m.Help(), Value: value})
	}
	return b.state, records
}
