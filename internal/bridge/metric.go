package bridge

import (
	"fmt"
	"strings"
)

// ErrWorkaroundDisabled is returned when a metric view is constructed for a
// string or address sensor while the interning workaround is off. This is a
// guardrail against silently exporting unbounded-cardinality values as
// numeric series; callers must check eligibility first.
var ErrWorkaroundDisabled = fmt.Errorf("string/address interning workaround is disabled")

// metricNameSanitizer maps the name characters Prometheus disallows to
// underscores. Not injective: "a.b" and "a-b" both export as "a_b".
// Snapshot resolves such collisions by keeping one and warning, since a
// duplicate name in the exposition would fail the whole scrape.
var metricNameSanitizer = strings.NewReplacer(".", "_", "-", "_")

// Metric is the scrape-ready projection of a sensor.
//
// For discrete sensors the observed table is the fixed option list from the
// sensor definition. For string/address sensors it is an append-only
// interning table: each distinct raw value is appended on first sight and
// its position never changes, so the metric reads "which distinct value, in
// order of first appearance". The table is never pruned; with many distinct
// values it grows without bound for the life of the process (or, with
// persistence enabled, across processes).
type Metric struct {
	sensor   *Sensor
	observed []string
}

func newMetric(s *Sensor, workaround bool, seed []string) (*Metric, error) {
	m := &Metric{sensor: s}
	switch {
	case s.Type == TypeDiscrete:
		m.observed = s.Options
	case s.Type.Interned():
		if !workaround {
			return nil, fmt.Errorf("sensor %s (%s): %w", s.Name, s.Type, ErrWorkaroundDisabled)
		}
		for _, v := range seed {
			m.intern(v)
		}
	}
	return m, nil
}

// Name returns the sensor name with characters Prometheus disallows in
// metric names replaced by underscores.
func (m *Metric) Name() string {
	return metricNameSanitizer.Replace(m.sensor.Name)
}

// Help returns the exposition help text: the sensor description, with the
// legal options appended for discrete sensors.
func (m *Metric) Help() string {
	if m.sensor.Type == TypeDiscrete {
		return fmt.Sprintf("%s, enum values: %v", m.sensor.Description, m.observed)
	}
	return m.sensor.Description
}

// intern ensures v is present in the observed table, appending it on first
// sight. Reports whether an append happened. Only meaningful for interned
// types; a no-op otherwise.
func (m *Metric) intern(v string) bool {
	if !m.sensor.Type.Interned() {
		return false
	}
	for _, seen := range m.observed {
		if seen == v {
			return false
		}
	}
	m.observed = append(m.observed, v)
	return true
}

// Value translates the sensor's current value into its numeric metric
// representation. Pure: it never mutates the observed table, so it is safe
// under a read lock.
func (m *Metric) Value() (float64, error) {
	s := m.sensor
	switch {
	case s.Type == TypeDiscrete || s.Type.Interned():
		for i, seen := range m.observed {
			if seen == s.Value.Str {
				return float64(i), nil
			}
		}
		return 0, fmt.Errorf("sensor %s: value %q not in observed set", s.Name, s.Value.Str)
	default:
		return s.Value.Num, nil
	}
}
