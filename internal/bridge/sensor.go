// Package bridge is the translation engine between the katcp sensor stream
// and the Prometheus scrape surface.
//
// DESIGN: The Bridge owns all mutable state (sensor registry, metric views,
// sync state) behind one RWMutex. Protocol callbacks mutate under the write
// lock as atomic units; a scrape takes a consistent snapshot under the read
// lock. Nothing here performs I/O while the lock is held.
//
// FILES:
//   - sensor.go:    SensorType enum, value decoding, the Sensor record
//   - metric.go:    Metric view, name sanitization, value interning
//   - bridge.go:    Bridge orchestrator, katcp.Watcher implementation
//   - collector.go: prometheus.Collector over Bridge snapshots
package bridge

import (
	"fmt"
	"strconv"

	"github.com/karoo-obs/katcp-exporter/internal/katcp"
)

// SensorType is the closed set of katcp sensor types the bridge understands.
type SensorType int

const (
	TypeInteger SensorType = iota
	TypeFloat
	TypeBoolean
	TypeTimestamp
	TypeDiscrete
	TypeString
	TypeAddress
)

var sensorTypeNames = map[string]SensorType{
	"integer":   TypeInteger,
	"float":     TypeFloat,
	"boolean":   TypeBoolean,
	"timestamp": TypeTimestamp,
	"discrete":  TypeDiscrete,
	"string":    TypeString,
	"address":   TypeAddress,
}

// ParseSensorType decodes a katcp type name.
func ParseSensorType(name string) (SensorType, error) {
	t, ok := sensorTypeNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown sensor type %q", name)
	}
	return t, nil
}

func (t SensorType) String() string {
	for name, st := range sensorTypeNames {
		if st == t {
			return name
		}
	}
	return fmt.Sprintf("SensorType(%d)", int(t))
}

// Interned reports whether this type's metric value is an index into an
// interning table of previously seen raw values.
func (t SensorType) Interned() bool {
	return t == TypeString || t == TypeAddress
}

// Eligible reports whether sensors of this type produce a metric view.
// String and address sensors have unbounded value cardinality, so they are
// only exported when the interning workaround is explicitly enabled.
func (t SensorType) Eligible(workaround bool) bool {
	switch t {
	case TypeInteger, TypeFloat, TypeBoolean, TypeTimestamp, TypeDiscrete:
		return true
	case TypeString, TypeAddress:
		return workaround
	}
	return false
}

// Value is one decoded sensor reading. Num carries numeric types; Str
// carries discrete, string, and address readings.
type Value struct {
	Num float64
	Str string
}

// Decode parses a raw wire value according to the sensor type.
func (t SensorType) Decode(raw []byte) (Value, error) {
	s := string(raw)
	switch t {
	case TypeInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("bad integer value %q: %w", s, err)
		}
		return Value{Num: float64(n)}, nil
	case TypeFloat, TypeTimestamp:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("bad %s value %q: %w", t, s, err)
		}
		return Value{Num: f}, nil
	case TypeBoolean:
		switch s {
		case "1":
			return Value{Num: 1}, nil
		case "0":
			return Value{Num: 0}, nil
		}
		return Value{}, fmt.Errorf("bad boolean value %q", s)
	case TypeDiscrete, TypeString, TypeAddress:
		return Value{Str: s}, nil
	}
	return Value{}, fmt.Errorf("cannot decode sensor type %s", t)
}

// Sensor is one tracked telemetry point. The registry's sensor set is fully
// driven by the device: sensors are created, updated, and destroyed only by
// protocol events.
type Sensor struct {
	Name        string
	Description string
	Units       string
	Type        SensorType

	// Options is the fixed universe of legal values for discrete sensors,
	// in wire order. The positional index is the metric encoding and is
	// stable for the sensor's lifetime.
	Options []string

	Value     Value
	Status    katcp.Status
	Timestamp float64
}

// newSensor builds a sensor with its type's default value, mirroring the
// device-side convention: numeric zero, or the first discrete option.
func newSensor(name, description, units string, typ SensorType, options []string) *Sensor {
	s := &Sensor{
		Name:        name,
		Description: description,
		Units:       units,
		Type:        typ,
		Options:     options,
	}
	if typ == TypeDiscrete && len(options) > 0 {
		s.Value.Str = options[0]
	}
	return s
}
