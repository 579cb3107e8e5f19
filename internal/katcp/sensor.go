package katcp

import "fmt"

// Status is the health flag delivered with every sensor reading.
type Status int

const (
	StatusUnknown Status = iota
	StatusNominal
	StatusWarn
	StatusError
	StatusFailure
	StatusUnreachable
	StatusInactive
)

var statusNames = map[string]Status{
	"unknown":     StatusUnknown,
	"nominal":     StatusNominal,
	"warn":        StatusWarn,
	"error":       StatusError,
	"failure":     StatusFailure,
	"unreachable": StatusUnreachable,
	"inactive":    StatusInactive,
}

// ParseStatus decodes a wire status word.
func ParseStatus(s string) (Status, error) {
	st, ok := statusNames[s]
	if !ok {
		return StatusUnknown, fmt.Errorf("katcp: unknown sensor status %q", s)
	}
	return st, nil
}

func (s Status) String() string {
	for name, st := range statusNames {
		if st == s {
			return name
		}
	}
	return "unknown"
}

// SyncState is the connection lifecycle phase. The integer values are the
// ordinals exposed on the sync-state gauge, so the order is part of the
// exporter's contract and must not change.
type SyncState int

const (
	Disconnected SyncState = iota
	Syncing
	Synced
)

// SyncStates lists all states in ordinal order.
var SyncStates = []SyncState{Disconnected, Syncing, Synced}

func (s SyncState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

// Watcher receives sensor lifecycle and connection state callbacks.
//
// Callbacks are invoked serially from the client's read loop: for a given
// sensor, events arrive in wire order, but there is no guarantee that
// SensorAdded precedes the first SensorUpdated across a resync, and no
// cross-sensor ordering guarantee. Implementations must tolerate updates
// for names they do not know.
type Watcher interface {
	// SensorAdded announces a sensor from the device's sensor list. For
	// discrete sensors params carries the enumeration options in their
	// wire order.
	SensorAdded(name, description, units, sensorType string, params [][]byte)

	// SensorRemoved announces that a sensor left the device's sensor list.
	SensorRemoved(name string)

	// SensorUpdated delivers a new raw reading for a sensor.
	SensorUpdated(name string, value []byte, status Status, timestamp float64)

	// SyncStateChanged reports connection lifecycle transitions.
	SyncStateChanged(state SyncState)
}
