// Package store persists the string/address interning tables.
//
// DESIGN: Interned metric values are indices in order of first appearance,
// which makes them meaningless across restarts unless the table survives
// the process. The SQLite store makes that opt-in: when enabled, every
// appended value is recorded and reloaded on the next start, so an index
// keeps its meaning. Rows are never deleted, not even when a sensor is
// removed - index stability is the whole point.
//
// The default is NopStore, which keeps interning purely in-process.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store persists per-sensor interning tables.
type Store interface {
	// Load returns a sensor's previously observed values in intern order.
	Load(sensor string) ([]string, error)

	// Append records one newly interned value for a sensor.
	Append(sensor, value string) error

	// Close releases resources.
	Close() error
}

// NopStore is the no-persistence default.
type NopStore struct{}

func (NopStore) Load(string) ([]string, error) { return nil, nil }
func (NopStore) Append(string, string) error   { return nil }
func (NopStore) Close() error                  { return nil }

// SQLiteStore persists interning tables in a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS observed_values (
	sensor TEXT    NOT NULL,
	idx    INTEGER NOT NULL,
	value  TEXT    NOT NULL,
	PRIMARY KEY (sensor, idx)
);`

// OpenSQLite opens (creating if needed) the intern database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open intern db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init intern db %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load returns the sensor's observed values in intern order.
func (s *SQLiteStore) Load(sensor string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT value FROM observed_values WHERE sensor = ? ORDER BY idx`, sensor)
	if err != nil {
		return nil, fmt.Errorf("load intern table for %s: %w", sensor, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Append records a newly interned value at the sensor's next index.
// The bridge serializes mutations, so the count-based index is race-free.
func (s *SQLiteStore) Append(sensor, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO observed_values (sensor, idx, value)
		 SELECT ?, COUNT(*), ? FROM observed_values WHERE sensor = ?`,
		sensor, value, sensor)
	if err != nil {
		return fmt.Errorf("append intern value for %s: %w", sensor, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ensure both implementations satisfy Store.
var (
	_ Store = NopStore{}
	_ Store = (*SQLiteStore)(nil)
)
