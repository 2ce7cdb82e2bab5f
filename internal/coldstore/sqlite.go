// Package coldstore implements a concrete ColdStorage collaborator
// (spec component C12, added in SPEC_FULL.md §4.12) backed by
// modernc.org/sqlite. Grounded on the ambient stack's SQLite stores
// (e.g. internal/usage/store.go: database/sql, a migrate() schema
// bootstrap, NewStore(dbPath)), with mattn/go-sqlite3 swapped for the
// pure-Go modernc.org/sqlite driver so the shipped binary needs no cgo
// toolchain (see DESIGN.md) and a background batched writer added so
// writes never block the hot ingest path.
package coldstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/nugget/sensorhub/internal/store"
)

// DefaultQueueCapacity bounds the background writer's pending-batch
// channel. A full queue drops the batch rather than blocking the
// publisher (SPEC_FULL.md §4.12).
const DefaultQueueCapacity = 4096

type batch struct {
	sensorID     string
	measurements []store.Measurement
}

// SQLiteSink is a store.ColdSink backed by a single SQLite database.
// Writes are appended to an unbounded, append-only table and executed
// from a dedicated background goroutine.
type SQLiteSink struct {
	db     *sql.DB
	queue  chan batch
	logger *slog.Logger
	done   chan struct{}

	dropped atomic.Int64
	written atomic.Int64
}

// Open creates (if needed) and migrates the SQLite database at dbPath,
// and starts the background writer goroutine.
func Open(dbPath string, logger *slog.Logger) (*SQLiteSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open coldstore database: %w", err)
	}

	s := &SQLiteSink{
		db:     db,
		queue:  make(chan batch, DefaultQueueCapacity),
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate coldstore schema: %w", err)
	}

	go s.run()
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS measurements (
		sensor_id    TEXT NOT NULL,
		attribute_id TEXT NOT NULL,
		ts_ms        INTEGER NOT NULL,
		payload_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_measurements_sensor_ts ON measurements(sensor_id, ts_ms);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append implements store.ColdSink. It never blocks: a full queue drops
// the whole batch and increments a counter rather than applying
// backpressure to the caller (the warm-tier evictor), per
// SPEC_FULL.md §4.12.
func (s *SQLiteSink) Append(sensorID string, measurements []store.Measurement) {
	if len(measurements) == 0 {
		return
	}
	cp := make([]store.Measurement, len(measurements))
	copy(cp, measurements)

	select {
	case s.queue <- batch{sensorID: sensorID, measurements: cp}:
	default:
		s.dropped.Add(1)
		s.logger.Warn("coldstore queue full, dropping batch", "sensor_id", sensorID, "count", len(measurements))
	}
}

// Dropped returns the count of batches dropped due to a full write queue.
func (s *SQLiteSink) Dropped() int64 { return s.dropped.Load() }

// Written returns the count of measurements successfully persisted.
func (s *SQLiteSink) Written() int64 { return s.written.Load() }

func (s *SQLiteSink) run() {
	defer close(s.done)
	for b := range s.queue {
		s.writeBatch(b)
	}
}

func (s *SQLiteSink) writeBatch(b batch) {
	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Error("coldstore begin tx failed", "error", err)
		return
	}

	stmt, err := tx.Prepare(`INSERT INTO measurements (sensor_id, attribute_id, ts_ms, payload_json) VALUES (?, ?, ?, ?)`)
	if err != nil {
		s.logger.Error("coldstore prepare insert failed", "error", err)
		_ = tx.Rollback()
		return
	}
	defer stmt.Close()

	written := int64(0)
	for _, m := range b.measurements {
		payloadJSON, err := json.Marshal(m.Payload)
		if err != nil {
			s.logger.Warn("coldstore skipping measurement with unmarshalable payload",
				"sensor_id", m.SensorID, "attribute_id", m.AttributeID, "error", err)
			continue
		}
		if _, err := stmt.Exec(m.SensorID, m.AttributeID, m.TimestampMS, string(payloadJSON)); err != nil {
			s.logger.Error("coldstore insert failed", "sensor_id", m.SensorID, "error", err)
			continue
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("coldstore commit failed", "error", err)
		return
	}
	s.written.Add(written)
}

// QueryRange reads back persisted measurements for a (sensor_id,
// attribute_id) pair within [from, to), newest first, for history
// queries that exceed the warm tier's retention.
func (s *SQLiteSink) QueryRange(sensorID, attributeID string, from, to int64, limit int) ([]store.Measurement, error) {
	rows, err := s.db.Query(
		`SELECT ts_ms, payload_json FROM measurements
		 WHERE sensor_id = ? AND attribute_id = ? AND ts_ms >= ? AND ts_ms < ?
		 ORDER BY ts_ms DESC LIMIT ?`,
		sensorID, attributeID, from, to, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query coldstore range: %w", err)
	}
	defer rows.Close()

	var out []store.Measurement
	for rows.Next() {
		var m store.Measurement
		var payloadJSON string
		if err := rows.Scan(&m.TimestampMS, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan coldstore row: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &m.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal coldstore payload: %w", err)
		}
		m.SensorID = sensorID
		m.AttributeID = attributeID
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close stops accepting new batches, waits for the writer goroutine to
// drain the queue, and closes the database.
func (s *SQLiteSink) Close() error {
	close(s.queue)
	<-s.done
	return s.db.Close()
}
