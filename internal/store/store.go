// Package store manages the SQLite results database (WAL mode) for
// linkbench.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/meshcommons/linkbench/internal/engine"
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the embedded DDL schema to the database.
// It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	if _, err := db.Exec(ddlResults); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Record is one persisted scenario outcome.
type Record struct {
	ID   int64  `json:"id"`
	Node string `json:"node"`
	Name string `json:"name"`

	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	Iterations      int    `json:"iterations"`
	IterationsTotal int    `json:"iterations_total"`
	DurationMs      int64  `json:"duration_ms"`

	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	MinLatencyMs    float64 `json:"min_latency_ms"`
	MaxLatencyMs    float64 `json:"max_latency_ms"`
	StdDevLatencyMs float64 `json:"stddev_latency_ms"`
	JitterMs        float64 `json:"jitter_ms"`

	ThroughputBps     float64 `json:"throughput_bps"`
	LossPercent       float64 `json:"loss_percent"`
	ReliabilityPassed bool    `json:"reliability_passed"`

	DevicesDiscovered int   `json:"devices_discovered"`
	DiscoveryTimeMs   int64 `json:"discovery_time_ms"`
	MaxRangeSteps     int   `json:"max_range_steps"`

	PacketsSent  int `json:"packets_sent"`
	PacketsAcked int `json:"packets_acked"`
	PacketsLost  int `json:"packets_lost"`

	CreatedAt time.Time `json:"created_at"`
}

// NewRecord flattens a scenario result for persistence under the given
// node name.
func NewRecord(node string, r engine.Result) Record {
	return Record{
		Node:              node,
		Name:              r.Name,
		Status:            r.Status.String(),
		Error:             r.Error,
		Iterations:        r.Iterations,
		IterationsTotal:   r.IterationsTotal,
		DurationMs:        r.DurationMs(),
		AvgLatencyMs:      r.LatencySummary.Mean,
		MinLatencyMs:      r.LatencySummary.Min,
		MaxLatencyMs:      r.LatencySummary.Max,
		StdDevLatencyMs:   r.LatencySummary.StdDev,
		JitterMs:          r.LatencySummary.Jitter,
		ThroughputBps:     r.ThroughputBps,
		LossPercent:       r.LossPercent,
		ReliabilityPassed: r.ReliabilityPassed,
		DevicesDiscovered: r.DevicesDiscovered,
		DiscoveryTimeMs:   r.DiscoveryTimeMs,
		MaxRangeSteps:     r.MaxRangeSteps,
		PacketsSent:       r.PacketsSent,
		PacketsAcked:      r.PacketsAcked,
		PacketsLost:       r.PacketsLost,
		CreatedAt:         time.Now().UTC(),
	}
}

// SaveResult inserts a record and returns its row ID.
func (db *DB) SaveResult(rec Record) (int64, error) {
	res, err := db.Exec(`
INSERT INTO results (
    node, name, status, error, iterations, iterations_total, duration_ms,
    avg_latency_ms, min_latency_ms, max_latency_ms, stddev_latency_ms, jitter_ms,
    throughput_bps, loss_percent, reliability_passed,
    devices_discovered, discovery_time_ms, max_range_steps,
    packets_sent, packets_acked, packets_lost, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Node, rec.Name, rec.Status, rec.Error,
		rec.Iterations, rec.IterationsTotal, rec.DurationMs,
		rec.AvgLatencyMs, rec.MinLatencyMs, rec.MaxLatencyMs,
		rec.StdDevLatencyMs, rec.JitterMs,
		rec.ThroughputBps, rec.LossPercent, boolToInt(rec.ReliabilityPassed),
		rec.DevicesDiscovered, rec.DiscoveryTimeMs, rec.MaxRangeSteps,
		rec.PacketsSent, rec.PacketsAcked, rec.PacketsLost,
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: save result: %w", err)
	}
	return res.LastInsertId()
}

// ListResults returns up to limit records, newest first. A limit of 0
// means no limit.
func (db *DB) ListResults(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means unlimited
	}
	rows, err := db.Query(`
SELECT id, node, name, status, error, iterations, iterations_total, duration_ms,
       avg_latency_ms, min_latency_ms, max_latency_ms, stddev_latency_ms, jitter_ms,
       throughput_bps, loss_percent, reliability_passed,
       devices_discovered, discovery_time_ms, max_range_steps,
       packets_sent, packets_acked, packets_lost, created_at
FROM results ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list results: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var passed int
		var createdMs int64
		if err := rows.Scan(
			&rec.ID, &rec.Node, &rec.Name, &rec.Status, &rec.Error,
			&rec.Iterations, &rec.IterationsTotal, &rec.DurationMs,
			&rec.AvgLatencyMs, &rec.MinLatencyMs, &rec.MaxLatencyMs,
			&rec.StdDevLatencyMs, &rec.JitterMs,
			&rec.ThroughputBps, &rec.LossPercent, &passed,
			&rec.DevicesDiscovered, &rec.DiscoveryTimeMs, &rec.MaxRangeSteps,
			&rec.PacketsSent, &rec.PacketsAcked, &rec.PacketsLost,
			&createdMs,
		); err != nil {
			return nil, fmt.Errorf("store: scan result: %w", err)
		}
		rec.ReliabilityPassed = passed != 0
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ResultsByName returns all records for one scenario name, newest first.
func (db *DB) ResultsByName(name string) ([]Record, error) {
	all, err := db.ListResults(0)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteResults removes every record and returns the number deleted.
func (db *DB) DeleteResults() (int64, error) {
	res, err := db.Exec(`DELETE FROM results`)
	if err != nil {
		return 0, fmt.Errorf("store: delete results: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlResults = `
CREATE TABLE IF NOT EXISTS results (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    node               TEXT    NOT NULL,
    name               TEXT    NOT NULL,
    status             TEXT    NOT NULL,
    error              TEXT    NOT NULL DEFAULT '',
    iterations         INTEGER NOT NULL DEFAULT 0,
    iterations_total   INTEGER NOT NULL DEFAULT 0,
    duration_ms        INTEGER NOT NULL DEFAULT 0,
    avg_latency_ms     REAL    NOT NULL DEFAULT 0,
    min_latency_ms     REAL    NOT NULL DEFAULT 0,
    max_latency_ms     REAL    NOT NULL DEFAULT 0,
    stddev_latency_ms  REAL    NOT NULL DEFAULT 0,
    jitter_ms          REAL    NOT NULL DEFAULT 0,
    throughput_bps     REAL    NOT NULL DEFAULT 0,
    loss_percent       REAL    NOT NULL DEFAULT 0,
    reliability_passed INTEGER NOT NULL DEFAULT 0,
    devices_discovered INTEGER NOT NULL DEFAULT 0,
    discovery_time_ms  INTEGER NOT NULL DEFAULT 0,
    max_range_steps    INTEGER NOT NULL DEFAULT 0,
    packets_sent       INTEGER NOT NULL DEFAULT 0,
    packets_acked      INTEGER NOT NULL DEFAULT 0,
    packets_lost       INTEGER NOT NULL DEFAULT 0,
    created_at         INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_results_name ON results (name);
CREATE INDEX IF NOT EXISTS idx_results_created_at ON results (created_at DESC);
`
