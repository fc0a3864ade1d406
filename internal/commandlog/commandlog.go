// Package commandlog is a durable, queryable audit trail of dispatched
// commands: zone_id, action, ok/error, latency. It supplements the
// correlation table's in-memory view (internal/mcp) with history a
// GET /commands/recent endpoint can serve.
package commandlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no CGO
)

// Entry is one recorded command dispatch.
type Entry struct {
	ID        int64     `json:"id"`
	ZoneID    string    `json:"zone_id"`
	Action    string    `json:"action"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is a SQLite-backed append-only command audit trail.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the command log database at path and
// runs its schema migration.
func Open(path string) (*Log, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("commandlog: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("commandlog: ping: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zone_id TEXT NOT NULL,
		action TEXT NOT NULL,
		ok INTEGER NOT NULL,
		error TEXT,
		latency_ms INTEGER NOT NULL,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_timestamp ON commands(timestamp DESC);
	`
	_, err := l.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("commandlog: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *Log) Close() error { return l.db.Close() }

// Record appends one entry to the audit trail. Timestamp defaults to now
// if zero.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO commands (zone_id, action, ok, error, latency_ms, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ZoneID, e.Action, e.OK, e.Error, e.LatencyMS, e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("commandlog: record: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, most recent first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, zone_id, action, ok, error, latency_ms, timestamp FROM commands ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("commandlog: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		var errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.ZoneID, &e.Action, &e.OK, &errStr, &e.LatencyMS, &ts); err != nil {
			return nil, fmt.Errorf("commandlog: scan: %w", err)
		}
		e.Error = errStr.String
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("commandlog: parse timestamp: %w", err)
		}
		e.Timestamp = parsed
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
