package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists entries to a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        ts INTEGER,
        kind TEXT,
        run_id TEXT,
        label TEXT,
        status TEXT,
        payload TEXT
    );`
	index := `CREATE INDEX IF NOT EXISTS runs_ts ON runs (ts);`
	for _, stmt := range []string{schema, index} {
		if _, err := db.Exec(stmt); err != nil {
			if cerr := db.Close(); cerr != nil {
				return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
			}
			return nil, err
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Append writes the entry.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (ts, kind, run_id, label, status, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), string(e.Kind), e.RunID.String(), e.Label, e.Status, string(e.Payload))
	return err
}

// Query returns entries matching q in timestamp order.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Entry, error) {
	var args []any
	query := `SELECT ts, kind, run_id, label, status, payload FROM runs WHERE 1=1`
	if !q.Start.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, q.End.UnixNano())
	}
	if q.RunID != uuid.Nil {
		query += ` AND run_id = ?`
		args = append(args, q.RunID.String())
	}
	if q.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(q.Kind))
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, q.Status)
	}
	query += ` ORDER BY ts, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []Entry
	for rows.Next() {
		var (
			ts                        int64
			kind, runID, label, state string
			payload                   string
		)
		if err := rows.Scan(&ts, &kind, &runID, &label, &state, &payload); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(runID)
		if err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
		res = append(res, Entry{
			Kind:      Kind(kind),
			RunID:     id,
			Label:     label,
			Timestamp: time.Unix(0, ts).UTC(),
			Status:    state,
			Payload:   []byte(payload),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
