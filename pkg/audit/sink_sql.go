package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLiteSink stores entries in a local SQLite table.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink wraps db and creates the audit table if it does not exist.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		data TEXT,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate audit table: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (seq, id, kind, action, subject, timestamp, data, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, string(e.Kind), e.Action, e.Subject, e.Timestamp.UTC().Format(time.RFC3339Nano), string(data), e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// List returns entries in sequence order starting after seq.
func (s *SQLiteSink) List(ctx context.Context, afterSeq uint64, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, kind, action, subject, timestamp, data, prev_hash, hash
		FROM audit_entries WHERE seq > ? ORDER BY seq ASC LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Last returns the newest entry, or false when the table is empty.
func (s *SQLiteSink) Last(ctx context.Context) (Entry, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, kind, action, subject, timestamp, data, prev_hash, hash
		FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return Entry{}, false, err
	}
	defer func() { _ = rows.Close() }()
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// PostgresSink stores entries in PostgreSQL. The table is managed by
// migrations outside the kernel.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (seq, id, kind, action, subject, timestamp, data, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Seq, e.ID, string(e.Kind), e.Action, e.Subject, e.Timestamp.UTC(), data, e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("failed to persist audit entry: %w", err)
	}
	return nil
}

// Last returns the newest entry so a Logger can resume the chain.
func (s *PostgresSink) Last(ctx context.Context) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, kind, action, subject, timestamp, data, prev_hash, hash
		FROM audit_entries ORDER BY seq DESC LIMIT 1`)

	var (
		e    Entry
		kind string
		data []byte
	)
	err := row.Scan(&e.Seq, &e.ID, &kind, &e.Action, &e.Subject, &e.Timestamp, &data, &e.PrevHash, &e.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read last audit entry: %w", err)
	}
	e.Kind = Kind(kind)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return Entry{}, false, err
		}
	}
	return e, true, nil
}

func (s *PostgresSink) Close() error { return s.db.Close() }

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
			ts   string
			data sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &kind, &e.Action, &e.Subject, &ts, &data, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		e.Timestamp = t
		if data.Valid && data.String != "" && data.String != "null" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
