package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDeadLetterStore persists dead letters in SQLite so they survive restarts.
type SQLiteDeadLetterStore struct {
	db *sql.DB
}

// NewSQLiteDeadLetterStore wraps db and creates the table if needed.
func NewSQLiteDeadLetterStore(db *sql.DB) (*SQLiteDeadLetterStore, error) {
	s := &SQLiteDeadLetterStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDeadLetterStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		subscriber TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event JSON NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		first_failed_at TEXT NOT NULL,
		last_failed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS dead_letters_last_failed ON dead_letters(last_failed_at);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate dead_letters: %w", err)
	}
	return nil
}

func (s *SQLiteDeadLetterStore) Put(ctx context.Context, dl DeadLetter) error {
	evt, err := json.Marshal(dl.Event)
	if err != nil {
		return fmt.Errorf("marshal dead letter event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, subscriber, event_type, event, attempts, last_error, first_failed_at, last_failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			last_failed_at = excluded.last_failed_at`,
		dl.ID, dl.Subscriber, dl.Event.Type, string(evt), dl.Attempts, dl.LastError,
		dl.FirstFailedAt.UTC().Format(time.RFC3339Nano), dl.LastFailedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

const deadLetterColumns = `id, subscriber, event, attempts, last_error, first_failed_at, last_failed_at`

func (s *SQLiteDeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return dl, err
}

func (s *SQLiteDeadLetterStore) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY last_failed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *SQLiteDeadLetterStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(r rowScanner) (DeadLetter, error) {
	var (
		dl          DeadLetter
		evt         string
		lastErr     sql.NullString
		first, last string
	)
	if err := r.Scan(&dl.ID, &dl.Subscriber, &evt, &dl.Attempts, &lastErr, &first, &last); err != nil {
		return DeadLetter{}, err
	}
	if err := json.Unmarshal([]byte(evt), &dl.Event); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter event: %w", err)
	}
	dl.LastError = lastErr.String
	var err error
	if dl.FirstFailedAt, err = time.Parse(time.RFC3339Nano, first); err != nil {
		return DeadLetter{}, err
	}
	if dl.LastFailedAt, err = time.Parse(time.RFC3339Nano, last); err != nil {
		return DeadLetter{}, err
	}
	return dl, nil
}
