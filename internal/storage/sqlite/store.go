package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stockflow/internal/storage"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	consumer TEXT NOT NULL,
	topic TEXT NOT NULL,
	partition_id INTEGER NOT NULL,
	record_offset INTEGER NOT NULL,
	record_key BLOB,
	record_value BLOB,
	attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	failed_at_utc_ns INTEGER NOT NULL,
	UNIQUE(consumer, topic, partition_id, record_offset)
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_consumer_id ON dead_letters(consumer, id);

CREATE TRIGGER IF NOT EXISTS trg_dead_letters_no_update
BEFORE UPDATE ON dead_letters
BEGIN
	SELECT RAISE(ABORT, 'dead_letters are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_dead_letters_no_delete
BEFORE DELETE ON dead_letters
BEGIN
	SELECT RAISE(ABORT, 'dead_letters are append-only: DELETE forbidden');
END;
`

const selectColumns = `id, consumer, topic, partition_id, record_offset, record_key, record_value, attempts, last_error, failed_at_utc_ns`

// Store keeps parked messages in a single SQLite file.
type Store struct {
	db *sql.DB
}

var _ storage.DeadLetterStore = (*Store)(nil)

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir dead-letter dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init dead-letter schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores dl and returns its id. Parking the same message twice returns
// the id of the first row.
func (s *Store) Put(ctx context.Context, dl storage.DeadLetter) (int64, error) {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dead_letters(consumer, topic, partition_id, record_offset, record_key, record_value, attempts, last_error, failed_at_utc_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(consumer, topic, partition_id, record_offset) DO NOTHING`,
		dl.Consumer, dl.Topic, dl.Partition, dl.Offset, dl.Key, dl.Value, dl.Attempts, dl.LastError, dl.FailedAt.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert dead letter: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
SELECT id FROM dead_letters WHERE consumer=? AND topic=? AND partition_id=? AND record_offset=?`,
		dl.Consumer, dl.Topic, dl.Partition, dl.Offset).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup dead letter id: %w", err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id int64) (storage.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM dead_letters WHERE id=?`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DeadLetter{}, storage.ErrDeadLetterNotFound
	}
	return dl, err
}

// List returns the newest entries first. An empty consumer matches all.
func (s *Store) List(ctx context.Context, consumer string, limit int) ([]storage.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if consumer == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM dead_letters WHERE consumer=? ORDER BY id DESC LIMIT ?`, consumer, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letters`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(sc scanner) (storage.DeadLetter, error) {
	var (
		dl       storage.DeadLetter
		failedNs int64
	)
	if err := sc.Scan(&dl.ID, &dl.Consumer, &dl.Topic, &dl.Partition, &dl.Offset, &dl.Key, &dl.Value, &dl.Attempts, &dl.LastError, &failedNs); err != nil {
		return storage.DeadLetter{}, err
	}
	dl.FailedAt = time.Unix(0, failedNs).UTC()
	return dl, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// pragmas below are per connection
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
