package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dn-hedge-bot/internal/state"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		at INTEGER NOT NULL,
		payload BLOB NOT NULL
	)`)
	return err
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Append writes a msgpack-encoded audit record to the journal.
func (s *Store) Append(ctx context.Context, category string, record any) error {
	payload, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal (category, at, payload) VALUES (?, ?, ?)`,
		category, time.Now().UTC().UnixMilli(), payload)
	return err
}

// Entries returns the newest records first.
func (s *Store) Entries(ctx context.Context, category string, limit int) ([]state.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, at, payload FROM journal WHERE category = ? ORDER BY id DESC LIMIT ?`,
		category, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.JournalEntry
	for rows.Next() {
		var entry state.JournalEntry
		var atMS int64
		if err := rows.Scan(&entry.ID, &entry.Category, &atMS, &entry.Payload); err != nil {
			return nil, err
		}
		entry.At = time.UnixMilli(atMS).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
