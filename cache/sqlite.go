package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore creates a new store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Open(ctx context.Context, name string) (Generation, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)", name, time.Now().Unix()); err != nil {
		return nil, err
	}
	return sqliteHandle{store: s, name: name}, nil
}

func (s *SQLiteStore) Names(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM generations ORDER BY id ASC")
	if err != nil {
		return names, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteStore) Match(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx, `SELECT e.bytes
		FROM entries e JOIN generations g ON g.name = e.generation
		WHERE e.key = ? ORDER BY g.id ASC LIMIT 1`, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteHandle struct {
	store *SQLiteStore
	name  string
}

func (h sqliteHandle) Name() string {
	return h.name
}

func (h sqliteHandle) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := h.store.db.QueryRowContext(ctx, "SELECT bytes FROM entries WHERE generation = ? AND key = ?", h.name, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (h sqliteHandle) Put(ctx context.Context, key string, bytes []byte) error {
	return h.PutAll(ctx, []Entry{{Key: key, Bytes: bytes}})
}

func (h sqliteHandle) PutAll(ctx context.Context, entries []Entry) error {
	h.store.writeMutex.Lock()
	defer h.store.writeMutex.Unlock()
	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM generations WHERE name = ?", h.name).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrGenerationDeleted
	}
	now := time.Now().Unix()
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(generation, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			h.name, e.Key, now, e.Bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (h sqliteHandle) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	rows, err := h.store.db.QueryContext(ctx, "SELECT key FROM entries WHERE generation = ? ORDER BY key ASC", h.name)
	if err != nil {
		return keys, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
