package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agenthands/cortex/internal/core/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_category ON documents(category);
CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS device_state (
	key TEXT PRIMARY KEY,
	payload BLOB NOT NULL
);`

type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveDocuments(ctx context.Context, docs []model.Document) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO documents (id, category, timestamp, payload) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET category = excluded.category, timestamp = excluded.timestamp, payload = excluded.payload`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, d := range docs {
			payload, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("encode document %s: %w", d.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, d.ID, d.Category, d.Timestamp.UnixNano(), string(payload)); err != nil {
				return fmt.Errorf("save document %s: %w", d.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) DeleteDocuments(ctx context.Context, ids []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete document %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadDocuments(ctx context.Context) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM documents ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var d model.Document
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePolicies(ctx context.Context, policies []model.Policy) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range policies {
			payload, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode policy %s: %w", p.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO policies (id, version, payload) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET version = excluded.version, payload = excluded.payload`,
				p.ID, p.Version, string(payload)); err != nil {
				return fmt.Errorf("save policy %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadPolicies(ctx context.Context) ([]model.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM policies ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p model.Policy
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveState(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO device_state (key, payload) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload`, key, value)
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) LoadState(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM device_state WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", key, err)
	}
	return payload, nil
}

func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
