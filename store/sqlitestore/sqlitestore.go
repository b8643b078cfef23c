/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package sqlitestore backs the persistence ports with a single SQLite
// database file. Secrets live in their own table with restrictive file
// permissions on the database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chainguard.dev/argus/store"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS secrets (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store implements store.KV and store.Secrets over one database.
type Store struct {
	db *sql.DB
}

var (
	_ store.KV      = (*Store)(nil)
	_ store.Secrets = (*Store)(nil)
)

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer; funnel everything through one connection
	// to avoid SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("restricting database permissions: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(ctx context.Context, table, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT value FROM %s WHERE key = ?", table), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", table, err)
	}
	return value, true, nil
}

func (s *Store) set(ctx context.Context, table, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", table),
		key, value)
	if err != nil {
		return fmt.Errorf("writing %s: %w", table, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, table, key string) error {
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE key = ?", table), key); err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	return nil
}

// Get implements store.KV.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	return s.get(ctx, "kv", key)
}

// Set implements store.KV.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.set(ctx, "kv", key, value)
}

// Delete implements store.KV.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.delete(ctx, "kv", key)
}

// escapeLike escapes LIKE metacharacters so a prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// List implements store.KV.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetSecret implements store.Secrets.
func (s *Store) GetSecret(ctx context.Context, key string) (string, bool, error) {
	return s.get(ctx, "secrets", key)
}

// SetSecret implements store.Secrets.
func (s *Store) SetSecret(ctx context.Context, key, value string) error {
	return s.set(ctx, "secrets", key, value)
}

// DeleteSecret implements store.Secrets.
func (s *Store) DeleteSecret(ctx context.Context, key string) error {
	return s.delete(ctx, "secrets", key)
}
