// Package sqlite provides a SQLite-backed settings store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalsfoundry/satellite-access/internal/store"
	"github.com/signalsfoundry/satellite-access/internal/store/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const (
	kindBool      = "bool"
	kindStringSet = "string_set"
)

// Store persists settings in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens a SQLite settings store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Bool implements store.Store.
func (s *Store) Bool(ctx context.Context, key string) (bool, bool, error) {
	raw, ok, err := s.get(ctx, key, kindBool)
	if err != nil || !ok {
		return false, false, err
	}
	return raw == "1", true, nil
}

// StringSet implements store.Store.
func (s *Store) StringSet(ctx context.Context, key string) ([]string, bool, error) {
	raw, ok, err := s.get(ctx, key, kindStringSet)
	if err != nil || !ok {
		return nil, false, err
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, false, fmt.Errorf("decode string set %s: %w", key, err)
	}
	return values, true, nil
}

// Apply writes every entry of edit in one transaction.
func (s *Store) Apply(ctx context.Context, edit store.Edit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return store.ErrClosed
	}
	if edit.Empty() {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings edit: %w", err)
	}
	now := time.Now().UTC().UnixMilli()
	for key, v := range edit.Bools {
		raw := "0"
		if v {
			raw = "1"
		}
		if err := upsert(ctx, tx, key, kindBool, raw, now); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for key, v := range edit.StringSets {
		raw, err := json.Marshal(store.NormalizeSet(v))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode string set %s: %w", key, err)
		}
		if err := upsert(ctx, tx, key, kindStringSet, string(raw), now); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings edit: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key, kind string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if s == nil || s.sqlDB == nil {
		return "", false, store.ErrClosed
	}
	var raw string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ? AND kind = ?`, key, kind,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return raw, true, nil
}

func upsert(ctx context.Context, tx *sql.Tx, key, kind, value string, now int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO settings (key, kind, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET kind = excluded.kind, value = excluded.value, updated_at = excluded.updated_at`,
		key, kind, value, now,
	)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}
