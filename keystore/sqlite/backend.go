// Package sqlite provides a SQLite-backed key store backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/terraskye/consistency"
	"github.com/terraskye/consistency/internal/sqlitemigrate"
	"github.com/terraskye/consistency/keystore"
	"github.com/terraskye/consistency/keystore/sqlite/migrations"
)

// Backend persists data keys in the data_keys table.
type Backend struct {
	sqlDB *sql.DB
}

var _ keystore.Backend = (*Backend)(nil)

// Open opens a SQLite key backend and applies embedded migrations.
func Open(ctx context.Context, path string) (*Backend, error) {
	sqlDB, err := sqlitemigrate.Open(ctx, path, migrations.FS, "")
	if err != nil {
		return nil, err
	}
	return &Backend{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (b *Backend) Close() error {
	if b == nil || b.sqlDB == nil {
		return nil
	}
	return b.sqlDB.Close()
}

func (b *Backend) Get(ctx context.Context, scopeID string) ([]byte, error) {
	var key []byte
	err := b.sqlDB.QueryRowContext(ctx, "SELECT key_bytes FROM data_keys WHERE scope_id = ?", scopeID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keystore.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return key, nil
}

func (b *Backend) PutIfAbsent(ctx context.Context, scopeID string, key []byte) ([]byte, error) {
	if _, err := b.sqlDB.ExecContext(ctx,
		"INSERT OR IGNORE INTO data_keys (scope_id, key_bytes, created_at) VALUES (?, ?, ?)",
		scopeID, key, consistency.Now().UTC().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("put key: %w", err)
	}
	return b.Get(ctx, scopeID)
}

func (b *Backend) Delete(ctx context.Context, scopeID string) error {
	if _, err := b.sqlDB.ExecContext(ctx, "DELETE FROM data_keys WHERE scope_id = ?", scopeID); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}
