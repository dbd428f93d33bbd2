package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KV adapts the SQLite kv table to the kv.Store interface. Session
// assignments and performance snapshots go through this in single-binary
// deployments; Redis replaces it without touching callers.
type KV struct {
	s *SQLiteStore
}

// KVStore returns the kv.Store view of this database.
func (s *SQLiteStore) KVStore() *KV {
	return &KV{s: s}
}

func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := k.s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get kv %s: %w", key, err)
	}

	if expiresAt.Valid && time.Now().Unix() > expiresAt.Int64 {
		_, _ = k.s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return "", false, nil
	}
	return value, true, nil
}

func (k *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).Unix(), Valid: true}
	}
	_, err := k.s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set kv %s: %w", key, err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if _, err := k.s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete kv %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the owning SQLiteStore manages the connection.
func (k *KV) Close() error {
	return nil
}
