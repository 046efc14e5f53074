package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound reports a missing key or job.
var ErrNotFound = errors.New("not found")

// KV is the key-value persistence boundary. Implementations may fail
// transiently and provide no transactions across keys.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Get returns the value stored at key or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx = orBackground(ctx)
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("kv get: empty key")
	}
	var value []byte
	err := s.attempt(ctx, func() error {
		return s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value at key, replacing any existing value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("kv set: empty key")
	}
	if value == nil {
		value = []byte{}
	}
	now := stamp(time.Now())
	_, err := s.exec(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("kv remove: empty key")
	}
	if _, err := s.exec(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("kv remove %s: %w", key, err)
	}
	return nil
}
