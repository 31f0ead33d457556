package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"AgentDesk/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	keyQueueStatus  = "queue_status"
	keyAutoAnswer   = "auto_answer"
	keyWasConnected = "was_connected"
)

// Store persists operator preferences that must survive a restart.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// one connection keeps in-memory databases shared across calls
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create settings table: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) QueueStatus(ctx context.Context) (domain.QueueStatus, error) {
	value, _, err := s.get(ctx, keyQueueStatus)
	if err != nil {
		return domain.QueueOffline, err
	}
	return domain.ParseQueueStatus(value), nil
}

func (s *Store) SetQueueStatus(ctx context.Context, status domain.QueueStatus) error {
	return s.set(ctx, keyQueueStatus, string(status))
}

func (s *Store) AutoAnswer(ctx context.Context) (bool, error) {
	return s.getBool(ctx, keyAutoAnswer)
}

func (s *Store) SetAutoAnswer(ctx context.Context, enabled bool) error {
	return s.set(ctx, keyAutoAnswer, strconv.FormatBool(enabled))
}

// WasConnected reports whether the phone was registered when the console last ran.
func (s *Store) WasConnected(ctx context.Context) (bool, error) {
	return s.getBool(ctx, keyWasConnected)
}

func (s *Store) SetWasConnected(ctx context.Context, connected bool) error {
	return s.set(ctx, keyWasConnected, strconv.FormatBool(connected))
}

func (s *Store) getBool(ctx context.Context, key string) (bool, error) {
	value, ok, err := s.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, nil
	}
	return b, nil
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, unixepoch())
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
