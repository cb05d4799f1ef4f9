package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"triagent/internal/logging"
)

// SetSystemConfig upserts an operator setting. The breaker manager also
// calls this to persist administrator alerts and the notifier to park
// undeliverable messages.
func (s *Store) SetSystemConfig(ctx context.Context, key, value, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE system_config.description END,
			updated_at = excluded.updated_at`,
		key, value, description, now, now)
	if err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	return nil
}

// GetSystemConfig returns the raw value for a key, or ErrNotFound.
func (s *Store) GetSystemConfig(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config %s: %w", key, err)
	}
	return value, nil
}

// ConfigFloat reads a numeric setting, falling back when the key is missing
// or unparseable. Read errors are logged, never propagated, so a corrupt
// setting cannot stall triage.
func (s *Store) ConfigFloat(ctx context.Context, key string, fallback float64) float64 {
	raw, err := s.GetSystemConfig(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logging.StoreWarn("Failed to read config %s, using default %.2f: %v", key, fallback, err)
		}
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logging.StoreWarn("Config %s has non-numeric value %q, using default %.2f", key, raw, fallback)
		return fallback
	}
	return v
}

// ConfigInt reads an integer setting with the same fallback policy as
// ConfigFloat.
func (s *Store) ConfigInt(ctx context.Context, key string, fallback int) int {
	raw, err := s.GetSystemConfig(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logging.StoreWarn("Failed to read config %s, using default %d: %v", key, fallback, err)
		}
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logging.StoreWarn("Config %s has non-integer value %q, using default %d", key, raw, fallback)
		return fallback
	}
	return v
}

// ConfigBool reads a boolean setting with the same fallback policy as
// ConfigFloat.
func (s *Store) ConfigBool(ctx context.Context, key string, fallback bool) bool {
	raw, err := s.GetSystemConfig(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logging.StoreWarn("Failed to read config %s, using default %t: %v", key, fallback, err)
		}
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		logging.StoreWarn("Config %s has non-boolean value %q, using default %t", key, raw, fallback)
		return fallback
	}
	return v
}

// ListSystemConfig returns every setting ordered by key, including persisted
// admin alerts and parked notifications.
func (s *Store) ListSystemConfig(ctx context.Context) ([]ConfigEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, description, created_at, updated_at FROM system_config ORDER BY key ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list config: %w", err)
	}
	defer rows.Close()

	var out []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Description, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan config entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteSystemConfig removes a setting. Missing keys are not an error.
func (s *Store) DeleteSystemConfig(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM system_config WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete config %s: %w", key, err)
	}
	return nil
}
