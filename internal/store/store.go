// Package store persists triage state in SQLite: user mappings, assignment
// history, blame-derived expertise rows, append-only triage decisions and
// operator configuration. A single write connection plus WAL keeps the
// concurrent workers honest.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"triagent/internal/logging"
)

// Store wraps the SQLite handle. Multi-statement writes take the mutex so a
// transaction is never interleaved with another writer on the shared
// connection.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open initializes the database at path, applies pending migrations and
// seeds default configuration. Callers own Close.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening triage database at %s", path)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &Store{db: db, path: path}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedDefaults(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Triage database ready")
	return s, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity with a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Health reports connectivity and per-table row counts for the health
// endpoints.
type Health struct {
	OK     bool             `json:"ok"`
	Error  string           `json:"error,omitempty"`
	Tables map[string]int64 `json:"tables"`
}

// CheckHealth probes the database and counts rows in every triage table.
func (s *Store) CheckHealth(ctx context.Context) Health {
	h := Health{Tables: make(map[string]int64)}
	if err := s.Ping(ctx); err != nil {
		h.Error = err.Error()
		return h
	}
	for _, table := range []string{"users", "assignments", "expertise_cache", "triage_decisions", "system_config"} {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			h.Error = err.Error()
			return h
		}
		h.Tables[table] = n
	}
	h.OK = true
	return h
}

// CleanupResult summarizes a retention sweep.
type CleanupResult struct {
	DecisionsDeleted int64
	ExpertiseDeleted int64
	AlertsDeleted    int64
}

// Cleanup removes triage decisions older than decisionAge, expertise rows
// staler than expertiseAge, and persisted admin alerts older than
// decisionAge. Used by the cleanup command on an operator's schedule.
func (s *Store) Cleanup(ctx context.Context, decisionAge, expertiseAge time.Duration) (CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result CleanupResult
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM triage_decisions WHERE created_at < ?", now.Add(-decisionAge))
	if err != nil {
		return result, fmt.Errorf("failed to delete old decisions: %w", err)
	}
	result.DecisionsDeleted, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		"DELETE FROM expertise_cache WHERE calculated_at < ?", now.Add(-expertiseAge))
	if err != nil {
		return result, fmt.Errorf("failed to delete stale expertise: %w", err)
	}
	result.ExpertiseDeleted, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		"DELETE FROM system_config WHERE key LIKE 'admin_alert_%' AND updated_at < ?", now.Add(-decisionAge))
	if err != nil {
		return result, fmt.Errorf("failed to delete old admin alerts: %w", err)
	}
	result.AlertsDeleted, _ = res.RowsAffected()

	logging.Store("Cleanup removed %d decisions, %d expertise rows, %d alerts",
		result.DecisionsDeleted, result.ExpertiseDeleted, result.AlertsDeleted)
	return result, nil
}
