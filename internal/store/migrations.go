package store

import (
	"context"
	"database/sql"
	"fmt"

	"triagent/internal/logging"
)

// migration is one versioned schema step. Statements run inside a single
// transaction together with the schema_migrations bookkeeping row, so a
// partially applied step never records its version.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "core triage tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				git_email TEXT NOT NULL UNIQUE,
				chat_id TEXT NOT NULL UNIQUE,
				display_name TEXT NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS assignments (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				issue_id TEXT NOT NULL,
				issue_url TEXT NOT NULL DEFAULT '',
				assignee_email TEXT NOT NULL,
				confidence REAL NOT NULL DEFAULT 0,
				reasoning TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'assigned',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS expertise_cache (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				file_path TEXT NOT NULL,
				developer_email TEXT NOT NULL,
				score REAL NOT NULL DEFAULT 0,
				commit_count INTEGER NOT NULL DEFAULT 0,
				last_commit_date DATETIME NOT NULL,
				lines_owned INTEGER NOT NULL DEFAULT 0,
				calculated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(file_path, developer_email)
			)`,
			`CREATE TABLE IF NOT EXISTS triage_decisions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				issue_id TEXT NOT NULL,
				stack_trace TEXT NOT NULL DEFAULT '',
				affected_files TEXT NOT NULL DEFAULT '[]',
				root_cause TEXT NOT NULL DEFAULT '',
				confidence REAL NOT NULL,
				draft_pr_url TEXT,
				processing_time_ms INTEGER,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS system_config (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	},
	{
		version:     2,
		description: "lookup indexes for assignments, expertise and decisions",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_assignments_issue_id ON assignments(issue_id)`,
			`CREATE INDEX IF NOT EXISTS idx_assignments_assignee ON assignments(assignee_email)`,
			`CREATE INDEX IF NOT EXISTS idx_assignments_status ON assignments(status)`,
			`CREATE INDEX IF NOT EXISTS idx_expertise_file_path ON expertise_cache(file_path)`,
			`CREATE INDEX IF NOT EXISTS idx_expertise_developer ON expertise_cache(developer_email)`,
			`CREATE INDEX IF NOT EXISTS idx_decisions_issue_id ON triage_decisions(issue_id)`,
			`CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON triage_decisions(created_at)`,
		},
	},
}

// Migrate applies every schema step newer than the recorded version. Safe to
// run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryStore, "Migrate")
	defer timer.Stop()

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		description TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
		}
		applied++
	}
	if applied > 0 {
		logging.Store("Applied %d schema migration(s), now at version %d", applied, migrations[len(migrations)-1].version)
	} else {
		logging.StoreDebug("Schema up to date at version %d", current)
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
		m.version, m.description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// seedDefaults inserts the operator-tunable settings the triage pipeline
// reads at runtime. Existing values are never overwritten.
func (s *Store) seedDefaults(ctx context.Context) error {
	defaults := []struct {
		key, value, description string
	}{
		{"confidence_threshold", "60.0", "Minimum confidence score for auto-assignment"},
		{"draft_pr_enabled", "true", "Enable automatic draft PR generation"},
		{"duplicate_detection_window_minutes", "10", "Time window for duplicate issue detection"},
		{"max_assignment_retries", "3", "Maximum retries for failed assignments"},
		{"notification_retry_attempts", "5", "Maximum retry attempts for notifications"},
	}
	for _, d := range defaults {
		_, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO system_config (key, value, description) VALUES (?, ?, ?)",
			d.key, d.value, d.description)
		if err != nil {
			return fmt.Errorf("failed to seed config %s: %w", d.key, err)
		}
	}
	return nil
}
