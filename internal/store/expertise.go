package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"triagent/internal/logging"
)

// CachedExpertise returns the cached ownership rows for a file, highest
// score first. When maxAge is positive, only a batch calculated within
// maxAge of now qualifies; a stale or missing batch returns an empty slice.
func (s *Store) CachedExpertise(ctx context.Context, filePath string, maxAge time.Duration) ([]ExpertiseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, file_path, developer_email, score, commit_count, last_commit_date, lines_owned, calculated_at
		FROM expertise_cache WHERE file_path = ?`
	args := []any{filePath}
	if maxAge > 0 {
		query += " AND calculated_at > ?"
		args = append(args, time.Now().UTC().Add(-maxAge))
	}
	query += " ORDER BY score DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read expertise cache for %s: %w", filePath, err)
	}
	defer rows.Close()

	var out []ExpertiseRow
	for rows.Next() {
		var r ExpertiseRow
		if err := rows.Scan(&r.ID, &r.FilePath, &r.DeveloperEmail, &r.Score, &r.CommitCount, &r.LastCommitDate, &r.LinesOwned, &r.CalculatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan expertise row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceExpertise swaps the cached batch for a file with freshly computed
// rows. Delete and insert share a transaction so readers never observe a
// half-written batch.
func (s *Store) ReplaceExpertise(ctx context.Context, filePath string, batch []ExpertiseRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM expertise_cache WHERE file_path = ?", filePath); err != nil {
		return fmt.Errorf("failed to clear expertise cache for %s: %w", filePath, err)
	}

	now := time.Now().UTC()
	for _, r := range batch {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO expertise_cache (file_path, developer_email, score, commit_count, last_commit_date, lines_owned, calculated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			filePath, strings.ToLower(r.DeveloperEmail), r.Score, r.CommitCount, r.LastCommitDate.UTC(), r.LinesOwned, now); err != nil {
			return fmt.Errorf("failed to insert expertise row for %s: %w", r.DeveloperEmail, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit expertise batch: %w", err)
	}

	logging.StoreDebug("Cached %d expertise rows for %s", len(batch), filePath)
	return nil
}

// ListAllExpertise returns every cached row ordered by file then score.
// Feeds the ownership report in the admin API.
func (s *Store) ListAllExpertise(ctx context.Context) ([]ExpertiseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_path, developer_email, score, commit_count, last_commit_date, lines_owned, calculated_at
		 FROM expertise_cache ORDER BY file_path ASC, score DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list expertise cache: %w", err)
	}
	defer rows.Close()

	var out []ExpertiseRow
	for rows.Next() {
		var r ExpertiseRow
		if err := rows.Scan(&r.ID, &r.FilePath, &r.DeveloperEmail, &r.Score, &r.CommitCount, &r.LastCommitDate, &r.LinesOwned, &r.CalculatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan expertise row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
