package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"triagent/internal/logging"
)

// InsertTriageDecision appends the audit record for one processed issue.
// affected_files is stored as a JSON array so the dashboard can render it
// without re-parsing stack traces.
func (s *Store) InsertTriageDecision(ctx context.Context, d *TriageDecision) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := d.AffectedFiles
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return 0, fmt.Errorf("failed to encode affected files: %w", err)
	}

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO triage_decisions (issue_id, stack_trace, affected_files, root_cause, confidence, draft_pr_url, processing_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.IssueID, d.StackTrace, string(filesJSON), d.RootCause, d.Confidence,
		nullString(d.DraftPRURL), d.ProcessingTimeMS, createdAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert triage decision for issue %s: %w", d.IssueID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new decision id: %w", err)
	}

	logging.StoreDebug("Recorded triage decision %d for issue %s", id, d.IssueID)
	return id, nil
}

// HasRecentDecision reports whether the issue already produced a decision
// within the window. The worker uses this to keep redelivered webhooks from
// triggering a second triage run.
func (s *Store) HasRecentDecision(ctx context.Context, issueID string, window time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM triage_decisions WHERE issue_id = ? AND created_at > ?",
		issueID, time.Now().UTC().Add(-window)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check recent decisions: %w", err)
	}
	return n > 0, nil
}

// RecentDecisions returns decisions created within the window, newest first.
// The webhook handler compares incoming titles against these for duplicate
// detection.
func (s *Store) RecentDecisions(ctx context.Context, window time.Duration) ([]TriageDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, issue_id, stack_trace, affected_files, root_cause, confidence, draft_pr_url, processing_time_ms, created_at
		 FROM triage_decisions WHERE created_at > ? ORDER BY created_at DESC, id DESC`,
		time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to list recent decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// DecisionFilter narrows ListDecisions. Zero values match everything.
type DecisionFilter struct {
	IssueID string
	Limit   int
}

// ListDecisions returns the audit trail newest first.
func (s *Store) ListDecisions(ctx context.Context, f DecisionFilter) ([]TriageDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, issue_id, stack_trace, affected_files, root_cause, confidence, draft_pr_url, processing_time_ms, created_at
		FROM triage_decisions`
	var args []any
	if f.IssueID != "" {
		query += " WHERE issue_id = ?"
		args = append(args, f.IssueID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// DashboardStats aggregates the numbers shown on the operator dashboard.
type DashboardStats struct {
	TotalDecisions    int64   `json:"total_decisions"`
	DecisionsLast24h  int64   `json:"decisions_last_24h"`
	AvgConfidence     float64 `json:"avg_confidence"`
	AvgProcessingMS   float64 `json:"avg_processing_ms"`
	ActiveAssignments int64   `json:"active_assignments"`
	DraftPRsCreated   int64   `json:"draft_prs_created"`
}

// Stats computes dashboard aggregates in a single pass per table.
func (s *Store) Stats(ctx context.Context) (DashboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st DashboardStats
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN created_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(confidence), 0),
			COALESCE(AVG(processing_time_ms), 0),
			COALESCE(SUM(CASE WHEN draft_pr_url IS NOT NULL AND draft_pr_url != '' THEN 1 ELSE 0 END), 0)
		FROM triage_decisions`,
		time.Now().UTC().Add(-24*time.Hour)).
		Scan(&st.TotalDecisions, &st.DecisionsLast24h, &st.AvgConfidence, &st.AvgProcessingMS, &st.DraftPRsCreated)
	if err != nil {
		return st, fmt.Errorf("failed to aggregate decisions: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assignments WHERE status = ?", AssignmentStatusAssigned).
		Scan(&st.ActiveAssignments)
	if err != nil {
		return st, fmt.Errorf("failed to count active assignments: %w", err)
	}
	return st, nil
}

func scanDecisions(rows *sql.Rows) ([]TriageDecision, error) {
	var out []TriageDecision
	for rows.Next() {
		var (
			d         TriageDecision
			filesJSON string
			prURL     sql.NullString
			procMS    sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.IssueID, &d.StackTrace, &filesJSON, &d.RootCause, &d.Confidence, &prURL, &procMS, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if err := json.Unmarshal([]byte(filesJSON), &d.AffectedFiles); err != nil {
			logging.StoreWarn("Decision %d has malformed affected_files, skipping field: %v", d.ID, err)
			d.AffectedFiles = nil
		}
		d.DraftPRURL = prURL.String
		d.ProcessingTimeMS = procMS.Int64
		out = append(out, d)
	}
	return out, rows.Err()
}
