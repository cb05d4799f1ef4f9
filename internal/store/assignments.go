package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"triagent/internal/logging"
)

// InsertAssignment records a routing decision for an issue.
func (s *Store) InsertAssignment(ctx context.Context, issueID, issueURL, assigneeEmail string, confidence float64, reasoning string) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (issue_id, issue_url, assignee_email, confidence, reasoning, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		issueID, issueURL, strings.ToLower(assigneeEmail), confidence, reasoning, AssignmentStatusAssigned, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert assignment for issue %s: %w", issueID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new assignment id: %w", err)
	}

	logging.Store("Assigned issue %s to %s (confidence %.1f)", issueID, assigneeEmail, confidence)
	return &Assignment{
		ID:            id,
		IssueID:       issueID,
		IssueURL:      issueURL,
		AssigneeEmail: strings.ToLower(assigneeEmail),
		Confidence:    confidence,
		Reasoning:     reasoning,
		Status:        AssignmentStatusAssigned,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// HasAssignment reports whether the issue was ever routed to this developer,
// regardless of the assignment's current status. Used for loop prevention.
func (s *Store) HasAssignment(ctx context.Context, issueID, assigneeEmail string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assignments WHERE issue_id = ? AND assignee_email = ?",
		issueID, strings.ToLower(assigneeEmail)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check prior assignment: %w", err)
	}
	return n > 0, nil
}

// CountActiveAssignments returns how many issues are currently assigned
// (status "assigned") to the developer. Feeds the workload score.
func (s *Store) CountActiveAssignments(ctx context.Context, assigneeEmail string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assignments WHERE assignee_email = ? AND status = ?",
		strings.ToLower(assigneeEmail), AssignmentStatusAssigned).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active assignments: %w", err)
	}
	return n, nil
}

// GetAssignment returns one assignment by row id.
func (s *Store) GetAssignment(ctx context.Context, id int64) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a Assignment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, issue_id, issue_url, assignee_email, confidence, reasoning, status, created_at, updated_at
		 FROM assignments WHERE id = ?`, id).
		Scan(&a.ID, &a.IssueID, &a.IssueURL, &a.AssigneeEmail, &a.Confidence, &a.Reasoning, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment %d: %w", id, err)
	}
	return &a, nil
}

// UpdateAssignmentStatus moves an assignment through its lifecycle.
func (s *Store) UpdateAssignmentStatus(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE assignments SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update assignment %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Reassign retires the assignment and inserts a fresh row for the new
// developer, carrying over the original confidence. Both rows get a
// reasoning that names the previous owner. The two writes share a
// transaction so the issue never appears unowned.
func (s *Store) Reassign(ctx context.Context, id int64, newAssigneeEmail, reason string) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var old Assignment
	err = tx.QueryRowContext(ctx,
		"SELECT issue_id, issue_url, assignee_email, confidence FROM assignments WHERE id = ?", id).
		Scan(&old.IssueID, &old.IssueURL, &old.AssigneeEmail, &old.Confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment %d: %w", id, err)
	}

	now := time.Now().UTC()
	reasoning := fmt.Sprintf("Reassigned from %s: %s", old.AssigneeEmail, reason)
	if _, err := tx.ExecContext(ctx,
		"UPDATE assignments SET status = ?, reasoning = ?, updated_at = ? WHERE id = ?",
		AssignmentStatusReassigned, reasoning, now, id); err != nil {
		return nil, fmt.Errorf("failed to retire assignment %d: %w", id, err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO assignments (issue_id, issue_url, assignee_email, confidence, reasoning, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		old.IssueID, old.IssueURL, strings.ToLower(newAssigneeEmail), old.Confidence, reasoning, AssignmentStatusAssigned, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reassignment: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new assignment id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reassignment: %w", err)
	}

	logging.Store("Reassigned issue %s from %s to %s", old.IssueID, old.AssigneeEmail, newAssigneeEmail)
	return &Assignment{
		ID:            newID,
		IssueID:       old.IssueID,
		IssueURL:      old.IssueURL,
		AssigneeEmail: strings.ToLower(newAssigneeEmail),
		Confidence:    old.Confidence,
		Reasoning:     reasoning,
		Status:        AssignmentStatusAssigned,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// AssignmentFilter narrows ListAssignments. Zero values match everything.
// Offset only applies together with a positive Limit.
type AssignmentFilter struct {
	IssueID       string
	AssigneeEmail string
	Status        string
	Limit         int
	Offset        int
}

func (f AssignmentFilter) conditions() ([]string, []any) {
	var conds []string
	var args []any
	if f.IssueID != "" {
		conds = append(conds, "issue_id = ?")
		args = append(args, f.IssueID)
	}
	if f.AssigneeEmail != "" {
		conds = append(conds, "assignee_email = ?")
		args = append(args, strings.ToLower(f.AssigneeEmail))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	return conds, args
}

// ListAssignments returns assignments newest first.
func (s *Store) ListAssignments(ctx context.Context, f AssignmentFilter) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, issue_id, issue_url, assignee_email, confidence, reasoning, status, created_at, updated_at
		FROM assignments`
	conds, args := f.conditions()
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.IssueID, &a.IssueURL, &a.AssigneeEmail, &a.Confidence, &a.Reasoning, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAssignments returns how many rows match the filter, ignoring Limit
// and Offset. Drives pagination metadata for the history endpoint.
func (s *Store) CountAssignments(ctx context.Context, f AssignmentFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT COUNT(*) FROM assignments"
	conds, args := f.conditions()
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count assignments: %w", err)
	}
	return n, nil
}

// DeveloperLoad summarizes the open assignments carried by one developer.
type DeveloperLoad struct {
	AssigneeEmail string  `json:"assignee_email"`
	BugCount      int     `json:"bug_count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// ActiveAssignmentLoads groups open assignments by developer. Developers
// with nothing assigned do not appear.
func (s *Store) ActiveAssignmentLoads(ctx context.Context) ([]DeveloperLoad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT assignee_email, COUNT(*), COALESCE(AVG(confidence), 0)
		 FROM assignments WHERE status = ? GROUP BY assignee_email`,
		AssignmentStatusAssigned)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate assignment loads: %w", err)
	}
	defer rows.Close()

	var out []DeveloperLoad
	for rows.Next() {
		var l DeveloperLoad
		if err := rows.Scan(&l.AssigneeEmail, &l.BugCount, &l.AvgConfidence); err != nil {
			return nil, fmt.Errorf("failed to scan assignment load: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
