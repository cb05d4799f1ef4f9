package store

import (
	"database/sql"
	"time"
)

// User maps a git identity to a chat identity for assignment notifications.
type User struct {
	ID          int64     `json:"id"`
	GitEmail    string    `json:"git_email"`
	ChatID      string    `json:"chat_id"`
	DisplayName string    `json:"display_name"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Assignment records one routing outcome for an issue.
type Assignment struct {
	ID            int64     `json:"id"`
	IssueID       string    `json:"issue_id"`
	IssueURL      string    `json:"issue_url"`
	AssigneeEmail string    `json:"assignee_email"`
	Confidence    float64   `json:"confidence"`
	Reasoning     string    `json:"reasoning"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Assignment lifecycle states.
const (
	AssignmentStatusAssigned   = "assigned"
	AssignmentStatusCompleted  = "completed"
	AssignmentStatusReassigned = "reassigned"
)

// ExpertiseRow is one cached (file, developer) ownership measurement derived
// from git blame.
type ExpertiseRow struct {
	ID             int64     `json:"id"`
	FilePath       string    `json:"file_path"`
	DeveloperEmail string    `json:"developer_email"`
	Score          float64   `json:"score"`
	CommitCount    int       `json:"commit_count"`
	LastCommitDate time.Time `json:"last_commit_date"`
	LinesOwned     int       `json:"lines_owned"`
	CalculatedAt   time.Time `json:"calculated_at"`
}

// TriageDecision is the append-only audit record for one processed issue.
type TriageDecision struct {
	ID               int64     `json:"id"`
	IssueID          string    `json:"issue_id"`
	StackTrace       string    `json:"stack_trace"`
	AffectedFiles    []string  `json:"affected_files"`
	RootCause        string    `json:"root_cause"`
	Confidence       float64   `json:"confidence"`
	DraftPRURL       string    `json:"draft_pr_url,omitempty"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// ConfigEntry is one operator setting from system_config.
type ConfigEntry struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
