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

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// CreateUser registers a git-email to chat-id mapping. Emails are stored
// lowercased so blame output matches regardless of committer casing.
func (s *Store) CreateUser(ctx context.Context, gitEmail, chatID, displayName string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gitEmail = strings.ToLower(strings.TrimSpace(gitEmail))
	chatID = strings.TrimSpace(chatID)
	displayName = strings.TrimSpace(displayName)
	if gitEmail == "" || chatID == "" || displayName == "" {
		return nil, fmt.Errorf("git_email, chat_id and display_name are all required")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (git_email, chat_id, display_name, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)`,
		gitEmail, chatID, displayName, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", gitEmail, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new user id: %w", err)
	}

	logging.Store("Registered user %s (%s)", displayName, gitEmail)
	return &User{
		ID:          id,
		GitEmail:    gitEmail,
		ChatID:      chatID,
		DisplayName: displayName,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetUserByEmail returns the mapping for a git email, active or not.
func (s *Store) GetUserByEmail(ctx context.Context, gitEmail string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, git_email, chat_id, display_name, is_active, created_at, updated_at
		 FROM users WHERE git_email = ?`,
		strings.ToLower(strings.TrimSpace(gitEmail)))
	return scanUser(row)
}

// GetUserByID returns the mapping with the given row id.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, git_email, chat_id, display_name, is_active, created_at, updated_at
		 FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByChatID returns the mapping owning a chat id. Chat ids are unique
// across mappings, so this also serves conflict checks before writes.
func (s *Store) GetUserByChatID(ctx context.Context, chatID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, git_email, chat_id, display_name, is_active, created_at, updated_at
		 FROM users WHERE chat_id = ?`, strings.TrimSpace(chatID))
	return scanUser(row)
}

// IsUserActive reports whether the email has an active mapping. Unknown
// emails are inactive.
func (s *Store) IsUserActive(ctx context.Context, gitEmail string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active bool
	err := s.db.QueryRowContext(ctx,
		"SELECT is_active FROM users WHERE git_email = ?",
		strings.ToLower(strings.TrimSpace(gitEmail))).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user %s: %w", gitEmail, err)
	}
	return active, nil
}

// ListUsers returns all mappings, active first, then by display name.
func (s *Store) ListUsers(ctx context.Context, activeOnly bool) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, git_email, chat_id, display_name, is_active, created_at, updated_at
		FROM users`
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY is_active DESC, display_name ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.GitEmail, &u.ChatID, &u.DisplayName, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser changes the chat id, display name or active flag for a mapping.
// Empty strings leave the field untouched.
func (s *Store) UpdateUser(ctx context.Context, gitEmail, chatID, displayName string, isActive *bool) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gitEmail = strings.ToLower(strings.TrimSpace(gitEmail))

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if chatID = strings.TrimSpace(chatID); chatID != "" {
		sets = append(sets, "chat_id = ?")
		args = append(args, chatID)
	}
	if displayName = strings.TrimSpace(displayName); displayName != "" {
		sets = append(sets, "display_name = ?")
		args = append(args, displayName)
	}
	if isActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *isActive)
	}
	args = append(args, gitEmail)

	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET "+strings.Join(sets, ", ")+" WHERE git_email = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update user %s: %w", gitEmail, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, git_email, chat_id, display_name, is_active, created_at, updated_at
		 FROM users WHERE git_email = ?`, gitEmail)
	return scanUser(row)
}

// DeactivateUser soft-deletes a mapping so history referencing the email
// stays intact.
func (s *Store) DeactivateUser(ctx context.Context, gitEmail string) error {
	inactive := false
	_, err := s.UpdateUser(ctx, gitEmail, "", "", &inactive)
	return err
}

// DeleteUser removes a mapping outright. Prefer DeactivateUser when
// assignment history should keep resolving the email to a person.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete user %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	logging.Store("Deleted user mapping %d", id)
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.GitEmail, &u.ChatID, &u.DisplayName, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}
