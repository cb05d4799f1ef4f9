package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"triagent/internal/store"
)

// Runtime-tunable settings keyed in the system_config table.
const (
	keyConfidenceThreshold = "confidence_threshold"
	keyDraftPREnabled      = "draft_pr_enabled"
	keyDuplicateWindow     = "duplicate_detection_window_minutes"
	keyMaxAssignRetries    = "max_assignment_retries"
	keyNotifyRetries       = "notification_retry_attempts"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type userCreateRequest struct {
	GitEmail    string `json:"git_email" validate:"required,email"`
	ChatID      string `json:"chat_id" validate:"required,startswith=U,min=9"`
	DisplayName string `json:"display_name" validate:"required"`
	IsActive    *bool  `json:"is_active"`
}

type userUpdateRequest struct {
	ChatID      string `json:"chat_id" validate:"omitempty,startswith=U,min=9"`
	DisplayName string `json:"display_name"`
	IsActive    *bool  `json:"is_active"`
}

// decodeBody unmarshals and validates a JSON request body. It writes the
// error response itself and reports whether the handler should continue.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationDetail(err))
		return false
	}
	return true
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Sprintf("Invalid value for %s (%s)", verrs[0].Field(), verrs[0].Tag())
	}
	return "Invalid request payload"
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))
	users, err := s.db.ListUsers(r.Context(), activeOnly)
	if err != nil {
		s.internalError(w, "Failed to retrieve users", err)
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userCreateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	email := strings.ToLower(strings.TrimSpace(req.GitEmail))

	if _, err := s.db.GetUserByEmail(ctx, email); err == nil {
		writeError(w, http.StatusBadRequest, "User with this email already exists")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.internalError(w, "Failed to create user", err)
		return
	}
	if _, err := s.db.GetUserByChatID(ctx, req.ChatID); err == nil {
		writeError(w, http.StatusBadRequest, "User with this chat ID already exists")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.internalError(w, "Failed to create user", err)
		return
	}

	user, err := s.db.CreateUser(ctx, email, req.ChatID, req.DisplayName)
	if err != nil {
		s.internalError(w, "Failed to create user", err)
		return
	}
	if req.IsActive != nil && !*req.IsActive {
		user, err = s.db.UpdateUser(ctx, user.GitEmail, "", "", req.IsActive)
		if err != nil {
			s.internalError(w, "Failed to create user", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	var req userUpdateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()

	user, err := s.db.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to update user", err)
		return
	}

	if req.ChatID != "" && req.ChatID != user.ChatID {
		if _, err := s.db.GetUserByChatID(ctx, req.ChatID); err == nil {
			writeError(w, http.StatusBadRequest, "User with this chat ID already exists")
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			s.internalError(w, "Failed to update user", err)
			return
		}
	}

	updated, err := s.db.UpdateUser(ctx, user.GitEmail, req.ChatID, req.DisplayName, req.IsActive)
	if err != nil {
		s.internalError(w, "Failed to update user", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	ctx := r.Context()

	user, err := s.db.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to delete user", err)
		return
	}

	active, err := s.db.CountActiveAssignments(ctx, user.GitEmail)
	if err != nil {
		s.internalError(w, "Failed to delete user", err)
		return
	}
	if active > 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Cannot delete user with %d active assignments", active))
		return
	}

	if err := s.db.DeleteUser(ctx, id); err != nil {
		s.internalError(w, "Failed to delete user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted successfully"})
}

type systemSettings struct {
	ConfidenceThreshold       float64 `json:"confidence_threshold" validate:"gte=0,lte=100"`
	DraftPREnabled            bool    `json:"draft_pr_enabled"`
	DuplicateWindowMinutes    int     `json:"duplicate_detection_window_minutes" validate:"gte=1,lte=60"`
	MaxAssignmentRetries      int     `json:"max_assignment_retries" validate:"gte=1,lte=10"`
	NotificationRetryAttempts int     `json:"notification_retry_attempts" validate:"gte=1,lte=10"`
}

func (s *Server) currentSettings(ctx context.Context) systemSettings {
	return systemSettings{
		ConfidenceThreshold:       s.db.ConfigFloat(ctx, keyConfidenceThreshold, 60),
		DraftPREnabled:            s.db.ConfigBool(ctx, keyDraftPREnabled, true),
		DuplicateWindowMinutes:    s.db.ConfigInt(ctx, keyDuplicateWindow, 10),
		MaxAssignmentRetries:      s.db.ConfigInt(ctx, keyMaxAssignRetries, 3),
		NotificationRetryAttempts: s.db.ConfigInt(ctx, keyNotifyRetries, 5),
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSettings(r.Context()))
}

// handleUpdateSettings persists the full settings document. Descriptions
// seeded at migration time are kept as-is.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req systemSettings
	if !s.decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()

	updates := []struct{ key, value string }{
		{keyConfidenceThreshold, strconv.FormatFloat(req.ConfidenceThreshold, 'f', -1, 64)},
		{keyDraftPREnabled, strconv.FormatBool(req.DraftPREnabled)},
		{keyDuplicateWindow, strconv.Itoa(req.DuplicateWindowMinutes)},
		{keyMaxAssignRetries, strconv.Itoa(req.MaxAssignmentRetries)},
		{keyNotifyRetries, strconv.Itoa(req.NotificationRetryAttempts)},
	}
	for _, u := range updates {
		if err := s.db.SetSystemConfig(ctx, u.key, u.value, ""); err != nil {
			s.internalError(w, "Failed to update settings", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, req)
}

type assignmentEntry struct {
	store.Assignment
	AssigneeDisplayName string `json:"assignee_display_name"`
}

type historyPagination struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

func (s *Server) handleAssignmentHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}

	filter := store.AssignmentFilter{
		Status:        q.Get("status"),
		AssigneeEmail: q.Get("assignee_email"),
		Limit:         limit,
		Offset:        offset,
	}

	total, err := s.db.CountAssignments(ctx, filter)
	if err != nil {
		s.internalError(w, "Failed to retrieve assignment history", err)
		return
	}
	rows, err := s.db.ListAssignments(ctx, filter)
	if err != nil {
		s.internalError(w, "Failed to retrieve assignment history", err)
		return
	}
	users, err := s.db.ListUsers(ctx, false)
	if err != nil {
		s.internalError(w, "Failed to retrieve assignment history", err)
		return
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.GitEmail] = u.DisplayName
	}

	entries := make([]assignmentEntry, 0, len(rows))
	for _, a := range rows {
		entries = append(entries, assignmentEntry{
			Assignment:          a,
			AssigneeDisplayName: names[a.AssigneeEmail],
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"assignments": entries,
		"pagination": historyPagination{
			TotalCount: total,
			Limit:      limit,
			Offset:     offset,
			HasMore:    offset+limit < total,
		},
	})
}

type reassignRequest struct {
	NewAssigneeEmail string `json:"new_assignee_email" validate:"required,email"`
	Reason           string `json:"reason" validate:"required"`
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "assignmentID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid assignment id")
		return
	}
	var req reassignRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()

	old, err := s.db.GetAssignment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Assignment not found")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to reassign assignment", err)
		return
	}

	assignee, err := s.db.GetUserByEmail(ctx, req.NewAssigneeEmail)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "New assignee not found in user mappings")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to reassign assignment", err)
		return
	}
	if !assignee.IsActive {
		writeError(w, http.StatusBadRequest, "New assignee is not active")
		return
	}

	replacement, err := s.db.Reassign(ctx, id, assignee.GitEmail, req.Reason)
	if err != nil {
		s.internalError(w, "Failed to reassign assignment", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":           "Assignment reassigned successfully",
		"old_assignment_id": old.ID,
		"new_assignment_id": replacement.ID,
		"old_assignee":      old.AssigneeEmail,
		"new_assignee":      replacement.AssigneeEmail,
		"reason":            req.Reason,
	})
}

func (s *Server) handleAssignmentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "assignmentID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid assignment id")
		return
	}
	status := r.URL.Query().Get("status")
	switch status {
	case store.AssignmentStatusAssigned, store.AssignmentStatusCompleted, store.AssignmentStatusReassigned:
	default:
		writeError(w, http.StatusBadRequest, "Invalid status. Must be one of: assigned, completed, reassigned")
		return
	}
	ctx := r.Context()

	old, err := s.db.GetAssignment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Assignment not found")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to update assignment status", err)
		return
	}

	if err := s.db.UpdateAssignmentStatus(ctx, id, status); err != nil {
		s.internalError(w, "Failed to update assignment status", err)
		return
	}
	updated, err := s.db.GetAssignment(ctx, id)
	if err != nil {
		s.internalError(w, "Failed to update assignment status", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "Assignment status updated successfully",
		"assignment_id": id,
		"old_status":    old.Status,
		"new_status":    updated.Status,
		"updated_at":    updated.UpdatedAt,
	})
}
