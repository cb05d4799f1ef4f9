// Package notify delivers triage outcomes over the team chat workspace.
// Auto-assigned bugs go to the matched developer as a direct message and
// low-confidence results escalate to the on-call engineer. When the chat
// service is unreachable the dispatcher degrades to logging the message and
// parking it in system_config for later replay, and still reports success so
// the triage decision can complete.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"triagent/internal/assign"
	"triagent/internal/breaker"
	"triagent/internal/logging"
	"triagent/internal/store"
)

const (
	maxAttempts = 5
	maxDelay    = 60 * time.Second

	// onCallConfigKey holds the chat id escalations are sent to. Operators
	// set it through the admin settings API.
	onCallConfigKey = "on_call_engineer_chat_id"
)

// nonRetryableErrors short-circuit the retry loop; resending cannot help.
var nonRetryableErrors = []string{
	"invalid_auth", "account_inactive", "user_not_found", "channel_not_found",
}

// Content is the assembled payload for one notification.
type Content struct {
	AssigneeEmail   string
	AssigneeChatID  string
	AssigneeName    string
	IssueID         string
	IssueURL        string
	FilePath        string
	LineNumber      int
	Reason          string
	Confidence      float64
	DraftPRURL      string
	EstimatedEffort string
	Priority        string
}

// Result reports the outcome of one notification attempt chain. Error can
// carry an informational note even when Success is true.
type Result struct {
	Success     bool   `json:"success"`
	MessageTS   string `json:"message_ts,omitempty"`
	Error       string `json:"error,omitempty"`
	RetryCount  int    `json:"retry_count"`
	TotalTimeMS int64  `json:"total_time_ms"`
}

// Sender delivers a single chat message and returns the provider timestamp.
type Sender interface {
	Available() bool
	SendMessage(ctx context.Context, chatID, text string) (string, error)
}

// Storage is the slice of the store the dispatcher needs.
type Storage interface {
	GetUserByEmail(ctx context.Context, gitEmail string) (*store.User, error)
	GetSystemConfig(ctx context.Context, key string) (string, error)
	SetSystemConfig(ctx context.Context, key, value, description string) error
}

// Service routes triage outcomes to the right chat recipient with retry,
// escalation and a store-and-log fallback.
type Service struct {
	sender   Sender
	db       Storage
	breakers *breaker.Manager
	attempts int
	backoff  func(attempt int) time.Duration
	now      func() time.Time
	log      *logging.Logger
}

// NewService wires a notification dispatcher.
func NewService(sender Sender, db Storage, breakers *breaker.Manager) *Service {
	return &Service{
		sender:   sender,
		db:       db,
		breakers: breakers,
		attempts: maxAttempts,
		backoff: func(attempt int) time.Duration {
			d := time.Duration(1<<attempt) * time.Second
			if d > maxDelay {
				d = maxDelay
			}
			return d
		},
		now: time.Now,
		log: logging.Get(logging.CategoryNotify),
	}
}

// Send dispatches the notification that matches the assignment outcome:
// escalation for route-to-human results, a developer DM otherwise.
func (s *Service) Send(ctx context.Context, res *assign.Result, issueID, issueURL, filePath string, lineNumber int, draftPRURL string) Result {
	if res == nil {
		return Result{Error: "no assignment result"}
	}
	if res.RouteToHuman {
		return s.SendEscalation(ctx, res, issueID, issueURL, filePath, lineNumber)
	}
	return s.SendAssignment(ctx, res, issueID, issueURL, filePath, lineNumber, draftPRURL)
}

// SendAssignment notifies the assigned developer about their new bug.
func (s *Service) SendAssignment(ctx context.Context, res *assign.Result, issueID, issueURL, filePath string, lineNumber int, draftPRURL string) Result {
	timer := logging.StartTimer(logging.CategoryNotify, "SendAssignment")
	defer timer.Stop()

	if res.RouteToHuman {
		s.log.Info("Assignment routed to human triage, skipping developer notification")
		return Result{Success: true, Error: "routed to human triage"}
	}
	if res.AssigneeEmail == "" {
		s.log.Error("No assignee email on assignment result for issue %s", issueID)
		return Result{Error: "no assignee email provided"}
	}

	chatID := s.chatIDFor(ctx, res.AssigneeEmail)
	if chatID == "" {
		return Result{Error: fmt.Sprintf("no chat mapping for %s", res.AssigneeEmail)}
	}

	content := Content{
		AssigneeEmail:   res.AssigneeEmail,
		AssigneeChatID:  chatID,
		AssigneeName:    res.AssigneeName,
		IssueID:         issueID,
		IssueURL:        issueURL,
		FilePath:        filePath,
		LineNumber:      lineNumber,
		Reason:          res.Reasoning,
		Confidence:      res.Confidence,
		DraftPRURL:      draftPRURL,
		EstimatedEffort: res.EstimatedEffort,
		Priority:        res.Priority,
	}

	result := s.sendWithRetry(ctx, chatID, s.formatAssignmentMessage(content))
	if result.Success {
		s.log.Info("Notified %s about issue %s", res.AssigneeEmail, issueID)
	} else {
		s.log.Error("Failed to notify %s about issue %s: %s", res.AssigneeEmail, issueID, result.Error)
	}
	return result
}

// SendEscalation asks the on-call engineer to triage a low-confidence bug.
func (s *Service) SendEscalation(ctx context.Context, res *assign.Result, issueID, issueURL, filePath string, lineNumber int) Result {
	timer := logging.StartTimer(logging.CategoryNotify, "SendEscalation")
	defer timer.Stop()

	if !res.RouteToHuman {
		s.log.Info("Assignment has sufficient confidence, no escalation needed")
		return Result{Success: true, Error: "no escalation needed"}
	}

	onCall := s.onCallChatID(ctx)
	if onCall == "" {
		s.log.Error("No on-call engineer configured, cannot escalate issue %s", issueID)
		return Result{Error: "no on-call engineer configured"}
	}

	suggested := "Unknown"
	if len(res.Fallbacks) > 0 {
		suggested = res.Fallbacks[0].DeveloperEmail
	}

	content := Content{
		AssigneeEmail:   suggested,
		AssigneeChatID:  onCall,
		AssigneeName:    "On-Call Engineer",
		IssueID:         issueID,
		IssueURL:        issueURL,
		FilePath:        filePath,
		LineNumber:      lineNumber,
		Reason:          res.Reasoning,
		Confidence:      res.Confidence,
		EstimatedEffort: res.EstimatedEffort,
		Priority:        res.Priority,
	}

	result := s.sendWithRetry(ctx, onCall, s.formatEscalationMessage(content, suggested))
	if result.Success {
		s.log.Info("Escalated issue %s to on-call engineer", issueID)
	} else {
		s.log.Error("Failed to escalate issue %s: %s", issueID, result.Error)
	}
	return result
}

// chatIDFor resolves an active chat mapping for a git email.
func (s *Service) chatIDFor(ctx context.Context, gitEmail string) string {
	user, err := s.db.GetUserByEmail(ctx, gitEmail)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warn("No chat mapping found for %s", gitEmail)
		} else {
			s.log.Error("Could not look up chat mapping for %s: %v", gitEmail, err)
		}
		return ""
	}
	if !user.IsActive {
		s.log.Warn("Chat mapping for %s is inactive", gitEmail)
		return ""
	}
	return user.ChatID
}

// onCallChatID reads the configured escalation target.
func (s *Service) onCallChatID(ctx context.Context) string {
	value, err := s.db.GetSystemConfig(ctx, onCallConfigKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warn("On-call engineer chat id not configured")
		} else {
			s.log.Error("Could not read on-call engineer chat id: %v", err)
		}
		return ""
	}
	return value
}

// sendWithRetry runs the delivery loop under the chat breaker. When the
// breaker is open or every attempt fails, the fallback logs the message,
// parks it in system_config and reports success so triage can complete.
func (s *Service) sendWithRetry(ctx context.Context, chatID, message string) Result {
	result, fallbackUsed, err := breaker.Execute(ctx, s.breakers, breaker.ServiceChat,
		func(ctx context.Context) (Result, error) {
			return s.deliverWithBackoff(ctx, chatID, message)
		},
		func(ctx context.Context) (Result, error) {
			return s.fallbackDelivery(ctx, chatID, message), nil
		})
	if err != nil {
		return Result{Error: err.Error()}
	}
	if fallbackUsed {
		s.log.Warn("Chat delivery degraded to fallback for %s", chatID)
	}
	return result
}

// deliverWithBackoff attempts delivery up to s.attempts times with
// exponential backoff. It returns an error when no attempt succeeded so the
// breaker records the failure.
func (s *Service) deliverWithBackoff(ctx context.Context, chatID, message string) (Result, error) {
	if s.sender == nil || !s.sender.Available() {
		return Result{Error: "chat client not configured"}, errors.New("chat client not configured")
	}

	var last Result
	for attempt := 0; attempt < s.attempts; attempt++ {
		result := s.attemptSend(ctx, chatID, message, attempt)
		if result.Success {
			return result, nil
		}
		last = result

		if isNonRetryable(result.Error) {
			s.log.Warn("Non-retryable chat error: %s", result.Error)
			break
		}
		if attempt < s.attempts-1 {
			delay := s.backoff(attempt)
			s.log.Info("Retrying chat message in %.1fs (attempt %d/%d)", delay.Seconds(), attempt+1, s.attempts)
			if err := sleepCtx(ctx, delay); err != nil {
				last.Error = err.Error()
				return last, err
			}
		}
	}
	if last.Error == "" {
		last.Error = "all retry attempts failed"
	}
	return last, errors.New(last.Error)
}

// attemptSend performs one delivery attempt.
func (s *Service) attemptSend(ctx context.Context, chatID, message string, attempt int) Result {
	start := time.Now()
	ts, err := s.sender.SendMessage(ctx, chatID, message)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		s.log.Error("Failed to send chat message to %s: %v", chatID, err)
		return Result{Error: err.Error(), RetryCount: attempt, TotalTimeMS: elapsed}
	}
	return Result{Success: true, MessageTS: ts, RetryCount: attempt, TotalTimeMS: elapsed}
}

// fallbackDelivery records the undeliverable message and reports success.
func (s *Service) fallbackDelivery(ctx context.Context, chatID, message string) Result {
	s.log.Error("NOTIFICATION FALLBACK: would have sent to %s: %s", chatID, message)
	s.parkFailedNotification(ctx, chatID, message)
	return Result{Success: true, Error: "used fallback logging (chat unavailable)"}
}

// parkFailedNotification stores the message under a timestamped config key
// so operators can replay it once chat recovers.
func (s *Service) parkFailedNotification(ctx context.Context, chatID, message string) {
	payload, err := json.Marshal(map[string]string{
		"chat_id":   chatID,
		"message":   message,
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"type":      "failed_notification",
	})
	if err != nil {
		s.log.Error("Could not encode failed notification: %v", err)
		return
	}
	key := fmt.Sprintf("failed_notification_%s_%d", chatID, s.now().Unix())
	if err := s.db.SetSystemConfig(ctx, key, string(payload), "Failed notification for retry"); err != nil {
		s.log.Error("Could not store failed notification: %v", err)
	}
}

func (s *Service) formatAssignmentMessage(c Content) string {
	parts := []string{
		"🐛 *New Bug Assignment*",
		"",
		fmt.Sprintf("*Issue:* <%s|%s>", c.IssueURL, c.IssueID),
		fmt.Sprintf("*File:* `%s`", c.FilePath),
	}
	if c.LineNumber > 0 {
		parts = append(parts, fmt.Sprintf("*Line:* %d", c.LineNumber))
	}
	parts = append(parts,
		fmt.Sprintf("*Confidence:* %.1f%%", c.Confidence),
		fmt.Sprintf("*Priority:* %s", titleCase(c.Priority)),
		fmt.Sprintf("*Estimated Effort:* %s", c.EstimatedEffort),
		"",
		fmt.Sprintf("*Why you?* %s", c.Reason),
	)
	if c.DraftPRURL != "" {
		parts = append(parts,
			"",
			fmt.Sprintf("🔧 *Draft Fix Available:* <%s|View Proposed Solution>", c.DraftPRURL),
		)
	}
	parts = append(parts,
		"",
		fmt.Sprintf("_Assigned by Triagent at %s_", s.now().Format("15:04:05")),
	)
	return strings.Join(parts, "\n")
}

func (s *Service) formatEscalationMessage(c Content, suggested string) string {
	parts := []string{
		"⚠️ *Manual Triage Required*",
		"",
		fmt.Sprintf("*Issue:* <%s|%s>", c.IssueURL, c.IssueID),
		fmt.Sprintf("*File:* `%s`", c.FilePath),
	}
	if c.LineNumber > 0 {
		parts = append(parts, fmt.Sprintf("*Line:* %d", c.LineNumber))
	}
	parts = append(parts,
		fmt.Sprintf("*Confidence:* %.1f%% (below threshold)", c.Confidence),
		fmt.Sprintf("*Suggested Assignee:* %s", suggested),
		"",
		fmt.Sprintf("*Reason for Escalation:* %s", c.Reason),
		"",
		"_Please review and assign manually_",
	)
	return strings.Join(parts, "\n")
}

func isNonRetryable(msg string) bool {
	lower := strings.ToLower(msg)
	for _, token := range nonRetryableErrors {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
