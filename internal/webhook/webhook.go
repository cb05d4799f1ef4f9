// Package webhook ingests source-hosting webhook deliveries. It verifies
// the HMAC signature, normalizes issue and pull request events, suppresses
// duplicate deliveries inside the detection window and hands accepted
// events to the triage queue. Processing itself happens elsewhere; this
// package only decides accept, ignore or reject.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"triagent/internal/logging"
	"triagent/internal/store"
)

const (
	defaultWindow = 10 * time.Minute
	maxBodyBytes  = 10 << 20

	signaturePrefix = "sha256="
)

// Record is a normalized webhook event ready for triage.
type Record struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	IssueID    string `json:"issue_id"`
	Number     int    `json:"number"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	URL        string `json:"url"`
	Repository string `json:"repository"`
	CreatedAt  string `json:"created_at"`
	User       string `json:"user"`
	Draft      bool   `json:"draft,omitempty"`
}

// Enqueuer hands accepted records to the triage pipeline.
type Enqueuer interface {
	Enqueue(rec *Record) error
}

// Storage is the slice of the store the ingress needs for duplicate and
// similarity checks.
type Storage interface {
	HasRecentDecision(ctx context.Context, issueID string, window time.Duration) (bool, error)
	RecentDecisions(ctx context.Context, window time.Duration) ([]store.TriageDecision, error)
}

// Handler is the HTTP entry point for webhook deliveries.
type Handler struct {
	secret string
	window time.Duration
	db     Storage
	queue  Enqueuer
	log    *logging.Logger
}

// NewHandler builds the ingress. window bounds duplicate detection; zero or
// negative falls back to ten minutes.
func NewHandler(secret string, window time.Duration, db Storage, queue Enqueuer) *Handler {
	if window <= 0 {
		window = defaultWindow
	}
	return &Handler{
		secret: secret,
		window: window,
		db:     db,
		queue:  queue,
		log:    logging.Get(logging.CategoryWebhook),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timer := logging.StartTimer(logging.CategoryWebhook, "HandleWebhook")
	defer timer.Stop()

	signature := r.Header.Get("X-Hub-Signature-256")
	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		// Some proxies strip the delivery header; mint an id so responses
		// and log lines stay correlatable.
		deliveryID = uuid.NewString()
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.log.Error("Failed to read webhook body: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Internal server error"})
		return
	}

	if !h.verifySignature(body, signature) {
		h.log.Warn("Invalid webhook signature for delivery %s", deliveryID)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid signature"})
		return
	}

	if !json.Valid(body) {
		h.log.Error("Invalid JSON payload for delivery %s", deliveryID)
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid JSON payload"})
		return
	}

	h.log.Info("Received %s webhook (delivery: %s)", eventType, deliveryID)

	var (
		rec *Record
		ok  bool
	)
	switch eventType {
	case "issues":
		rec, ok = parseIssueEvent(body)
	case "pull_request":
		rec, ok = parsePullRequestEvent(body)
	default:
		h.log.Debug("Ignoring unsupported event type: %s", eventType)
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ignored",
			"reason": "Unsupported event type: " + eventType,
		})
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ignored",
			"reason": "Event not relevant for triage",
		})
		return
	}

	ctx := r.Context()
	if h.isDuplicate(ctx, rec.IssueID) {
		h.log.Info("Duplicate detected for %s, skipping triage", rec.IssueID)
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "duplicate",
			"issue_id": rec.IssueID,
		})
		return
	}

	// Advisory only: related recent work is worth a log line, not a block.
	if similar := h.findSimilar(ctx, rec.Body); len(similar) > 0 {
		h.log.Info("Issue %s resembles %d recent triage decisions", rec.IssueID, len(similar))
	}

	if err := h.queue.Enqueue(rec); err != nil {
		h.log.Error("Failed to enqueue triage job for %s: %v", rec.IssueID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Internal server error"})
		return
	}

	h.log.Info("Enqueued triage job for %s %s", rec.Type, rec.IssueID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "accepted",
		"delivery_id": deliveryID,
		"event_type":  eventType,
		"issue_id":    rec.IssueID,
	})
}

// verifySignature checks the HMAC-SHA256 of the raw body. With no secret
// configured verification is skipped so local setups still work.
func (h *Handler) verifySignature(body []byte, header string) bool {
	if h.secret == "" {
		h.log.Warn("No webhook secret configured, skipping signature verification")
		return true
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimPrefix(header, signaturePrefix)))
}

// isDuplicate reports whether this issue was already decided inside the
// window. Check failures fail open: better a repeat triage than a dropped
// bug.
func (h *Handler) isDuplicate(ctx context.Context, issueID string) bool {
	if issueID == "" {
		return false
	}
	dup, err := h.db.HasRecentDecision(ctx, issueID, h.window)
	if err != nil {
		h.log.Error("Duplicate check failed for %s: %v", issueID, err)
		return false
	}
	return dup
}

// findSimilar returns recent decisions whose stored stack trace shares at
// least half of the keywords extracted from the new issue body.
func (h *Handler) findSimilar(ctx context.Context, body string) []store.TriageDecision {
	keywords := extractKeywords(body)
	if len(keywords) == 0 {
		return nil
	}

	recent, err := h.db.RecentDecisions(ctx, h.window)
	if err != nil {
		h.log.Error("Could not load recent decisions for similarity check: %v", err)
		return nil
	}

	var similar []store.TriageDecision
	for _, d := range recent {
		if d.StackTrace != "" && hasSimilarContent(d.StackTrace, keywords) {
			similar = append(similar, d)
		}
	}
	return similar
}

// event is the subset of a GitHub webhook payload triage cares about.
type event struct {
	Action      string     `json:"action"`
	Issue       *eventItem `json:"issue"`
	PullRequest *eventItem `json:"pull_request"`
	Repository  struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type eventItem struct {
	ID        int64  `json:"id"`
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	HTMLURL   string `json:"html_url"`
	CreatedAt string `json:"created_at"`
	Draft     bool   `json:"draft"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
}

// parseIssueEvent normalizes an issues event. Only newly opened issues are
// relevant.
func parseIssueEvent(payload []byte) (*Record, bool) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		logging.WebhookDebug("Could not decode issue event: %v", err)
		return nil, false
	}
	if ev.Action != "opened" {
		logging.WebhookDebug("Ignoring issue action: %s", ev.Action)
		return nil, false
	}
	if ev.Issue == nil {
		return nil, false
	}
	return &Record{
		Type:       "issue",
		Action:     ev.Action,
		IssueID:    itemID(ev.Issue),
		Number:     ev.Issue.Number,
		Title:      ev.Issue.Title,
		Body:       ev.Issue.Body,
		URL:        ev.Issue.HTMLURL,
		Repository: ev.Repository.FullName,
		CreatedAt:  ev.Issue.CreatedAt,
		User:       ev.Issue.User.Login,
	}, true
}

// parsePullRequestEvent normalizes a pull_request event. Only newly opened
// pull requests are relevant.
func parsePullRequestEvent(payload []byte) (*Record, bool) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		logging.WebhookDebug("Could not decode pull request event: %v", err)
		return nil, false
	}
	if ev.Action != "opened" {
		logging.WebhookDebug("Ignoring pull request action: %s", ev.Action)
		return nil, false
	}
	if ev.PullRequest == nil {
		return nil, false
	}
	return &Record{
		Type:       "pull_request",
		Action:     ev.Action,
		IssueID:    itemID(ev.PullRequest),
		Number:     ev.PullRequest.Number,
		Title:      ev.PullRequest.Title,
		Body:       ev.PullRequest.Body,
		URL:        ev.PullRequest.HTMLURL,
		Repository: ev.Repository.FullName,
		CreatedAt:  ev.PullRequest.CreatedAt,
		User:       ev.PullRequest.User.Login,
		Draft:      ev.PullRequest.Draft,
	}, true
}

func itemID(item *eventItem) string {
	if item.ID == 0 {
		return ""
	}
	return strconv.FormatInt(item.ID, 10)
}

// errorKeywords are the generic bug-report phrases similarity looks for.
var errorKeywords = []string{
	"error", "exception", "traceback", "stack trace",
	"failed", "crash", "bug", "issue", "problem",
}

var (
	fileExtRe   = regexp.MustCompile(`\.\w+`)
	errorTypeRe = regexp.MustCompile(`\w*Error\w*|\w*Exception\w*`)
)

// extractKeywords pulls bug-report phrases, file extensions and error type
// names out of issue text.
func extractKeywords(text string) []string {
	if text == "" {
		return nil
	}

	var keywords []string
	lower := strings.ToLower(text)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			keywords = append(keywords, kw)
		}
	}
	keywords = append(keywords, fileExtRe.FindAllString(text, -1)...)
	keywords = append(keywords, errorTypeRe.FindAllString(text, -1)...)
	return keywords
}

// hasSimilarContent reports whether content carries at least half of the
// keywords.
func hasSimilarContent(content string, keywords []string) bool {
	if content == "" || len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(content)
	matches := 0
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			matches++
		}
	}
	return float64(matches) >= float64(len(keywords))*0.5
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.WebhookWarn("Failed to encode response: %v", err)
	}
}
