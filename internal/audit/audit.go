// Package audit keeps the triage decision trail. Every processed issue ends
// in one structured log line plus one triage_decisions row, and notable
// system events share the same structured channel so the log stream can be
// parsed by monitoring.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"triagent/internal/logging"
	"triagent/internal/store"
)

// CorrelationID derives the id that ties one issue's log entries together.
func CorrelationID(issueID string, at time.Time) string {
	return fmt.Sprintf("triage_%s_%d", issueID, at.Unix())
}

// Decision is everything worth keeping about one finished triage run.
type Decision struct {
	IssueID          string
	CorrelationID    string
	StackTrace       string
	AffectedFiles    []string
	RootCause        string
	Confidence       float64
	DraftPRURL       string
	ProcessingTimeMS int64
}

// Storage persists decision records. *store.Store satisfies it.
type Storage interface {
	InsertTriageDecision(ctx context.Context, d *store.TriageDecision) (int64, error)
}

// Recorder writes the audit trail for triage runs.
type Recorder struct {
	db  Storage
	now func() time.Time
	log *logging.Logger
}

// NewRecorder builds a recorder over the given store.
func NewRecorder(db Storage) *Recorder {
	return &Recorder{
		db:  db,
		now: time.Now,
		log: logging.Get(logging.CategoryAudit),
	}
}

// RecordDecision logs the decision under its correlation id and persists it.
// Failures are logged and swallowed; an audit hiccup must not fail triage.
// The correlation id (generated when empty) is returned for follow-up logs.
func (r *Recorder) RecordDecision(ctx context.Context, d Decision) string {
	if d.CorrelationID == "" {
		d.CorrelationID = CorrelationID(d.IssueID, r.now())
	}

	r.log.Structured("info", "Triage decision completed",
		zap.String("event_type", "triage_decision"),
		zap.String("issue_id", d.IssueID),
		zap.String("correlation_id", d.CorrelationID),
		zap.Int64("processing_time_ms", d.ProcessingTimeMS),
		zap.Float64("confidence", d.Confidence),
		zap.Strings("affected_files", d.AffectedFiles),
		zap.String("root_cause", d.RootCause),
		zap.String("draft_pr_url", d.DraftPRURL),
	)

	row := &store.TriageDecision{
		IssueID:          d.IssueID,
		StackTrace:       d.StackTrace,
		AffectedFiles:    d.AffectedFiles,
		RootCause:        d.RootCause,
		Confidence:       d.Confidence,
		DraftPRURL:       d.DraftPRURL,
		ProcessingTimeMS: d.ProcessingTimeMS,
	}
	if _, err := r.db.InsertTriageDecision(ctx, row); err != nil {
		r.log.Error("Failed to store triage decision for %s: %v", d.IssueID, err)
	}
	return d.CorrelationID
}

// SystemEvent logs a non-decision event (service failure, config change,
// degraded mode) on the audit channel at the given level.
func (r *Recorder) SystemEvent(eventType, level string, fields ...zap.Field) {
	all := append([]zap.Field{zap.String("event_type", eventType)}, fields...)
	r.log.Structured(level, "System event: "+eventType, all...)
}
