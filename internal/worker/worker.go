// Package worker drains the triage queue and runs each bug report through
// the full pipeline: stack trace extraction, model analysis, expertise-based
// assignment, optional draft fix, notification, and the audit record. Every
// stage is best-effort; a failed stage is logged and the pipeline moves on,
// and a triage decision row is written for every job no matter how far it
// got.
package worker

import (
	"context"
	"sync"
	"time"

	"triagent/internal/analysis"
	"triagent/internal/assign"
	"triagent/internal/audit"
	"triagent/internal/draftfix"
	"triagent/internal/logging"
	"triagent/internal/notify"
	"triagent/internal/trace"
	"triagent/internal/webhook"
)

const draftEnabledKey = "draft_pr_enabled"

// Analyzer produces a structured bug analysis from the raw report text.
type Analyzer interface {
	Analyze(ctx context.Context, issueText string, st *trace.StackTrace, codeContext string) *analysis.BugAnalysis
}

// Assigner picks a developer for the bug and persists the assignment row.
type Assigner interface {
	Assign(ctx context.Context, issueID, issueURL string, affectedFiles []string, bug *analysis.BugAnalysis) *assign.Result
}

// FixGenerator gates and produces draft fixes for high-confidence bugs.
type FixGenerator interface {
	ShouldGenerate(confidence float64) bool
	GenerateFix(ctx context.Context, bug *analysis.BugAnalysis, st *trace.StackTrace, repository string) *draftfix.Fix
	CreatePR(ctx context.Context, repository string, fix *draftfix.Fix, bug *analysis.BugAnalysis, issueID string) *draftfix.DraftPR
}

// Notifier delivers the triage outcome to the assignee or the on-call.
type Notifier interface {
	Send(ctx context.Context, res *assign.Result, issueID, issueURL, filePath string, lineNumber int, draftPRURL string) notify.Result
}

// DecisionRecorder persists the audit trail entry for a processed job.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d audit.Decision) string
}

// SettingsReader exposes runtime-tunable flags from system configuration.
type SettingsReader interface {
	ConfigBool(ctx context.Context, key string, fallback bool) bool
}

// Pipeline bundles the stages a worker runs for each job. Analyzer,
// Assigner, and Recorder must be set; Fixer, Notifier, and Settings may be
// nil, which skips draft fixes, skips notifications, and pins the draft
// flag to its configured default respectively.
type Pipeline struct {
	Analyzer Analyzer
	Assigner Assigner
	Fixer    FixGenerator
	Notifier Notifier
	Recorder DecisionRecorder
	Settings SettingsReader
}

// Options tunes the worker pool.
type Options struct {
	// Workers is the number of concurrent triage goroutines. Defaults to 1,
	// which preserves strict arrival-order processing.
	Workers int
	// DraftPREnabled is the fallback for the draft_pr_enabled setting when
	// system configuration has no stored value.
	DraftPREnabled bool
}

// Worker consumes triage jobs from a Queue. Start and Stop are safe to call
// from any goroutine; Stop waits for in-flight jobs to finish.
type Worker struct {
	queue *Queue
	pipe  Pipeline
	opts  Options
	now   func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a worker pool over queue. Workers of zero or less is treated
// as one.
func New(queue *Queue, pipe Pipeline, opts Options) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Worker{
		queue: queue,
		pipe:  pipe,
		opts:  opts,
		now:   time.Now,
	}
}

// Start launches the worker goroutines. Calling Start on a running worker
// is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.wg.Add(w.opts.Workers)
	for i := 0; i < w.opts.Workers; i++ {
		go w.run(w.stopCh)
	}
	logging.Worker("Started triage job processing (%d workers)", w.opts.Workers)
}

// Stop tells the workers to finish their current job and exit, then waits
// for them. Jobs still queued are left behind.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	logging.Worker("Stopped triage job processing")
}

func (w *Worker) run(stopCh <-chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case rec := <-w.queue.ch:
			w.Process(context.Background(), rec)
		}
	}
}

// Process runs one job through the pipeline. It never panics outward and
// always records a triage decision, even when every stage failed.
func (w *Worker) Process(ctx context.Context, rec *webhook.Record) {
	started := time.Now()
	correlationID := audit.CorrelationID(rec.IssueID, w.now())
	log := logging.WithCorrelation(logging.CategoryWorker, correlationID)

	decision := &audit.Decision{
		IssueID:       rec.IssueID,
		CorrelationID: correlationID,
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Error processing triage job %s: %v", rec.IssueID, r)
		}
		decision.ProcessingTimeMS = time.Since(started).Milliseconds()
		if w.pipe.Recorder != nil {
			w.pipe.Recorder.RecordDecision(ctx, *decision)
		}
		log.Info("Completed triage of %s in %dms (confidence %.1f)",
			rec.IssueID, decision.ProcessingTimeMS, decision.Confidence)
	}()

	log.Info("Processing triage job: %s %s", rec.Type, rec.IssueID)

	st, _ := trace.Parse(rec.Body)
	if st != nil {
		decision.StackTrace = st.ErrorMessage
		log.Debug("Parsed %s stack trace with %d frames", st.Language, len(st.Frames))
	}

	bug := w.pipe.Analyzer.Analyze(ctx, rec.Body, st, "")
	if bug != nil {
		decision.RootCause = bug.RootCauseHypothesis
	}

	var files []string
	switch {
	case bug != nil && len(bug.AffectedFiles) > 0:
		files = bug.AffectedFiles
	case st != nil:
		files = st.FilePaths()
	}
	decision.AffectedFiles = files

	assignment := w.pipe.Assigner.Assign(ctx, rec.IssueID, rec.URL, files, bug)
	if assignment != nil {
		decision.Confidence = assignment.Confidence
	}

	if assignment != nil && w.pipe.Fixer != nil && w.pipe.Fixer.ShouldGenerate(assignment.Confidence) {
		if w.draftEnabled(ctx) {
			if fix := w.pipe.Fixer.GenerateFix(ctx, bug, st, rec.Repository); fix != nil {
				if pr := w.pipe.Fixer.CreatePR(ctx, rec.Repository, fix, bug, rec.IssueID); pr != nil {
					decision.DraftPRURL = pr.PRURL
					log.Info("Draft fix opened for %s: %s", rec.IssueID, pr.PRURL)
				}
			}
		} else {
			log.Debug("Draft fix generation disabled, skipping for %s", rec.IssueID)
		}
	}

	if assignment != nil && w.pipe.Notifier != nil {
		primary := "unknown"
		if len(files) > 0 {
			primary = files[0]
		}
		res := w.pipe.Notifier.Send(ctx, assignment, rec.IssueID, rec.URL, primary, 0, decision.DraftPRURL)
		if !res.Success {
			log.Error("Notification for %s failed: %s", rec.IssueID, res.Error)
		}
	}
}

func (w *Worker) draftEnabled(ctx context.Context) bool {
	if w.pipe.Settings == nil {
		return w.opts.DraftPREnabled
	}
	return w.pipe.Settings.ConfigBool(ctx, draftEnabledKey, w.opts.DraftPREnabled)
}
