// Package logging provides categorized structured logging for triagent.
// Every subsystem logs through a named zap logger; the root logger is
// injected once at startup and defaults to a no-op so library code and
// tests stay silent unless the binary wires a real core.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Category identifies the subsystem a log line belongs to.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup, migrations, shutdown
	CategoryConfig    Category = "config"    // configuration loading
	CategoryStore     Category = "store"     // persistence layer
	CategoryServer    Category = "server"    // HTTP surface
	CategoryWebhook   Category = "webhook"   // ingress verification/parsing
	CategoryParser    Category = "parser"    // stack-trace parsing
	CategoryBreaker   Category = "breaker"   // circuit breakers, degradation
	CategoryAnalysis  Category = "analysis"  // LLM analysis adapter
	CategoryExpertise Category = "expertise" // git blame scoring
	CategoryAssign    Category = "assign"    // assignment decisions
	CategoryDraftFix  Category = "draftfix"  // draft fix generation
	CategoryNotify    Category = "notify"    // chat notifications
	CategoryWorker    Category = "worker"    // triage queue and workers
	CategoryAudit     Category = "audit"     // decision audit trail
)

var (
	root      = zap.NewNop()
	rootMu    sync.RWMutex
	loggers   = make(map[Category]*Logger)
	loggersMu sync.Mutex
)

// Logger wraps a category-scoped sugared logger with printf-style methods.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	plain    *zap.Logger
}

// Initialize installs the process-wide root logger. Call once from the
// binary before any subsystem starts; later calls replace the root and
// invalidate cached category loggers.
func Initialize(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	rootMu.Lock()
	root = l
	rootMu.Unlock()

	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
}

// Sync flushes buffered log entries. Safe to call on a no-op root.
func Sync() {
	rootMu.RLock()
	defer rootMu.RUnlock()
	_ = root.Sync()
}

// Get returns (or creates) the logger for a category.
func Get(category Category) *Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	rootMu.RLock()
	named := root.Named(string(category))
	rootMu.RUnlock()

	l := &Logger{
		category: category,
		plain:    named,
		sugar:    named.Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Structured emits a message with typed zap fields. Used where consumers
// parse the log stream (decision records, admin alerts).
func (l *Logger) Structured(level string, msg string, fields ...zap.Field) {
	switch level {
	case "debug":
		l.plain.Debug(msg, fields...)
	case "warn", "warning":
		l.plain.Warn(msg, fields...)
	case "error", "critical":
		l.plain.Error(msg, fields...)
	default:
		l.plain.Info(msg, fields...)
	}
}

// =============================================================================
// CORRELATION-SCOPED LOGGING
// =============================================================================

// JobLogger carries a correlation id through one triage job.
type JobLogger struct {
	sugar *zap.SugaredLogger
	plain *zap.Logger
	id    string
}

// WithCorrelation returns a logger that stamps every entry with the
// correlation id of the job being processed.
func WithCorrelation(category Category, correlationID string) *JobLogger {
	base := Get(category)
	plain := base.plain.With(zap.String("correlation_id", correlationID))
	return &JobLogger{
		plain: plain,
		sugar: plain.Sugar(),
		id:    correlationID,
	}
}

// CorrelationID returns the id this logger is scoped to.
func (j *JobLogger) CorrelationID() string { return j.id }

func (j *JobLogger) Debug(format string, args ...interface{}) {
	j.sugar.Debugf(format, args...)
}

func (j *JobLogger) Info(format string, args ...interface{}) {
	j.sugar.Infof(format, args...)
}

func (j *JobLogger) Warn(format string, args ...interface{}) {
	j.sugar.Warnf(format, args...)
}

func (j *JobLogger) Error(format string, args ...interface{}) {
	j.sugar.Errorf(format, args...)
}

// Structured emits typed fields alongside the correlation id.
func (j *JobLogger) Structured(level string, msg string, fields ...zap.Field) {
	switch level {
	case "debug":
		j.plain.Debug(msg, fields...)
	case "warn", "warning":
		j.plain.Warn(msg, fields...)
	case "error", "critical":
		j.plain.Error(msg, fields...)
	default:
		j.plain.Info(msg, fields...)
	}
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures an operation's duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning when the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootError logs an error to the boot category.
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Store logs to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category.
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category.
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Webhook logs to the webhook category.
func Webhook(format string, args ...interface{}) {
	Get(CategoryWebhook).Info(format, args...)
}

// WebhookDebug logs debug to the webhook category.
func WebhookDebug(format string, args ...interface{}) {
	Get(CategoryWebhook).Debug(format, args...)
}

// WebhookWarn logs warning to the webhook category.
func WebhookWarn(format string, args ...interface{}) {
	Get(CategoryWebhook).Warn(format, args...)
}

// Worker logs to the worker category.
func Worker(format string, args ...interface{}) {
	Get(CategoryWorker).Info(format, args...)
}

// WorkerDebug logs debug to the worker category.
func WorkerDebug(format string, args ...interface{}) {
	Get(CategoryWorker).Debug(format, args...)
}

// WorkerError logs error to the worker category.
func WorkerError(format string, args ...interface{}) {
	Get(CategoryWorker).Error(format, args...)
}

// Breaker logs to the breaker category.
func Breaker(format string, args ...interface{}) {
	Get(CategoryBreaker).Info(format, args...)
}

// BreakerWarn logs warning to the breaker category.
func BreakerWarn(format string, args ...interface{}) {
	Get(CategoryBreaker).Warn(format, args...)
}

// Analysis logs to the analysis category.
func Analysis(format string, args ...interface{}) {
	Get(CategoryAnalysis).Info(format, args...)
}

// AnalysisDebug logs debug to the analysis category.
func AnalysisDebug(format string, args ...interface{}) {
	Get(CategoryAnalysis).Debug(format, args...)
}

// AnalysisWarn logs warning to the analysis category.
func AnalysisWarn(format string, args ...interface{}) {
	Get(CategoryAnalysis).Warn(format, args...)
}

// Expertise logs to the expertise category.
func Expertise(format string, args ...interface{}) {
	Get(CategoryExpertise).Info(format, args...)
}

// ExpertiseDebug logs debug to the expertise category.
func ExpertiseDebug(format string, args ...interface{}) {
	Get(CategoryExpertise).Debug(format, args...)
}

// Notify logs to the notify category.
func Notify(format string, args ...interface{}) {
	Get(CategoryNotify).Info(format, args...)
}

// NotifyWarn logs warning to the notify category.
func NotifyWarn(format string, args ...interface{}) {
	Get(CategoryNotify).Warn(format, args...)
}

// NotifyError logs error to the notify category.
func NotifyError(format string, args ...interface{}) {
	Get(CategoryNotify).Error(format, args...)
}

// Server logs to the server category.
func Server(format string, args ...interface{}) {
	Get(CategoryServer).Info(format, args...)
}

// ServerDebug logs debug to the server category.
func ServerDebug(format string, args ...interface{}) {
	Get(CategoryServer).Debug(format, args...)
}
