// Package analysis turns bug reports into structured diagnoses. The primary
// path asks a Gemini model for a JSON verdict; when the model is down or the
// circuit is open, a keyword heuristic produces a low-confidence analysis so
// triage never stalls on the LLM.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"triagent/internal/breaker"
	"triagent/internal/logging"
	"triagent/internal/trace"
)

// Fix complexity buckets the model must choose from.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
)

// BugAnalysis is the structured verdict for one bug report. Confidence is on
// the model's 0..1 scale; the assignment engine rescales it.
type BugAnalysis struct {
	AffectedFiles           []string       `json:"affected_files"`
	RootCauseHypothesis     string         `json:"root_cause_hypothesis"`
	PlainEnglishExplanation string         `json:"plain_english_explanation"`
	FixComplexity           string         `json:"fix_complexity"`
	Confidence              float64        `json:"confidence"`
	ErrorTranslation        string         `json:"error_translation"`
	AdditionalContext       map[string]any `json:"additional_context"`
	AnalyzedAt              time.Time      `json:"analysis_timestamp"`
}

// Generator produces raw model text for a prompt. Implemented by the Gemini
// client; tests swap in fakes.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const maxAttempts = 3

// Engine runs bug analysis behind the llm circuit breaker.
type Engine struct {
	gen      Generator
	breakers *breaker.Manager
	timeout  time.Duration
	backoff  func(attempt int) time.Duration
	log      *logging.Logger
}

// NewEngine wires a generator to the breaker manager. attemptTimeout bounds
// each model call; zero means 30 seconds.
func NewEngine(gen Generator, breakers *breaker.Manager, attemptTimeout time.Duration) *Engine {
	if attemptTimeout <= 0 {
		attemptTimeout = 30 * time.Second
	}
	return &Engine{
		gen:      gen,
		breakers: breakers,
		timeout:  attemptTimeout,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		},
		log: logging.Get(logging.CategoryAnalysis),
	}
}

// Analyze produces a BugAnalysis for the issue. It never returns nil: when
// the model path fails or the breaker is open, the keyword heuristic answers
// instead.
func (e *Engine) Analyze(ctx context.Context, issueText string, st *trace.StackTrace, codeContext string) *BugAnalysis {
	timer := logging.StartTimer(logging.CategoryAnalysis, "Analyze")
	defer timer.Stop()

	// No model configured is a deployment choice, not a service failure;
	// answer heuristically without touching the breaker.
	if e.gen == nil {
		e.log.Warn("No analysis model configured, serving keyword heuristic")
		return heuristicAnalysis(issueText, st)
	}

	primary := func(ctx context.Context) (*BugAnalysis, error) {
		text, err := e.generateWithRetry(ctx, BuildPrompt(issueText, st, codeContext))
		if err != nil {
			return nil, err
		}
		return ParseResponse(text)
	}
	fallback := func(ctx context.Context) (*BugAnalysis, error) {
		return heuristicAnalysis(issueText, st), nil
	}

	result, fallbackUsed, err := breaker.Execute(ctx, e.breakers, breaker.ServiceLLM, primary, fallback)
	if err != nil {
		return heuristicAnalysis(issueText, st)
	}
	if fallbackUsed {
		e.log.Warn("LLM analysis unavailable, served keyword heuristic")
	}
	return result
}

// generateWithRetry calls the model up to maxAttempts times with exponential
// backoff between attempts. Each attempt gets its own deadline.
func (e *Engine) generateWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, e.backoff(attempt-1)); err != nil {
				return "", err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		text, err := e.gen.Generate(attemptCtx, prompt)
		cancel()
		if err == nil && strings.TrimSpace(text) != "" {
			return text, nil
		}
		if err == nil {
			err = fmt.Errorf("empty model response")
		}
		lastErr = err
		e.log.Warn("Analysis attempt %d/%d failed: %v", attempt+1, maxAttempts, err)
	}
	return "", fmt.Errorf("analysis failed after %d attempts: %w", maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BuildPrompt assembles the deterministic analysis prompt: role preamble,
// raw issue text, trace metadata with the five most relevant frames, any
// extra code context, then the JSON schema and guidelines.
func BuildPrompt(issueText string, st *trace.StackTrace, codeContext string) string {
	parts := []string{
		"You are an expert software engineer analyzing a bug report. Please provide a comprehensive analysis.",
		"",
		"## Bug Report:",
		issueText,
		"",
	}

	if st != nil {
		parts = append(parts,
			"## Stack Trace Analysis:",
			fmt.Sprintf("Language: %s", st.Language),
			fmt.Sprintf("Error Type: %s", st.ErrorType),
			fmt.Sprintf("Error Message: %s", st.ErrorMessage),
			"",
			"### Stack Frames (most relevant first):",
		)
		for i, frame := range st.MostRelevantFrames(5) {
			parts = append(parts, fmt.Sprintf("%d. %s:%d in %s", i+1, frame.FilePath, frame.LineNumber, frame.FunctionName))
			if frame.CodeSnippet != "" {
				parts = append(parts, fmt.Sprintf("   Code: %s", frame.CodeSnippet))
			}
		}
		parts = append(parts, "")
	}

	if codeContext != "" {
		parts = append(parts,
			"## Additional Code Context:",
			codeContext,
			"",
		)
	}

	parts = append(parts,
		"## Analysis Required:",
		"",
		"Please provide your analysis in the following JSON format:",
		"{",
		`  "affected_files": ["list of file paths that might be affected beyond the stack trace"],`,
		`  "root_cause_hypothesis": "your hypothesis about what caused this bug",`,
		`  "plain_english_explanation": "explain the technical issue in simple terms",`,
		`  "fix_complexity": "simple|moderate|complex",`,
		`  "confidence": 0.85,`,
		`  "error_translation": "translate cryptic error messages into actionable descriptions",`,
		`  "additional_context": {`,
		`    "likely_impact": "description of impact",`,
		`    "suggested_investigation": "what to look at first",`,
		`    "related_components": ["list of related system components"]`,
		`  }`,
		"}",
		"",
		"Guidelines:",
		"- Focus on actionable insights for developers",
		"- Consider the programming language and framework context",
		"- Identify files beyond the stack trace that might need attention",
		"- Translate technical jargon into clear explanations",
		"- Assess fix complexity based on scope and risk",
		"- Provide confidence score between 0.0 and 1.0",
		"- Be specific about investigation steps",
	)

	return strings.Join(parts, "\n")
}

// ParseResponse extracts the JSON object between the first { and last } of
// the model output and validates it into a BugAnalysis.
func ParseResponse(text string) (*BugAnalysis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in model response")
	}

	var payload struct {
		AffectedFiles           *[]string      `json:"affected_files"`
		RootCauseHypothesis     *string        `json:"root_cause_hypothesis"`
		PlainEnglishExplanation *string        `json:"plain_english_explanation"`
		FixComplexity           *string        `json:"fix_complexity"`
		Confidence              *float64       `json:"confidence"`
		ErrorTranslation        *string        `json:"error_translation"`
		AdditionalContext       map[string]any `json:"additional_context"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}

	missing := ""
	switch {
	case payload.AffectedFiles == nil:
		missing = "affected_files"
	case payload.RootCauseHypothesis == nil:
		missing = "root_cause_hypothesis"
	case payload.PlainEnglishExplanation == nil:
		missing = "plain_english_explanation"
	case payload.FixComplexity == nil:
		missing = "fix_complexity"
	case payload.Confidence == nil:
		missing = "confidence"
	case payload.ErrorTranslation == nil:
		missing = "error_translation"
	}
	if missing != "" {
		return nil, fmt.Errorf("model response missing required field %q", missing)
	}

	confidence := *payload.Confidence
	if confidence < 0 || confidence > 1 {
		logging.AnalysisWarn("Model confidence %.2f out of range, clamping", confidence)
		confidence = clamp01(confidence)
	}

	complexity := strings.ToLower(*payload.FixComplexity)
	switch complexity {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex:
	default:
		logging.AnalysisWarn("Model fix complexity %q not recognized, defaulting to moderate", *payload.FixComplexity)
		complexity = ComplexityModerate
	}

	extra := payload.AdditionalContext
	if extra == nil {
		extra = map[string]any{}
	}

	return &BugAnalysis{
		AffectedFiles:           *payload.AffectedFiles,
		RootCauseHypothesis:     *payload.RootCauseHypothesis,
		PlainEnglishExplanation: *payload.PlainEnglishExplanation,
		FixComplexity:           complexity,
		Confidence:              confidence,
		ErrorTranslation:        *payload.ErrorTranslation,
		AdditionalContext:       extra,
		AnalyzedAt:              time.Now().UTC(),
	}, nil
}

var errorKeywords = []string{"null", "undefined", "timeout", "connection", "permission", "syntax"}

// heuristicAnalysis is the degraded-mode analyzer: files from the first
// three trace frames, categorization from keyword hits in the issue text.
func heuristicAnalysis(issueText string, st *trace.StackTrace) *BugAnalysis {
	var affected []string
	if st != nil {
		for i, frame := range st.Frames {
			if i == 3 {
				break
			}
			affected = append(affected, frame.FilePath)
		}
	}

	lower := strings.ToLower(issueText)
	var hits []string
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			hits = append(hits, kw)
		}
	}

	confidence := 0.3
	rootCause := "Potential issue related to: unknown error pattern"
	translation := "Unable to translate error - AI service unavailable"
	if len(hits) > 0 {
		confidence = 0.4
		rootCause = "Potential issue related to: " + strings.Join(hits, ", ")
		translation = "Error detected with keywords: " + strings.Join(hits, ", ")
	}

	return &BugAnalysis{
		AffectedFiles:           affected,
		RootCauseHypothesis:     rootCause,
		PlainEnglishExplanation: "AI analysis unavailable. This appears to be a technical error that requires manual investigation.",
		FixComplexity:           ComplexityModerate,
		Confidence:              confidence,
		ErrorTranslation:        translation,
		AdditionalContext: map[string]any{
			"fallback":          true,
			"method":            "keyword",
			"detected_keywords": hits,
		},
		AnalyzedAt: time.Now().UTC(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
