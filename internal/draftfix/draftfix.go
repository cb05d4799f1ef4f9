// Package draftfix turns a high-confidence bug analysis into a minimal
// single-file code fix and opens a draft pull request for human review.
// Every step is best-effort: a failure anywhere returns nil and the
// triage pipeline carries on without a draft.
package draftfix

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"triagent/internal/analysis"
	"triagent/internal/breaker"
	"triagent/internal/githost"
	"triagent/internal/logging"
	"triagent/internal/trace"
)

const (
	// confidenceGate is the assignment confidence (0-100) a triaged bug
	// must exceed before a draft fix is attempted.
	confidenceGate = 85.0

	// maxLineChanges rejects fixes at or above this many changed lines.
	maxLineChanges = 20

	// minExplanationLen is the shortest acceptable fix explanation.
	minExplanationLen = 10

	branchPrefix   = "triagent"
	defaultTimeout = 30 * time.Second
)

var prLabels = []string{"DRAFT - Review Required", "auto-generated", "bug-fix"}

// Fix is a validated single-file code change proposed by the model.
type Fix struct {
	FilePath        string
	OriginalContent string
	FixedContent    string
	LineChanges     int
	Explanation     string
	Confidence      float64
}

// DraftPR describes a draft pull request opened for a fix.
type DraftPR struct {
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	FilePath       string    `json:"file_path"`
	PRURL          string    `json:"pr_url"`
	Number         int       `json:"number"`
	Confidence     float64   `json:"confidence"`
	FixExplanation string    `json:"fix_explanation"`
	CreatedAt      time.Time `json:"created_at"`
}

// Host is the slice of the source-hosting client the generator needs.
type Host interface {
	Available() bool
	GetRepo(ctx context.Context, repo string) (*githost.Repo, error)
	GetBranchHead(ctx context.Context, repo, branch string) (string, error)
	CreateBranch(ctx context.Context, repo, branch, fromSHA string) error
	GetFile(ctx context.Context, repo, filePath, ref string) (*githost.FileContent, error)
	UpdateFile(ctx context.Context, repo, filePath, branch, message, content, sha string) error
	CreateDraftPull(ctx context.Context, repo, title, body, head, base string) (*githost.PullRequest, error)
	AddLabels(ctx context.Context, repo string, number int, labels []string) error
}

// Generator produces draft fixes and publishes them as draft PRs.
type Generator struct {
	gen      analysis.Generator
	host     Host
	breakers *breaker.Manager
	timeout  time.Duration
	now      func() time.Time
	log      *logging.Logger
}

// NewGenerator wires a fix generator. timeout bounds each model call;
// zero or negative falls back to 30s.
func NewGenerator(gen analysis.Generator, host Host, breakers *breaker.Manager, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Generator{
		gen:      gen,
		host:     host,
		breakers: breakers,
		timeout:  timeout,
		now:      time.Now,
		log:      logging.Get(logging.CategoryDraftFix),
	}
}

// ShouldGenerate reports whether an assignment confidence (0-100) clears
// the bar for attempting a draft fix.
func (g *Generator) ShouldGenerate(confidence float64) bool {
	return confidence > confidenceGate
}

// GenerateFix asks the model for a minimal fix to the first affected file
// and validates the result. Returns nil when no safe fix could be produced.
func (g *Generator) GenerateFix(ctx context.Context, bug *analysis.BugAnalysis, st *trace.StackTrace, repository string) *Fix {
	timer := logging.StartTimer(logging.CategoryDraftFix, "GenerateFix")
	defer timer.Stop()

	if bug == nil || len(bug.AffectedFiles) == 0 {
		g.log.Warn("No affected files identified, skipping draft fix")
		return nil
	}
	if g.host == nil || !g.host.Available() {
		g.log.Warn("Source hosting client not available, skipping draft fix")
		return nil
	}
	repo, err := githost.RepoFromURL(repository)
	if err != nil {
		g.log.Error("Cannot generate fix: %v", err)
		return nil
	}

	target := bug.AffectedFiles[0]
	file, _, err := breaker.Execute(ctx, g.breakers, breaker.ServiceSourceHosting,
		func(ctx context.Context) (*githost.FileContent, error) {
			return g.host.GetFile(ctx, repo, target, "")
		}, nil)
	if err != nil {
		g.log.Warn("Could not retrieve content for %s: %v", target, err)
		return nil
	}
	if strings.TrimSpace(file.Content) == "" {
		g.log.Warn("File %s is empty, nothing to fix", target)
		return nil
	}

	prompt := buildFixPrompt(bug, target, file.Content, st)
	raw, _, err := breaker.Execute(ctx, g.breakers, breaker.ServiceLLM,
		func(ctx context.Context) (string, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return g.gen.Generate(callCtx, prompt)
		}, nil)
	if err != nil {
		g.log.Error("Fix generation failed for %s: %v", target, err)
		return nil
	}

	fix, err := g.parseFixResponse(raw, target, file.Content)
	if err != nil {
		g.log.Error("Failed to parse fix response for %s: %v", target, err)
		return nil
	}
	if err := g.validateFix(fix); err != nil {
		g.log.Warn("Rejecting fix for %s: %v", target, err)
		return nil
	}

	g.log.Info("Generated draft fix for %s (%d lines, confidence %.2f)", target, fix.LineChanges, fix.Confidence)
	return fix
}

// CreatePR pushes the fix to a fresh branch off the default branch and
// opens a draft pull request. Returns nil on any failure.
func (g *Generator) CreatePR(ctx context.Context, repository string, fix *Fix, bug *analysis.BugAnalysis, issueID string) *DraftPR {
	timer := logging.StartTimer(logging.CategoryDraftFix, "CreateDraftPR")
	defer timer.Stop()

	if fix == nil || bug == nil {
		return nil
	}
	if g.host == nil || !g.host.Available() {
		g.log.Warn("Source hosting client not available, cannot open draft PR")
		return nil
	}
	repo, err := githost.RepoFromURL(repository)
	if err != nil {
		g.log.Error("Cannot open draft PR: %v", err)
		return nil
	}

	branch := fmt.Sprintf("%s-fix-%s-%s", branchPrefix, issueID, g.now().Format("20060102-150405"))
	title := fmt.Sprintf("DRAFT - Fix for issue #%s: %s...", issueID, clip(bug.RootCauseHypothesis, 60))
	description := buildPRDescription(fix, bug, issueID, g.now().UTC())

	pr, _, err := breaker.Execute(ctx, g.breakers, breaker.ServiceSourceHosting,
		func(ctx context.Context) (*githost.PullRequest, error) {
			return g.openDraft(ctx, repo, branch, title, description, fix, bug, issueID)
		}, nil)
	if err != nil {
		g.log.Error("Failed to create draft PR for issue #%s: %v", issueID, err)
		return nil
	}

	g.log.Info("Created draft PR #%d for issue #%s", pr.Number, issueID)
	return &DraftPR{
		Title:          title,
		Description:    description,
		FilePath:       fix.FilePath,
		PRURL:          pr.HTMLURL,
		Number:         pr.Number,
		Confidence:     fix.Confidence,
		FixExplanation: fix.Explanation,
		CreatedAt:      g.now().UTC(),
	}
}

// GenerateAndCreate runs the full flow: generate a fix, then open the PR.
func (g *Generator) GenerateAndCreate(ctx context.Context, bug *analysis.BugAnalysis, st *trace.StackTrace, repository, issueID string) *DraftPR {
	fix := g.GenerateFix(ctx, bug, st, repository)
	if fix == nil {
		return nil
	}
	return g.CreatePR(ctx, repository, fix, bug, issueID)
}

// openDraft performs the branch, commit, PR and label sequence. Label
// failures are logged and ignored.
func (g *Generator) openDraft(ctx context.Context, repo, branch, title, description string, fix *Fix, bug *analysis.BugAnalysis, issueID string) (*githost.PullRequest, error) {
	meta, err := g.host.GetRepo(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository: %w", err)
	}
	headSHA, err := g.host.GetBranchHead(ctx, repo, meta.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve head of %s: %w", meta.DefaultBranch, err)
	}
	if err := g.host.CreateBranch(ctx, repo, branch, headSHA); err != nil {
		return nil, fmt.Errorf("failed to create branch %s: %w", branch, err)
	}

	current, err := g.host.GetFile(ctx, repo, fix.FilePath, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s on %s: %w", fix.FilePath, branch, err)
	}
	message := fmt.Sprintf("Draft fix for issue #%s: %s...", issueID, clip(bug.RootCauseHypothesis, 50))
	if err := g.host.UpdateFile(ctx, repo, fix.FilePath, branch, message, fix.FixedContent, current.SHA); err != nil {
		return nil, fmt.Errorf("failed to commit fix: %w", err)
	}

	pr, err := g.host.CreateDraftPull(ctx, repo, title, description, branch, meta.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to open draft pull request: %w", err)
	}
	if err := g.host.AddLabels(ctx, repo, pr.Number, prLabels); err != nil {
		g.log.Warn("Could not add labels to PR #%d: %v", pr.Number, err)
	}
	return pr, nil
}

// parseFixResponse extracts the fix JSON from a model reply. The object is
// located by the first "{" and last "}" so surrounding prose or markdown
// fences are tolerated.
func (g *Generator) parseFixResponse(text, filePath, originalContent string) (*Fix, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object found in fix response")
	}

	var payload struct {
		FixedContent *string  `json:"fixed_content"`
		Explanation  *string  `json:"explanation"`
		LineChanges  *float64 `json:"line_changes"`
		Confidence   *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode fix response: %w", err)
	}
	switch {
	case payload.FixedContent == nil:
		return nil, fmt.Errorf("fix response missing required field %q", "fixed_content")
	case payload.Explanation == nil:
		return nil, fmt.Errorf("fix response missing required field %q", "explanation")
	case payload.LineChanges == nil:
		return nil, fmt.Errorf("fix response missing required field %q", "line_changes")
	case payload.Confidence == nil:
		return nil, fmt.Errorf("fix response missing required field %q", "confidence")
	}

	confidence := *payload.Confidence
	if confidence < 0 || confidence > 1 {
		g.log.Warn("Fix confidence %.2f out of range, clamping", confidence)
		confidence = math.Max(0, math.Min(1, confidence))
	}
	lineChanges := int(*payload.LineChanges)
	if lineChanges < 0 {
		g.log.Warn("Negative line change count %d, using 0", lineChanges)
		lineChanges = 0
	}

	return &Fix{
		FilePath:        filePath,
		OriginalContent: originalContent,
		FixedContent:    *payload.FixedContent,
		LineChanges:     lineChanges,
		Explanation:     *payload.Explanation,
		Confidence:      confidence,
	}, nil
}

// validateFix enforces the safety constraints on a parsed fix.
func (g *Generator) validateFix(fix *Fix) error {
	if fix.LineChanges >= maxLineChanges {
		return fmt.Errorf("too many line changes: %d >= %d", fix.LineChanges, maxLineChanges)
	}
	if strings.TrimSpace(fix.FixedContent) == "" {
		return fmt.Errorf("fixed content is empty")
	}
	if len(strings.TrimSpace(fix.Explanation)) < minExplanationLen {
		return fmt.Errorf("explanation too short")
	}
	if strings.TrimSpace(fix.FixedContent) == strings.TrimSpace(fix.OriginalContent) {
		return fmt.Errorf("fixed content is identical to the original")
	}
	return nil
}

// buildFixPrompt renders the single-turn fix request sent to the model.
func buildFixPrompt(bug *analysis.BugAnalysis, filePath, fileContent string, st *trace.StackTrace) string {
	parts := []string{
		"You are an expert software engineer. Generate a minimal code fix for the following bug.",
		"",
		"## Bug Analysis:",
		"Root Cause: " + bug.RootCauseHypothesis,
		"Explanation: " + bug.PlainEnglishExplanation,
		"Error Translation: " + bug.ErrorTranslation,
		"Fix Complexity: " + bug.FixComplexity,
		"",
		"## File to Fix: " + filePath,
		"```",
		fileContent,
		"```",
		"",
	}

	if st != nil {
		parts = append(parts,
			"## Stack Trace Context:",
			"Error: "+st.ErrorMessage,
			"Type: "+st.ErrorType,
			"",
		)
		for _, frame := range st.MostRelevantFrames(3) {
			if frame.FilePath == filePath {
				parts = append(parts, fmt.Sprintf("Problem at line %d in %s", frame.LineNumber, frame.FunctionName))
			}
		}
		parts = append(parts, "")
	}

	parts = append(parts,
		"## Fix Requirements:",
		"1. Make MINIMAL changes (prefer single-file fixes under 20 lines)",
		"2. Focus on the root cause identified in the analysis",
		"3. Add explanatory comments for the fix",
		"4. Preserve existing code style and patterns",
		"5. Ensure the fix is safe and doesn't introduce new issues",
		"",
		"## Response Format:",
		"Provide your response in the following JSON format:",
		"{",
		`  "fixed_content": "complete fixed file content",`,
		`  "explanation": "clear explanation of what was changed and why",`,
		`  "line_changes": 5,`,
		`  "confidence": 0.92`,
		"}",
		"",
		"Guidelines:",
		"- Include the complete file content with your fixes applied",
		"- Explain the changes in simple terms",
		"- Count only the lines that were actually modified",
		"- Provide confidence score between 0.0 and 1.0",
		"- If the fix requires more than 20 line changes, explain why it's necessary",
	)

	return strings.Join(parts, "\n")
}

// buildPRDescription renders the review-oriented body of the draft PR.
func buildPRDescription(fix *Fix, bug *analysis.BugAnalysis, issueID string, at time.Time) string {
	parts := []string{
		"## 🤖 Triagent Draft Fix",
		"",
		"**⚠️ This is a DRAFT PR generated automatically. Please review carefully before merging.**",
		"",
		fmt.Sprintf("**Related Issue:** #%s", issueID),
		fmt.Sprintf("**Confidence Score:** %.1f%%", fix.Confidence*100),
		fmt.Sprintf("**Lines Changed:** %d", fix.LineChanges),
		"",
		"## 🔍 Bug Analysis",
		fmt.Sprintf("**Root Cause:** %s", bug.RootCauseHypothesis),
		"",
		fmt.Sprintf("**Explanation:** %s", bug.PlainEnglishExplanation),
		"",
		fmt.Sprintf("**Error Translation:** %s", bug.ErrorTranslation),
		"",
		"## 🛠️ Fix Details",
		fmt.Sprintf("**File Modified:** `%s`", fix.FilePath),
		"",
		fmt.Sprintf("**What Changed:** %s", fix.Explanation),
		"",
		"## ✅ Review Checklist",
		"- [ ] Fix addresses the root cause correctly",
		"- [ ] No unintended side effects introduced",
		"- [ ] Code follows project style guidelines",
		"- [ ] Tests pass (if applicable)",
		"- [ ] Documentation updated (if needed)",
		"",
		"## 🚨 Important Notes",
		"- This fix was generated by AI and may not be perfect",
		"- Please test thoroughly before merging",
		"- Consider adding tests to prevent regression",
		"- Feel free to modify or close this PR if needed",
		"",
		fmt.Sprintf("*Generated by Triagent at %s UTC*", at.Format("2006-01-02 15:04:05")),
	}
	return strings.Join(parts, "\n")
}

// clip truncates s to at most n bytes.
func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
