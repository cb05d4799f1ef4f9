// Package assign picks the developer best placed to own a triaged bug. It
// blends per-file expertise with current workload, scores its own confidence
// in the pick, and routes low-confidence or loop-prone issues to a human
// instead of auto-assigning.
package assign

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"triagent/internal/analysis"
	"triagent/internal/expertise"
	"triagent/internal/logging"
	"triagent/internal/store"
)

// Priority buckets derived from the assignment confidence score.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

const (
	keyConfidenceThreshold = "confidence_threshold"
	defaultThreshold       = 60.0
	effortUnknown          = "unknown"
)

var effortByComplexity = map[string]string{
	analysis.ComplexitySimple:   "1-2 hours",
	analysis.ComplexityModerate: "half day",
	analysis.ComplexityComplex:  "1-2 days",
}

// Candidate is a potential assignee with its calculated scores.
type Candidate struct {
	DeveloperEmail string  `json:"developer_email"`
	DeveloperName  string  `json:"developer_name,omitempty"`
	ExpertiseScore float64 `json:"expertise_score"`
	WorkloadScore  float64 `json:"workload_score"`
	CombinedScore  float64 `json:"combined_score"`
	IsActive       bool    `json:"is_active"`
	ActiveBugCount int     `json:"current_bug_count"`
}

// Result is the outcome of an assignment calculation. When RouteToHuman is
// set the assignee fields are empty and no Assignment row is recorded.
type Result struct {
	AssigneeEmail   string      `json:"assignee_email,omitempty"`
	AssigneeName    string      `json:"assignee_name,omitempty"`
	Confidence      float64     `json:"confidence"`
	Reasoning       string      `json:"reasoning"`
	EstimatedEffort string      `json:"estimated_effort"`
	Priority        string      `json:"priority"`
	RouteToHuman    bool        `json:"route_to_human"`
	Fallbacks       []Candidate `json:"fallback_candidates,omitempty"`
}

// ExpertiseSource yields ranked, active contributors for a file.
type ExpertiseSource interface {
	ActiveContributors(ctx context.Context, filePath string) []expertise.Score
}

// Storage is the slice of the store the engine needs: assignment history for
// loop prevention and workload, plus the tunable confidence threshold.
type Storage interface {
	HasAssignment(ctx context.Context, issueID, assigneeEmail string) (bool, error)
	CountActiveAssignments(ctx context.Context, assigneeEmail string) (int, error)
	InsertAssignment(ctx context.Context, issueID, issueURL, assigneeEmail string, confidence float64, reasoning string) (*store.Assignment, error)
	ConfigFloat(ctx context.Context, key string, fallback float64) float64
}

// Engine computes and records bug assignments.
type Engine struct {
	expertise ExpertiseSource
	db        Storage
	fallbackT float64
	now       func() time.Time
	log       *logging.Logger
}

// NewEngine wires an assignment engine. fallbackThreshold is used when the
// confidence_threshold config row is missing or unreadable; zero or negative
// selects the built-in default of 60.
func NewEngine(exp ExpertiseSource, db Storage, fallbackThreshold float64) *Engine {
	if fallbackThreshold <= 0 {
		fallbackThreshold = defaultThreshold
	}
	return &Engine{
		expertise: exp,
		db:        db,
		fallbackT: fallbackThreshold,
		now:       time.Now,
		log:       logging.Get(logging.CategoryAssign),
	}
}

// Assign calculates the best assignment for an issue and records it unless
// the result routes to a human.
func (e *Engine) Assign(ctx context.Context, issueID, issueURL string, affectedFiles []string, bug *analysis.BugAnalysis) *Result {
	res := e.Calculate(ctx, issueID, affectedFiles, bug)
	if !res.RouteToHuman {
		e.Record(ctx, issueID, issueURL, res)
	}
	return res
}

// Calculate ranks candidates for the affected files and decides between
// auto-assignment and human triage. It never fails: missing inputs degrade
// to a route-to-human result.
func (e *Engine) Calculate(ctx context.Context, issueID string, affectedFiles []string, bug *analysis.BugAnalysis) *Result {
	timer := logging.StartTimer(logging.CategoryAssign, "CalculateAssignment")
	defer timer.Stop()

	e.log.Info("Calculating assignment for issue %s affecting %d files", issueID, len(affectedFiles))

	candidates, fileScores := e.assembleCandidates(ctx, affectedFiles)
	if len(candidates) == 0 {
		e.log.Warn("No active contributors found for issue %s", issueID)
		return &Result{
			Reasoning:       "No active contributors found for affected files",
			EstimatedEffort: effortUnknown,
			Priority:        PriorityMedium,
			RouteToHuman:    true,
		}
	}

	var valid []Candidate
	for _, c := range candidates {
		if e.wouldLoop(ctx, issueID, c.DeveloperEmail) {
			e.log.Debug("Skipping %s due to assignment loop", c.DeveloperEmail)
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		e.log.Warn("All candidates would create assignment loops for issue %s", issueID)
		fallbacks := candidates
		if len(fallbacks) > 3 {
			fallbacks = fallbacks[:3]
		}
		return &Result{
			Reasoning:       "All potential assignees would create assignment loops",
			EstimatedEffort: effortUnknown,
			Priority:        PriorityMedium,
			RouteToHuman:    true,
			Fallbacks:       fallbacks,
		}
	}

	best := valid[0]
	fallbacks := valid[1:]
	if len(fallbacks) > 3 {
		fallbacks = fallbacks[:3]
	}

	confidence := e.ConfidenceScore(bug, fileScores, affectedFiles)
	threshold := e.db.ConfigFloat(ctx, keyConfidenceThreshold, e.fallbackT)
	routed := confidence < threshold

	res := &Result{
		Confidence:      confidence,
		Reasoning:       buildReasoning(best, bug, confidence, threshold, routed),
		EstimatedEffort: estimatedEffort(bug),
		Priority:        priorityFor(confidence),
		RouteToHuman:    routed,
		Fallbacks:       fallbacks,
	}
	if !routed {
		res.AssigneeEmail = best.DeveloperEmail
		res.AssigneeName = best.DeveloperName
	}

	e.log.Info("Assignment result for %s: assignee=%s, confidence=%.1f, route_to_human=%t",
		issueID, res.AssigneeEmail, confidence, routed)
	return res
}

// Record persists an auto-assignment. Route-to-human results are never
// recorded, and persistence failures are logged and swallowed so the
// pipeline keeps moving.
func (e *Engine) Record(ctx context.Context, issueID, issueURL string, res *Result) *store.Assignment {
	if res.RouteToHuman {
		e.log.Info("Not recording assignment for %s, routed to human triage", issueID)
		return nil
	}
	a, err := e.db.InsertAssignment(ctx, issueID, issueURL, res.AssigneeEmail, res.Confidence, res.Reasoning)
	if err != nil {
		e.log.Error("Failed to record assignment for %s: %v", issueID, err)
		return nil
	}
	e.log.Info("Recorded assignment %d for issue %s", a.ID, issueID)
	return a
}

// ConfidenceScore sums four bounded factors into a 0-100 score: AI analysis
// quality (0-40), best expertise score normalized against 1000 (0-35), the
// share of affected files with any expertise data (0-15), and a bonus of two
// points per score with a commit in the last 30 days (0-10). A missing input
// contributes nothing.
func (e *Engine) ConfidenceScore(bug *analysis.BugAnalysis, scores []expertise.Score, affectedFiles []string) float64 {
	var aiPts, expertisePts, coveragePts, recencyPts float64

	if bug != nil {
		aiPts = bug.Confidence * 40
	}

	if len(scores) > 0 {
		maxScore := scores[0].Score
		for _, s := range scores[1:] {
			if s.Score > maxScore {
				maxScore = s.Score
			}
		}
		expertisePts = math.Min(35, maxScore/1000*35)
	}

	if len(affectedFiles) > 0 && len(scores) > 0 {
		withExpertise := make(map[string]struct{}, len(scores))
		for _, s := range scores {
			withExpertise[s.FilePath] = struct{}{}
		}
		matched := make(map[string]struct{})
		for _, f := range affectedFiles {
			if _, ok := withExpertise[f]; ok {
				matched[f] = struct{}{}
			}
		}
		coveragePts = float64(len(matched)) / float64(len(affectedFiles)) * 15
	}

	if len(scores) > 0 {
		cutoff := e.now().Add(-30 * 24 * time.Hour)
		recent := 0
		for _, s := range scores {
			if s.LastCommitDate.After(cutoff) {
				recent++
			}
		}
		recencyPts = math.Min(10, float64(recent)*2)
	}

	total := math.Max(0, math.Min(100, aiPts+expertisePts+coveragePts+recencyPts))
	e.log.Info("Confidence calculation: AI=%.1f, Expertise=%.1f, Coverage=%.1f, Recency=%.1f -> Total=%.1f",
		aiPts, expertisePts, coveragePts, recencyPts, total)
	return total
}

// assembleCandidates walks the affected files once, accumulating expertise
// per developer across files. It also returns the flat per-file score list
// that confidence scoring consumes. Workload is sampled on the developer's
// first appearance.
func (e *Engine) assembleCandidates(ctx context.Context, affectedFiles []string) ([]Candidate, []expertise.Score) {
	byEmail := make(map[string]*Candidate)
	var order []string
	var all []expertise.Score

	for _, filePath := range affectedFiles {
		scores := e.expertise.ActiveContributors(ctx, filePath)
		all = append(all, scores...)

		for _, s := range scores {
			c, seen := byEmail[s.DeveloperEmail]
			if seen {
				c.ExpertiseScore += s.Score
				continue
			}
			active, err := e.db.CountActiveAssignments(ctx, s.DeveloperEmail)
			if err != nil {
				e.log.Warn("Could not get workload for %s: %v", s.DeveloperEmail, err)
				active = 0
			}
			byEmail[s.DeveloperEmail] = &Candidate{
				DeveloperEmail: s.DeveloperEmail,
				DeveloperName:  s.DeveloperName,
				ExpertiseScore: s.Score,
				WorkloadScore:  workloadScore(active),
				IsActive:       s.IsActive,
				ActiveBugCount: active,
			}
			order = append(order, s.DeveloperEmail)
		}
	}

	list := make([]Candidate, 0, len(order))
	for _, email := range order {
		c := byEmail[email]
		if !c.IsActive {
			continue
		}
		c.CombinedScore = 0.7*c.ExpertiseScore + 0.3*c.WorkloadScore*100
		list = append(list, *c)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CombinedScore > list[j].CombinedScore })

	e.log.Info("Found %d active assignment candidates", len(list))
	return list, all
}

// wouldLoop reports whether the issue has ever been assigned to this
// developer, in any status. A failed check counts as a loop so a flaky store
// cannot bounce an issue back to the same person.
func (e *Engine) wouldLoop(ctx context.Context, issueID, email string) bool {
	seen, err := e.db.HasAssignment(ctx, issueID, email)
	if err != nil {
		e.log.Error("Could not check assignment history for issue %s: %v", issueID, err)
		return true
	}
	if seen {
		e.log.Warn("Assignment loop detected: issue %s was previously assigned to %s", issueID, email)
	}
	return seen
}

// workloadScore decays exponentially with the number of open assignments.
// Zero bugs scores 1.0, five score roughly 0.37, ten roughly 0.14.
func workloadScore(activeCount int) float64 {
	return math.Exp(-float64(activeCount) / 5)
}

func buildReasoning(best Candidate, bug *analysis.BugAnalysis, confidence, threshold float64, routed bool) string {
	parts := []string{
		fmt.Sprintf("Selected %s based on combined expertise and workload analysis.", best.DeveloperEmail),
	}
	if bug != nil {
		parts = append(parts, fmt.Sprintf("AI analysis confidence: %.1f%%", bug.Confidence*100))
		if bug.FixComplexity != "" {
			parts = append(parts, fmt.Sprintf("Estimated complexity: %s", bug.FixComplexity))
		}
	}
	parts = append(parts,
		fmt.Sprintf("Developer expertise score: %.1f", best.ExpertiseScore),
		fmt.Sprintf("Current workload: %d active bugs", best.ActiveBugCount),
	)
	if routed {
		parts = append(parts, fmt.Sprintf("Confidence %.1f below threshold %.1f, routing to human triage", confidence, threshold))
	}
	return strings.Join(parts, " ")
}

func estimatedEffort(bug *analysis.BugAnalysis) string {
	if bug == nil {
		return effortUnknown
	}
	if effort, ok := effortByComplexity[bug.FixComplexity]; ok {
		return effort
	}
	return effortUnknown
}

func priorityFor(confidence float64) string {
	switch {
	case confidence >= 80:
		return PriorityHigh
	case confidence >= 60:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
