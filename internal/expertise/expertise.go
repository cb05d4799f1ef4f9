// Package expertise derives code-ownership scores from version control
// history. Blame attributes lines to authors; bots and merge commits are
// filtered out; the survivors are scored by lines owned, distinct commits
// and recency, then cached for a day.
package expertise

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"triagent/internal/breaker"
	"triagent/internal/logging"
	"triagent/internal/store"
)

// Score is one developer's measured expertise on a file.
type Score struct {
	DeveloperEmail string    `json:"developer_email"`
	DeveloperName  string    `json:"developer_name,omitempty"`
	FilePath       string    `json:"file_path"`
	Score          float64   `json:"score"`
	CommitCount    int       `json:"commit_count"`
	LastCommitDate time.Time `json:"last_commit_date"`
	LinesOwned     int       `json:"lines_owned"`
	RecencyWeight  float64   `json:"recency_weight"`
	IsActive       bool      `json:"is_active"`
}

// Storage is the slice of the store the engine needs.
type Storage interface {
	CachedExpertise(ctx context.Context, filePath string, maxAge time.Duration) ([]store.ExpertiseRow, error)
	ReplaceExpertise(ctx context.Context, filePath string, batch []store.ExpertiseRow) error
	GetUserByEmail(ctx context.Context, gitEmail string) (*store.User, error)
}

// cacheTTL is how long a computed batch stays authoritative.
const cacheTTL = 24 * time.Hour

var botEmailPatterns = []*regexp.Regexp{
	regexp.MustCompile(`bot`),
	regexp.MustCompile(`noreply`),
	regexp.MustCompile(`github.*@`),
	regexp.MustCompile(`dependabot`),
	regexp.MustCompile(`renovate`),
	regexp.MustCompile(`automation`),
	regexp.MustCompile(`ci.*@`),
	regexp.MustCompile(`deploy.*@`),
}

var botNameKeywords = []string{"bot", "automation", "ci", "deploy", "github", "dependabot", "renovate"}

var mergeSubjectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^Merge pull request #\d+`),
	regexp.MustCompile(`^Merge branch`),
	regexp.MustCompile(`^Merge remote-tracking branch`),
	regexp.MustCompile(`^Auto-merge`),
	regexp.MustCompile(`^Automatic merge`),
}

// isBotAccount reports whether the author looks like automation rather than
// a person.
func isBotAccount(email, name string) bool {
	emailLower := strings.ToLower(email)
	for _, p := range botEmailPatterns {
		if p.MatchString(emailLower) {
			return true
		}
	}
	nameLower := strings.ToLower(name)
	for _, kw := range botNameKeywords {
		if strings.Contains(nameLower, kw) {
			return true
		}
	}
	return false
}

// isMergeCommit reports whether a commit subject is a merge artifact whose
// lines should not count as authorship.
func isMergeCommit(subject string) bool {
	subject = strings.TrimSpace(subject)
	for _, p := range mergeSubjectPatterns {
		if p.MatchString(subject) {
			return true
		}
	}
	return false
}

// Engine computes and caches per-file expertise.
type Engine struct {
	runner   BlameRunner
	db       Storage
	breakers *breaker.Manager
	now      func() time.Time
	log      *logging.Logger
}

// NewEngine wires the blame runner and store together.
func NewEngine(runner BlameRunner, db Storage, breakers *breaker.Manager) *Engine {
	return &Engine{
		runner:   runner,
		db:       db,
		breakers: breakers,
		now:      time.Now,
		log:      logging.Get(logging.CategoryExpertise),
	}
}

// recencyWeight decays exponentially with the age of the last commit and
// never drops below 0.1.
func (e *Engine) recencyWeight(lastCommit time.Time) float64 {
	ageDays := e.now().Sub(lastCommit).Hours() / 24
	return math.Max(0.1, math.Exp(-ageDays/365))
}

// FileExpertise returns expertise scores for a file, highest first. A fresh
// cache batch is served with recency recomputed against the current clock;
// otherwise blame runs and the result is cached. Errors degrade to an empty
// list so triage falls through to human routing.
func (e *Engine) FileExpertise(ctx context.Context, filePath string, useCache bool) []Score {
	if useCache {
		if scores := e.cachedScores(ctx, filePath); len(scores) > 0 {
			return scores
		}
	}

	e.log.Info("Calculating fresh expertise scores for %s", filePath)
	scores := e.computeScores(ctx, filePath)
	if len(scores) > 0 {
		e.writeCache(ctx, filePath, scores)
	}
	return scores
}

// ActiveContributors filters FileExpertise down to developers whose user
// mapping is active. An empty result routes the issue to a human.
func (e *Engine) ActiveContributors(ctx context.Context, filePath string) []Score {
	all := e.FileExpertise(ctx, filePath, true)

	var active []Score
	for _, s := range all {
		if s.IsActive {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		e.log.Warn("No active contributors found for %s, routing to human triage", filePath)
		return nil
	}
	return active
}

// PrimaryAndFallbacks returns the best active contributor and up to four
// alternates.
func (e *Engine) PrimaryAndFallbacks(ctx context.Context, filePath string) (*Score, []Score) {
	active := e.ActiveContributors(ctx, filePath)
	if len(active) == 0 {
		return nil, nil
	}
	primary := active[0]
	fallbacks := active[1:]
	if len(fallbacks) > 4 {
		fallbacks = fallbacks[:4]
	}
	return &primary, fallbacks
}

// cachedScores serves a batch calculated within the TTL. Raw counts are
// authoritative; recency and the derived score are recomputed against the
// current clock so a day-old batch does not overstate freshness.
func (e *Engine) cachedScores(ctx context.Context, filePath string) []Score {
	rows, err := e.db.CachedExpertise(ctx, filePath, cacheTTL)
	if err != nil {
		e.log.Warn("Failed to read expertise cache for %s: %v", filePath, err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}

	scores := make([]Score, 0, len(rows))
	for _, row := range rows {
		weight := e.recencyWeight(row.LastCommitDate)
		scores = append(scores, Score{
			DeveloperEmail: row.DeveloperEmail,
			FilePath:       row.FilePath,
			Score:          float64(row.LinesOwned) * float64(row.CommitCount) * weight,
			CommitCount:    row.CommitCount,
			LastCommitDate: row.LastCommitDate,
			LinesOwned:     row.LinesOwned,
			RecencyWeight:  weight,
			IsActive:       e.isDeveloperActive(ctx, row.DeveloperEmail),
		})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })

	e.log.Info("Using cached expertise data for %s (%d developers)", filePath, len(scores))
	return scores
}

// computeScores runs blame behind the git_operations breaker and aggregates
// the surviving records per author.
func (e *Engine) computeScores(ctx context.Context, filePath string) []Score {
	timer := logging.StartTimer(logging.CategoryExpertise, "ComputeScores")
	defer timer.Stop()

	records, _, err := breaker.Execute(ctx, e.breakers, breaker.ServiceGitOps,
		func(ctx context.Context) ([]BlameRecord, error) {
			return e.runner.Blame(ctx, filePath)
		}, nil)
	if err != nil {
		e.log.Warn("Blame unavailable for %s: %v", filePath, err)
		return nil
	}
	if len(records) == 0 {
		e.log.Warn("No blame entries found for %s", filePath)
		return nil
	}

	type authorStats struct {
		name       string
		lines      int
		commits    map[string]struct{}
		lastCommit time.Time
	}
	stats := make(map[string]*authorStats)
	subjects := make(map[string]string)

	for _, rec := range records {
		if isBotAccount(rec.AuthorEmail, rec.AuthorName) {
			continue
		}

		subject, seen := subjects[rec.CommitHash]
		if !seen {
			// Lookup failures leave the subject empty, which never
			// matches a merge pattern, so the line still counts.
			subject, _ = e.runner.CommitSubject(ctx, rec.CommitHash)
			subjects[rec.CommitHash] = subject
		}
		if isMergeCommit(subject) {
			continue
		}

		st, ok := stats[rec.AuthorEmail]
		if !ok {
			st = &authorStats{name: rec.AuthorName, commits: make(map[string]struct{}), lastCommit: rec.CommitDate}
			stats[rec.AuthorEmail] = st
		}
		st.lines++
		st.commits[rec.CommitHash] = struct{}{}
		if rec.CommitDate.After(st.lastCommit) {
			st.lastCommit = rec.CommitDate
		}
	}

	scores := make([]Score, 0, len(stats))
	for email, st := range stats {
		weight := e.recencyWeight(st.lastCommit)
		scores = append(scores, Score{
			DeveloperEmail: email,
			DeveloperName:  st.name,
			FilePath:       filePath,
			Score:          float64(st.lines) * float64(len(st.commits)) * weight,
			CommitCount:    len(st.commits),
			LastCommitDate: st.lastCommit,
			LinesOwned:     st.lines,
			RecencyWeight:  weight,
			IsActive:       e.isDeveloperActive(ctx, email),
		})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return scores
}

// writeCache persists a computed batch. Cache failures are logged and
// swallowed; expertise is still returned to the caller.
func (e *Engine) writeCache(ctx context.Context, filePath string, scores []Score) {
	batch := make([]store.ExpertiseRow, 0, len(scores))
	for _, s := range scores {
		batch = append(batch, store.ExpertiseRow{
			FilePath:       s.FilePath,
			DeveloperEmail: s.DeveloperEmail,
			Score:          s.Score,
			CommitCount:    s.CommitCount,
			LastCommitDate: s.LastCommitDate,
			LinesOwned:     s.LinesOwned,
		})
	}
	if err := e.db.ReplaceExpertise(ctx, filePath, batch); err != nil {
		e.log.Error("Failed to cache expertise scores for %s: %v", filePath, err)
	}
}

// isDeveloperActive checks the user mapping. Unknown developers and lookup
// failures both count as active so transient store trouble cannot erase
// expertise.
func (e *Engine) isDeveloperActive(ctx context.Context, email string) bool {
	u, err := e.db.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		e.log.Warn("Could not check active status for %s: %v", email, err)
		return true
	}
	return u.IsActive
}
