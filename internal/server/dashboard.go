package server

import (
	"math"
	"net/http"
	"sort"
	"time"

	"triagent/internal/store"
)

const (
	// overloadThreshold is the open-bug count past which a developer is
	// flagged on the dashboard.
	overloadThreshold = 5
	// recentDecisionLimit caps the decision feed on the stats endpoint.
	recentDecisionLimit = 20
	// riskGapShare is the top-vs-second expertise gap, as a share of the
	// top score, past which a file counts as a knowledge risk.
	riskGapShare = 0.7
	// primaryScoreFloor is the minimum expertise score for a file to count
	// toward a developer's primary ownership.
	primaryScoreFloor = 60.0
	// concentrationThreshold is the primary-ownership percentage past which
	// a developer is flagged as a concentration risk.
	concentrationThreshold = 40.0
	// targetProcessingMS is the triage latency target for the health view.
	targetProcessingMS = 10000
)

type developerStat struct {
	Email             string  `json:"email"`
	DisplayName       string  `json:"display_name"`
	BugCount          int     `json:"bug_count"`
	AverageConfidence float64 `json:"average_confidence"`
	IsOverloaded      bool    `json:"is_overloaded"`
}

type recentDecision struct {
	IssueID          string    `json:"issue_id"`
	Confidence       float64   `json:"confidence"`
	AffectedFiles    []string  `json:"affected_files"`
	RootCause        string    `json:"root_cause"`
	HasDraftPR       bool      `json:"has_draft_pr"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

type processingMetrics struct {
	AverageProcessingTimeMS float64 `json:"average_processing_time_ms"`
	DecisionsLast24h        int     `json:"decisions_last_24h"`
	DecisionsLast1h         int     `json:"decisions_last_1h"`
}

type teamStats struct {
	Developers        []developerStat   `json:"developers"`
	RecentDecisions   []recentDecision  `json:"recent_decisions"`
	TotalActiveBugs   int               `json:"total_active_bugs"`
	AverageConfidence float64           `json:"average_confidence"`
	ProcessingMetrics processingMetrics `json:"processing_metrics"`
}

// handleDashboardStats reports per-developer load, the recent decision
// feed, and processing metrics over the last 24 hours.
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	loads, err := s.db.ActiveAssignmentLoads(ctx)
	if err != nil {
		s.internalError(w, "Failed to retrieve team statistics", err)
		return
	}
	users, err := s.db.ListUsers(ctx, false)
	if err != nil {
		s.internalError(w, "Failed to retrieve team statistics", err)
		return
	}
	recent, err := s.db.RecentDecisions(ctx, 24*time.Hour)
	if err != nil {
		s.internalError(w, "Failed to retrieve team statistics", err)
		return
	}

	loadByEmail := make(map[string]store.DeveloperLoad, len(loads))
	for _, l := range loads {
		loadByEmail[l.AssigneeEmail] = l
	}

	developers := make([]developerStat, 0, len(users))
	var totalBugs int
	var confidenceSum float64
	for _, u := range users {
		l := loadByEmail[u.GitEmail]
		developers = append(developers, developerStat{
			Email:             u.GitEmail,
			DisplayName:       u.DisplayName,
			BugCount:          l.BugCount,
			AverageConfidence: round1(l.AvgConfidence),
			IsOverloaded:      l.BugCount > overloadThreshold,
		})
		totalBugs += l.BugCount
		confidenceSum += l.AvgConfidence * float64(l.BugCount)
	}
	var overallConfidence float64
	if totalBugs > 0 {
		overallConfidence = confidenceSum / float64(totalBugs)
	}

	decisionsLast24h := len(recent)
	if len(recent) > recentDecisionLimit {
		recent = recent[:recentDecisionLimit]
	}
	feed := make([]recentDecision, 0, len(recent))
	var totalMS int64
	var lastHour int
	hourAgo := time.Now().UTC().Add(-time.Hour)
	for _, d := range recent {
		feed = append(feed, recentDecision{
			IssueID:          d.IssueID,
			Confidence:       d.Confidence,
			AffectedFiles:    d.AffectedFiles,
			RootCause:        d.RootCause,
			HasDraftPR:       d.DraftPRURL != "",
			ProcessingTimeMS: d.ProcessingTimeMS,
			CreatedAt:        d.CreatedAt,
		})
		totalMS += d.ProcessingTimeMS
		if d.CreatedAt.After(hourAgo) {
			lastHour++
		}
	}
	var avgMS float64
	if len(recent) > 0 {
		avgMS = float64(totalMS) / float64(len(recent))
	}

	writeJSON(w, http.StatusOK, teamStats{
		Developers:        developers,
		RecentDecisions:   feed,
		TotalActiveBugs:   totalBugs,
		AverageConfidence: round1(overallConfidence),
		ProcessingMetrics: processingMetrics{
			AverageProcessingTimeMS: round2(avgMS),
			DecisionsLast24h:        decisionsLast24h,
			DecisionsLast1h:         lastHour,
		},
	})
}

type riskFile struct {
	FilePath       string  `json:"file_path"`
	PrimaryOwner   string  `json:"primary_owner"`
	OwnershipScore float64 `json:"ownership_score"`
	LinesOwned     int     `json:"lines_owned"`
	HasBackup      bool    `json:"has_backup"`
	ExpertiseGap   float64 `json:"expertise_gap"`
}

type ownershipEntry struct {
	DeveloperEmail      string  `json:"developer_email"`
	DisplayName         string  `json:"display_name"`
	TotalFiles          int     `json:"total_files"`
	PrimaryFiles        int     `json:"primary_files"`
	OwnershipPercentage float64 `json:"ownership_percentage"`
	IsHighConcentration bool    `json:"is_high_concentration"`
}

type busFactorData struct {
	RiskFiles          []riskFile       `json:"risk_files"`
	OwnershipData      []ownershipEntry `json:"ownership_data"`
	TotalFilesAnalyzed int              `json:"total_files_analyzed"`
	HighRiskCount      int              `json:"high_risk_count"`
}

// handleBusFactor surfaces files whose knowledge sits with a single active
// developer, and how concentrated each developer's ownership is.
func (s *Server) handleBusFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rows, err := s.db.ListAllExpertise(ctx)
	if err != nil {
		s.internalError(w, "Failed to retrieve bus factor analysis", err)
		return
	}
	users, err := s.db.ListUsers(ctx, true)
	if err != nil {
		s.internalError(w, "Failed to retrieve bus factor analysis", err)
		return
	}

	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.GitEmail] = u.DisplayName
	}

	perFile := make(map[string][]store.ExpertiseRow)
	for _, row := range rows {
		if _, ok := names[row.DeveloperEmail]; !ok {
			continue
		}
		perFile[row.FilePath] = append(perFile[row.FilePath], row)
	}

	riskFiles := make([]riskFile, 0)
	totalFiles := make(map[string]int)
	primaryFiles := make(map[string]int)
	for path, devRows := range perFile {
		sort.Slice(devRows, func(i, j int) bool { return devRows[i].Score > devRows[j].Score })
		top := devRows[0]
		var second float64
		if len(devRows) > 1 {
			second = devRows[1].Score
		}
		gap := top.Score - second
		if second == 0 || gap > top.Score*riskGapShare {
			riskFiles = append(riskFiles, riskFile{
				FilePath:       path,
				PrimaryOwner:   top.DeveloperEmail,
				OwnershipScore: round2(top.Score),
				LinesOwned:     top.LinesOwned,
				HasBackup:      second > 0,
				ExpertiseGap:   round2(gap),
			})
		}
		if top.Score > primaryScoreFloor {
			primaryFiles[top.DeveloperEmail]++
		}
		for _, dr := range devRows {
			totalFiles[dr.DeveloperEmail]++
		}
	}
	sort.Slice(riskFiles, func(i, j int) bool { return riskFiles[i].FilePath < riskFiles[j].FilePath })

	ownership := make([]ownershipEntry, 0, len(totalFiles))
	for email, total := range totalFiles {
		primary := primaryFiles[email]
		pct := float64(primary) / float64(total) * 100
		display := names[email]
		if display == "" {
			display = email
		}
		ownership = append(ownership, ownershipEntry{
			DeveloperEmail:      email,
			DisplayName:         display,
			TotalFiles:          total,
			PrimaryFiles:        primary,
			OwnershipPercentage: round1(pct),
			IsHighConcentration: pct > concentrationThreshold,
		})
	}
	sort.Slice(ownership, func(i, j int) bool {
		if ownership[i].OwnershipPercentage != ownership[j].OwnershipPercentage {
			return ownership[i].OwnershipPercentage > ownership[j].OwnershipPercentage
		}
		return ownership[i].DeveloperEmail < ownership[j].DeveloperEmail
	})

	writeJSON(w, http.StatusOK, busFactorData{
		RiskFiles:          riskFiles,
		OwnershipData:      ownership,
		TotalFilesAnalyzed: len(perFile),
		HighRiskCount:      len(riskFiles),
	})
}

// handleDashboardHealth reports the admin view of system condition:
// database, configured integrations, and triage latency against target.
func (s *Server) handleDashboardHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbHealth := s.db.CheckHealth(ctx)

	apiDeps := map[string]bool{
		"github_configured":         s.cfg.GitHub.Token != "",
		"slack_configured":          s.cfg.Slack.BotToken != "",
		"gemini_configured":         s.cfg.Gemini.APIKey != "",
		"webhook_secret_configured": s.cfg.GitHub.WebhookSecret != "",
	}
	allConfigured := true
	for _, ok := range apiDeps {
		allConfigured = allConfigured && ok
	}

	recent, err := s.db.RecentDecisions(ctx, time.Hour)
	if err != nil {
		s.internalError(w, "Failed to retrieve health metrics", err)
		return
	}
	var totalMS int64
	for _, d := range recent {
		totalMS += d.ProcessingTimeMS
	}
	var avgMS float64
	if len(recent) > 0 {
		avgMS = float64(totalMS) / float64(len(recent))
	}
	perfStatus := "good"
	if avgMS >= targetProcessingMS {
		perfStatus = "degraded"
	}

	status := "healthy"
	if !dbHealth.OK || !allConfigured || perfStatus == "degraded" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"system_status":    status,
		"database_health":  dbHealth,
		"api_dependencies": apiDeps,
		"performance_metrics": map[string]any{
			"average_processing_time_ms": round2(avgMS),
			"decisions_last_hour":        len(recent),
			"target_processing_time_ms":  targetProcessingMS,
			"performance_status":         perfStatus,
		},
	})
}

func (s *Server) internalError(w http.ResponseWriter, detail string, err error) {
	s.log.Error("%s: %v", detail, err)
	writeError(w, http.StatusInternalServerError, detail)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
