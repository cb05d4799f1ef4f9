package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triagent/internal/store"
)

func TestDashboardStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedUser(t, f.db, "alice@example.com", "U11111111", "Alice Smith")
	seedUser(t, f.db, "bob@example.com", "U22222222", "Bob Jones")

	for _, a := range []struct {
		issueID    string
		email      string
		confidence float64
	}{
		{"101", "alice@example.com", 80},
		{"102", "alice@example.com", 90},
		{"103", "bob@example.com", 60},
	} {
		_, err := f.db.InsertAssignment(ctx, a.issueID,
			"https://github.com/acme/app/issues/"+a.issueID, a.email, a.confidence, "expertise match")
		require.NoError(t, err)
	}
	done, err := f.db.InsertAssignment(ctx, "104",
		"https://github.com/acme/app/issues/104", "bob@example.com", 99, "expertise match")
	require.NoError(t, err)
	require.NoError(t, f.db.UpdateAssignmentStatus(ctx, done.ID, store.AssignmentStatusCompleted))

	_, err = f.db.InsertTriageDecision(ctx, &store.TriageDecision{
		IssueID:          "101",
		AffectedFiles:    []string{"app/payment.py"},
		RootCause:        "Division by zero on empty cart",
		Confidence:       80,
		DraftPRURL:       "https://github.com/acme/app/pull/7",
		ProcessingTimeMS: 1200,
	})
	require.NoError(t, err)
	_, err = f.db.InsertTriageDecision(ctx, &store.TriageDecision{
		IssueID:          "102",
		RootCause:        "Nil map write in session cache",
		Confidence:       90,
		ProcessingTimeMS: 800,
	})
	require.NoError(t, err)
	_, err = f.db.InsertTriageDecision(ctx, &store.TriageDecision{
		IssueID:          "900",
		Confidence:       10,
		ProcessingTimeMS: 9999,
		CreatedAt:        time.Now().UTC().Add(-48 * time.Hour),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/dashboard/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[teamStats](t, rec)

	require.Len(t, body.Developers, 2)
	alice := body.Developers[0]
	assert.Equal(t, "alice@example.com", alice.Email)
	assert.Equal(t, "Alice Smith", alice.DisplayName)
	assert.Equal(t, 2, alice.BugCount)
	assert.Equal(t, 85.0, alice.AverageConfidence)
	assert.False(t, alice.IsOverloaded)

	bob := body.Developers[1]
	assert.Equal(t, 1, bob.BugCount, "completed assignments do not count as load")
	assert.Equal(t, 60.0, bob.AverageConfidence)

	assert.Equal(t, 3, body.TotalActiveBugs)
	assert.Equal(t, 76.7, body.AverageConfidence, "load-weighted across developers")

	require.Len(t, body.RecentDecisions, 2, "two-day-old decisions stay out of the feed")
	assert.Equal(t, "102", body.RecentDecisions[0].IssueID, "newest first")
	assert.False(t, body.RecentDecisions[0].HasDraftPR)
	assert.True(t, body.RecentDecisions[1].HasDraftPR)
	assert.Equal(t, []string{"app/payment.py"}, body.RecentDecisions[1].AffectedFiles)

	assert.Equal(t, 2, body.ProcessingMetrics.DecisionsLast24h)
	assert.Equal(t, 2, body.ProcessingMetrics.DecisionsLast1h)
	assert.Equal(t, 1000.0, body.ProcessingMetrics.AverageProcessingTimeMS)
}

func TestDashboardStatsFlagsOverload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedUser(t, f.db, "busy@example.com", "U33333333", "Busy Bee")
	for i := 0; i < 6; i++ {
		_, err := f.db.InsertAssignment(ctx, fmt.Sprintf("2%02d", i),
			"https://github.com/acme/app/issues/2", "busy@example.com", 70, "expertise match")
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/dashboard/stats", nil)
	body := decode[teamStats](t, rec)
	require.Len(t, body.Developers, 1)
	assert.Equal(t, 6, body.Developers[0].BugCount)
	assert.True(t, body.Developers[0].IsOverloaded)
}

func TestDashboardStatsEmpty(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/dashboard/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[teamStats](t, rec)
	assert.Empty(t, body.Developers)
	assert.Empty(t, body.RecentDecisions)
	assert.Zero(t, body.TotalActiveBugs)
	assert.Zero(t, body.AverageConfidence)
	assert.Zero(t, body.ProcessingMetrics.AverageProcessingTimeMS)
}

func TestBusFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedUser(t, f.db, "alice@example.com", "U11111111", "Alice Smith")
	seedUser(t, f.db, "bob@example.com", "U22222222", "Bob Jones")
	seedUser(t, f.db, "carol@example.com", "U33333333", "Carol Chen")
	require.NoError(t, f.db.DeactivateUser(ctx, "carol@example.com"))

	now := time.Now().UTC()
	require.NoError(t, f.db.ReplaceExpertise(ctx, "pkg/auth.go", []store.ExpertiseRow{
		{DeveloperEmail: "alice@example.com", Score: 100, CommitCount: 10, LinesOwned: 500, LastCommitDate: now},
		{DeveloperEmail: "bob@example.com", Score: 20, CommitCount: 2, LinesOwned: 40, LastCommitDate: now},
	}))
	require.NoError(t, f.db.ReplaceExpertise(ctx, "pkg/shared.go", []store.ExpertiseRow{
		{DeveloperEmail: "alice@example.com", Score: 50, CommitCount: 5, LinesOwned: 200, LastCommitDate: now},
		{DeveloperEmail: "bob@example.com", Score: 45, CommitCount: 4, LinesOwned: 180, LastCommitDate: now},
	}))
	require.NoError(t, f.db.ReplaceExpertise(ctx, "pkg/billing.go", []store.ExpertiseRow{
		{DeveloperEmail: "bob@example.com", Score: 90, CommitCount: 9, LinesOwned: 400, LastCommitDate: now},
	}))
	require.NoError(t, f.db.ReplaceExpertise(ctx, "pkg/legacy.go", []store.ExpertiseRow{
		{DeveloperEmail: "carol@example.com", Score: 100, CommitCount: 10, LinesOwned: 600, LastCommitDate: now},
	}))

	rec := f.do(t, http.MethodGet, "/api/dashboard/bus-factor", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[busFactorData](t, rec)

	assert.Equal(t, 3, body.TotalFilesAnalyzed, "inactive developers drop out of the analysis")
	assert.Equal(t, 2, body.HighRiskCount)
	require.Len(t, body.RiskFiles, 2)

	auth := body.RiskFiles[0]
	assert.Equal(t, "pkg/auth.go", auth.FilePath)
	assert.Equal(t, "alice@example.com", auth.PrimaryOwner)
	assert.Equal(t, 100.0, auth.OwnershipScore)
	assert.Equal(t, 500, auth.LinesOwned)
	assert.True(t, auth.HasBackup)
	assert.Equal(t, 80.0, auth.ExpertiseGap)

	billing := body.RiskFiles[1]
	assert.Equal(t, "pkg/billing.go", billing.FilePath)
	assert.Equal(t, "bob@example.com", billing.PrimaryOwner)
	assert.False(t, billing.HasBackup)
	assert.Equal(t, 90.0, billing.ExpertiseGap)

	require.Len(t, body.OwnershipData, 2)
	alice := body.OwnershipData[0]
	assert.Equal(t, "alice@example.com", alice.DeveloperEmail)
	assert.Equal(t, "Alice Smith", alice.DisplayName)
	assert.Equal(t, 2, alice.TotalFiles)
	assert.Equal(t, 1, alice.PrimaryFiles)
	assert.Equal(t, 50.0, alice.OwnershipPercentage)
	assert.True(t, alice.IsHighConcentration)

	bob := body.OwnershipData[1]
	assert.Equal(t, "bob@example.com", bob.DeveloperEmail)
	assert.Equal(t, 3, bob.TotalFiles)
	assert.Equal(t, 1, bob.PrimaryFiles, "a 50-point top score is not primary ownership")
	assert.Equal(t, 33.3, bob.OwnershipPercentage)
	assert.False(t, bob.IsHighConcentration)
}

func TestBusFactorEmpty(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/dashboard/bus-factor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[busFactorData](t, rec)
	assert.Empty(t, body.RiskFiles)
	assert.Empty(t, body.OwnershipData)
	assert.Zero(t, body.TotalFilesAnalyzed)
	assert.Zero(t, body.HighRiskCount)
}

func TestDashboardHealthReportsMissingIntegrations(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/dashboard/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)

	assert.Equal(t, "degraded", body["system_status"])
	deps, ok := body["api_dependencies"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, deps["github_configured"])
	assert.Equal(t, false, deps["slack_configured"])
	assert.Equal(t, false, deps["gemini_configured"])
	assert.Equal(t, false, deps["webhook_secret_configured"])

	perf, ok := body["performance_metrics"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "good", perf["performance_status"])
	assert.Equal(t, float64(targetProcessingMS), perf["target_processing_time_ms"])
}

func TestDashboardHealthHealthyWhenConfigured(t *testing.T) {
	f := newFixture(t)
	f.cfg.GitHub.Token = "ghp_test"
	f.cfg.GitHub.WebhookSecret = "hush"
	f.cfg.Slack.BotToken = "xoxb-test"
	f.cfg.Gemini.APIKey = "test-key"

	_, err := f.db.InsertTriageDecision(context.Background(), &store.TriageDecision{
		IssueID: "1", Confidence: 80, ProcessingTimeMS: 4200,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/dashboard/health", nil)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["system_status"])

	perf := body["performance_metrics"].(map[string]any)
	assert.Equal(t, 4200.0, perf["average_processing_time_ms"])
	assert.Equal(t, 1.0, perf["decisions_last_hour"])
	assert.Equal(t, "good", perf["performance_status"])
}

func TestDashboardHealthFlagsSlowPipeline(t *testing.T) {
	f := newFixture(t)
	f.cfg.GitHub.Token = "ghp_test"
	f.cfg.GitHub.WebhookSecret = "hush"
	f.cfg.Slack.BotToken = "xoxb-test"
	f.cfg.Gemini.APIKey = "test-key"

	_, err := f.db.InsertTriageDecision(context.Background(), &store.TriageDecision{
		IssueID: "1", Confidence: 80, ProcessingTimeMS: 15000,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/dashboard/health", nil)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["system_status"])

	perf := body["performance_metrics"].(map[string]any)
	assert.Equal(t, "degraded", perf["performance_status"])
}
