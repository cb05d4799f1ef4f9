package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"triagent/internal/breaker"
	"triagent/internal/expertise"
	"triagent/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Printf("Database ready at %s\n", cfg.Database.URL)
		return nil
	},
}

var (
	cleanupDecisionDays int
	cleanupExpertDays   int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove aged triage decisions, expertise rows and admin alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()

		res, err := db.Cleanup(cmd.Context(),
			time.Duration(cleanupDecisionDays)*24*time.Hour,
			time.Duration(cleanupExpertDays)*24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d decisions, %d expertise rows, %d admin alerts\n",
			res.DecisionsDeleted, res.ExpertiseDeleted, res.AlertsDeleted)
		return nil
	},
}

var expertiseNoCache bool

var expertiseCmd = &cobra.Command{
	Use:   "expertise [file]",
	Short: "Show ranked developer expertise for a file",
	Long: `Runs the blame-based expertise calculation for one file in the
configured repository and prints the ranked contributors. Useful for
checking what the assignment engine would see.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()

		runner := expertise.NewGitRunner(cfg.GitHub.RepoPath, cfg.BlameTimeout())
		engine := expertise.NewEngine(runner, db, breaker.NewManager(db))

		scores := engine.FileExpertise(cmd.Context(), args[0], !expertiseNoCache)
		if len(scores) == 0 {
			fmt.Printf("No expertise data for %s\n", args[0])
			return nil
		}

		fmt.Printf("Expertise for %s:\n", args[0])
		for i, s := range scores {
			fmt.Printf("%2d. %-35s score=%-10.1f lines=%-5d commits=%-4d last=%s\n",
				i+1, s.DeveloperEmail, s.Score, s.LinesOwned, s.CommitCount,
				s.LastCommitDate.Format("2006-01-02"))
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDecisionDays, "decision-days", 90, "Delete triage decisions older than this many days")
	cleanupCmd.Flags().IntVar(&cleanupExpertDays, "expertise-days", 30, "Delete expertise rows older than this many days")
	expertiseCmd.Flags().BoolVar(&expertiseNoCache, "no-cache", false, "Recompute instead of reading the 24h cache")
}
