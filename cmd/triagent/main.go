package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"triagent/internal/config"
	"triagent/internal/logging"
)

// version is stamped by release builds via -ldflags "-X main.version=...".
var version = "1.0.0"

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "triagent",
	Short: "Autonomous bug triage engine",
	Long: `triagent ingests GitHub issue and pull request webhooks, parses any
embedded stack trace, analyzes the report with an LLM, scores developer
expertise from git history, and assigns an owner with an explicit
confidence score. High-confidence bugs get a draft fix opened as a draft
pull request; low-confidence ones escalate to the on-call engineer over
chat.

Run "triagent serve" to start the engine.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Flags-only logger so configuration loading itself is logged; the
		// command rebuilds it once the config file and env are read.
		logger, err := buildLogger("", false)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Initialize(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the triagent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("triagent %s\n", version)
	},
}

// buildLogger assembles the zap root. The --verbose flag forces debug and
// beats any configured level.
func buildLogger(level string, development bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if development {
		zcfg = zap.NewDevelopmentConfig()
	}
	switch {
	case verbose:
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case level != "":
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return zcfg.Build()
}

// loadConfig reads the layered configuration and reinstalls the logger with
// the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := buildLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	logging.Initialize(logger)
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "triagent.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(expertiseCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
