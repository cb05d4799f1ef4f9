// Package config holds all triagent configuration. Values are layered:
// compiled defaults, then an optional YAML file, then a .env file, then
// process environment variables. Environment wins so deployments can
// override anything without touching files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"triagent/internal/logging"
)

// Config holds all triagent configuration.
type Config struct {
	// Database
	Database DatabaseConfig `yaml:"database"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// Source hosting (GitHub)
	GitHub GitHubConfig `yaml:"github"`

	// Chat (Slack)
	Slack SlackConfig `yaml:"slack"`

	// LLM (Gemini)
	Gemini GeminiConfig `yaml:"gemini"`

	// Triage pipeline tunables
	Triage TriageConfig `yaml:"triage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DatabaseConfig configures the sqlite store.
type DatabaseConfig struct {
	// URL is a sqlite path or DSN. ":memory:" is accepted for tests.
	URL string `yaml:"url"`
}

// ServerConfig configures the HTTP front.
type ServerConfig struct {
	Addr                  string `yaml:"addr"`
	WebhookTimeoutSeconds int    `yaml:"webhook_timeout_seconds"`
	// CORSOrigins lists the dashboard origins allowed to call the admin API.
	CORSOrigins []string `yaml:"cors_origins"`
}

// GitHubConfig configures the source-hosting adapter.
type GitHubConfig struct {
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
	// Repository is the "owner/name" the draft-fix generator targets.
	Repository string `yaml:"repository"`
	// RepoPath is the local clone used for blame.
	RepoPath string `yaml:"repo_path"`
	BaseURL  string `yaml:"base_url"`
}

// SlackConfig configures the chat adapter.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// GeminiConfig configures the LLM adapter.
type GeminiConfig struct {
	APIKey                 string `yaml:"api_key"`
	Model                  string `yaml:"model"`
	AnalysisTimeoutSeconds int    `yaml:"analysis_timeout_seconds"`
}

// TriageConfig holds pipeline tunables. ConfidenceThreshold and the
// duplicate window also live in system_config; these values seed the
// database defaults and act as fallbacks when the row is unreadable.
type TriageConfig struct {
	ConfidenceThreshold    float64 `yaml:"confidence_threshold"`
	DraftPREnabled         bool    `yaml:"draft_pr_enabled"`
	DuplicateWindowMinutes int     `yaml:"duplicate_window_minutes"`
	GitBlameTimeoutSeconds int     `yaml:"git_blame_timeout_seconds"`
	Workers                int     `yaml:"workers"`
	QueueSize              int     `yaml:"queue_size"`
}

// LoggingConfig configures the zap root logger built by the binary.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL: "triagent.db",
		},
		Server: ServerConfig{
			Addr:                  ":8000",
			WebhookTimeoutSeconds: 10,
			CORSOrigins:           []string{"http://localhost:3000", "http://localhost:5173"},
		},
		GitHub: GitHubConfig{
			RepoPath: ".",
			BaseURL:  "https://api.github.com",
		},
		Gemini: GeminiConfig{
			Model:                  "gemini-1.5-pro",
			AnalysisTimeoutSeconds: 30,
		},
		Triage: TriageConfig{
			ConfidenceThreshold:    60.0,
			DraftPREnabled:         true,
			DuplicateWindowMinutes: 10,
			GitBlameTimeoutSeconds: 5,
			Workers:                1,
			QueueSize:              100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from the optional YAML file at path, a
// best-effort .env file, and the process environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// .env is optional; absence is the normal case outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.Get(logging.CategoryConfig).Debug(".env not loaded: %v", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	log := logging.Get(logging.CategoryConfig)

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv("GITHUB_WEBHOOK_SECRET"); v != "" {
		c.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("GITHUB_REPOSITORY"); v != "" {
		c.GitHub.Repository = v
	}
	if v := os.Getenv("GITHUB_REPO_PATH"); v != "" {
		c.GitHub.RepoPath = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Slack.BotToken = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.Gemini.Model = v
	}

	if v := os.Getenv("CONFIDENCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 100 {
			log.Warn("ignoring invalid CONFIDENCE_THRESHOLD=%q", v)
		} else {
			c.Triage.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("DRAFT_PR_ENABLED"); v != "" {
		c.Triage.DraftPREnabled = parseBool(v, c.Triage.DraftPREnabled)
	}

	intEnv(log, "DUPLICATE_DETECTION_WINDOW_MINUTES", &c.Triage.DuplicateWindowMinutes)
	intEnv(log, "WEBHOOK_TIMEOUT_SECONDS", &c.Server.WebhookTimeoutSeconds)
	intEnv(log, "GIT_BLAME_TIMEOUT_SECONDS", &c.Triage.GitBlameTimeoutSeconds)
	intEnv(log, "AI_ANALYSIS_TIMEOUT_SECONDS", &c.Gemini.AnalysisTimeoutSeconds)
	intEnv(log, "TRIAGE_WORKERS", &c.Triage.Workers)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.CORSOrigins = origins
	}
}

func intEnv(log *logging.Logger, name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn("ignoring invalid %s=%q", name, v)
		return
	}
	*dst = n
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Server.WebhookTimeoutSeconds <= 0 {
		return fmt.Errorf("webhook timeout must be positive, got %d", c.Server.WebhookTimeoutSeconds)
	}
	if c.Gemini.AnalysisTimeoutSeconds <= 0 {
		return fmt.Errorf("analysis timeout must be positive, got %d", c.Gemini.AnalysisTimeoutSeconds)
	}
	if c.Triage.GitBlameTimeoutSeconds <= 0 {
		return fmt.Errorf("blame timeout must be positive, got %d", c.Triage.GitBlameTimeoutSeconds)
	}
	if c.Triage.ConfidenceThreshold < 0 || c.Triage.ConfidenceThreshold > 100 {
		return fmt.Errorf("confidence threshold out of range: %v", c.Triage.ConfidenceThreshold)
	}
	if c.Triage.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Triage.Workers)
	}
	return nil
}

// WebhookTimeout returns the ingress handler deadline.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Server.WebhookTimeoutSeconds) * time.Second
}

// AnalysisTimeout returns the per-attempt LLM deadline.
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Gemini.AnalysisTimeoutSeconds) * time.Second
}

// BlameTimeout returns the per-file blame subprocess deadline.
func (c *Config) BlameTimeout() time.Duration {
	return time.Duration(c.Triage.GitBlameTimeoutSeconds) * time.Second
}

// DuplicateWindow returns the webhook dedup window.
func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.Triage.DuplicateWindowMinutes) * time.Minute
}
