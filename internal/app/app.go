// Package app assembles the triage engine from configuration. Every
// component is constructed explicitly and handed its collaborators, so the
// whole pipeline can be stood up against fakes in tests and no package
// carries singleton state.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"triagent/internal/analysis"
	"triagent/internal/assign"
	"triagent/internal/audit"
	"triagent/internal/breaker"
	"triagent/internal/config"
	"triagent/internal/draftfix"
	"triagent/internal/expertise"
	"triagent/internal/githost"
	"triagent/internal/logging"
	"triagent/internal/notify"
	"triagent/internal/server"
	"triagent/internal/store"
	"triagent/internal/webhook"
	"triagent/internal/worker"
)

// shutdownGrace bounds how long in-flight HTTP requests may take once a
// shutdown signal arrives.
const shutdownGrace = 10 * time.Second

// App owns the long-lived components of a running triage engine.
type App struct {
	Config   *config.Config
	Store    *store.Store
	Breakers *breaker.Manager
	Queue    *worker.Queue
	Workers  *worker.Worker

	// Experts is exposed for the expertise CLI command.
	Experts *expertise.Engine

	web     *server.Server
	version string
}

// New opens the database, runs migrations, and wires the full pipeline.
// Missing integration credentials degrade features instead of failing
// startup: without a model key analysis serves the keyword heuristic,
// without a hosting token no draft fixes are attempted, and without a chat
// token notifications are parked for replay.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	breakers := breaker.NewManager(db)

	var gen analysis.Generator
	if cfg.Gemini.APIKey != "" {
		gemini, err := analysis.NewGeminiClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			logging.BootError("Model client unavailable, analysis degrades to heuristics: %v", err)
		} else {
			gen = gemini
			logging.Boot("Analysis model: %s", gemini.Name())
		}
	} else {
		logging.Boot("GEMINI_API_KEY not configured, analysis degrades to heuristics")
	}

	analyzer := analysis.NewEngine(gen, breakers, cfg.AnalysisTimeout())

	blame := expertise.NewGitRunner(cfg.GitHub.RepoPath, cfg.BlameTimeout())
	experts := expertise.NewEngine(blame, db, breakers)

	assigner := assign.NewEngine(experts, db, cfg.Triage.ConfidenceThreshold)

	host := githost.New(cfg.GitHub.Token, cfg.GitHub.BaseURL)
	if !host.Available() {
		logging.Boot("GITHUB_TOKEN not configured, draft fixes disabled")
	}

	sender := notify.NewSlackSender(cfg.Slack.BotToken)
	notifier := notify.NewService(sender, db, breakers)

	queue := worker.NewQueue(cfg.Triage.QueueSize)

	pipe := worker.Pipeline{
		Analyzer: analyzer,
		Assigner: assigner,
		Notifier: notifier,
		Recorder: audit.NewRecorder(db),
		Settings: db,
	}
	// A typed nil here would defeat the worker's nil check, so the fixer is
	// only attached when a model is actually available.
	if gen != nil {
		pipe.Fixer = draftfix.NewGenerator(gen, host, breakers, cfg.AnalysisTimeout())
	}

	workers := worker.New(queue, pipe, worker.Options{
		Workers:        cfg.Triage.Workers,
		DraftPREnabled: cfg.Triage.DraftPREnabled,
	})

	ingress := webhook.NewHandler(cfg.GitHub.WebhookSecret, cfg.DuplicateWindow(), db, queue)
	web := server.New(cfg, db, breakers, ingress, version)

	return &App{
		Config:   cfg,
		Store:    db,
		Breakers: breakers,
		Queue:    queue,
		Workers:  workers,
		Experts:  experts,
		web:      web,
		version:  version,
	}, nil
}

// Handler returns the assembled HTTP route tree.
func (a *App) Handler() http.Handler {
	return a.web.Router()
}

// Run starts the workers and serves HTTP until ctx is cancelled, then shuts
// the server down gracefully and drains in-flight triage jobs. Jobs still
// queued at shutdown are dropped.
func (a *App) Run(ctx context.Context) error {
	a.Workers.Start()
	defer a.Workers.Stop()

	httpSrv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Boot("Triage engine %s listening on %s", a.version, httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logging.Boot("Shutdown requested, draining in-flight work")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases the database. Call after Run returns.
func (a *App) Close() error {
	return a.Store.Close()
}
